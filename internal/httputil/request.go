package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetRequiredQueryParameters attempts to read the specified query parameters
// from the request and returns a map of the key value pairs. If any of the required
// query parameters are missing or blank, it'll write a 400 status code as well as
// the reasoning for the error into the ResponseWriter, and also set return false.
func GetRequiredQueryParameters(w http.ResponseWriter, r *http.Request, paramKeys ...string) (map[string]string, zerolog.Logger, bool) {
	params := make(map[string]string, len(paramKeys))
	logger := log.With()
	for _, key := range paramKeys {
		value := r.URL.Query().Get(key)
		if value == "" {
			http.Error(w, fmt.Sprintf("expected %s query parameter", key), http.StatusBadRequest)
			return nil, zerolog.Nop(), false
		}
		params[key] = value
		logger = logger.Str(key, value)
	}
	return params, logger.Logger(), true
}

// IntQueryParameter returns the non-negative integer value of key, or def
// when it is absent.
func IntQueryParameter(r *http.Request, key string, def int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%s should be a non-negative integer, got %q", key, value)
	}
	return i, nil
}

// BoolQueryParameter returns the boolean value of key, or def when it is
// absent.
func BoolQueryParameter(r *http.Request, key string, def bool) (bool, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s should be a boolean, got %q", key, value)
	}
	return b, nil
}

// IntListQueryParameter parses a comma separated list of non-negative
// integers. Repeated keys are concatenated.
func IntListQueryParameter(r *http.Request, key string) ([]int, error) {
	var ints []int
	for _, value := range r.URL.Query()[key] {
		for _, part := range strings.Split(value, ",") {
			if part == "" {
				continue
			}
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("%s should be a list of node ids, got %q", key, value)
			}
			ints = append(ints, i)
		}
	}
	return ints, nil
}
