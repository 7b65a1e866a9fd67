package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/errorutil"
)

// statusClientClosedRequest answers requests whose client went away.
const statusClientClosedRequest = 499

func statusFromError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, errorutil.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, errorutil.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errorutil.ErrRetryLater), errors.Is(err, context.DeadlineExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, errorutil.ErrBucketFinalized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status matching err. Server errors are reported
// to sentry, client errors are only logged.
func (e *environment) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromError(err)
	switch {
	case status >= http.StatusInternalServerError:
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		w.WriteHeader(status)
		return
	case status == statusClientClosedRequest:
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("client closed request")
		w.WriteHeader(status)
		return
	case status == http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
	case status == http.StatusBadRequest:
		e.clientErrors.Info().Err(err).Str("path", r.URL.Path).Msg("rejected request")
	}
	http.Error(w, err.Error(), status)
}
