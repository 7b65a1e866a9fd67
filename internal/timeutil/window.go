package timeutil

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Window is a half-open aggregation interval [Start, Start+Duration).
type Window struct {
	Start    time.Time
	Duration time.Duration
}

type windowJSON struct {
	Start           string `json:"start"`
	DurationSeconds int64  `json:"duration_s"`
}

// Align returns the window of length d containing t.
func Align(t time.Time, d time.Duration) Window {
	return Window{Start: t.UTC().Truncate(d), Duration: d}
}

// ParseWindow parses a window from its RFC3339 start and its duration in
// seconds, the format used by StartString and DurationString.
func ParseWindow(start, duration string) (Window, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return Window{}, err
	}
	seconds, err := strconv.ParseInt(duration, 10, 64)
	if err != nil {
		return Window{}, err
	}
	if seconds <= 0 {
		return Window{}, fmt.Errorf("timeutil: window duration must be positive, got %d", seconds)
	}
	return Window{Start: s.UTC(), Duration: time.Duration(seconds) * time.Second}, nil
}

func (w Window) End() time.Time {
	return w.Start.Add(w.Duration)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End())
}

// Next returns the window following w.
func (w Window) Next() Window {
	return Window{Start: w.End(), Duration: w.Duration}
}

func (w Window) StartString() string {
	return w.Start.UTC().Format(time.RFC3339)
}

func (w Window) DurationString() string {
	return strconv.FormatInt(int64(w.Duration/time.Second), 10)
}

func (w Window) String() string {
	return w.StartString() + "+" + w.DurationString() + "s"
}

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowJSON{
		Start:           w.StartString(),
		DurationSeconds: int64(w.Duration / time.Second),
	})
}

func (w *Window) UnmarshalJSON(b []byte) error {
	var v windowJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseWindow(v.Start, strconv.FormatInt(v.DurationSeconds, 10))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
