package logutil

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelSampler lets through every message at or above Level.
type LevelSampler struct {
	Level zerolog.Level
}

func (l LevelSampler) Sample(lvl zerolog.Level) bool {
	return lvl >= l.Level
}

// Throttled returns a logger for messages a misbehaving client can trigger
// on every request: warnings and above always go through, anything below is
// limited to burst messages per period.
func Throttled(burst uint32, period time.Duration) zerolog.Logger {
	return log.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BurstSampler{Burst: burst, Period: period},
		InfoSampler:  &zerolog.BurstSampler{Burst: burst, Period: period},
		WarnSampler:  LevelSampler{Level: zerolog.WarnLevel},
		ErrorSampler: LevelSampler{Level: zerolog.WarnLevel},
	})
}
