package logutil

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelSampler(t *testing.T) {
	s := LevelSampler{Level: zerolog.WarnLevel}
	tests := []struct {
		level zerolog.Level
		want  bool
	}{
		{level: zerolog.DebugLevel, want: false},
		{level: zerolog.InfoLevel, want: false},
		{level: zerolog.WarnLevel, want: true},
		{level: zerolog.ErrorLevel, want: true},
	}
	for _, tt := range tests {
		if got := s.Sample(tt.level); got != tt.want {
			t.Fatalf("level %v: wanted %v, got %v", tt.level, tt.want, got)
		}
	}
}
