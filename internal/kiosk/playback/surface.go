package playback

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// LogSurface is a headless surface: it records what would be on screen in the
// log. Local files are checked for readability so missing payloads fall back
// the way a real display would.
type LogSurface struct {
	logger *slog.Logger
	shown  atomic.Uint64
}

// NewLogSurface returns a surface writing to logger.
func NewLogSurface(logger *slog.Logger) *LogSurface {
	return &LogSurface{logger: logger}
}

// Shown counts successful Show calls.
func (s *LogSurface) Shown() uint64 { return s.shown.Load() }

func (s *LogSurface) Show(slot Slot) (time.Duration, error) {
	if slot.SourceKind != SourceRemote {
		if slot.Source == "" {
			return 0, fmt.Errorf("%s slot has no source", slot.SourceKind)
		}
		if _, err := os.Stat(slot.Source); err != nil {
			return 0, err
		}
	}
	s.shown.Add(1)
	if slot.Ad == nil {
		s.logger.Info("showing default asset", "path", slot.Source)
		return 0, nil
	}
	s.logger.Info("showing ad",
		"ad", slot.Ad.ID, "media", slot.Ad.MediaType,
		"source", slot.SourceKind, "loop", slot.Loop)
	return 0, nil
}
