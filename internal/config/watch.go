package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// fingerprint identifies one version of a file on disk.
type fingerprint struct {
	mod  time.Time
	size int64
}

func (f fingerprint) same(o fingerprint) bool {
	return f.mod.Equal(o.mod) && f.size == o.size
}

func stat(path string) (fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}, err
	}
	return fingerprint{mod: info.ModTime(), size: info.Size()}, nil
}

// WatchAvailability loads availability.yaml, hands it to onUpdate and then
// polls the file every interval until ctx is done. A failed reload is logged
// and the previously applied config stays in effect.
func WatchAvailability(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger, onUpdate func(*AvailabilityConfig)) error {
	if path == "" {
		path = DefaultAvailabilityPath
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	seen, err := stat(path)
	if err != nil {
		return err
	}
	initial, err := LoadAvailabilityConfig(path)
	if err != nil {
		return err
	}
	onUpdate(initial)

	log := logger.With().Str("path", path).Logger()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := stat(path)
			if err != nil || current.same(seen) {
				continue
			}
			seen = current

			next, err := LoadAvailabilityConfig(path)
			if err != nil {
				log.Error().Err(err).Msg("availability config reload failed")
				continue
			}
			log.Info().Int("agents", len(next.Agents)).Msg("availability config reloaded")
			onUpdate(next)
		}
	}()
	return nil
}
