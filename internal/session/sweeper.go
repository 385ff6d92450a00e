package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweepable is a registry the heartbeat can walk.
type Sweepable interface {
	All() []*Session
	Remove(s *Session) bool
}

// SweepOnce pings every open session in reg and purges closed ones,
// including sessions whose ping fails.
func SweepOnce(reg Sweepable) (pinged, purged int) {
	for _, s := range reg.All() {
		if !s.Closed() {
			if err := s.Ping(); err == nil {
				pinged++
				continue
			}
		}
		if reg.Remove(s) {
			purged++
		}
	}
	return pinged, purged
}

// Sweep runs SweepOnce over every registry each interval until ctx is done.
func Sweep(ctx context.Context, interval time.Duration, log *zap.Logger, regs map[string]Sweepable) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, reg := range regs {
				pinged, purged := SweepOnce(reg)
				if purged > 0 {
					log.Info("heartbeat_sweep",
						zap.String("registry", name),
						zap.Int("pinged", pinged),
						zap.Int("purged", purged))
				}
			}
		}
	}
}
