package submission

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue submissions. Lazy expiry on access
// already keeps callers honest; the sweeper exists so abandoned submissions
// still get their expiry event without anyone touching them.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. Intervals above a minute are clamped so TTLs
// are honored with reasonable precision.
func NewSweeper(m *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: m, interval: interval, logger: logger}
}

// Run blocks until ctx is done, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expiry sweep", "expired", n)
			}
		}
	}
}

// Sweep expires everything overdue right now and returns the count.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.manager.store.ListExpired(ctx, s.manager.clock().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sub := range overdue {
		if err := s.manager.Expire(ctx, sub.ID); err != nil {
			s.logger.Error("expire submission", "submission_id", sub.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
