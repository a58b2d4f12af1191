package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically purges expired entries and enforces the byte
// budget, so stale conversations do not linger until their next read.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewSweeper(store *Store, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting cache sweeper")

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// Sweep runs one purge+evict pass. Exposed for session teardown, which
// runs a final pass before closing the store.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	purged, err := s.store.PurgeExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge expired cache entries")
	} else if purged > 0 {
		s.logger.WithField("purged", purged).Info("Purged expired cache entries")
	}

	if err := s.store.EvictIfOverBudget(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to enforce cache byte budget")
	}
}
