package people

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Refresher runs full team refreshes for a fixed set of sites on an interval.
type Refresher struct {
	service  *Service
	sites    []int64
	interval time.Duration
	logger   *zap.Logger
}

// NewRefresher constructs a Refresher. A non-positive interval or an empty
// site list disables the loop; Run then returns immediately.
func NewRefresher(service *Service, sites []int64, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = noOpLogger
	}
	return &Refresher{
		service:  service,
		sites:    sites,
		interval: interval,
		logger:   logger,
	}
}

// Run refreshes every configured site once, then again on each tick until
// the context ends.
func (r *Refresher) Run(ctx context.Context) {
	if r.interval <= 0 || len(r.sites) == 0 {
		return
	}

	r.logger.Info("periodic team refresh started",
		zap.Int64s("sites", r.sites),
		zap.Duration("interval", r.interval))

	r.refreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("periodic team refresh stopped")
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	for _, siteID := range r.sites {
		if ctx.Err() != nil {
			return
		}
		// RefreshTeam logs its own failures; the loop keeps going so one bad
		// site cannot starve the rest.
		_, _ = r.service.RefreshTeam(ctx, siteID)
	}
}
