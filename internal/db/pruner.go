package db

import (
	"context"
	"time"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/timeutil"
)

// Pruner periodically deletes diagnostic reports older than Retention.
type Pruner struct {
	DB        *DB
	Retention time.Duration
	Interval  time.Duration
	Clock     timeutil.Clock
}

func NewPruner(db *DB, retention, interval time.Duration) *Pruner {
	return &Pruner{DB: db, Retention: retention, Interval: interval, Clock: timeutil.RealClock{}}
}

// Run prunes once immediately and then every Interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	if p.Retention <= 0 || p.Interval <= 0 {
		return
	}
	if _, err := p.RunOnce(); err != nil {
		monitoring.Warnf("report prune failed: %v", err)
	}
	for {
		timer := p.Clock.NewTimer(p.Interval)
		select {
		case <-timer.C():
			if _, err := p.RunOnce(); err != nil {
				monitoring.Warnf("report prune failed: %v", err)
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// RunOnce deletes reports older than now minus Retention.
func (p *Pruner) RunOnce() (int64, error) {
	n, err := p.DB.PruneReports(p.Clock.Now().Add(-p.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		monitoring.Debugf("pruned %d diagnostic report(s) older than %s", n, p.Retention)
	}
	return n, nil
}
