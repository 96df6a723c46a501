package storage

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultRetentionSchedule = "@daily"

// Retention prunes old cycles on a cron schedule.
type Retention struct {
	cron   *cron.Cron
	db     *Database
	keep   time.Duration
	logger *zap.Logger
}

func NewRetention(db *Database, schedule string, keep time.Duration, logger *zap.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retention{
		cron:   cron.New(),
		db:     db,
		keep:   keep,
		logger: logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.Prune); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) Start() {
	r.logger.Info("Cycle retention enabled", zap.Duration("keep", r.keep))
	r.cron.Start()
}

// Stop waits for a running prune to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Retention) Prune() {
	n, err := r.db.CleanOldCycles(r.keep)
	if err != nil {
		r.logger.Error("Failed to prune cycles", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("Pruned old cycles", zap.Int64("deleted", n))
	}
}
