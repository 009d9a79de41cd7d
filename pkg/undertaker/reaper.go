package undertaker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/didcat/didcat/pkg/model"
)

// Reaper periodically deletes expired collections. Multiple reapers run
// disjointly by claiming different shards of the expiry table.
type Reaper struct {
	eng          *Engine
	log          *zap.Logger
	metrics      *Metrics
	interval     time.Duration
	workerNumber int
	totalWorkers int
	batchSize    int
}

// NewReaper builds a reaper over eng. (workerNumber, totalWorkers) select
// this worker's shard; interval defaults to one minute and batchSize to
// 100 when unset. Metrics may be nil.
func NewReaper(eng *Engine, workerNumber, totalWorkers int, interval time.Duration, metrics *Metrics, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		eng:          eng,
		log:          logger,
		metrics:      metrics,
		interval:     interval,
		workerNumber: workerNumber,
		totalWorkers: totalWorkers,
		batchSize:    100,
	}
}

// Run sweeps until the context is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper starting",
		zap.Int("worker", r.workerNumber),
		zap.Int("total_workers", r.totalWorkers),
		zap.Duration("interval", r.interval),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce claims this worker's expired shard and deletes each DID in
// turn. Per-DID failures are logged and skipped so one stuck identifier
// does not stall the sweep; an already-deleted identifier is treated as
// done.
func (r *Reaper) SweepOnce(ctx context.Context) {
	start := time.Now()
	expired, err := r.eng.ListExpired(ctx, r.workerNumber, r.totalWorkers, r.batchSize)
	if err != nil {
		r.log.Warn("list expired failed", zap.Error(err))
		if r.metrics != nil {
			r.metrics.SweepFailures.Inc()
		}
		return
	}

	var deleted int64
	for _, ref := range expired {
		res, err := r.eng.DeleteDIDs(ctx, []model.DIDRef{ref})
		if errors.Is(err, model.ErrNotFound) {
			// Another worker or a client got there first.
			continue
		}
		if err != nil {
			r.log.Warn("delete expired did failed", zap.String("did", ref.String()), zap.Error(err))
			if r.metrics != nil {
				r.metrics.SweepFailures.Inc()
			}
			continue
		}
		deleted += res.DeletedDIDs
		if r.metrics != nil {
			r.metrics.DeletedDIDs.Add(float64(res.DeletedDIDs))
			r.metrics.DeletedRules.Add(float64(res.DeletedRules))
			r.metrics.TombstonedReplicas.Add(float64(res.TombstonedReplicas))
		}
	}

	if r.metrics != nil {
		r.metrics.SweepSeconds.Observe(time.Since(start).Seconds())
	}
	if len(expired) > 0 {
		r.log.Info("sweep complete",
			zap.Int("expired", len(expired)),
			zap.Int64("deleted", deleted),
			zap.Duration("took", time.Since(start)),
		)
	}
}
