// Copyright 2025 James Ross
// Package reclaimer implements the Reclaimer (RC): a periodic sweep that
// promotes expired leases and due delayed entries back onto their queue's
// pending list, healing workers that died, hung, or fell behind on
// checkins without ever touching the Durable Store.
package reclaimer

import (
	"context"
	"time"

	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"go.uber.org/zap"
)

type Reclaimer struct {
	qs       *queuestore.Store
	log      *zap.Logger
	interval time.Duration
}

func New(qs *queuestore.Store, log *zap.Logger, interval time.Duration) *Reclaimer {
	return &Reclaimer{qs: qs, log: log, interval: interval}
}

// Run sweeps every queue with an outstanding running set on a fixed
// interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reclaimer) sweepOnce(ctx context.Context) {
	keys, err := r.qs.RunningKeys(ctx)
	if err != nil {
		r.log.Warn("reclaimer: scan failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		queue, ok := queuestore.QueueFromRunningKey(key)
		if !ok {
			continue
		}
		n, err := r.qs.ReclaimExpired(ctx, queue)
		if err != nil {
			r.log.Warn("reclaimer: reclaim failed", zap.String("queue", queue), zap.Error(err))
			continue
		}
		if n > 0 {
			r.log.Info("reclaimer: reclaimed expired entries", zap.String("queue", queue), zap.Int64("count", n))
		}
	}
}
