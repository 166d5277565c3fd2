// Copyright 2025 James Ross
package workerharness

import (
	"context"
	"sync"
	"time"

	"github.com/sowers-io/bosca-sub001/internal/breaker"
	"github.com/sowers-io/bosca-sub001/internal/obs"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"go.uber.org/zap"
)

// Config tunes the reference harness's polling and retry behaviour.
type Config struct {
	Queues                  []string
	CountPerQueue           int
	DequeueIdle             time.Duration
	CheckinEvery            time.Duration
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerFailureThreshold float64
	BreakerMinSamples       int
}

// Harness runs a fixed number of goroutines per configured queue, each
// looping Dequeue -> checkin ticker -> registered activity -> Complete/Fail,
// guarded by a circuit breaker exactly as the teacher's worker.go guards
// its own dequeue loop.
type Harness struct {
	qm       *queuemanager.Manager
	registry *ActivityRegistry
	log      *zap.Logger
	cfg      Config
	cb       *breaker.CircuitBreaker
}

func New(qm *queuemanager.Manager, registry *ActivityRegistry, log *zap.Logger, cfg Config) *Harness {
	cb := breaker.New(cfg.BreakerWindow, cfg.BreakerCooldown, cfg.BreakerFailureThreshold, cfg.BreakerMinSamples)
	return &Harness{qm: qm, registry: registry, log: log, cfg: cfg, cb: cb}
}

// Run blocks until ctx is cancelled, running cfg.CountPerQueue goroutines
// for each configured queue.
func (h *Harness) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range h.cfg.Queues {
		for i := 0; i < h.cfg.CountPerQueue; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				obs.WorkerActive.Inc()
				defer obs.WorkerActive.Dec()
				h.runLoop(ctx, queue)
			}(queue)
		}
	}

	go h.reportBreakerState(ctx)
	wg.Wait()
}

func (h *Harness) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch h.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

func (h *Harness) runLoop(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		if !h.cb.Allow() {
			time.Sleep(h.cfg.DequeueIdle)
			continue
		}

		job, ok, err := h.qm.Dequeue(ctx, queue)
		if err != nil {
			h.log.Warn("workerharness: dequeue error", zap.String("queue", queue), obs.Err(err))
			h.recordOutcome(false)
			time.Sleep(h.cfg.DequeueIdle)
			continue
		}
		if !ok {
			time.Sleep(h.cfg.DequeueIdle)
			continue
		}

		h.runJob(ctx, queue, job)
	}
}

func (h *Harness) runJob(ctx context.Context, queue string, job *queuemanager.Job) {
	checkinCtx, stopCheckin := context.WithCancel(ctx)
	defer stopCheckin()
	go h.checkinLoop(checkinCtx, job.ID)

	start := time.Now()
	fn, registered := h.registry.lookup(queue, job.ActivityID)
	var activityErr error
	if !registered {
		activityErr = noActivityError(queue, job.ActivityID)
	} else {
		_, activityErr = fn(ctx, *job)
	}
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	stopCheckin()

	if activityErr != nil {
		h.log.Warn("workerharness: activity failed", zap.String("queue", queue), zap.String("activity_id", job.ActivityID), zap.Error(activityErr))
		if err := h.qm.Fail(ctx, job.ID, activityErr.Error(), true); err != nil {
			h.log.Error("workerharness: Fail call failed", obs.Err(err))
		}
		h.recordOutcome(false)
		return
	}

	if err := h.qm.Complete(ctx, job.ID); err != nil {
		h.log.Error("workerharness: Complete call failed", obs.Err(err))
		h.recordOutcome(false)
		return
	}
	h.recordOutcome(true)
}

func (h *Harness) recordOutcome(ok bool) {
	prev := h.cb.State()
	h.cb.Record(ok)
	if prev != breaker.Open && h.cb.State() == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}
}

func (h *Harness) checkinLoop(ctx context.Context, jobID planmodel.WorkflowJobId) {
	ticker := time.NewTicker(h.cfg.CheckinEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.qm.Checkin(ctx, jobID); err != nil {
				h.log.Warn("workerharness: checkin failed", zap.String("job_id", jobID.ID.String()), obs.Err(err))
			}
		}
	}
}
