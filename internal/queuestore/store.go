// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sowers-io/bosca-sub001/internal/obs"
)

const (
	metadataRunningKey   = "metadata_running"
	collectionRunningKey = "collection_running"
)

// Store is a Redis-backed Queue Store. It holds no knowledge of plans or
// jobs beyond the entry tokens it is handed; planmodel.TxOp values name
// what to do, the txbuffer decides when, and Store just executes.
type Store struct {
	rdb     *redis.Client
	scripts *scripts
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, scripts: newScripts()}
}

func counterKey(queue, metric string) string {
	return queue + "::" + metric
}

// Dequeue pops the next ready entry token for queue, if any, and leases it
// for leaseTTL. Returns ("", false, nil) when pending is empty.
func (s *Store) Dequeue(ctx context.Context, queue string, leaseTTL time.Duration) (string, bool, error) {
	now := time.Now().Unix()
	res, err := s.scripts.dequeue.Run(ctx, s.rdb,
		[]string{pendingKey(queue), runningKey(queue), counterKey(queue, "dequeued::count")},
		now, int64(leaseTTL.Seconds()),
	).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queuestore: dequeue %s: %w", queue, err)
	}
	token, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	obs.QueueDequeuedCount.WithLabelValues(queue).Inc()
	return token, true, nil
}

// Checkin renews token's lease in the running set for leaseTTL.
func (s *Store) Checkin(ctx context.Context, queue, token string, leaseTTL time.Duration) error {
	now := time.Now().Unix()
	if err := s.scripts.checkin.Run(ctx, s.rdb,
		[]string{runningKey(queue), counterKey(queue, "job::checkin::count")},
		token, now, int64(leaseTTL.Seconds()),
	).Err(); err != nil {
		return fmt.Errorf("queuestore: checkin %s: %w", queue, err)
	}
	obs.QueueJobCheckinCount.WithLabelValues(queue).Inc()
	return nil
}

// RemoveRunning clears token's lease, e.g. on completion or failure.
func (s *Store) RemoveRunning(ctx context.Context, queue, token string) error {
	if err := s.scripts.removeRunning.Run(ctx, s.rdb,
		[]string{runningKey(queue)}, token,
	).Err(); err != nil {
		return fmt.Errorf("queuestore: remove_running %s: %w", queue, err)
	}
	return nil
}

// PushPending appends token to queue's pending FIFO list.
func (s *Store) PushPending(ctx context.Context, queue, token string) error {
	if err := s.scripts.pushPending.Run(ctx, s.rdb,
		[]string{pendingKey(queue), counterKey(queue, "enqueued::count")}, token,
	).Err(); err != nil {
		return fmt.Errorf("queuestore: push_pending %s: %w", queue, err)
	}
	obs.QueueEnqueuedCount.WithLabelValues(queue).Inc()
	return nil
}

// PushPendingDelayed schedules token to become pending no earlier than
// delay from now, via the secondary delayed(queue) sorted set.
func (s *Store) PushPendingDelayed(ctx context.Context, queue, token string, delay time.Duration) error {
	due := time.Now().Add(delay).Unix()
	if err := s.scripts.pushPendingDelayed.Run(ctx, s.rdb,
		[]string{delayedKey(queue), counterKey(queue, "enqueued::count")}, token, due,
	).Err(); err != nil {
		return fmt.Errorf("queuestore: push_pending_delayed %s: %w", queue, err)
	}
	obs.QueueEnqueuedCount.WithLabelValues(queue).Inc()
	return nil
}

// ReclaimExpired returns expired running leases to pending and promotes
// due delayed entries, returning the number of tokens moved.
func (s *Store) ReclaimExpired(ctx context.Context, queue string) (int64, error) {
	now := time.Now().Unix()
	res, err := s.scripts.reclaimExpired.Run(ctx, s.rdb,
		[]string{runningKey(queue), pendingKey(queue), delayedKey(queue), counterKey(queue, "expired::count")},
		now,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore: reclaim_expired %s: %w", queue, err)
	}
	n, _ := res.(int64)
	if n > 0 {
		obs.QueueExpiredCount.WithLabelValues(queue).Add(float64(n))
	}
	return n, nil
}

// RunningKeys returns the running(*) keys currently present, for the
// reclaimer's per-queue sweep via SCAN.
func (s *Store) RunningKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, "running(*)", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("queuestore: scan running keys: %w", err)
	}
	return keys, nil
}

// QueueFromRunningKey extracts the queue name from a running(<queue>) key.
func QueueFromRunningKey(key string) (string, bool) {
	if len(key) < len("running()") || key[:len("running(")] != "running(" || key[len(key)-1] != ')' {
		return "", false
	}
	return key[len("running(") : len(key)-1], true
}

// PendingLength and RunningLength report current queue depth for metrics.
func (s *Store) PendingLength(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.LLen(ctx, pendingKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore: pending length %s: %w", queue, err)
	}
	return n, nil
}

func (s *Store) RunningLength(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, runningKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore: running length %s: %w", queue, err)
	}
	return n, nil
}

// AddMetadataRunning and RemoveMetadataRunning maintain the set of content
// metadata ids currently driving a workflow, so the transition controller
// and admin tooling can ask "is this item mid-workflow" without touching DS.
func (s *Store) AddMetadataRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.SAdd(ctx, metadataRunningKey, id.String()).Err(); err != nil {
		return fmt.Errorf("queuestore: add metadata running: %w", err)
	}
	return nil
}

func (s *Store) RemoveMetadataRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.SRem(ctx, metadataRunningKey, id.String()).Err(); err != nil {
		return fmt.Errorf("queuestore: remove metadata running: %w", err)
	}
	return nil
}

func (s *Store) AddCollectionRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.SAdd(ctx, collectionRunningKey, id.String()).Err(); err != nil {
		return fmt.Errorf("queuestore: add collection running: %w", err)
	}
	return nil
}

func (s *Store) RemoveCollectionRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.SRem(ctx, collectionRunningKey, id.String()).Err(); err != nil {
		return fmt.Errorf("queuestore: remove collection running: %w", err)
	}
	return nil
}

// IsMetadataRunning reports whether a metadata id currently has an
// outstanding workflow.
func (s *Store) IsMetadataRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, metadataRunningKey, id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("queuestore: is metadata running: %w", err)
	}
	return ok, nil
}
