// Copyright 2025 James Ross
// Package events is the engine's in-process pub/sub: explicit
// message-passing channels in place of the ambient repo's shared mutable
// notifier state. Publishers push typed events onto named topics only
// after the write they describe has already committed to the Durable
// Store; subscribers drain them at their own pace.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"go.uber.org/zap"
)

type Topic string

const (
	TopicPlanFinished        Topic = "plan_finished"
	TopicPlanFailed          Topic = "plan_failed"
	TopicContentStateChanged Topic = "content_state_changed"
)

// PlanFinished is published once a plan's final execution group completes
// successfully.
type PlanFinished struct {
	PlanID planmodel.WorkflowExecutionId
	At     time.Time
}

// PlanFailed is published once a job's failure (retries exhausted, or no
// retry requested) marks its plan failed, and again if a plan carrying that
// failure flag later finishes.
type PlanFailed struct {
	PlanID planmodel.WorkflowExecutionId
	At     time.Time
}

// ContentStateChanged is published once a transition's pending state has
// been committed as an item's current state.
type ContentStateChanged struct {
	ItemID      uuid.UUID
	FromStateID string
	ToStateID   string
	At          time.Time
}

type subscriber struct {
	ch   chan interface{}
	done chan struct{}
}

// Bus is a mutex-guarded fan-out of named topics to buffered subscriber
// channels. A slow subscriber cannot block a publisher: Publish drops the
// event and logs rather than waiting for room in a full channel.
type Bus struct {
	log  *zap.Logger
	mu   sync.Mutex
	subs map[Topic][]*subscriber
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Topic][]*subscriber),
	}
}

// Subscribe returns a channel of events published to topic and an
// unsubscribe function the caller must eventually call to release it.
func (b *Bus) Subscribe(topic Topic, bufferSize int) (<-chan interface{}, func()) {
	sub := &subscriber{ch: make(chan interface{}, bufferSize), done: make(chan struct{})}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, s := range subs {
			if s == sub {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(sub.done)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans event out to every current subscriber of topic. Nil-safe:
// a nil *Bus publishes nothing, so callers can wire events optionally
// without branching on whether a bus was configured.
func (b *Bus) Publish(topic Topic, event interface{}) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		case <-s.done:
		default:
			if b.log != nil {
				b.log.Warn("events: dropping event for slow subscriber", zap.String("topic", string(topic)))
			}
		}
	}
}
