// Package broadcast provides best-effort fan-out of execution events to
// connected observers. A slow or saturated observer never blocks the
// publisher; its queue overflowing disconnects it.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ObserverQueueSize is the per-observer outbound event buffer.
const ObserverQueueSize = 256

// ExecutionUpdate is the stable event payload contract.
type ExecutionUpdate struct {
	ExecutionID string                 `json:"execution_id"`
	Status      string                 `json:"status"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Event is a typed message delivered to observers.
type Event struct {
	Type string          `json:"type"`
	Data ExecutionUpdate `json:"data"`
}

// NewExecutionUpdate builds the standard execution_update event.
func NewExecutionUpdate(data ExecutionUpdate) Event {
	return Event{Type: "execution_update", Data: data}
}

// Observer is a connected listener for execution events. Observers are
// created by Connect and destroyed by Disconnect or by queue overflow.
type Observer struct {
	id        string
	events    chan Event
	closeOnce sync.Once // prevents double-close on overflow + explicit disconnect
}

// ID returns the observer's opaque connection id.
func (o *Observer) ID() string {
	return o.id
}

// Events returns the observer's event stream. The channel is closed
// when the observer is disconnected.
func (o *Observer) Events() <-chan Event {
	return o.events
}

func (o *Observer) close() {
	o.closeOnce.Do(func() {
		close(o.events)
	})
}

// Broadcaster maintains the set of live observers and fans events out
// to all of them. The broadcaster exclusively owns the observer set.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[*Observer]bool
	logger    *zap.SugaredLogger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		observers: make(map[*Observer]bool),
		logger:    logger,
	}
}

// Connect registers and returns a new observer.
func (b *Broadcaster) Connect() *Observer {
	obs := &Observer{
		id:     fmt.Sprintf("OBS_%s_%d", uuid.NewString()[:8], time.Now().UnixNano()),
		events: make(chan Event, ObserverQueueSize),
	}

	b.mu.Lock()
	b.observers[obs] = true
	total := len(b.observers)
	b.mu.Unlock()

	b.logger.Debugw("Observer connected",
		"observer_id", obs.id,
		"total_observers", total,
	)
	return obs
}

// Disconnect removes an observer and closes its event stream. Safe to
// call for an already-removed observer. The close happens under the
// write lock so it can never race a Publish send.
func (b *Broadcaster) Disconnect(obs *Observer) {
	b.mu.Lock()
	_, present := b.observers[obs]
	delete(b.observers, obs)
	total := len(b.observers)
	obs.close()
	b.mu.Unlock()

	if present {
		b.logger.Debugw("Observer disconnected",
			"observer_id", obs.id,
			"total_observers", total,
		)
	}
}

// Publish fans the event out to all current observers and returns the
// number that accepted it. Delivery is at-most-once per observer in
// publish order; an observer whose queue is full has this message
// dropped and is immediately disconnected. Publish never blocks beyond
// bounded per-observer work.
//
// Sends happen under the read lock; observer channels are only ever
// closed under the write lock, so a concurrent Disconnect cannot close
// a channel mid-send.
func (b *Broadcaster) Publish(ev Event) int {
	b.mu.RLock()
	sent := 0
	var saturated []*Observer
	for obs := range b.observers {
		select {
		case obs.events <- ev:
			sent++
		default:
			// Queue full - drop this message and cut the observer loose
			saturated = append(saturated, obs)
		}
	}
	b.mu.RUnlock()

	for _, obs := range saturated {
		b.logger.Warnw("Observer queue saturated, disconnecting",
			"observer_id", obs.id,
			"event_type", ev.Type,
			"execution_id", ev.Data.ExecutionID,
		)
		b.Disconnect(obs)
	}

	return sent
}

// Len returns the number of connected observers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close disconnects all observers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for obs := range b.observers {
		obs.close()
	}
	b.observers = make(map[*Observer]bool)
	b.mu.Unlock()
}
