// Package bus is the in-process trigger-event stream. Producers (transport
// adapters, the approval coordinator) publish TriggerEvents; the FSM runtime
// subscribes. Delivery is per-subscriber buffered; a slow subscriber loses
// the oldest events rather than blocking publishers.
package bus

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/corrflow/corrflow/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Subscription is one consumer of the trigger stream.
type Subscription struct {
	id string
	ch chan models.TriggerEvent
}

// Events returns the receive channel. Closed on unsubscribe and shutdown.
func (s *Subscription) Events() <-chan models.TriggerEvent { return s.ch }

// SamplingController adjusts driver sampling rates. The FSM runtime calls it
// for increase_sampling_rate / reset_sampling_rate on-entry actions; the
// default implementation only logs.
type SamplingController interface {
	SetSamplingRate(driverID string, rateHz float64)
	ResetSamplingRate(driverID string)
}

// Bus fans trigger events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	nextID   int
	closed   bool
	sampling SamplingController
}

// New creates an empty bus with a logging-only sampling controller.
func New() *Bus {
	return &Bus{
		subs:     make(map[string]*Subscription),
		sampling: noopSampling{},
	}
}

// SetSamplingController replaces the sampling controller. Called once at
// wiring time when a transport adapter supports rate control.
func (b *Bus) SetSamplingController(c SamplingController) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c != nil {
		b.sampling = c
	}
}

// Sampling returns the active sampling controller.
func (b *Bus) Sampling() SamplingController {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sampling
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: "sub-" + strconv.Itoa(b.nextID),
		ch: make(chan models.TriggerEvent, DefaultBufferSize),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every subscriber. When a subscriber's buffer
// is full, the oldest buffered event is dropped to make room. Arrival order
// per subscriber is preserved for the events that survive.
func (b *Bus) Publish(event models.TriggerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case dropped := <-sub.ch:
				slog.Warn("Trigger bus subscriber overflow, dropping oldest event",
					"subscriber", sub.id, "dropped_event_id", dropped.EventID)
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

type noopSampling struct{}

func (noopSampling) SetSamplingRate(driverID string, rateHz float64) {
	slog.Info("Sampling rate change requested", "driver_id", driverID, "rate_hz", rateHz)
}

func (noopSampling) ResetSamplingRate(driverID string) {
	slog.Info("Sampling rate reset requested", "driver_id", driverID)
}
