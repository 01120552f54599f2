package api

import (
	"context"
	"sync"

	"github.com/r4ai/cutit/internal/engine"
)

// subscriberBuffer is each SSE client's queue; a stalled client drops
// events rather than stalling the hub.
const subscriberBuffer = 32

// EventHub fans the engine's single event stream out to any number of
// subscribers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan engine.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan engine.Event]struct{})}
}

// Run forwards engine events to all subscribers until ctx ends.
func (h *EventHub) Run(ctx context.Context, src <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-src:
			h.mu.Lock()
			for ch := range h.subs {
				select {
				case ch <- ev:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// Subscribe registers a new event consumer. The returned cancel must
// be called when the consumer goes away.
func (h *EventHub) Subscribe() (<-chan engine.Event, func()) {
	ch := make(chan engine.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// toPayload strips frame bytes for the SSE wire.
func toPayload(ev engine.Event) eventPayload {
	payload := eventPayload{
		Kind:       string(ev.Kind),
		DoneTL:     ev.DoneTL,
		TotalTL:    ev.TotalTL,
		Path:       ev.Path,
		JobID:      ev.JobID,
		ErrKind:    ev.ErrKind,
		ErrMessage: ev.Message,
	}
	switch ev.Kind {
	case engine.EventPlayheadChanged, engine.EventPreviewFrameReady:
		ttl := ev.TTL
		payload.TTL = &ttl
	}
	if ev.Snapshot != nil {
		payload.Snapshot = ev.Snapshot
	}
	if ev.Frame != nil {
		payload.FrameW = ev.Frame.Width
		payload.FrameH = ev.Frame.Height
	}
	return payload
}
