package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"htlcd/native/escrow"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsSubscriberCap = 64
)

// EventHub fans escrow events out to websocket subscribers. It implements
// escrow.Emitter so the engine can publish directly. Slow subscribers are
// dropped rather than allowed to stall the stream.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan *escrow.Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan *escrow.Event]struct{})}
}

// Emit broadcasts the event to every live subscriber.
func (h *EventHub) Emit(ev *escrow.Event) {
	if h == nil || ev == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev.Clone():
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *EventHub) subscribe() chan *escrow.Event {
	ch := make(chan *escrow.Event, wsSubscriberCap)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan *escrow.Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := h.stream(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *EventHub) stream(ctx context.Context, conn *websocket.Conn) error {
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev *escrow.Event) error {
	data, err := json.Marshal(eventPayloadFrom(ev))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
