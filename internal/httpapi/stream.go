package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hubdesk/ticketsync/internal/feed"
	"github.com/hubdesk/ticketsync/internal/pollsync"
)

const (
	eventTypeStatus        = "status"
	eventTypeNotifications = "notifications"

	streamWriteTimeout = 5 * time.Second
	streamBufferSize   = 16
)

// StreamEvent is one message on the /v1/stream websocket: either a feed's
// status transition or a batch of freshly-arrived notifications.
type StreamEvent struct {
	Type          string              `json:"type"`
	Feed          string              `json:"feed,omitempty"`
	Status        pollsync.Status     `json:"status,omitempty"`
	Notifications []feed.Notification `json:"notifications,omitempty"`
	Timestamp     int64               `json:"timestamp"`
}

// streamHub fans events out to websocket subscribers. A slow subscriber
// drops events rather than blocking the publisher: the stream is a hint
// channel, the REST endpoints remain the source of truth.
type streamHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StreamEvent
}

func newStreamHub() *streamHub {
	return &streamHub{subs: map[int]chan StreamEvent{}}
}

func (h *streamHub) subscribe() (<-chan StreamEvent, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	events := make(chan StreamEvent, streamBufferSize)
	h.subs[id] = events
	h.mu.Unlock()
	return events, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *streamHub) publish(event StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, events := range h.subs {
		select {
		case events <- event:
		default:
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Printf("stream accept failed: %v", err)
		}
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "stream closed")
	}()

	ctx := conn.CloseRead(r.Context())
	events, cancel := s.hub.subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
