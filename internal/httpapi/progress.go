package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	subscriberBuffer = 32
	writeWait        = 5 * time.Second
)

// ProgressHub fans pipeline progress out to websocket subscribers keyed by
// request ID. Slow subscribers lose intermediate events, never the caller.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[string]map[chan pipeline.Progress]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[string]map[chan pipeline.Progress]struct{})}
}

func (h *ProgressHub) Publish(p pipeline.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[p.RequestID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribe registers interest in requestID. The returned func unsubscribes
// and must be called once.
func (h *ProgressHub) Subscribe(requestID string) (<-chan pipeline.Progress, func()) {
	ch := make(chan pipeline.Progress, subscriberBuffer)

	h.mu.Lock()
	if h.subs[requestID] == nil {
		h.subs[requestID] = make(map[chan pipeline.Progress]struct{})
	}
	h.subs[requestID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[requestID], ch)
		if len(h.subs[requestID]) == 0 {
			delete(h.subs, requestID)
		}
	}
}

func (h *ProgressHub) subscribers(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[requestID])
}

// handleProgress streams progress events for one request until the run
// finishes or the client goes away.
func (r *Router) handleProgress(w http.ResponseWriter, req *http.Request) {
	requestID := mux.Vars(req)["request_id"]

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("progress upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := r.deps.Hub.Subscribe(requestID)
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-req.Context().Done():
			return
		case p := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(p); err != nil {
				r.logger.Debug("progress write failed", zap.String("request_id", requestID), zap.Error(err))
				return
			}
			if p.Stage == pipeline.StageDone || p.Stage == pipeline.StageFailed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, p.Stage),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}
