package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"atlasd/internal/notify"
)

const writeTimeout = 500 * time.Millisecond

// Hub fans notifications out to every connected stream client. It is the
// notify.Sink for the whole process: the chat shim subscribes to the stream
// and renders each message in its own platform.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	seq     atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{clients: map[*websocket.Conn]struct{}{}}
}

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Op      string `json:"op"`
	Payload any    `json:"payload"`
}

type messageEvent struct {
	Ref       string         `json:"ref"`
	ChannelID string         `json:"channel_id,omitempty"`
	Message   notify.Message `json:"message"`
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Clients only listen; reads just detect disconnects.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Post assigns the message a fresh ref and broadcasts it. The ref is what
// callers store to update the rendering later.
func (h *Hub) Post(ctx context.Context, channelID string, msg notify.Message) (string, error) {
	ref := uuid.NewString()
	h.broadcast("message.posted", messageEvent{Ref: ref, ChannelID: channelID, Message: msg})
	return ref, nil
}

func (h *Hub) Update(ctx context.Context, ref string, msg notify.Message) error {
	h.broadcast("message.updated", messageEvent{Ref: ref, Message: msg})
	return nil
}

func (h *Hub) broadcast(op string, payload any) {
	evt := event{
		ID:      fmt.Sprintf("evt_%d", h.seq.Add(1)),
		Type:    "event",
		Op:      op,
		Payload: payload,
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = c.Write(ctx, websocket.MessageText, raw)
		cancel()
	}
}
