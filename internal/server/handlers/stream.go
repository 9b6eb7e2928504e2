package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ziptility/rxsync/internal/events"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	wsWriteWait              = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Stream handles GET /api/v1/<collection>/stream as Server-Sent Events. Each
// change is sent as one data frame holding {documents, checkpoint}. When the
// subscription faults an "error" event is sent before the response ends and
// the client is expected to re-pull from its last checkpoint.
func (h *ReplicationHandler[D]) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := h.engine.Subscribe(r.Context(), parseTopics(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.Error("Streaming unsupported", "error", err)
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Info("SSE stream opened", "subscription_id", sub.ID(), "topics", sub.Topics())

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case event, ok := <-sub.Events():
			if !ok {
				<-sub.Done()
				if err := sub.Err(); err != nil {
					_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", streamErrorPayload(err))
					_ = rc.Flush()
				}
				h.logger.Info("SSE stream ended", "subscription_id", sub.ID(), "state", sub.State().String())
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to encode stream event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// WebSocket handles GET /api/v1/<collection>/ws. Each change is one JSON text
// frame. Incoming messages are ignored; the read loop only detects the peer
// going away.
func (h *ReplicationHandler[D]) WebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.engine.Subscribe(r.Context(), parseTopics(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Info("WebSocket stream opened", "subscription_id", sub.ID(), "topics", sub.Topics())

	for {
		select {
		case <-peerGone:
			return

		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case event, ok := <-sub.Events():
			if !ok {
				<-sub.Done()
				code, reason := websocket.CloseNormalClosure, ""
				if err := sub.Err(); err != nil {
					code, reason = closeCodeFor(err), err.Error()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(wsWriteWait))
				h.logger.Info("WebSocket stream ended", "subscription_id", sub.ID(), "state", sub.State().String())
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("Failed to write stream event", "subscription_id", sub.ID(), "error", err)
				return
			}
		}
	}
}

func closeCodeFor(err error) int {
	if errors.Is(err, events.ErrSlowConsumer) {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseInternalServerErr
}

func streamErrorPayload(err error) []byte {
	code := "stream_failed"
	if errors.Is(err, events.ErrSlowConsumer) {
		code = "slow_consumer"
	}
	data, _ := json.Marshal(map[string]string{"error": code, "message": err.Error()})
	return data
}
