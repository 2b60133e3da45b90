package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamMessage is the WebSocket envelope. Type is "connected" for the
// snapshot frame and "event" for everything after it.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// lastSeq reads the resume point from Last-Event-ID, falling back to the
// last_event_id query parameter for clients that cannot set headers.
func lastSeq(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := s.arena.Connect(lastSeq(r))
	defer conn.Live.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "connected", "", conn.Snapshot); err != nil {
		return
	}
	for _, ev := range conn.Replay {
		if err := writeSSE(w, string(ev.Type), strconv.FormatUint(ev.Seq, 10), ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-conn.Live.C():
			if !ok {
				return
			}
			if err := writeSSE(w, string(ev.Type), strconv.FormatUint(ev.Seq, 10), ev); err != nil {
				s.logger.Debug("SSE client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	conn := s.arena.Connect(lastSeq(r))
	defer conn.Live.Unsubscribe()

	// The reader only watches for the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) error {
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(msg)
	}

	if err := write(streamMessage{Type: "connected", Data: conn.Snapshot}); err != nil {
		return
	}
	for _, ev := range conn.Replay {
		if err := write(streamMessage{Type: "event", Data: ev}); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-conn.Live.C():
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(streamMessage{Type: "event", Data: ev}); err != nil {
				s.logger.Debug("WebSocket client gone", zap.Error(err))
				return
			}
		}
	}
}
