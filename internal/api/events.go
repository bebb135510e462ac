package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/events"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers authenticate with the API key, not cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamMessage is one frame on the events websocket.
type streamMessage struct {
	Type   string          `json:"type"`
	Status *statusResponse `json:"status,omitempty"`
	Event  *events.Event   `json:"event,omitempty"`
}

// streamEvents handles GET /v1/applications/{id}/events. The first frame is
// a status snapshot. Event frames follow until the request reaches a terminal
// stage or either side hangs up.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	// Subscribe before the snapshot so no event falls between the two.
	stream, cancel := s.subs.Subscribe(id)
	defer cancel()

	req, err := s.apps.Status(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("request_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	snapshot := toStatus(req)
	if err := s.send(conn, streamMessage{Type: "status", Status: &snapshot}); err != nil {
		return
	}
	if req.Status.Terminal() {
		s.closeStream(conn, "request finished")
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-stream:
			if !ok {
				s.closeStream(conn, "server shutting down")
				return
			}
			if err := s.send(conn, streamMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
			if evt.Terminal() {
				s.closeStream(conn, "request finished")
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
