package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ModePublish is the value of the mode query parameter for connections that
// only push events and do not want the conversation's stream back.
const ModePublish = "publish"

// Server exposes a Hub over websocket.
//
// GET /ws?conversation_id=<id> streams the conversation's events as JSON
// frames and republishes every inbound frame to the hub. Adding
// mode=publish skips the stream.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewServer creates a websocket front for hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		hub:    hub,
		logger: logger.With("component", "realtime_server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ping: pingPeriod,
	}
}

// ServeHTTP upgrades the request and serves the conversation.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	publishOnly := r.URL.Query().Get("mode") == ModePublish

	var sub *Subscription
	if !publishOnly {
		var err error
		sub, err = s.hub.Subscribe(r.Context(), conversationID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "Rejecting websocket subscriber", "conversation_id", conversationID, "error", err)
			http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.WarnContext(r.Context(), "Websocket upgrade failed", "conversation_id", conversationID, "error", err)
		if sub != nil {
			sub.Close()
		}
		return
	}
	ws.SetReadLimit(maxFrameSize)

	s.logger.InfoContext(r.Context(), "Websocket client connected",
		"conversation_id", conversationID, "remote_addr", r.RemoteAddr, "publish_only", publishOnly)

	if publishOnly {
		s.readLoop(r.Context(), ws, conversationID)
		_ = ws.Close()
		return
	}

	conn := newConnection(ws, s.ping)
	conn.start()
	go s.forward(sub, conn)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.readLoop(r.Context(), ws, conversationID)
	sub.Close()
	conn.Close(websocket.CloseNormalClosure, "")
	s.logger.InfoContext(r.Context(), "Websocket client disconnected", "conversation_id", conversationID)
}

// forward copies hub events to the socket until either side ends.
func (s *Server) forward(sub *Subscription, conn *connection) {
	for {
		select {
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to encode realtime event", "error", err)
				continue
			}
			if err := conn.Send(payload); err != nil {
				sub.end(err)
				return
			}
		case <-sub.Done():
			code := websocket.CloseNormalClosure
			reason := ""
			if err := sub.Err(); err != nil {
				code = websocket.CloseTryAgainLater
				reason = "subscription dropped"
			}
			conn.Close(code, reason)
			return
		case <-conn.Closed():
			sub.Close()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conversationID string) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, io.EOF) {
				s.logger.DebugContext(ctx, "Websocket read ended", "conversation_id", conversationID, "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.WarnContext(ctx, "Ignoring malformed frame", "conversation_id", conversationID, "error", err)
			continue
		}
		if ev.Type != EventInsert && ev.Type != EventUpdate {
			s.logger.WarnContext(ctx, "Ignoring frame with unknown type", "conversation_id", conversationID, "type", ev.Type)
			continue
		}
		if ev.Row.ConversationID != "" && ev.Row.ConversationID != conversationID {
			s.logger.WarnContext(ctx, "Ignoring frame for another conversation",
				"conversation_id", conversationID, "row_conversation_id", ev.Row.ConversationID)
			continue
		}
		if err := s.hub.Publish(ctx, conversationID, ev); err != nil {
			s.logger.WarnContext(ctx, "Failed to republish frame", "conversation_id", conversationID, "error", err)
			return
		}
	}
}
