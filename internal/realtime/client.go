package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgard/chatsync/internal/chat"
)

// Client connects to a remote Server. It implements Channel and Publisher so
// a repository can use a remote hub exactly like a local one.
type Client struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
	buffer   int
	logger   *slog.Logger

	mu   sync.Mutex
	pubs map[string]*websocket.Conn // conversationID -> publish connection
}

// NewClient creates a client for the websocket endpoint rawURL,
// e.g. ws://localhost:8080/ws.
func NewClient(rawURL string, logger *slog.Logger, buffer int) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: writeWait,
		},
		buffer: buffer,
		logger: logger.With("component", "realtime_client"),
		pubs:   make(map[string]*websocket.Conn),
	}, nil
}

// Subscribe dials the server and streams the conversation's events.
// A lost connection ends the subscription with a SubscriptionDropped error.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	ws, err := c.dial(ctx, conversationID, "")
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	sub := newSubscription(conversationID, c.buffer, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	})
	go c.readLoop(ws, sub)

	c.logger.DebugContext(ctx, "Subscribed to remote hub", "conversation_id", conversationID)
	return sub, nil
}

// Publish sends ev to the server, which fans it out to every subscriber.
// The publish connection of a conversation is reused and redialed once on
// write failure.
func (c *Client) Publish(ctx context.Context, conversationID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		ws := c.pubs[conversationID]
		if ws == nil {
			ws, err = c.dial(ctx, conversationID, ModePublish)
			if err != nil {
				return err
			}
			c.pubs[conversationID] = ws
		}

		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = ws.SetWriteDeadline(deadline)
		if err = ws.WriteMessage(websocket.TextMessage, payload); err == nil {
			return nil
		}

		c.logger.DebugContext(ctx, "Publish connection failed, redialing", "conversation_id", conversationID, "error", err)
		_ = ws.Close()
		delete(c.pubs, conversationID)
	}
	return chat.NewNetworkError("publish realtime event", err)
}

// Close releases the publish connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ws := range c.pubs {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
		delete(c.pubs, id)
	}
}

func (c *Client) dial(ctx context.Context, conversationID, mode string) (*websocket.Conn, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("conversation_id", conversationID)
	if mode != "" {
		q.Set("mode", mode)
	}
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, chat.NewNetworkError("dial realtime server", err)
	}
	return ws, nil
}

func (c *Client) readLoop(ws *websocket.Conn, sub *Subscription) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-sub.Done():
			default:
				c.logger.Warn("Remote subscription lost", "conversation_id", sub.ConversationID, "error", err)
				sub.end(chat.NewSubscriptionDropped(sub.ConversationID, err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Ignoring malformed frame", "conversation_id", sub.ConversationID, "error", err)
			continue
		}
		if !sub.deliver(ev) {
			sub.end(chat.NewSubscriptionDropped(sub.ConversationID, ErrSlowSubscriber))
			return
		}
	}
}
