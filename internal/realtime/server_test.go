package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/realtime"
)

func newTestServer(t *testing.T) (*realtime.Hub, *httptest.Server, *realtime.Client) {
	t.Helper()

	hub := realtime.NewHub(nil, 16)
	srv := httptest.NewServer(realtime.NewServer(hub, nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	client, err := realtime.NewClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil, 16)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return hub, srv, client
}

func TestServerStreamsHubEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub, _, client := newTestServer(t)

	sub, err := client.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if n := hub.Subscribers("c1"); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	want := insert(7, "c1")
	if err := hub.Publish(ctx, "c1", want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := waitEvent(t, sub)
	if got.Type != want.Type || got.Row.ID != want.Row.ID || !got.Row.SentAt.Equal(want.Row.SentAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestClientPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub, _, client := newTestServer(t)

	local, err := hub.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	remote, err := client.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer remote.Close()

	read := time.Unix(500, 0).UTC()
	ev := insert(9, "c1")
	ev.Type = realtime.EventUpdate
	ev.Row.ReadAt = &read
	if err := client.Publish(ctx, "c1", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sub := range []*realtime.Subscription{local, remote} {
		got := waitEvent(t, sub)
		if got.Type != realtime.EventUpdate || got.Row.ReadAt == nil || !got.Row.ReadAt.Equal(read) {
			t.Errorf("got %+v, want update with read_at %v", got, read)
		}
	}

	// The publish connection is reused.
	if err := client.Publish(ctx, "c1", insert(10, "c1")); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if got := waitEvent(t, local); got.Row.ID != 10 {
		t.Errorf("got message %d, want 10", got.Row.ID)
	}
}

func TestServerDropEndsRemoteSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub, _, client := newTestServer(t)

	sub, err := client.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	hub.Drop("c1", errors.New("restart"))
	waitDone(t, sub)
	if chat.Code(sub.Err()) != chat.CodeSubscription {
		t.Errorf("Err() = %v, want a subscription dropped error", sub.Err())
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"missing conversation", http.MethodGet, "/ws", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/ws?conversation_id=c1", http.StatusMethodNotAllowed},
		{"plain http", http.MethodGet, "/ws?conversation_id=c1", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestClientDialFailure(t *testing.T) {
	t.Parallel()

	client, err := realtime.NewClient("ws://127.0.0.1:1/ws", nil, 4)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = client.Subscribe(ctx, "c1")
	if chat.Code(err) != chat.CodeNetwork {
		t.Errorf("Subscribe() error = %v, want a network error", err)
	}

	if _, err := realtime.NewClient("http://example.com/ws", nil, 4); err == nil {
		t.Error("NewClient() should reject non-websocket schemes")
	}
}
