package session_test

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/notify"
	"github.com/edgard/chatsync/internal/repository"
	"github.com/edgard/chatsync/internal/session"
)

var errOffline = errors.New("offline")

// fakeRepo is an in-memory repository. Realtime events are only delivered
// when a test pushes them.
type fakeRepo struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	rows         []chat.Message
	nextID       int64
	sendAttempts map[string]int
	failSends    map[string]int // clientID or "*" -> remaining failures
	fetchErr     error
	subscribeErr error
	onEvent      func(repository.Event)
	marked       [][]int64
	markErr      error
	subscribes   int
	gate         chan struct{}
}

func newFakeRepo(clock clockwork.Clock) *fakeRepo {
	return &fakeRepo{
		clock:        clock,
		sendAttempts: make(map[string]int),
		failSends:    make(map[string]int),
	}
}

// seed stores an hour-old message from sender without emitting an event.
func (r *fakeRepo) seed(sender, clientID, content string) chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertAt(r.clock.Now().Add(-time.Hour), sender, clientID, content)
}

func (r *fakeRepo) insertLocked(sender, clientID, content string) chat.Message {
	return r.insertAt(r.clock.Now(), sender, clientID, content)
}

func (r *fakeRepo) insertAt(base time.Time, sender, clientID, content string) chat.Message {
	r.nextID++
	sentAt := base.Add(time.Duration(r.nextID) * time.Millisecond)
	msg := chat.Message{
		ID:             r.nextID,
		ClientID:       clientID,
		ConversationID: "conv",
		SenderID:       sender,
		Content:        content,
		SentAt:         sentAt,
	}
	r.rows = append(r.rows, msg)
	return msg
}

func (r *fakeRepo) Send(ctx context.Context, _, senderID, content, clientID string) (chat.Message, error) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Message{}, chat.NewNetworkError("send", ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendAttempts[clientID]++

	for _, key := range []string{clientID, "*"} {
		if n := r.failSends[key]; n > 0 {
			r.failSends[key] = n - 1
			return chat.Message{}, chat.NewNetworkError("send", errOffline)
		}
	}
	for _, m := range r.rows {
		if m.ClientID == clientID {
			return m, nil
		}
	}
	return r.insertLocked(senderID, clientID, content), nil
}

func (r *fakeRepo) FetchPage(_ context.Context, _ string, before chat.Cursor, limit int) (repository.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return repository.Page{}, r.fetchErr
	}

	rows := slices.Clone(r.rows)
	slices.SortFunc(rows, func(a, b chat.Message) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if !before.IsZero() {
		rows = slices.DeleteFunc(rows, func(m chat.Message) bool { return !m.Cursor().Before(before) })
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[len(rows)-limit:]
	}
	return repository.Page{Messages: rows, HasMore: hasMore}, nil
}

func (r *fakeRepo) Subscribe(_ context.Context, _ string, onEvent func(repository.Event)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribes++
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	r.onEvent = onEvent
	return func() {
		r.mu.Lock()
		r.onEvent = nil
		r.mu.Unlock()
	}, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, readerID string, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, slices.Clone(ids))
	if r.markErr != nil {
		return r.markErr
	}
	now := r.clock.Now()
	for i, m := range r.rows {
		if slices.Contains(ids, m.ID) && m.SenderID != readerID && m.ReadAt == nil {
			r.rows[i].ReadAt = &now
		}
	}
	return nil
}

// push delivers ev to the current subscriber.
func (r *fakeRepo) push(ev repository.Event) {
	r.mu.Lock()
	onEvent := r.onEvent
	r.mu.Unlock()
	if onEvent != nil {
		onEvent(ev)
	}
}

func (r *fakeRepo) set(fn func(r *fakeRepo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *fakeRepo) attempts(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendAttempts[clientID]
}

func (r *fakeRepo) markCalls() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.marked)
}

type fakeResolver struct{ err error }

func (f fakeResolver) Resolve(_ context.Context, a, b string) (chat.Conversation, error) {
	if f.err != nil {
		return chat.Conversation{}, f.err
	}
	if b < a {
		a, b = b, a
	}
	return chat.Conversation{ID: "conv", ParticipantA: a, ParticipantB: b}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals []notify.Signal
}

func (n *recordingNotifier) Signal(_ context.Context, s notify.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, s)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

type env struct {
	clock    *clockwork.FakeClock
	repo     *fakeRepo
	notifier *recordingNotifier
	session  *session.Session
}

func openEnv(t *testing.T, setup func(*fakeRepo)) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo(clock)
	if setup != nil {
		setup(repo)
	}
	notifier := &recordingNotifier{}

	s, err := session.Open(context.Background(), session.Deps{
		Repository: repo,
		Resolver:   fakeResolver{},
		Notifier:   notifier,
		Clock:      clock,
	}, session.Options{PageSize: 3}, "alice", "bob")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)
	return &env{clock: clock, repo: repo, notifier: notifier, session: s}
}

// waitFor polls snapshots until cond holds.
func (e *env) waitFor(t *testing.T, what string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := e.session.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, snap)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func entryByClientID(snap session.Snapshot, clientID string) (chat.Entry, int) {
	count := 0
	var found chat.Entry
	for _, e := range snap.Messages {
		if e.ClientID == clientID {
			found = e
			count++
		}
	}
	return found, count
}

func hasStatus(clientID string, status chat.Status) func(session.Snapshot) bool {
	return func(snap session.Snapshot) bool {
		e, n := entryByClientID(snap, clientID)
		return n == 1 && e.Status() == status
	}
}
