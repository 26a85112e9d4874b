package session_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/repository"
	"github.com/edgard/chatsync/internal/scroll"
	"github.com/edgard/chatsync/internal/session"
)

func seedThree(r *fakeRepo) {
	r.seed("bob", "b1", "hey")
	r.seed("alice", "a1", "hi bob")
	r.seed("bob", "b2", "how are you?")
}

func TestSendConfirmsInPlace(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) {
		seedThree(r)
		r.gate = make(chan struct{})
	})

	if got := len(e.session.Snapshot().Messages); got != 3 {
		t.Fatalf("initial messages = %d, want 3", got)
	}

	clientID, err := e.session.Send("hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	snap := e.waitFor(t, "pending entry", hasStatus(clientID, chat.StatusSending))
	if len(snap.Messages) != 4 || snap.Messages[3].ClientID != clientID {
		t.Fatalf("pending entry should be last of 4, got %d messages", len(snap.Messages))
	}
	if !snap.ScrollToBottom {
		t.Error("own send should scroll to bottom")
	}

	var gate chan struct{}
	e.repo.set(func(r *fakeRepo) { gate = r.gate })
	close(gate)

	snap = e.waitFor(t, "sent status", hasStatus(clientID, chat.StatusSent))
	if len(snap.Messages) != 4 {
		t.Errorf("messages = %d after confirmation, want 4", len(snap.Messages))
	}
	sent, _ := entryByClientID(snap, clientID)
	if sent.ID() == 0 {
		t.Error("confirmed entry should carry the server id")
	}

	// The realtime echo of our own insert promotes it to delivered.
	e.repo.push(repository.Event{Kind: repository.EventInsert, Message: chat.Message{
		ID: sent.ID(), ClientID: clientID, ConversationID: "conv", SenderID: "alice", Content: "hi", SentAt: sent.SentAt,
	}})
	snap = e.waitFor(t, "delivered status", hasStatus(clientID, chat.StatusDelivered))
	if len(snap.Messages) != 4 {
		t.Errorf("echo duplicated the message: %d entries", len(snap.Messages))
	}
	if !snap.Messages[3].Own {
		t.Error("own message should stay last")
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.notifier.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("notifier signals = %d, want 1", e.notifier.count())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEchoBeforeSendResponse(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.gate = make(chan struct{}) })

	clientID, err := e.session.Send("racing")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	e.waitFor(t, "pending entry", hasStatus(clientID, chat.StatusSending))

	// The row lands and its realtime event overtakes the send response.
	var row chat.Message
	var gate chan struct{}
	e.repo.set(func(r *fakeRepo) {
		row = r.insertLocked("alice", clientID, "racing")
		gate = r.gate
	})
	e.repo.push(repository.Event{Kind: repository.EventInsert, Message: row})
	e.waitFor(t, "delivered via echo", hasStatus(clientID, chat.StatusDelivered))

	close(gate)
	// The late response neither duplicates nor downgrades the entry.
	time.Sleep(20 * time.Millisecond)
	snap := e.waitFor(t, "single delivered entry", hasStatus(clientID, chat.StatusDelivered))
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(snap.Messages))
	}
}

func TestRetryReusesClientID(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.failSends["*"] = 1 })

	clientID, err := e.session.Send("flaky")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	snap := e.waitFor(t, "failed status", hasStatus(clientID, chat.StatusFailed))
	failed, _ := entryByClientID(snap, clientID)
	if chat.Code(failed.Err()) != chat.CodeNetwork {
		t.Errorf("failed entry error = %v, want a network error", failed.Err())
	}

	if err := e.session.Retry(clientID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	snap = e.waitFor(t, "sent after retry", hasStatus(clientID, chat.StatusSent))
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want exactly 1", len(snap.Messages))
	}
	if n := e.repo.attempts(clientID); n != 2 {
		t.Errorf("send attempts with client id = %d, want 2", n)
	}

	if err := e.session.Retry(clientID); chat.Code(err) != chat.CodeValidation {
		t.Errorf("Retry() of a sent message error = %v, want validation error", err)
	}
	if err := e.session.Retry("unknown"); chat.Code(err) != chat.CodeValidation {
		t.Errorf("Retry() of unknown id error = %v, want validation error", err)
	}
}

func TestRetryClearsPendingCounter(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.failSends["*"] = 1 })

	clientID, err := e.session.Send("flaky")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	e.waitFor(t, "failed status", hasStatus(clientID, chat.StatusFailed))

	e.session.OnScroll(scroll.Metrics{ScrollTop: 100, ScrollHeight: 1000, ClientHeight: 400})
	e.repo.push(repository.Event{Kind: repository.EventInsert, Message: chat.Message{
		ID: 50, ClientID: "b9", ConversationID: "conv", SenderID: "bob", Content: "psst",
		SentAt: e.clock.Now().Add(time.Minute),
	}})
	snap := e.waitFor(t, "pending counter", func(s session.Snapshot) bool { return s.PendingNew == 1 })
	requests := snap.ScrollRequests

	if err := e.session.Retry(clientID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	snap = e.waitFor(t, "scroll after retry", func(s session.Snapshot) bool { return s.ScrollRequests > requests })
	if snap.PendingNew != 0 || snap.PendingLabel != "" {
		t.Errorf("PendingNew = %d, label %q after retry; want 0 and empty", snap.PendingNew, snap.PendingLabel)
	}
}

func TestDeleteFailed(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.failSends["*"] = 1 })

	clientID, err := e.session.Send("doomed")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	e.waitFor(t, "failed status", hasStatus(clientID, chat.StatusFailed))

	if err := e.session.DeleteFailed(clientID); err != nil {
		t.Fatalf("DeleteFailed() error = %v", err)
	}
	e.waitFor(t, "entry removed", func(s session.Snapshot) bool { return len(s.Messages) == 0 })

	if err := e.session.DeleteFailed(clientID); chat.Code(err) != chat.CodeValidation {
		t.Errorf("second DeleteFailed() error = %v, want validation error", err)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	t.Parallel()
	e := openEnv(t, nil)

	if _, err := e.session.Send("  \n"); chat.Code(err) != chat.CodeValidation {
		t.Errorf("Send() error = %v, want validation error", err)
	}
}

func TestAutoScrollGating(t *testing.T) {
	t.Parallel()
	e := openEnv(t, seedThree)

	e.session.OnScroll(scroll.Metrics{ScrollTop: 100, ScrollHeight: 1000, ClientHeight: 400})
	e.repo.push(repository.Event{Kind: repository.EventInsert, Message: chat.Message{
		ID: 50, ClientID: "b9", ConversationID: "conv", SenderID: "bob", Content: "psst",
		SentAt: e.clock.Now().Add(time.Minute),
	}})

	snap := e.waitFor(t, "pending counter", func(s session.Snapshot) bool { return s.PendingNew == 1 })
	if snap.PendingLabel != "1" || snap.ScrollToBottom {
		t.Errorf("snapshot = %+v, want label 1 without scrolling", snap)
	}
	requests := snap.ScrollRequests

	if _, err := e.session.Send("reply"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	snap = e.waitFor(t, "pending reset", func(s session.Snapshot) bool { return s.ScrollRequests > requests })
	if snap.PendingNew != 0 {
		t.Errorf("PendingNew = %d after own send, want 0", snap.PendingNew)
	}
}

func TestNearBottomArrivalIsMarkedRead(t *testing.T) {
	t.Parallel()
	e := openEnv(t, nil)

	e.repo.push(repository.Event{Kind: repository.EventInsert, Message: chat.Message{
		ID: 7, ClientID: "b7", ConversationID: "conv", SenderID: "bob", Content: "hello",
		SentAt: e.clock.Now(),
	}})
	e.waitFor(t, "arrival", func(s session.Snapshot) bool { return len(s.Messages) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("debounce timer not armed: %v", err)
	}
	e.clock.Advance(200 * time.Millisecond)

	snap := e.waitFor(t, "read receipt", func(s session.Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Read()
	})
	if snap.PendingNew != 0 {
		t.Errorf("PendingNew = %d, want 0", snap.PendingNew)
	}
	if calls := e.repo.markCalls(); len(calls) != 1 || len(calls[0]) != 1 || calls[0][0] != 7 {
		t.Errorf("MarkRead calls = %v, want [[7]]", calls)
	}
}

func TestVisibilityDwellMarksRead(t *testing.T) {
	t.Parallel()
	var peerMsg chat.Message
	e := openEnv(t, func(r *fakeRepo) { peerMsg = r.seed("bob", "b1", "read me") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e.session.OnVisible(peerMsg.ID, 0.9)
	if err := e.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("dwell timer not armed: %v", err)
	}
	e.clock.Advance(500 * time.Millisecond)
	if err := e.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("debounce timer not armed: %v", err)
	}
	e.clock.Advance(200 * time.Millisecond)

	e.waitFor(t, "read receipt", func(s session.Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Read()
	})
}

func TestLoadOlderFailureThenSuccess(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) {
		for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
			r.seed("bob", id, id)
		}
	})

	snap := e.session.Snapshot()
	if len(snap.Messages) != 3 || !snap.HasMore {
		t.Fatalf("initial page = %d messages, HasMore %v; want 3, true", len(snap.Messages), snap.HasMore)
	}

	e.repo.set(func(r *fakeRepo) { r.fetchErr = errOffline })
	e.session.OnScroll(scroll.Metrics{ScrollTop: 0, ScrollHeight: 1000, ClientHeight: 400})
	snap = e.waitFor(t, "failure notice", func(s session.Snapshot) bool { return s.Notice != "" })
	if !snap.HasMore || len(snap.Messages) != 3 || snap.LoadingOlder {
		t.Errorf("after failure: %+v, want 3 messages, HasMore and no load in flight", snap)
	}
	if _, ok := e.session.OnLayout(1500); ok {
		t.Error("a failed load must not leave an anchor adjustment behind")
	}

	e.repo.set(func(r *fakeRepo) { r.fetchErr = nil })
	e.session.OnScroll(scroll.Metrics{ScrollTop: 0, ScrollHeight: 1000, ClientHeight: 400})
	snap = e.waitFor(t, "older page", func(s session.Snapshot) bool { return len(s.Messages) == 5 })
	if snap.HasMore || snap.Notice != "" {
		t.Errorf("after success: HasMore %v, notice %q; want false, empty", snap.HasMore, snap.Notice)
	}
	if snap.Messages[0].ClientID != "m1" {
		t.Errorf("first message = %s, want m1", snap.Messages[0].ClientID)
	}

	top, ok := e.session.OnLayout(1500)
	if !ok || top != 500 {
		t.Errorf("OnLayout(1500) = %v, %v; want 500, true", top, ok)
	}
}

func TestLoadOlderRepeatedWithoutLayout(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) {
		for i := range 10 {
			r.seed("bob", fmt.Sprintf("m%d", i), "x")
		}
	})

	idle := func(n int) func(session.Snapshot) bool {
		return func(s session.Snapshot) bool { return len(s.Messages) == n && !s.LoadingOlder }
	}
	e.waitFor(t, "initial page", idle(3))

	// A view without layout passes never restores the anchor.
	for _, want := range []int{6, 9, 10} {
		e.session.LoadOlder()
		snap := e.waitFor(t, fmt.Sprintf("%d messages", want), idle(want))
		if snap.HasMore != (want < 10) {
			t.Errorf("HasMore = %v with %d messages", snap.HasMore, want)
		}
	}
	snap := e.session.Snapshot()
	if snap.Messages[0].ClientID != "m0" {
		t.Errorf("first message = %s, want m0", snap.Messages[0].ClientID)
	}
}

func TestOutOfOrderRealtimeConverges(t *testing.T) {
	t.Parallel()
	e := openEnv(t, nil)

	base := e.clock.Now()
	var events []repository.Event
	for i := int64(1); i <= 20; i++ {
		msg := chat.Message{
			ID: i, ClientID: "r" + string(rune('a'+i)), ConversationID: "conv", SenderID: "bob",
			Content: "x", SentAt: base.Add(time.Duration(i) * time.Second),
		}
		events = append(events, repository.Event{Kind: repository.EventInsert, Message: msg})
		if i%3 == 0 {
			events = append(events, repository.Event{Kind: repository.EventInsert, Message: msg})
		}
	}
	rand.New(rand.NewSource(7)).Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	for _, ev := range events {
		e.repo.push(ev)
	}

	snap := e.waitFor(t, "all messages", func(s session.Snapshot) bool { return len(s.Messages) == 20 })
	for i, m := range snap.Messages {
		if m.ID() != int64(i+1) {
			t.Fatalf("position %d holds message %d, want %d", i, m.ID(), i+1)
		}
	}
}

func TestDegradedAndRefresh(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.subscribeErr = chat.NewSubscriptionDropped("conv", errOffline) })

	if !e.session.Snapshot().Degraded {
		t.Fatal("session without subscription should be degraded")
	}

	registry := session.NewRegistry()
	registry.Add(e.session)

	n, err := registry.RefreshDegraded(context.Background())
	if n != 1 || err == nil {
		t.Errorf("RefreshDegraded() = %d, %v; want 1 and the subscribe error", n, err)
	}

	e.repo.set(func(r *fakeRepo) {
		r.subscribeErr = nil
		r.seed("bob", "late", "missed while degraded")
	})
	if n, err := registry.RefreshDegraded(context.Background()); n != 1 || err != nil {
		t.Fatalf("RefreshDegraded() = %d, %v; want 1, nil", n, err)
	}
	snap := e.waitFor(t, "recovered", func(s session.Snapshot) bool { return !s.Degraded })
	if _, count := entryByClientID(snap, "late"); count != 1 {
		t.Errorf("refresh should merge the missed message, got %d copies", count)
	}

	if n, _ := registry.RefreshDegraded(context.Background()); n != 0 {
		t.Errorf("RefreshDegraded() with healthy sessions = %d, want 0", n)
	}

	e.repo.push(repository.Event{Kind: repository.EventDegraded, Err: errOffline})
	e.waitFor(t, "degraded event", func(s session.Snapshot) bool { return s.Degraded })
	e.repo.push(repository.Event{Kind: repository.EventRecovered})
	e.waitFor(t, "recovered event", func(s session.Snapshot) bool { return !s.Degraded })

	registry.Remove(e.session)
	if registry.Len() != 0 {
		t.Errorf("Len() = %d, want 0", registry.Len())
	}
}

func TestCloseStopsEverything(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.gate = make(chan struct{}) })

	if _, err := e.session.Send("in flight"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	e.session.OnVisible(1, 1.0)
	e.session.Close()
	e.session.Close()

	if _, err := e.session.Send("late"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
	if err := e.session.Retry("x"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Retry() after Close error = %v, want ErrClosed", err)
	}
	if err := e.session.Refresh(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Refresh() after Close error = %v, want ErrClosed", err)
	}
	if _, ok := e.session.OnLayout(100); ok {
		t.Error("OnLayout() after Close should do nothing")
	}

	for range e.session.Updates() {
	}

	var subscribed bool
	e.repo.set(func(r *fakeRepo) { subscribed = r.onEvent != nil })
	if subscribed {
		t.Error("Close should unsubscribe from realtime")
	}
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()

	cause := chat.NewStorageError("find conversation", errOffline)
	_, err := session.Open(context.Background(), session.Deps{
		Repository: newFakeRepo(nil),
		Resolver:   fakeResolver{err: cause},
	}, session.Options{}, "alice", "bob")
	if !errors.Is(err, cause) {
		t.Errorf("Open() error = %v, want resolver error", err)
	}

	repo := newFakeRepo(nil)
	repo.fetchErr = errOffline
	_, err = session.Open(context.Background(), session.Deps{Repository: repo, Resolver: fakeResolver{}},
		session.Options{}, "alice", "bob")
	if !errors.Is(err, errOffline) {
		t.Errorf("Open() error = %v, want fetch error", err)
	}
	if repo.onEvent != nil {
		t.Error("failed Open should unsubscribe")
	}
}

func TestRetryTwiceInQuickSuccession(t *testing.T) {
	t.Parallel()
	e := openEnv(t, func(r *fakeRepo) { r.failSends["*"] = 1 })

	clientID, err := e.session.Send("twice")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	e.waitFor(t, "failed status", hasStatus(clientID, chat.StatusFailed))

	gate := make(chan struct{})
	e.repo.set(func(r *fakeRepo) { r.gate = gate })

	if err := e.session.Retry(clientID); err != nil {
		t.Fatalf("first Retry() error = %v", err)
	}
	if err := e.session.Retry(clientID); chat.Code(err) != chat.CodeValidation {
		t.Errorf("second Retry() while in flight error = %v, want validation error", err)
	}
	close(gate)

	snap := e.waitFor(t, "sent after retry", hasStatus(clientID, chat.StatusSent))
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(snap.Messages))
	}
	if n := e.repo.attempts(clientID); n != 2 {
		t.Errorf("send attempts = %d, want 2", n)
	}
}
