package session

import (
	"context"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/notify"
	"github.com/edgard/chatsync/internal/repository"
	"github.com/edgard/chatsync/internal/scroll"
)

// event is an input of the session loop.
type event interface{}

type sendStarted struct {
	clientID string
	content  string
}

type sendCompleted struct {
	clientID string
	message  chat.Message
	err      error
}

type retryRequested struct {
	clientID string
	reply    chan<- error
}

type deleteRequested struct {
	clientID string
	reply    chan<- error
}

type loadOlderRequested struct{}

type pageKind int

const (
	pageOlder pageKind = iota
	pageLatest
)

type pageFetched struct {
	kind pageKind
	page repository.Page
	err  error
}

type scrolled struct {
	metrics scroll.Metrics
	resize  bool
}

type layoutResult struct {
	top float64
	ok  bool
}

type laidOut struct {
	extent float64
	reply  chan<- layoutResult
}

type visibilityChanged struct {
	id      int64
	ratio   float64
	visible bool
}

type remoteEvent struct {
	ev repository.Event
}

type receiptsFlushed struct {
	ids []int64
	err error
}

type noticeDismissed struct{}

type resubscribed struct{}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			return
		case ev := <-s.inbox:
			s.handle(ev)
			s.publish()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case sendStarted:
		s.apply(chat.SendStarted{
			ClientID:       ev.clientID,
			ConversationID: s.conv.ID,
			Content:        ev.content,
			EstimatedAt:    s.deps.Clock.Now(),
		})
		s.arrived(chat.Entry{Own: true})
		s.dispatchSend(ev.clientID, ev.content)

	case sendCompleted:
		s.completeSend(ev)

	case retryRequested:
		entry, ok := s.timeline.Find(ev.clientID)
		if !ok || entry.Status() != chat.StatusFailed {
			ev.reply <- chat.NewValidationError("only failed messages can be retried")
			return
		}
		s.apply(chat.RetryStarted{ClientID: ev.clientID, EstimatedAt: s.deps.Clock.Now()})
		s.arrived(chat.Entry{Own: true})
		s.dispatchSend(entry.ClientID, entry.Content)
		ev.reply <- nil

	case deleteRequested:
		entry, ok := s.timeline.Find(ev.clientID)
		if !ok || entry.Status() != chat.StatusFailed {
			ev.reply <- chat.NewValidationError("only failed messages can be deleted")
			return
		}
		s.apply(chat.FailedDeleted{ClientID: ev.clientID})
		ev.reply <- nil

	case loadOlderRequested:
		s.loadOlder()

	case pageFetched:
		s.mergePage(ev)

	case scrolled:
		if ev.resize {
			s.scroll.OnResize(ev.metrics)
			return
		}
		if s.scroll.OnScroll(ev.metrics) {
			s.loadOlder()
		}

	case laidOut:
		top, ok := s.scroll.RestoreAnchor(ev.extent)
		ev.reply <- layoutResult{top: top, ok: ok}

	case visibilityChanged:
		if !ev.visible {
			s.batcher.Hidden(ev.id)
			return
		}
		if entry, ok := s.timeline.FindByID(ev.id); ok {
			s.batcher.Visible(entry, ev.ratio)
		}

	case remoteEvent:
		s.handleRemote(ev.ev)

	case receiptsFlushed:
		if ev.err != nil {
			s.logger.Debug("Read receipts not persisted, will retry on next visibility", "count", len(ev.ids), "error", ev.err)
			return
		}
		s.apply(chat.ReadMarked{IDs: ev.ids, At: s.deps.Clock.Now()})

	case noticeDismissed:
		s.notice = ""

	case resubscribed:
		s.degraded = false
	}
}

// apply replaces the timeline with the result of the event.
func (s *Session) apply(ev chat.Event) chat.Change {
	next, change := s.timeline.Apply(ev)
	if change.Reconciled {
		s.logger.Debug("Optimistic entry reconciled with server row",
			"error", chat.NewReconciliationConflict(clientIDOf(ev)))
	}
	s.timeline = next
	return change
}

func clientIDOf(ev chat.Event) string {
	switch ev := ev.(type) {
	case chat.RemoteInserted:
		return ev.Message.ClientID
	case chat.RemoteUpdated:
		return ev.Message.ClientID
	case chat.SendSucceeded:
		return ev.Message.ClientID
	}
	return ""
}

func (s *Session) requestScroll() {
	s.scrollToBottom = true
	s.scrollRequests++
}

// arrived runs the auto-scroll decision for an entry appended at the end.
func (s *Session) arrived(entry chat.Entry) {
	d := s.scroll.OnNewMessage(entry.Own)
	if d.ScrollToBottom {
		s.requestScroll()
	}
	if d.MarkRead {
		s.batcher.QueueReadReceipt(entry)
	}
}

func (s *Session) dispatchSend(clientID, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msg, err := s.deps.Repository.Send(s.ctx, s.conv.ID, s.self, content, clientID)
		s.post(sendCompleted{clientID: clientID, message: msg, err: err})
	}()
}

func (s *Session) completeSend(ev sendCompleted) {
	if ev.err != nil {
		s.logger.Warn("Send failed", "client_id", ev.clientID, "code", chat.Code(ev.err), "error", ev.err)
		s.apply(chat.SendFailed{ClientID: ev.clientID, Err: ev.err})
		return
	}

	s.apply(chat.SendSucceeded{Message: ev.message})

	if _, done := s.signaled[ev.clientID]; done {
		return
	}
	s.signaled[ev.clientID] = struct{}{}
	s.signal(ev.message)
}

func (s *Session) signal(msg chat.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.NotifyTimeout)
		defer cancel()
		err := s.deps.Notifier.Signal(ctx, notify.Signal{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			RecipientID:    s.peer,
			Content:        msg.Content,
			SentAt:         msg.SentAt,
		})
		if err != nil {
			s.logger.Warn("Notification signal failed", "message_id", msg.ID, "error", err)
		}
	}()
}

func (s *Session) loadOlder() {
	if !s.scroll.BeginLoadOlder(s.hasMore) {
		return
	}
	before := s.timeline.Oldest()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		page, err := s.deps.Repository.FetchPage(s.ctx, s.conv.ID, before, s.opts.PageSize)
		s.post(pageFetched{kind: pageOlder, page: page, err: err})
	}()
}

func (s *Session) mergePage(ev pageFetched) {
	if ev.kind == pageOlder {
		if ev.err != nil {
			s.logger.Warn("Loading older messages failed", "error", ev.err)
			s.scroll.CancelAnchor()
			s.notice = NoticeLoadOlderFailed
			return
		}
		s.scroll.EndLoadOlder()
		if len(ev.page.Messages) == 0 {
			s.scroll.CancelAnchor()
		}
		s.apply(chat.PageLoaded{Messages: ev.page.Messages})
		s.hasMore = ev.page.HasMore
		if s.notice == NoticeLoadOlderFailed {
			s.notice = ""
		}
		return
	}

	if ev.err != nil {
		s.notice = NoticeRefreshFailed
		return
	}
	newest := s.timeline.Newest()
	empty := s.timeline.Len() == 0
	change := s.apply(chat.PageLoaded{Messages: ev.page.Messages})
	if empty {
		s.hasMore = ev.page.HasMore
	}
	s.arrivedAfter(newest, change.Added)
	if s.notice == NoticeRefreshFailed {
		s.notice = ""
	}
}

// arrivedAfter runs the arrival decision for added entries newer than newest.
func (s *Session) arrivedAfter(newest chat.Cursor, added []chat.Entry) {
	for _, e := range added {
		if newest.IsZero() || newest.Before(e.Cursor()) {
			s.arrived(e)
		}
	}
}

func (s *Session) handleRemote(ev repository.Event) {
	switch ev.Kind {
	case repository.EventInsert:
		newest := s.timeline.Newest()
		change := s.apply(chat.RemoteInserted{Message: ev.Message})
		s.arrivedAfter(newest, change.Added)
	case repository.EventUpdate:
		newest := s.timeline.Newest()
		change := s.apply(chat.RemoteUpdated{Message: ev.Message})
		s.arrivedAfter(newest, change.Added)
	case repository.EventDegraded:
		s.logger.Warn("Live updates unavailable", "error", ev.Err)
		s.degraded = true
	case repository.EventRecovered:
		s.logger.Info("Live updates restored")
		s.degraded = false
	}
}
