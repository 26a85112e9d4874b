package chat

import (
	"cmp"
	"slices"
	"time"
)

// Event is a single input to the Timeline reducer. Every source that can
// change the message list (own sends, realtime push, history pages, read
// receipts) is expressed as one of the event types below.
type Event interface {
	event()
}

// SendStarted appends an optimistic entry for a new local send.
type SendStarted struct {
	ClientID       string
	ConversationID string
	Content        string
	EstimatedAt    time.Time
}

// SendSucceeded carries the row returned by the repository for an own send.
type SendSucceeded struct {
	Message Message
}

// SendFailed marks a pending send as failed.
type SendFailed struct {
	ClientID string
	Err      error
}

// RetryStarted moves a failed entry back to pending. The client id is
// reused so that every attempt reconciles onto the same entry.
type RetryStarted struct {
	ClientID    string
	EstimatedAt time.Time
}

// FailedDeleted removes a failed entry. It was never persisted.
type FailedDeleted struct {
	ClientID string
}

// RemoteInserted is a realtime insert event.
type RemoteInserted struct {
	Message Message
}

// RemoteUpdated is a realtime update event (read receipt or status change).
type RemoteUpdated struct {
	Message Message
}

// PageLoaded merges a fetched page of history.
type PageLoaded struct {
	Messages []Message
}

// ReadMarked flips read_at on the other participant's messages after a
// successful batch mark-read.
type ReadMarked struct {
	IDs []int64
	At  time.Time
}

func (SendStarted) event()    {}
func (SendSucceeded) event()  {}
func (SendFailed) event()     {}
func (RetryStarted) event()   {}
func (FailedDeleted) event()  {}
func (RemoteInserted) event() {}
func (RemoteUpdated) event()  {}
func (PageLoaded) event()     {}
func (ReadMarked) event()     {}

// Change describes what a single Apply did.
type Change struct {
	// Added holds entries that did not exist before the event.
	Added []Entry
	// Reconciled is set when a server row observed through realtime or a
	// page replaced an entry that was still pending or failed locally.
	Reconciled bool
	// Ignored is set when the event had no effect.
	Ignored bool
}

// Timeline is the ordered, deduplicated message list of one conversation,
// as seen by one participant. It is an immutable value: Apply returns a new
// Timeline and never modifies the receiver, so a single owner can replace
// it per event without coordinating with readers of older values.
type Timeline struct {
	self    string
	entries []Entry
	seq     uint64
}

// NewTimeline returns an empty timeline for the participant self.
func NewTimeline(self string) Timeline {
	return Timeline{self: self}
}

// Self returns the participant the timeline belongs to.
func (t Timeline) Self() string { return t.self }

// Len returns the number of visible entries.
func (t Timeline) Len() int { return len(t.entries) }

// Entries returns a copy of the visible entries in display order.
func (t Timeline) Entries() []Entry {
	return slices.Clone(t.entries)
}

// Find returns the entry with the given client id.
func (t Timeline) Find(clientID string) (Entry, bool) {
	if i := t.indexOf(clientID, 0); i >= 0 {
		return t.entries[i], true
	}
	return Entry{}, false
}

// FindByID returns the confirmed entry with the given server id.
func (t Timeline) FindByID(id int64) (Entry, bool) {
	if i := t.indexOf("", id); i >= 0 {
		return t.entries[i], true
	}
	return Entry{}, false
}

// Oldest returns the cursor of the oldest confirmed entry, used as the
// "before" cursor of the next history page. It is zero when nothing is
// confirmed yet.
func (t Timeline) Oldest() Cursor {
	for _, e := range t.entries {
		if e.ID() != 0 {
			return e.Cursor()
		}
	}
	return Cursor{}
}

// Newest returns the cursor of the newest confirmed entry.
func (t Timeline) Newest() Cursor {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].ID() != 0 {
			return t.entries[i].Cursor()
		}
	}
	return Cursor{}
}

// Unread returns the other participant's confirmed messages that carry no
// read receipt yet.
func (t Timeline) Unread() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if !e.Own && e.ID() != 0 && e.ReadAt == nil {
			out = append(out, e)
		}
	}
	return out
}

// Sorted reports whether the entries are in (sent_at, id) order.
func (t Timeline) Sorted() bool {
	return slices.IsSortedFunc(t.entries, compareEntries)
}

// Apply reduces one event into a new Timeline.
func (t Timeline) Apply(ev Event) (Timeline, Change) {
	next := Timeline{
		self:    t.self,
		entries: slices.Clone(t.entries),
		seq:     t.seq,
	}

	var ch Change
	switch ev := ev.(type) {
	case SendStarted:
		if next.indexOf(ev.ClientID, 0) >= 0 {
			ch.Ignored = true
			return t, ch
		}
		e := Entry{
			ClientID:       ev.ClientID,
			ConversationID: ev.ConversationID,
			SenderID:       t.self,
			Content:        ev.Content,
			SentAt:         ev.EstimatedAt,
			Own:            true,
			State:          Pending{},
			seq:            next.nextSeq(),
		}
		next.entries = append(next.entries, e)
		ch.Added = append(ch.Added, e)

	case SendSucceeded:
		next.upsert(ev.Message, false, &ch)

	case SendFailed:
		i := next.indexOf(ev.ClientID, 0)
		if i < 0 {
			ch.Ignored = true
			return t, ch
		}
		if _, pending := next.entries[i].State.(Pending); !pending {
			// A confirmed entry never regresses: a late failure of an
			// earlier attempt loses against any confirmation.
			ch.Ignored = true
			return t, ch
		}
		next.entries[i].State = Failed{Err: ev.Err}

	case RetryStarted:
		i := next.indexOf(ev.ClientID, 0)
		if i < 0 {
			ch.Ignored = true
			return t, ch
		}
		if _, failed := next.entries[i].State.(Failed); !failed {
			ch.Ignored = true
			return t, ch
		}
		next.entries[i].State = Pending{}
		next.entries[i].SentAt = ev.EstimatedAt
		next.entries[i].seq = next.nextSeq()

	case FailedDeleted:
		i := next.indexOf(ev.ClientID, 0)
		if i < 0 {
			ch.Ignored = true
			return t, ch
		}
		if _, failed := next.entries[i].State.(Failed); !failed {
			ch.Ignored = true
			return t, ch
		}
		next.entries = slices.Delete(next.entries, i, i+1)

	case RemoteInserted:
		next.upsert(ev.Message, true, &ch)

	case RemoteUpdated:
		// An update for a row outside the loaded window is dropped unless
		// it is newer than anything loaded, in which case it doubles as a
		// missed insert.
		if next.indexOf(ev.Message.ClientID, ev.Message.ID) < 0 {
			newest := next.Newest()
			if !newest.IsZero() && !newest.Before(ev.Message.Cursor()) {
				ch.Ignored = true
				return t, ch
			}
		}
		next.upsert(ev.Message, true, &ch)

	case PageLoaded:
		for _, m := range ev.Messages {
			next.upsert(m, true, &ch)
		}

	case ReadMarked:
		ids := make(map[int64]struct{}, len(ev.IDs))
		for _, id := range ev.IDs {
			ids[id] = struct{}{}
		}
		changed := false
		for i, e := range next.entries {
			if e.Own || e.ReadAt != nil {
				continue
			}
			if _, ok := ids[e.ID()]; !ok {
				continue
			}
			at := ev.At
			next.entries[i].ReadAt = &at
			changed = true
		}
		if !changed {
			ch.Ignored = true
			return t, ch
		}

	default:
		ch.Ignored = true
		return t, ch
	}

	slices.SortFunc(next.entries, compareEntries)
	return next, ch
}

// upsert merges a server row. The client id is the reconciliation key; the
// server id is used only for rows that carry no client id.
func (t *Timeline) upsert(m Message, observed bool, ch *Change) {
	i := t.indexOf(m.ClientID, m.ID)
	if i < 0 {
		e := Entry{
			ClientID:       m.ClientID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			SentAt:         m.SentAt,
			ReadAt:         mergeRead(nil, m.ReadAt),
			Own:            m.SenderID == t.self,
			State:          Confirmed{ID: m.ID, Observed: observed},
			seq:            t.nextSeq(),
		}
		t.entries = append(t.entries, e)
		ch.Added = append(ch.Added, e)
		return
	}

	e := t.entries[i]
	switch s := e.State.(type) {
	case Pending, Failed:
		if observed {
			ch.Reconciled = true
		}
		e.State = Confirmed{ID: m.ID, Observed: observed}
	case Confirmed:
		id := s.ID
		if id == 0 {
			id = m.ID
		}
		e.State = Confirmed{ID: id, Observed: s.Observed || observed}
	}
	if e.ClientID == "" {
		e.ClientID = m.ClientID
	}
	e.SentAt = m.SentAt
	e.Content = m.Content
	e.ReadAt = mergeRead(e.ReadAt, m.ReadAt)
	t.entries[i] = e
}

func (t Timeline) indexOf(clientID string, id int64) int {
	for i, e := range t.entries {
		if clientID != "" && e.ClientID == clientID {
			return i
		}
		if id != 0 && e.ID() == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) nextSeq() uint64 {
	t.seq++
	return t.seq
}

func compareEntries(a, b Entry) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID(), b.ID()); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}
