package chat

import (
	"time"
)

// Delivery is the lifecycle state of one entry. It is one of Pending,
// Confirmed or Failed; all three are keyed by the entry's client id.
type Delivery interface {
	delivery()
}

// Pending is an optimistic entry whose send has not resolved yet.
type Pending struct{}

// Confirmed is an entry backed by a server row. Observed is set once the
// row has been seen through the realtime channel or a fetched page, which
// is what promotes an own message from sent to delivered.
type Confirmed struct {
	ID       int64
	Observed bool
}

// Failed is an entry whose send was rejected. It stays visible until it
// is retried or deleted.
type Failed struct {
	Err error
}

func (Pending) delivery()   {}
func (Confirmed) delivery() {}
func (Failed) delivery()    {}

// Entry is one visible item of a Timeline.
type Entry struct {
	ClientID       string
	ConversationID string
	SenderID       string
	Content        string
	SentAt         time.Time
	ReadAt         *time.Time
	Own            bool
	State          Delivery

	seq uint64
}

// ID returns the server id, or 0 while the entry is not confirmed.
func (e Entry) ID() int64 {
	if c, ok := e.State.(Confirmed); ok {
		return c.ID
	}
	return 0
}

// Status derives the displayed status. Messages from the other participant
// are always delivered.
func (e Entry) Status() Status {
	if !e.Own {
		return StatusDelivered
	}
	switch s := e.State.(type) {
	case Pending:
		return StatusSending
	case Failed:
		return StatusFailed
	case Confirmed:
		if s.Observed {
			return StatusDelivered
		}
		return StatusSent
	}
	return StatusSending
}

// Err returns the send error of a failed entry.
func (e Entry) Err() error {
	if f, ok := e.State.(Failed); ok {
		return f.Err
	}
	return nil
}

// Read reports whether the entry carries a read receipt.
func (e Entry) Read() bool {
	return e.ReadAt != nil
}

// Cursor returns the ordering position of the entry.
func (e Entry) Cursor() Cursor {
	return Cursor{SentAt: e.SentAt, ID: e.ID()}
}

// mergeRead keeps the first read timestamp ever observed. read_at is set
// at most once and never cleared.
func mergeRead(current, incoming *time.Time) *time.Time {
	if current != nil || incoming == nil {
		return current
	}
	t := *incoming
	return &t
}
