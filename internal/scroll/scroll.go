// Package scroll decides when a message list follows new messages and keeps
// the visible position stable while older history is prepended. It works on
// abstract scroll metrics; only the view touches real coordinates.
package scroll

import (
	"strconv"
)

// Options are the scroll thresholds, in pixels.
type Options struct {
	// NearBottom is the distance from the bottom under which incoming
	// messages auto-scroll.
	NearBottom float64
	// TopThreshold is the scroll offset under which older history loads.
	TopThreshold float64
	// PendingCap is the largest pending count shown before "N+".
	PendingCap int
}

// DefaultOptions returns the default thresholds.
func DefaultOptions() Options {
	return Options{NearBottom: 120, TopThreshold: 80, PendingCap: 9}
}

// Metrics is a snapshot of the scroll container.
type Metrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// DistanceFromBottom returns how far the viewport is from the end of the content.
func DistanceFromBottom(m Metrics) float64 {
	d := m.ScrollHeight - m.ScrollTop - m.ClientHeight
	if d < 0 {
		return 0
	}
	return d
}

// ComputeAnchorAdjustment returns the offset to add to scrollTop after the
// content grew from prevExtent to newExtent above the viewport.
func ComputeAnchorAdjustment(prevExtent, newExtent float64) float64 {
	return newExtent - prevExtent
}

// Decision is what the view does about a newly arrived message.
type Decision struct {
	ScrollToBottom bool
	MarkRead       bool
	Pending        int
}

type anchor struct {
	extent float64
	top    float64
}

// Controller tracks scroll state for one conversation view. It is not safe
// for concurrent use; the owning session serializes access.
type Controller struct {
	opts     Options
	metrics  Metrics
	distance float64
	pending  int
	loading  bool
	anchor   *anchor
}

// New creates a Controller.
func New(opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.NearBottom <= 0 {
		opts.NearBottom = defaults.NearBottom
	}
	if opts.TopThreshold < 0 {
		opts.TopThreshold = defaults.TopThreshold
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaults.PendingCap
	}
	return &Controller{opts: opts}
}

// OnScroll records new metrics and reports whether the viewport is near
// enough to the top to load older history. Reaching the bottom clears the
// pending counter.
func (c *Controller) OnScroll(m Metrics) (nearTop bool) {
	c.update(m)
	return m.ScrollTop <= c.opts.TopThreshold
}

// OnResize records new metrics after the container or content changed size.
func (c *Controller) OnResize(m Metrics) {
	c.update(m)
}

func (c *Controller) update(m Metrics) {
	c.metrics = m
	c.distance = DistanceFromBottom(m)
	if c.NearBottom() {
		c.pending = 0
	}
}

// Distance returns the last computed distance from the bottom.
func (c *Controller) Distance() float64 { return c.distance }

// NearBottom reports whether the viewport is within the near-bottom threshold.
func (c *Controller) NearBottom() bool { return c.distance <= c.opts.NearBottom }

// OnNewMessage decides how the view reacts to a message appended at the end.
// Own messages always scroll and clear the counter. Received messages scroll
// only when the viewport is already near the bottom; otherwise they count
// as pending and the viewport stays put.
func (c *Controller) OnNewMessage(own bool) Decision {
	switch {
	case own:
		c.pending = 0
		return Decision{ScrollToBottom: true}
	case c.NearBottom():
		return Decision{ScrollToBottom: true, MarkRead: true, Pending: c.pending}
	default:
		c.pending++
		return Decision{Pending: c.pending}
	}
}

// Pending returns the number of unseen received messages.
func (c *Controller) Pending() int { return c.pending }

// PendingLabel returns the counter for display: "" for zero, capped as "9+".
func (c *Controller) PendingLabel() string {
	switch {
	case c.pending <= 0:
		return ""
	case c.pending > c.opts.PendingCap:
		return strconv.Itoa(c.opts.PendingCap) + "+"
	default:
		return strconv.Itoa(c.pending)
	}
}

// BeginLoadOlder claims the load-older slot and captures the anchor. It
// returns false when there is nothing more to load or a load is still
// outstanding. An anchor left unrestored by an earlier load is replaced.
func (c *Controller) BeginLoadOlder(hasMore bool) bool {
	if !hasMore || c.loading {
		return false
	}
	c.loading = true
	c.CaptureAnchor()
	return true
}

// EndLoadOlder releases the load-older slot. A captured anchor stays until
// RestoreAnchor, CancelAnchor or the next BeginLoadOlder.
func (c *Controller) EndLoadOlder() {
	c.loading = false
}

// Loading reports whether a load-older request is outstanding.
func (c *Controller) Loading() bool { return c.loading }

// CaptureAnchor remembers the current extent and offset.
func (c *Controller) CaptureAnchor() {
	c.anchor = &anchor{extent: c.metrics.ScrollHeight, top: c.metrics.ScrollTop}
}

// RestoreAnchor returns the scroll offset that keeps the anchored content in
// place now that the content extent is newExtent. ok is false when no anchor
// was captured.
func (c *Controller) RestoreAnchor(newExtent float64) (scrollTop float64, ok bool) {
	if c.anchor == nil {
		return 0, false
	}
	top := c.anchor.top + ComputeAnchorAdjustment(c.anchor.extent, newExtent)
	c.anchor = nil
	c.update(Metrics{ScrollTop: top, ScrollHeight: newExtent, ClientHeight: c.metrics.ClientHeight})
	return top, true
}

// CancelAnchor drops a captured anchor and releases the load-older slot.
func (c *Controller) CancelAnchor() {
	c.anchor = nil
	c.loading = false
}

// Metrics returns the last recorded metrics.
func (c *Controller) Metrics() Metrics { return c.metrics }
