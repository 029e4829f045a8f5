// Package activity tracks viewer presence for watch-time telemetry.
// A heartbeat may only be answered when the viewer interacted recently,
// the page is visible, and playback is running; the tracker is the single
// source of truth for that decision.
package activity

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	LastInteraction time.Time
	LastReport      time.Time
	Visible         bool
	Playing         bool
}

// Tracker records viewer interaction, visibility and playback state.
// Safe for concurrent use.
type Tracker struct {
	mu              sync.Mutex
	window          time.Duration
	lastInteraction time.Time
	lastReport      time.Time
	visible         bool
	playing         bool
	now             func() time.Time
}

// New creates a tracker with the given trailing eligibility window.
func New(window time.Duration) *Tracker {
	return &Tracker{
		window:  window,
		visible: true,
		now:     time.Now,
	}
}

// Touch records a user interaction.
func (t *Tracker) Touch() {
	t.mu.Lock()
	t.lastInteraction = t.now()
	t.mu.Unlock()
}

// SetVisible records a visibility change.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	t.mu.Unlock()
}

// SetPlaying records a playback state change.
func (t *Tracker) SetPlaying(playing bool) {
	t.mu.Lock()
	t.playing = playing
	t.mu.Unlock()
}

// Eligible reports whether a heartbeat may be sent: the viewer interacted
// within the trailing window and is both visible and playing. Heartbeats
// must never be sent speculatively.
func (t *Tracker) Eligible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.visible || !t.playing {
		return false
	}
	if t.lastInteraction.IsZero() {
		return false
	}
	return t.now().Sub(t.lastInteraction) <= t.window
}

// MarkReported records that an activity report was just sent.
func (t *Tracker) MarkReported() {
	t.mu.Lock()
	t.lastReport = t.now()
	t.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LastInteraction: t.lastInteraction,
		LastReport:      t.lastReport,
		Visible:         t.visible,
		Playing:         t.playing,
	}
}
