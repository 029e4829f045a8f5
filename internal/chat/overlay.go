package chat

import (
	"sync"
	"time"

	"github.com/vexalo/streamkit/internal/models"
)

// OverlayItem is a message with its computed on-screen opacity.
type OverlayItem struct {
	Message models.ChatMessage
	Opacity float64
}

type overlayEntry struct {
	msg   models.ChatMessage
	added time.Time
}

// Overlay renders the transient message list shown over the video: each
// message holds at full opacity, then fades linearly and is removed once
// fully faded. Feed it from Session.OnMessage.
type Overlay struct {
	hold time.Duration
	fade time.Duration

	mu      sync.Mutex
	entries []overlayEntry
	now     func() time.Time
}

// NewOverlay creates an overlay with the given hold and fade durations.
func NewOverlay(hold, fade time.Duration) *Overlay {
	if hold <= 0 {
		hold = 8 * time.Second
	}
	if fade <= 0 {
		fade = 4 * time.Second
	}
	return &Overlay{hold: hold, fade: fade, now: time.Now}
}

// Add appends a message to the overlay.
func (o *Overlay) Add(m models.ChatMessage) {
	o.mu.Lock()
	o.entries = append(o.entries, overlayEntry{msg: m, added: o.now()})
	o.mu.Unlock()
}

// Snapshot prunes expired messages and returns the visible ones with
// their opacity. Messages past hold+fade are gone for good.
func (o *Overlay) Snapshot() []OverlayItem {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.entries[:0]
	var out []OverlayItem
	for _, e := range o.entries {
		op := o.opacity(now.Sub(e.added))
		if op <= 0 {
			continue
		}
		kept = append(kept, e)
		out = append(out, OverlayItem{Message: e.msg, Opacity: op})
	}
	o.entries = kept
	return out
}

func (o *Overlay) opacity(age time.Duration) float64 {
	if age <= o.hold {
		return 1
	}
	faded := float64(age-o.hold) / float64(o.fade)
	if faded >= 1 {
		return 0
	}
	return 1 - faded
}
