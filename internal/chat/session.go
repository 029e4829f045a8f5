// Package chat maintains the message list for one chat room on top of the
// connection registry: history replay, duplicate suppression, client-side
// send limits and the local system messages those limits produce.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/vexalo/streamkit/internal/activity"
	"github.com/vexalo/streamkit/internal/models"
	"github.com/vexalo/streamkit/internal/registry"
)

var (
	// ErrMessageTooLong is returned when a message exceeds the length limit.
	ErrMessageTooLong = errors.New("message too long")
	// ErrRateLimited is returned while the send cooldown is active.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotDelivered is returned when the room transport is not open.
	ErrNotDelivered = errors.New("message not delivered")
)

// Options configures a chat session.
type Options struct {
	MaxMessageLength int
	RateLimitCount   int
	RateLimitWindow  time.Duration
	Cooldown         time.Duration
	SeenCacheSize    int
}

func (o *Options) withDefaults() {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 200
	}
	if o.RateLimitCount <= 0 {
		o.RateLimitCount = 10
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.SeenCacheSize <= 0 {
		o.SeenCacheSize = 4096
	}
}

// Session is one viewer's connection to one chat room.
type Session struct {
	reg          *registry.Registry
	room         string
	token        string
	connectionID string
	opts         Options
	tracker      *activity.Tracker
	logger       *zap.Logger

	mu         sync.Mutex
	seen       *lru.Cache[string, struct{}]
	messages   []models.ChatMessage
	limiter    *limiter
	authFailed bool
	handlers   map[int]func(models.ChatMessage)
	nextSub    int
	unsubs     []func()
	now        func() time.Time
}

// NewSession creates a chat session for a room. The tracker gates
// heartbeat replies; the logger may be nil.
func NewSession(reg *registry.Registry, room, token, connectionID string, opts Options, tracker *activity.Tracker, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.withDefaults()
	seen, _ := lru.New[string, struct{}](opts.SeenCacheSize)
	return &Session{
		reg:          reg,
		room:         room,
		token:        token,
		connectionID: connectionID,
		opts:         opts,
		tracker:      tracker,
		logger:       logger,
		seen:         seen,
		limiter:      newLimiter(opts.RateLimitCount, opts.RateLimitWindow, opts.Cooldown),
		handlers:     make(map[int]func(models.ChatMessage)),
		now:          time.Now,
	}
}

// Open connects the room and registers the session's callbacks.
func (s *Session) Open() {
	s.mu.Lock()
	s.unsubs = append(s.unsubs,
		s.reg.OnMessage(s.room, s.handleEnvelope),
		s.reg.OnError(s.room, s.handleError),
	)
	s.mu.Unlock()
	s.reg.Connect(s.room, s.token)
}

// Close unsubscribes the session's callbacks. The transport is left open
// for other consumers; call Disconnect to tear the room down.
func (s *Session) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Disconnect closes the room transport itself.
func (s *Session) Disconnect() {
	s.Close()
	s.reg.Disconnect(s.room)
}

// Send validates and sends a chat message. Violations of the length or
// frequency guards append a local system message and return an error;
// nothing reaches the transport.
func (s *Session) Send(content string) error {
	if utf8.RuneCountInString(content) > s.opts.MaxMessageLength {
		s.systemf("Message is too long (limit %d characters).", s.opts.MaxMessageLength)
		return ErrMessageTooLong
	}

	s.mu.Lock()
	ok, wait := s.limiter.allow(s.now())
	s.mu.Unlock()
	if !ok {
		s.systemf("You're sending messages too fast. Please wait %d seconds.", int(wait.Round(time.Second).Seconds()))
		return ErrRateLimited
	}

	if !s.reg.Send(s.room, "message", map[string]string{"content": content}) {
		return ErrNotDelivered
	}
	if s.tracker != nil {
		s.tracker.Touch()
	}
	return nil
}

// Authenticate re-authenticates the open room with a fresh token.
func (s *Session) Authenticate(token string) bool {
	s.mu.Lock()
	s.token = token
	s.authFailed = false
	s.mu.Unlock()
	return s.reg.Authenticate(s.room, token)
}

// Messages returns a snapshot of the visible message list.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// AuthFailed reports whether the server rejected the session's token.
func (s *Session) AuthFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailed
}

// OnMessage registers a callback for every appended message, local system
// messages included. The returned function unsubscribes.
func (s *Session) OnMessage(fn func(models.ChatMessage)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Session) handleEnvelope(env registry.Envelope) {
	switch env.Type {
	case "history":
		var payload struct {
			Messages []models.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Debug("bad history payload", zap.Error(err))
			return
		}
		for _, raw := range payload.Messages {
			s.append(raw.ToChatMessage())
		}
	case "message":
		var raw models.RawMessage
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			s.logger.Debug("bad message payload", zap.Error(err))
			return
		}
		s.append(raw.ToChatMessage())
	case "heartbeat_request":
		s.answerHeartbeat()
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Payload, &payload) == nil && payload.Message != "" {
			s.systemf("%s", payload.Message)
		}
	case "connection_established", "connect", "activity_confirmed", "authenticate":
		// informational
	default:
		s.logger.Debug("unhandled chat event", zap.String("type", env.Type))
	}
}

func (s *Session) handleError(err error) {
	if errors.Is(err, registry.ErrAuthFailed) {
		s.mu.Lock()
		s.authFailed = true
		s.mu.Unlock()
		s.systemf("Chat authentication failed. Please sign in again.")
	}
}

// ReportActivity sends an unsolicited activity_check ping on the chat
// room, under the same eligibility gate as heartbeat replies. Reports
// false when ineligible or the room is not open.
func (s *Session) ReportActivity() bool {
	if s.tracker == nil || !s.tracker.Eligible() {
		return false
	}
	snap := s.tracker.Snapshot()
	sent := s.reg.Send(s.room, "activity_check", models.ActivityPayload{
		Timestamp:    s.now().UnixMilli(),
		IsPlaying:    snap.Playing,
		IsVisible:    snap.Visible,
		ConnectionID: s.connectionID,
	})
	if sent {
		s.tracker.MarkReported()
	}
	return sent
}

// answerHeartbeat replies to a server heartbeat_request, but only when
// the viewer is demonstrably active; heartbeats are never speculative.
func (s *Session) answerHeartbeat() {
	if s.tracker == nil || !s.tracker.Eligible() {
		return
	}
	snap := s.tracker.Snapshot()
	sent := s.reg.Send(s.room, "heartbeat", models.ActivityPayload{
		Timestamp:    s.now().UnixMilli(),
		IsPlaying:    snap.Playing,
		IsVisible:    snap.Visible,
		ConnectionID: s.connectionID,
	})
	if sent {
		s.tracker.MarkReported()
	}
}

// append adds a message unless its id was already seen. Duplicate
// deliveries (history replay plus live event, or re-delivery) are dropped
// silently regardless of arrival order.
func (s *Session) append(m models.ChatMessage) {
	s.mu.Lock()
	if m.ID != "" {
		if _, dup := s.seen.Get(m.ID); dup {
			s.mu.Unlock()
			return
		}
		s.seen.Add(m.ID, struct{}{})
	}
	s.messages = append(s.messages, m)
	handlers := s.snapshotHandlersLocked()
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(m)
	}
}

func (s *Session) systemf(format string, args ...interface{}) {
	m := models.ChatMessage{
		ID:          ulid.Make().String(),
		DisplayName: "system",
		Body:        fmt.Sprintf(format, args...),
		Timestamp:   s.now(),
		Kind:        models.KindSystem,
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	handlers := s.snapshotHandlersLocked()
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(m)
	}
}

func (s *Session) snapshotHandlersLocked() []func(models.ChatMessage) {
	out := make([]func(models.ChatMessage), 0, len(s.handlers))
	for _, fn := range s.handlers {
		out = append(out, fn)
	}
	return out
}
