// Package registry owns one logical WebSocket connection per room and
// multiplexes its lifecycle events to any number of independent
// subscribers. Callers never touch sockets directly: they connect a room,
// register callbacks, and send typed envelopes. The registry keeps the
// connection authenticated and alive, and redials on abnormal closes.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of a room connection.
type ConnState string

const (
	StateAbsent           ConnState = "absent"
	StateConnecting       ConnState = "connecting"
	StateOpen             ConnState = "open"
	StateReconnectPending ConnState = "reconnect_pending"
)

// ErrAuthFailed is delivered to error subscribers when the server rejects
// the authentication handshake. The transport stays up so the UI can
// prompt for a fresh token.
var ErrAuthFailed = errors.New("authentication rejected")

// Config controls connection behavior for one registry.
type Config struct {
	// URL builds the endpoint for a room id.
	URL func(room string) string
	// Subprotocols for the WebSocket handshake.
	Subprotocols []string

	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	ReconnectBackoff float64       // 1.0 reproduces the flat retry delay
	ReconnectMax     time.Duration // cap on the backed-off delay
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration

	// Dialer may be replaced in tests. Defaults to a gorilla dialer.
	Dialer Dialer
}

func (c *Config) withDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ReconnectBackoff < 1 {
		c.ReconnectBackoff = 1
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = wsDialer{subprotocols: c.Subprotocols}
	}
}

// Registry guarantees at most one live transport per room id.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id        string
	state     ConnState
	token     string
	transport Transport
	send      chan []byte
	done      chan struct{}
	gen       int // connection generation; stale pump events are dropped
	attempt   int // consecutive failed connects, reset once open
	reconnect *time.Timer

	nextSub   int
	onConnect map[int]func()
	onMessage map[int]func(Envelope)
	onClose   map[int]func(code int)
	onError   map[int]func(error)
}

// New creates a registry. The logger may be nil.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()
	return &Registry{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

func (g *Registry) roomLocked(id string) *room {
	r, ok := g.rooms[id]
	if !ok {
		r = &room{
			id:        id,
			state:     StateAbsent,
			onConnect: make(map[int]func()),
			onMessage: make(map[int]func(Envelope)),
			onClose:   make(map[int]func(code int)),
			onError:   make(map[int]func(error)),
		}
		g.rooms[id] = r
	}
	return r
}

// Connect ensures a live connection for the room. It is idempotent: if a
// transport is already connecting or open with the same token, the call
// is a no-op and subscribers keep the existing handle. A different token
// silently replaces the connection. Failures are reported through the
// error and close callbacks, never returned here.
func (g *Registry) Connect(roomID, token string) {
	g.mu.Lock()
	r := g.roomLocked(roomID)

	switch r.state {
	case StateConnecting, StateOpen:
		if r.token == token {
			g.mu.Unlock()
			return
		}
		// Token changed: replace the transport without surfacing a close.
		g.logger.Debug("replacing connection for new token", zap.String("room", roomID))
		g.teardownLocked(r)
	case StateReconnectPending:
		if r.reconnect != nil {
			r.reconnect.Stop()
			r.reconnect = nil
		}
	}

	r.token = token
	r.state = StateConnecting
	r.gen++
	gen := r.gen
	g.mu.Unlock()

	go g.dial(r, gen, token)
}

// Disconnect closes the room's transport, clears its timers and callbacks
// and removes the room entry. Calling it on an absent room is a no-op.
func (g *Registry) Disconnect(roomID string) {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if r.transport != nil {
		// Best effort: the frame may fail on an already-dead conn.
		_ = r.transport.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = r.transport.WriteMessage(websocket.CloseMessage, msg)
	}
	g.teardownLocked(r)
	r.gen++
	closers := snapshotClose(r)
	delete(g.rooms, roomID)
	g.mu.Unlock()

	for _, fn := range closers {
		fn(websocket.CloseNormalClosure)
	}
	g.logger.Debug("room disconnected", zap.String("room", roomID))
}

// Send marshals an envelope onto the room's transport. It reports false,
// without error, when the room is not open; the message is simply not
// delivered and the caller may retry or drop.
func (g *Registry) Send(roomID, typ string, payload interface{}) bool {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok || r.state != StateOpen || r.send == nil {
		g.mu.Unlock()
		return false
	}
	send := r.send
	g.mu.Unlock()

	data, err := json.Marshal(outbound{Type: typ, Payload: payload})
	if err != nil {
		return false
	}
	select {
	case send <- data:
		return true
	default:
		// buffer full, drop
		return false
	}
}

// Authenticate re-sends the authentication payload on an already-open
// transport without reconnecting. Used when a token becomes available
// after the socket opened as anonymous.
func (g *Registry) Authenticate(roomID, token string) bool {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok || r.state != StateOpen {
		g.mu.Unlock()
		return false
	}
	r.token = token
	g.mu.Unlock()
	return g.Send(roomID, "authenticate", AuthPayload{Token: token})
}

// State returns the room's connection state; StateAbsent when unknown.
func (g *Registry) State(roomID string) ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[roomID]; ok {
		return r.state
	}
	return StateAbsent
}

// OnConnect registers a callback fired each time the room's transport
// opens. The returned function unsubscribes.
func (g *Registry) OnConnect(roomID string, fn func()) func() {
	g.mu.Lock()
	r := g.roomLocked(roomID)
	id := r.nextSub
	r.nextSub++
	r.onConnect[id] = fn
	g.mu.Unlock()
	return g.unsubscribe(roomID, func(r *room) { delete(r.onConnect, id) })
}

// OnMessage registers a callback for inbound envelopes.
func (g *Registry) OnMessage(roomID string, fn func(Envelope)) func() {
	g.mu.Lock()
	r := g.roomLocked(roomID)
	id := r.nextSub
	r.nextSub++
	r.onMessage[id] = fn
	g.mu.Unlock()
	return g.unsubscribe(roomID, func(r *room) { delete(r.onMessage, id) })
}

// OnClose registers a callback fired with the close code when the
// transport closes, including before an automatic reconnect.
func (g *Registry) OnClose(roomID string, fn func(code int)) func() {
	g.mu.Lock()
	r := g.roomLocked(roomID)
	id := r.nextSub
	r.nextSub++
	r.onClose[id] = fn
	g.mu.Unlock()
	return g.unsubscribe(roomID, func(r *room) { delete(r.onClose, id) })
}

// OnError registers a callback for transport and authentication errors.
func (g *Registry) OnError(roomID string, fn func(error)) func() {
	g.mu.Lock()
	r := g.roomLocked(roomID)
	id := r.nextSub
	r.nextSub++
	r.onError[id] = fn
	g.mu.Unlock()
	return g.unsubscribe(roomID, func(r *room) { delete(r.onError, id) })
}

func (g *Registry) unsubscribe(roomID string, remove func(*room)) func() {
	return func() {
		g.mu.Lock()
		if r, ok := g.rooms[roomID]; ok {
			remove(r)
		}
		g.mu.Unlock()
	}
}

// teardownLocked closes the current transport and stops its pumps and any
// pending reconnect. Callbacks and the room entry are left alone.
func (g *Registry) teardownLocked(r *room) {
	if r.reconnect != nil {
		r.reconnect.Stop()
		r.reconnect = nil
	}
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.transport != nil {
		_ = r.transport.Close()
		r.transport = nil
	}
	r.send = nil
}

func snapshotConnect(r *room) []func() {
	out := make([]func(), 0, len(r.onConnect))
	for _, fn := range r.onConnect {
		out = append(out, fn)
	}
	return out
}

func snapshotMessage(r *room) []func(Envelope) {
	out := make([]func(Envelope), 0, len(r.onMessage))
	for _, fn := range r.onMessage {
		out = append(out, fn)
	}
	return out
}

func snapshotClose(r *room) []func(int) {
	out := make([]func(int), 0, len(r.onClose))
	for _, fn := range r.onClose {
		out = append(out, fn)
	}
	return out
}

func snapshotError(r *room) []func(error) {
	out := make([]func(error), 0, len(r.onError))
	for _, fn := range r.onError {
		out = append(out, fn)
	}
	return out
}
