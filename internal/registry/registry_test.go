package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable in-memory connection. Reads block on the
// inbound channel until the test delivers a frame or injects an error.
type fakeTransport struct {
	inbound chan []byte
	errs    chan error
	closed  chan struct{}

	mu        sync.Mutex
	once      sync.Once
	frames    [][]byte
	deadlines []time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-t.inbound:
		return websocket.TextMessage, data, nil
	case err := <-t.errs:
		return 0, nil, err
	case <-t.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("use of closed connection")
	default:
	}
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetWriteDeadline(deadline time.Time) error {
	t.mu.Lock()
	t.deadlines = append(t.deadlines, deadline)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) deliver(tb testing.TB, typ string, payload interface{}) {
	tb.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(tb, err)
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(tb, err)
	t.inbound <- data
}

func (t *fakeTransport) failWith(err error) {
	t.errs <- err
}

// sentTypes decodes the type field of every frame written so far.
func (t *fakeTransport) sentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.frames))
	for _, f := range t.frames {
		var env Envelope
		if json.Unmarshal(f, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failNext   int
	dials      int
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func newTestRegistry(d *fakeDialer) *Registry {
	return New(Config{
		URL:            func(room string) string { return "ws://test/" + room },
		PingInterval:   time.Hour, // keep pings out of the frame log
		ReconnectDelay: 20 * time.Millisecond,
		Dialer:         d,
	}, nil)
}

func waitState(t *testing.T, reg *Registry, room string, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return reg.State(room) == want
	}, 2*time.Second, 5*time.Millisecond, "room never reached state %s", want)
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	reg.Connect("room-1", "tok")
	waitState(t, reg, "room-1", StateOpen)

	reg.Connect("room-1", "tok")
	reg.Connect("room-1", "tok")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "same-token connects must reuse the transport")
}

func TestConnectWithNewTokenReplaces(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	var closeMu sync.Mutex
	closes := 0
	reg.OnClose("room-1", func(int) {
		closeMu.Lock()
		closes++
		closeMu.Unlock()
	})

	reg.Connect("room-1", "old")
	waitState(t, reg, "room-1", StateOpen)

	reg.Connect("room-1", "new")
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, reg, "room-1", StateOpen)

	closeMu.Lock()
	assert.Equal(t, 0, closes, "token replacement must not surface a close")
	closeMu.Unlock()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"authenticate"}, d.transport(1).sentTypes())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAbnormalCloseReconnectsOnce(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	var mu sync.Mutex
	var codes []int
	reg.OnClose("room-1", func(code int) {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
	})

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)

	d.transport(0).failWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, reg, "room-1", StateOpen)

	// The healthy replacement must not trigger further dials.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, d.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{websocket.CloseAbnormalClosure}, codes)
}

func TestNormalCloseIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)

	d.transport(0).failWith(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	waitState(t, reg, "room-1", StateAbsent)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "server-initiated 1000 must never redial")
}

func TestDialFailureRetries(t *testing.T) {
	d := &fakeDialer{failNext: 1}
	reg := newTestRegistry(d)

	var mu sync.Mutex
	var errs []error
	reg.OnError("room-1", func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)
	assert.Equal(t, 2, d.dialCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
}

func TestSendRequiresOpenRoom(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	assert.False(t, reg.Send("room-1", "message", map[string]string{"content": "hi"}))

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)
	assert.True(t, reg.Send("room-1", "message", map[string]string{"content": "hi"}))
}

func TestAuthenticateOnOpenRoom(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	assert.False(t, reg.Authenticate("room-1", "tok"), "cannot authenticate an absent room")

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)
	require.True(t, reg.Authenticate("room-1", "tok"))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"authenticate"}, d.transport(0).sentTypes())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAuthRejectionSurfacesWithoutClosing(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	errCh := make(chan error, 1)
	reg.OnError("room-1", func(err error) { errCh <- err })

	reg.Connect("room-1", "bad")
	waitState(t, reg, "room-1", StateOpen)

	d.transport(0).deliver(t, "authenticate", AuthResult{Success: false, Message: "expired"})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAuthFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure never reached the error subscriber")
	}
	assert.Equal(t, StateOpen, reg.State("room-1"), "transport stays up for a token refresh")
}

func TestMessageFanOutAndUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	got := make(chan Envelope, 4)
	unsubA := reg.OnMessage("room-1", func(env Envelope) { got <- env })
	reg.OnMessage("room-1", func(env Envelope) { got <- env })

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)

	d.transport(0).deliver(t, "viewerCount", map[string]int{"count": 7})
	for i := 0; i < 2; i++ {
		select {
		case env := <-got:
			assert.Equal(t, "viewerCount", env.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received the envelope")
		}
	}

	unsubA()
	d.transport(0).deliver(t, "viewerCount", map[string]int{"count": 8})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber never received the envelope")
	}
	select {
	case <-got:
		t.Fatal("unsubscribed callback still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectRemovesRoomAndStopsReconnect(t *testing.T) {
	d := &fakeDialer{}
	reg := newTestRegistry(d)

	codeCh := make(chan int, 1)
	reg.OnClose("room-1", func(code int) { codeCh <- code })

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)

	reg.Disconnect("room-1")
	assert.Equal(t, StateAbsent, reg.State("room-1"))

	select {
	case code := <-codeCh:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "disconnect must not leave a reconnect armed")
}

func TestConnectDuringReconnectWindowDialsImmediately(t *testing.T) {
	d := &fakeDialer{}
	reg := New(Config{
		URL:            func(room string) string { return "ws://test/" + room },
		PingInterval:   time.Hour,
		ReconnectDelay: time.Hour, // the explicit Connect must win the race
		Dialer:         d,
	}, nil)

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)

	d.transport(0).failWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	waitState(t, reg, "room-1", StateReconnectPending)

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)
	assert.Equal(t, 2, d.dialCount())
}

func TestWritesCarryDeadline(t *testing.T) {
	d := &fakeDialer{}
	reg := New(Config{
		URL:          func(room string) string { return "ws://test/" + room },
		PingInterval: time.Hour,
		WriteTimeout: 5 * time.Second,
		Dialer:       d,
	}, nil)

	reg.Connect("room-1", "")
	waitState(t, reg, "room-1", StateOpen)
	require.True(t, reg.Send("room-1", "message", map[string]string{"content": "hi"}))

	require.Eventually(t, func() bool {
		tr := d.transport(0)
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.deadlines) > 0
	}, 2*time.Second, 5*time.Millisecond)

	tr := d.transport(0)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.True(t, tr.deadlines[0].After(time.Now()), "deadline must be in the future")
	assert.True(t, tr.deadlines[0].Before(time.Now().Add(time.Minute)))
}

func TestReconnectDelayBacksOffToCap(t *testing.T) {
	reg := New(Config{
		URL:              func(string) string { return "" },
		ReconnectDelay:   time.Second,
		ReconnectBackoff: 2,
		ReconnectMax:     5 * time.Second,
		Dialer:           &fakeDialer{},
	}, nil)

	assert.Equal(t, time.Second, reg.reconnectDelay(0))
	assert.Equal(t, 2*time.Second, reg.reconnectDelay(1))
	assert.Equal(t, 4*time.Second, reg.reconnectDelay(2))
	assert.Equal(t, 5*time.Second, reg.reconnectDelay(3))
	assert.Equal(t, 5*time.Second, reg.reconnectDelay(10))
}
