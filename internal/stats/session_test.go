package stats

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

	"github.com/vexalo/streamkit/internal/activity"
	"github.com/vexalo/streamkit/internal/models"
	"github.com/vexalo/streamkit/internal/registry"
)

type stubConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *stubConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) deliver(t *testing.T, typ string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(registry.Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	c.inbound <- data
}

func (c *stubConn) payloads(typ string) []models.ActivityPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ActivityPayload
	for _, f := range c.frames {
		var env registry.Envelope
		if json.Unmarshal(f, &env) != nil || env.Type != typ {
			continue
		}
		var p models.ActivityPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			out = append(out, p)
		}
	}
	return out
}

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (d *stubDialer) Dial(context.Context, string, http.Header) (registry.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) conn(t *testing.T) *stubConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns)
	return d.conns[len(d.conns)-1]
}

func newTestSession(t *testing.T, tracker *activity.Tracker) (*Session, *stubDialer) {
	t.Helper()
	d := &stubDialer{}
	reg := registry.New(registry.Config{
		URL:          func(room string) string { return "ws://stats/" + room },
		PingInterval: time.Hour,
		Dialer:       d,
	}, nil)
	s := NewSession(reg, "streamer", "tok", "conn-9", tracker, nil)
	s.Open()
	require.Eventually(t, func() bool {
		return reg.State("streamer") == registry.StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	return s, d
}

func TestViewerCountAndWatchStatsUpdate(t *testing.T) {
	s, d := newTestSession(t, nil)

	d.conn(t).deliver(t, "viewerCount", map[string]int{"count": 42})
	require.Eventually(t, func() bool { return s.ViewerCount() == 42 }, 2*time.Second, 5*time.Millisecond)

	d.conn(t).deliver(t, "watchStats", models.WatchStats{
		WatchTimeSeconds:     900,
		IsWatchToEarnEnabled: true,
		IsActive:             true,
	})
	require.Eventually(t, func() bool {
		w := s.WatchStats()
		return w.WatchTimeSeconds == 900 && w.IsWatchToEarnEnabled && w.IsActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatGatedByActivity(t *testing.T) {
	tracker := activity.New(6 * time.Minute)
	s, d := newTestSession(t, tracker)

	// Playing but never interacted: no heartbeat leaves the client.
	tracker.SetPlaying(true)
	d.conn(t).deliver(t, "heartbeat_request", struct{}{})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.conn(t).payloads("heartbeat"))

	// Hidden tab: still no heartbeat.
	tracker.Touch()
	tracker.SetVisible(false)
	d.conn(t).deliver(t, "heartbeat_request", struct{}{})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.conn(t).payloads("heartbeat"))

	tracker.SetVisible(true)
	d.conn(t).deliver(t, "heartbeat_request", struct{}{})
	require.Eventually(t, func() bool {
		return len(d.conn(t).payloads("heartbeat")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p := d.conn(t).payloads("heartbeat")[0]
	assert.Equal(t, "conn-9", p.ConnectionID)
	assert.True(t, p.IsPlaying)
	assert.True(t, p.IsVisible)
	assert.False(t, tracker.Snapshot().LastReport.IsZero())
	_ = s
}

func TestReportPlayback(t *testing.T) {
	s, d := newTestSession(t, nil)

	require.True(t, s.ReportPlayback(true, true))
	require.Eventually(t, func() bool {
		return len(d.conn(t).payloads("playback_update")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	p := d.conn(t).payloads("playback_update")[0]
	assert.True(t, p.IsPlaying)
	assert.Equal(t, "conn-9", p.ConnectionID)
}

func TestActivityCheckGatedLikeHeartbeat(t *testing.T) {
	tracker := activity.New(6 * time.Minute)
	s, d := newTestSession(t, tracker)

	// Inactive viewer: the ping must never be sent speculatively.
	assert.False(t, s.ReportActivity())
	assert.Empty(t, d.conn(t).payloads("activity_check"))

	tracker.Touch()
	tracker.SetPlaying(true)
	require.True(t, s.ReportActivity())

	require.Eventually(t, func() bool {
		return len(d.conn(t).payloads("activity_check")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	p := d.conn(t).payloads("activity_check")[0]
	assert.Equal(t, "conn-9", p.ConnectionID)
	assert.True(t, p.IsPlaying)
	assert.False(t, tracker.Snapshot().LastReport.IsZero())
}

func TestRunSendsActivityChecksWhileActive(t *testing.T) {
	tracker := activity.New(6 * time.Minute)
	s, d := newTestSession(t, tracker)
	tracker.Touch()
	tracker.SetPlaying(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(d.conn(t).payloads("activity_check")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunWithoutTrackerIsANoOp(t *testing.T) {
	s, d := newTestSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run must return immediately without a tracker")
	}
	assert.Empty(t, d.conn(t).payloads("playback_update"))
	assert.Empty(t, d.conn(t).payloads("activity_check"))
}

func TestRunReportsOnlyWhilePlaying(t *testing.T) {
	tracker := activity.New(6 * time.Minute)
	s, d := newTestSession(t, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 20*time.Millisecond)

	// Not playing: the ticker must stay silent.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, d.conn(t).payloads("playback_update"))

	tracker.SetPlaying(true)
	require.Eventually(t, func() bool {
		return len(d.conn(t).payloads("playback_update")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	n := len(d.conn(t).payloads("playback_update"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(d.conn(t).payloads("playback_update")), "reports must stop on cancel")
}
