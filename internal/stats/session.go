// Package stats maintains the viewer's watch-time channel: viewer counts
// and accrued watch stats inbound, presence telemetry outbound. The
// server treats the heartbeats sent here as the basis for watch-to-earn
// accrual, so they are strictly gated by the activity tracker.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexalo/streamkit/internal/activity"
	"github.com/vexalo/streamkit/internal/models"
	"github.com/vexalo/streamkit/internal/registry"
)

// Session is the stats channel for one streamer.
type Session struct {
	reg          *registry.Registry
	username     string
	token        string
	connectionID string
	tracker      *activity.Tracker
	logger       *zap.Logger

	mu          sync.Mutex
	viewerCount int
	watch       models.WatchStats
	unsubs      []func()
	now         func() time.Time
}

// NewSession creates a stats session. The registry must be configured
// with the stats endpoint URL builder.
func NewSession(reg *registry.Registry, username, token, connectionID string, tracker *activity.Tracker, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		reg:          reg,
		username:     username,
		token:        token,
		connectionID: connectionID,
		tracker:      tracker,
		logger:       logger,
		now:          time.Now,
	}
}

// Open connects the stats channel and registers callbacks.
func (s *Session) Open() {
	s.mu.Lock()
	s.unsubs = append(s.unsubs, s.reg.OnMessage(s.username, s.handleEnvelope))
	s.mu.Unlock()
	s.reg.Connect(s.username, s.token)
}

// Close unsubscribes without tearing down the shared transport.
func (s *Session) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Disconnect closes the stats transport.
func (s *Session) Disconnect() {
	s.Close()
	s.reg.Disconnect(s.username)
}

// ViewerCount returns the last reported live viewer count.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerCount
}

// WatchStats returns the server's last reported watch stats.
func (s *Session) WatchStats() models.WatchStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watch
}

// ReportPlayback sends a playback_update. Call it whenever the playback
// or visibility state flips.
func (s *Session) ReportPlayback(isPlaying, isVisible bool) bool {
	return s.reg.Send(s.username, "playback_update", models.ActivityPayload{
		Timestamp:    s.now().UnixMilli(),
		IsPlaying:    isPlaying,
		IsVisible:    isVisible,
		ConnectionID: s.connectionID,
	})
}

// ReportActivity sends an unsolicited activity_check ping, gated the same
// way as heartbeat replies: only while the viewer is demonstrably active.
// Reports false when ineligible or the room is not open.
func (s *Session) ReportActivity() bool {
	if s.tracker == nil || !s.tracker.Eligible() {
		return false
	}
	snap := s.tracker.Snapshot()
	sent := s.reg.Send(s.username, "activity_check", models.ActivityPayload{
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

// Run periodically re-reports playback while the viewer is playing and
// sends activity_check pings while the viewer is active, until the
// context is cancelled. Heartbeat replies are handled separately and only
// on server request. A session without a tracker has nothing to report.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	if s.tracker == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.tracker.Snapshot()
			if snap.Playing {
				s.ReportPlayback(snap.Playing, snap.Visible)
			}
			s.ReportActivity()
		}
	}
}

func (s *Session) handleEnvelope(env registry.Envelope) {
	switch env.Type {
	case "viewerCount":
		var payload struct {
			Count int `json:"count"`
		}
		if json.Unmarshal(env.Payload, &payload) == nil {
			s.mu.Lock()
			s.viewerCount = payload.Count
			s.mu.Unlock()
		}
	case "watchStats":
		var w models.WatchStats
		if json.Unmarshal(env.Payload, &w) == nil {
			s.mu.Lock()
			s.watch = w
			s.mu.Unlock()
		}
	case "heartbeat_request":
		s.answerHeartbeat()
	default:
		s.logger.Debug("unhandled stats event", zap.String("type", env.Type))
	}
}

func (s *Session) answerHeartbeat() {
	if s.tracker == nil || !s.tracker.Eligible() {
		return
	}
	snap := s.tracker.Snapshot()
	sent := s.reg.Send(s.username, "heartbeat", models.ActivityPayload{
		Timestamp:    s.now().UnixMilli(),
		IsPlaying:    snap.Playing,
		IsVisible:    snap.Visible,
		ConnectionID: s.connectionID,
	})
	if sent {
		s.tracker.MarkReported()
	}
}
