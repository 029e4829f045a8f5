// Package player reconciles what the viewer asked for against what the
// playback transport is actually doing. Transient buffering must never
// look like a pause, and a genuine user pause must always win over any
// auto-resume logic. For a live stream, resuming always happens at the
// live edge; resuming mid-buffer is meaningless.
package player

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the playback session state.
type State string

const (
	StateIdle             State = "idle"
	StateLoading          State = "loading"
	StatePlaying          State = "playing"
	StatePausedUser       State = "paused_user"
	StatePausedBuffering  State = "paused_buffering"
	StateNeedsInteraction State = "needs_interaction"
	StateOffline          State = "offline"
	StateEnded            State = "ended"
	StateError            State = "error"
)

// ErrAutoplayBlocked is returned by a playback sink when the platform
// refuses to start playback without a user gesture. It maps to
// StateNeedsInteraction, never to a generic error.
var ErrAutoplayBlocked = errors.New("autoplay blocked")

// EngineControl is what the session drives; *Engine implements it.
type EngineControl interface {
	Load()
	Close()
	Reload()
	RecoverMedia()
}

// Config wires a playback session.
type Config struct {
	// ManifestURL builds the HLS playlist URL for a username.
	ManifestURL func(username string) string
	// Engine tunes the HLS engine.
	Engine EngineConfig
	// NewEngine may be replaced in tests. Defaults to NewEngine.
	NewEngine func(url string, handler func(Event)) EngineControl
	// Start is the playback sink hook; it may refuse with
	// ErrAutoplayBlocked. Nil means playback always starts.
	Start func() error
	// Fullscreen handles fullscreen toggling; nil disables it.
	Fullscreen FullscreenController
	// DefaultVolume is the level unmuting snaps to from volume zero.
	DefaultVolume float64
}

// Status is a snapshot of the session for the UI.
type Status struct {
	Username    string  `json:"username"`
	State       State   `json:"state"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Live        bool    `json:"live"`
	AtLiveEdge  bool    `json:"atLiveEdge"`
	Volume      float64 `json:"volume"`
	Muted       bool    `json:"muted"`
	Fullscreen  bool    `json:"fullscreen"`
	Error       string  `json:"error,omitempty"`
}

// Session is the playback state for one stream target.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	username    string
	engine      EngineControl
	engineGen   int
	state       State
	desired     bool // user intent: should be playing
	userPaused  bool // the user explicitly paused; auto-resume is off
	actual      bool // transport-reported playing
	playhead    float64
	duration    float64
	live        bool
	volume      float64
	muted       bool
	fullscreen  bool
	terminalErr error

	listeners map[int]func(State)
	nextSub   int
	now       func() time.Time
}

// NewSession creates an idle playback session.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultVolume <= 0 || cfg.DefaultVolume > 1 {
		cfg.DefaultVolume = 0.5
	}
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		volume:    cfg.DefaultVolume,
		listeners: make(map[int]func(State)),
		now:       time.Now,
	}
	if s.cfg.NewEngine == nil {
		s.cfg.NewEngine = func(url string, handler func(Event)) EngineControl {
			return NewEngine(url, s.cfg.Engine, handler)
		}
	}
	return s
}

// SetSource points the session at a streamer. Switching targets tears the
// old engine down completely before a fresh one attaches; position is
// never preserved across sources.
func (s *Session) SetSource(username string) {
	s.mu.Lock()
	if s.username == username && s.engine != nil {
		s.mu.Unlock()
		return
	}
	old := s.engine
	s.engineGen++
	gen := s.engineGen
	s.username = username
	s.playhead = 0
	s.duration = 0
	s.live = false
	s.actual = false
	s.terminalErr = nil

	eng := s.cfg.NewEngine(s.cfg.ManifestURL(username), func(ev Event) {
		s.handleEngineEvent(gen, ev)
	})
	s.engine = eng
	fire := s.setStateLocked(StateLoading)
	s.mu.Unlock()

	// Close outside the lock: the old engine's Close waits for in-flight
	// events, which take the lock. The bumped generation already drops
	// anything the old engine still delivers.
	if old != nil {
		old.Close()
	}
	fire()
	eng.Load()
	s.logger.Info("source set", zap.String("username", username))
}

// Play records user intent to play and attempts to start playback.
func (s *Session) Play() {
	s.mu.Lock()
	s.desired = true
	s.userPaused = false
	start := s.cfg.Start
	var fire func()
	if s.actual {
		fire = s.setStateLocked(StatePlaying)
	} else {
		fire = s.setStateLocked(StateLoading)
	}
	s.mu.Unlock()
	fire()

	if start != nil {
		if err := start(); err != nil {
			s.mu.Lock()
			var f func()
			if errors.Is(err, ErrAutoplayBlocked) {
				f = s.setStateLocked(StateNeedsInteraction)
			} else {
				s.terminalErr = err
				f = s.setStateLocked(StateError)
			}
			s.mu.Unlock()
			f()
		}
	}
}

// Pause records an explicit user pause. All auto-resume logic is
// suspended until the next Play.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.state == StatePausedUser {
		// redundant pause, no side effects
		s.mu.Unlock()
		return
	}
	s.desired = false
	s.userPaused = true
	s.actual = false
	fire := s.setStateLocked(StatePausedUser)
	s.mu.Unlock()
	fire()
}

// TogglePlay flips between Play and Pause based on current intent.
func (s *Session) TogglePlay() {
	s.mu.Lock()
	desired := s.desired
	s.mu.Unlock()
	if desired {
		s.Pause()
	} else {
		s.Play()
	}
}

// HandlePause is the native pause event from the playback transport. A
// pause with no user marker while intent is Playing means buffering, and
// the session resumes at the live edge, never at the paused position.
func (s *Session) HandlePause() {
	s.mu.Lock()
	if !s.actual && (s.state == StatePausedUser || s.state == StatePausedBuffering) {
		s.mu.Unlock()
		return
	}
	s.actual = false

	if s.userPaused {
		fire := s.setStateLocked(StatePausedUser)
		s.mu.Unlock()
		fire()
		return
	}
	if !s.desired {
		s.mu.Unlock()
		return
	}

	// Buffering-induced pause: pin the playhead to the live edge and
	// retry playback.
	s.playhead = s.duration
	start := s.cfg.Start
	fire := s.setStateLocked(StatePausedBuffering)
	s.mu.Unlock()
	fire()

	if start != nil {
		if err := start(); err != nil {
			s.mu.Lock()
			var f func()
			if errors.Is(err, ErrAutoplayBlocked) {
				f = s.setStateLocked(StateNeedsInteraction)
			} else {
				f = func() {}
				s.logger.Warn("resume attempt failed", zap.Error(err))
			}
			s.mu.Unlock()
			f()
		}
	}
}

// Seek moves the playhead. It is a no-op for live playback, where the
// scrubber is disabled.
func (s *Session) Seek(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return
	}
	if t < 0 {
		t = 0
	}
	if t > s.duration {
		t = s.duration
	}
	s.playhead = t
}

// SetVolume clamps to [0,1]. Zero volume implies muted.
func (s *Session) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.volume = v
	s.muted = v == 0
}

// ToggleMute flips mute. Unmuting from zero volume snaps to the default
// level rather than staying silent.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted {
		if s.volume == 0 {
			s.volume = s.cfg.DefaultVolume
		}
		s.muted = false
		return
	}
	s.muted = true
}

// ToggleFullscreen flips fullscreen through the configured controller.
func (s *Session) ToggleFullscreen() {
	s.mu.Lock()
	fs := s.cfg.Fullscreen
	entering := !s.fullscreen
	s.fullscreen = entering
	s.mu.Unlock()
	if fs == nil {
		return
	}
	var err error
	if entering {
		err = fs.Enter()
	} else {
		err = fs.Exit()
	}
	if err != nil {
		s.logger.Warn("fullscreen toggle failed", zap.Error(err))
	}
}

// JumpToLive pins the playhead to the live edge.
func (s *Session) JumpToLive() {
	s.mu.Lock()
	s.playhead = s.duration
	s.mu.Unlock()
}

// CurrentTime reports the synthetic playhead: for live playback it is
// pinned just behind the duration; only VOD reflects true position.
func (s *Session) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimeLocked()
}

func (s *Session) currentTimeLocked() float64 {
	if s.live {
		t := s.duration - liveEdgeSlop
		if t < 0 {
			t = 0
		}
		return t
	}
	return s.playhead
}

// AtLiveEdge is always true for a live stream.
func (s *Session) AtLiveEdge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// State returns the current playback state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Playing reports whether the transport is actually playing.
func (s *Session) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actual
}

// Snapshot returns the full status for the UI.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Username:    s.username,
		State:       s.state,
		CurrentTime: s.currentTimeLocked(),
		Duration:    s.duration,
		Live:        s.live,
		AtLiveEdge:  s.live,
		Volume:      s.volume,
		Muted:       s.muted,
		Fullscreen:  s.fullscreen,
	}
	if s.terminalErr != nil {
		st.Error = s.terminalErr.Error()
	}
	return st
}

// OnStateChange registers a listener fired once per state transition.
// The returned function unsubscribes.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close tears down the engine and returns the session to idle.
func (s *Session) Close() {
	s.mu.Lock()
	old := s.engine
	s.engine = nil
	s.engineGen++
	s.actual = false
	s.desired = false
	fire := s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	fire()
}

func (s *Session) handleEngineEvent(gen int, ev Event) {
	s.mu.Lock()
	if gen != s.engineGen {
		// stale engine after a source switch
		s.mu.Unlock()
		return
	}

	fire := func() {}
	switch ev.Type {
	case EventLoading:
		if !s.userPaused && s.state != StateError {
			fire = s.setStateLocked(StateLoading)
		}
	case EventProgress:
		s.duration = ev.Duration
		s.live = ev.Live
		if s.userPaused {
			// buffered data never overrides an explicit pause
			break
		}
		if s.desired {
			s.actual = true
			if s.live {
				s.playhead = s.duration
			}
			fire = s.setStateLocked(StatePlaying)
		}
	case EventStalled:
		s.actual = false
		if !s.userPaused && s.desired {
			fire = s.setStateLocked(StatePausedBuffering)
		}
	case EventOffline:
		s.actual = false
		fire = s.setStateLocked(StateOffline)
	case EventEnded:
		s.live = false
		s.actual = false
		fire = s.setStateLocked(StateEnded)
	case EventError:
		fire = s.handleEngineErrorLocked(ev.Err)
	}
	s.mu.Unlock()
	fire()
}

// handleEngineErrorLocked applies the recovery ladder: fatal network
// reloads the manifest, fatal media recovers the decoder, anything else
// fatal tears the transport down and surfaces a terminal error.
func (s *Session) handleEngineErrorLocked(ee *EngineError) func() {
	if ee == nil || !ee.Fatal {
		if ee != nil {
			s.logger.Debug("transient playback error", zap.Error(ee.Err))
		}
		return func() {}
	}
	switch ee.Kind {
	case ErrNetwork:
		s.logger.Warn("fatal network error, reloading manifest", zap.Error(ee.Err))
		if s.engine != nil {
			s.engine.Reload()
		}
		return func() {}
	case ErrMedia:
		s.logger.Warn("fatal media error, attempting recovery", zap.Error(ee.Err))
		if s.engine != nil {
			s.engine.RecoverMedia()
		}
		return func() {}
	default:
		s.logger.Error("unrecoverable playback error", zap.Error(ee.Err))
		if s.engine != nil {
			// The engine marks itself closed before delivering a
			// terminal error, so this does not wait on our own event.
			s.engine.Close()
			s.engine = nil
		}
		s.actual = false
		s.terminalErr = ee.Err
		return s.setStateLocked(StateError)
	}
}

// setStateLocked transitions the state and returns a closure that fires
// the listeners; redundant transitions return a no-op so side effects
// never repeat.
func (s *Session) setStateLocked(next State) func() {
	if s.state == next {
		return func() {}
	}
	s.state = next
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(next)
		}
	}
}
