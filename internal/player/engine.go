package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"
)

// ErrKind classifies engine errors the way the session recovers from
// them: network errors reload the manifest, media errors reset the
// parser, anything else tears the engine down.
type ErrKind int

const (
	ErrNetwork ErrKind = iota
	ErrMedia
	ErrOther
)

// EngineError is a playback transport failure.
type EngineError struct {
	Kind  ErrKind
	Fatal bool
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("hls engine: kind=%d fatal=%v: %v", e.Kind, e.Fatal, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// EventType identifies an engine event.
type EventType int

const (
	EventLoading EventType = iota
	EventProgress
	EventStalled
	EventOffline
	EventEnded
	EventError
)

// Event is one engine notification. Duration and Live are set on
// progress events; Err on error events.
type Event struct {
	Type     EventType
	Duration float64
	Live     bool
	Err      *EngineError
}

// Engine tracks a live HLS playlist: variant selection from a master
// playlist, media playlist polling, live-edge duration accounting, and
// segment fetching. It reports everything through a single handler and
// never calls it again after Close.
type Engine struct {
	manifestURL  string
	client       *http.Client
	logger       *zap.Logger
	offlineAfter int
	handler      func(Event)

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	reloadReq chan struct{}

	// emitMu is held for the duration of every handler call, so Close
	// can wait out an in-flight event before returning.
	emitMu sync.Mutex

	// loop state, touched only by the run goroutine
	mediaURL    string
	lastSeq     uint64
	segCount    int
	duration    float64
	lastAdvance time.Time
	notFound    int
	netFailures int
	decodeFails int
	offline     bool
	stalled     bool
	started     bool
}

// EngineConfig tunes an engine.
type EngineConfig struct {
	Client       *http.Client
	OfflineAfter int // consecutive not-found responses before Offline
	Logger       *zap.Logger
}

const (
	fatalAfter   = 3 // consecutive failures of one kind before it is fatal
	stallFactor  = 3 // target durations without a new segment = stalled
	liveEdgeSlop = 1.0
)

// NewEngine creates an engine for one manifest URL. Events fire on the
// engine's own goroutine once Load is called.
func NewEngine(manifestURL string, cfg EngineConfig, handler func(Event)) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	offlineAfter := cfg.OfflineAfter
	if offlineAfter <= 0 {
		offlineAfter = 3
	}
	return &Engine{
		manifestURL:  manifestURL,
		client:       client,
		logger:       logger,
		offlineAfter: offlineAfter,
		handler:      handler,
		done:         make(chan struct{}),
		reloadReq:    make(chan struct{}, 1),
	}
}

// Load starts the polling loop.
func (e *Engine) Load() {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.run()
}

// Close stops the loop and waits for any in-flight event handler, so no
// event fires after it returns. Idempotent; a second Close returns
// immediately, which also keeps the call safe from inside the handler of
// a terminal error (the engine has already marked itself closed then).
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	// Taking emitMu blocks until the current handler call, if any, has
	// returned.
	e.emitMu.Lock()
	e.emitMu.Unlock()
}

// Reload forces an immediate manifest refetch, used to recover from a
// fatal network error without tearing the engine down.
func (e *Engine) Reload() {
	select {
	case e.reloadReq <- struct{}{}:
	default:
	}
}

// RecoverMedia resets the parser failure streak after a fatal media
// error, the engine-side analogue of a decoder recovery call.
func (e *Engine) RecoverMedia() {
	e.mu.Lock()
	e.decodeFails = 0
	e.mu.Unlock()
	e.Reload()
}

func (e *Engine) emit(ev Event) {
	if e.handler == nil {
		return
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.handler(ev)
}

// failTerminal stops the engine and delivers one final unrecoverable
// error. Closing before the handler runs lets the consumer call Close in
// response without deadlocking on its own event.
func (e *Engine) failTerminal(err error) {
	if e.handler == nil {
		e.Close()
		return
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()
	e.handler(Event{Type: EventError, Err: &EngineError{Kind: ErrOther, Fatal: true, Err: err}})
}

func (e *Engine) run() {
	e.emit(Event{Type: EventLoading})
	e.mediaURL = e.manifestURL
	e.lastAdvance = time.Now()

	interval := 3 * time.Second
	for {
		next := e.poll()
		if next > 0 {
			interval = next
		}
		select {
		case <-e.done:
			return
		case <-e.reloadReq:
		case <-time.After(interval):
		}
	}
}

// poll fetches and applies one playlist refresh, returning the next poll
// interval (0 keeps the previous one).
func (e *Engine) poll() time.Duration {
	body, status, err := e.fetch(e.mediaURL)
	if err != nil {
		e.netFailures++
		e.logger.Debug("manifest fetch failed", zap.String("url", e.mediaURL), zap.Error(err))
		e.emit(Event{Type: EventError, Err: &EngineError{
			Kind:  ErrNetwork,
			Fatal: e.netFailures >= fatalAfter,
			Err:   err,
		}})
		return 0
	}

	if status == http.StatusNotFound || status == http.StatusGone {
		// The streamer being offline is expected idle, not an error.
		e.notFound++
		if e.notFound >= e.offlineAfter && !e.offline {
			e.offline = true
			e.emit(Event{Type: EventOffline})
		}
		return 0
	}
	if status != http.StatusOK {
		e.netFailures++
		e.emit(Event{Type: EventError, Err: &EngineError{
			Kind:  ErrNetwork,
			Fatal: e.netFailures >= fatalAfter,
			Err:   fmt.Errorf("manifest status %d", status),
		}})
		return 0
	}

	e.notFound = 0
	e.netFailures = 0
	if e.offline {
		// Manifest reachable again: back to loading, then progress.
		e.offline = false
		e.emit(Event{Type: EventLoading})
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		e.decodeFails++
		e.emit(Event{Type: EventError, Err: &EngineError{
			Kind:  ErrMedia,
			Fatal: e.decodeFails >= fatalAfter,
			Err:   err,
		}})
		return 0
	}
	e.decodeFails = 0

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		variant := pickVariant(master)
		if variant == nil {
			e.emit(Event{Type: EventError, Err: &EngineError{
				Kind: ErrMedia, Fatal: true, Err: errors.New("master playlist has no variants"),
			}})
			return 0
		}
		resolved, err := resolveURL(e.mediaURL, variant.URI)
		if err != nil {
			e.failTerminal(err)
			return 0
		}
		e.mediaURL = resolved
		e.Reload()
		return 0
	case m3u8.MEDIA:
		return e.applyMedia(playlist.(*m3u8.MediaPlaylist))
	default:
		e.emit(Event{Type: EventError, Err: &EngineError{
			Kind: ErrMedia, Fatal: true, Err: fmt.Errorf("unknown playlist type %d", listType),
		}})
		return 0
	}
}

func (e *Engine) applyMedia(pl *m3u8.MediaPlaylist) time.Duration {
	var total float64
	var count int
	for _, seg := range pl.Segments {
		if seg == nil {
			continue
		}
		total += seg.Duration
		count++
	}
	edge := pl.SeqNo + uint64(count)
	advanced := edge > e.lastSeq || count != e.segCount

	e.duration = total
	e.segCount = count
	live := !pl.Closed

	if advanced {
		e.lastSeq = edge
		e.lastAdvance = time.Now()
		e.stalled = false
		e.emit(Event{Type: EventProgress, Duration: total, Live: live})
	} else if live {
		target := pl.TargetDuration
		if target <= 0 {
			target = 6
		}
		if time.Since(e.lastAdvance) > time.Duration(float64(time.Second)*target*stallFactor) && !e.stalled {
			e.stalled = true
			e.emit(Event{Type: EventStalled})
		}
	}

	if pl.Closed {
		e.emit(Event{Type: EventEnded})
		return 0
	}

	target := pl.TargetDuration
	if target <= 0 {
		target = 6
	}
	next := time.Duration(float64(time.Second) * target / 2)
	if next < time.Second {
		next = time.Second
	}
	return next
}

func (e *Engine) fetch(rawURL string) ([]byte, int, error) {
	timeout := e.client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read manifest: %w", err)
	}
	return body, resp.StatusCode, nil
}

// pickVariant chooses the highest-bandwidth variant. A headless client
// has no render constraint to adapt down for.
func pickVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse variant url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
