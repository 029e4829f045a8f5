package registry

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// dial opens the transport for a room generation. Runs on its own
// goroutine; every outcome is re-checked against the room's current
// generation so a Disconnect or token replacement during the dial wins.
func (g *Registry) dial(r *room, gen int, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ConnectTimeout)
	defer cancel()

	url := g.cfg.URL(r.id)
	conn, err := g.cfg.Dialer.Dial(ctx, url, nil)

	g.mu.Lock()
	cur, ok := g.rooms[r.id]
	if !ok || cur != r || r.gen != gen {
		g.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		g.logger.Warn("dial failed", zap.String("room", r.id), zap.Error(err))
		errFns := snapshotError(r)
		r.state = StateReconnectPending
		g.scheduleReconnectLocked(r)
		g.mu.Unlock()
		for _, fn := range errFns {
			fn(err)
		}
		return
	}

	r.transport = conn
	r.state = StateOpen
	r.attempt = 0
	r.send = make(chan []byte, 64)
	r.done = make(chan struct{})
	go g.writePump(conn, r.send, r.done)
	go g.readPump(r, conn, gen)
	connFns := snapshotConnect(r)
	g.mu.Unlock()

	g.logger.Debug("room open", zap.String("room", r.id), zap.String("url", url))
	if token != "" {
		g.Send(r.id, "authenticate", AuthPayload{Token: token})
	}
	for _, fn := range connFns {
		fn()
	}
}

// writePump owns all writes for one connection: queued envelopes plus the
// keep-alive ping that stops intermediaries from idling the socket out.
func (g *Registry) writePump(conn Transport, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			if err := g.writeFrame(conn, data); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			ping, _ := json.Marshal(outbound{
				Type:    "ping",
				Payload: PingPayload{Timestamp: time.Now().UnixMilli()},
			})
			if err := g.writeFrame(conn, ping); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// writeFrame writes one text frame under the configured write deadline,
// so a stalled peer fails the connection instead of wedging the pump.
func (g *Registry) writeFrame(conn Transport, data []byte) error {
	if g.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump dispatches inbound envelopes until the transport dies, then
// hands the close code to the reconnect logic.
func (g *Registry) readPump(r *room, conn Transport, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.handleClose(r, gen, closeCode(err), err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Debug("dropping malformed frame", zap.String("room", r.id), zap.Error(err))
			continue
		}

		if env.Type == "authenticate" {
			var res AuthResult
			if json.Unmarshal(env.Payload, &res) == nil && !res.Success {
				g.mu.Lock()
				stale := g.rooms[r.id] != r || r.gen != gen
				var errFns []func(error)
				if !stale {
					errFns = snapshotError(r)
				}
				g.mu.Unlock()
				g.logger.Warn("authentication rejected", zap.String("room", r.id), zap.String("reason", res.Message))
				for _, fn := range errFns {
					fn(ErrAuthFailed)
				}
				continue
			}
		}

		g.mu.Lock()
		if g.rooms[r.id] != r || r.gen != gen {
			g.mu.Unlock()
			return
		}
		msgFns := snapshotMessage(r)
		g.mu.Unlock()
		for _, fn := range msgFns {
			fn(env)
		}
	}
}

// handleClose runs once per dead connection. A normal close (1000) is
// terminal and removes the room; anything else schedules a reconnect.
func (g *Registry) handleClose(r *room, gen int, code int, cause error) {
	g.mu.Lock()
	if g.rooms[r.id] != r || r.gen != gen {
		g.mu.Unlock()
		return
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

	closeFns := snapshotClose(r)
	var errFns []func(error)

	if code == websocket.CloseNormalClosure {
		delete(g.rooms, r.id)
		g.mu.Unlock()
		g.logger.Debug("room closed normally", zap.String("room", r.id))
		for _, fn := range closeFns {
			fn(code)
		}
		return
	}

	errFns = snapshotError(r)
	r.state = StateReconnectPending
	g.scheduleReconnectLocked(r)
	g.mu.Unlock()

	g.logger.Warn("room closed abnormally, reconnect scheduled",
		zap.String("room", r.id), zap.Int("code", code), zap.Error(cause))
	for _, fn := range errFns {
		fn(cause)
	}
	for _, fn := range closeFns {
		fn(code)
	}
}

// scheduleReconnectLocked arms the redial timer. A reconnect is only ever
// scheduled when no transport is connecting or open for the room and no
// timer is already pending, so attempts never overlap.
func (g *Registry) scheduleReconnectLocked(r *room) {
	if r.reconnect != nil || r.state == StateConnecting || r.state == StateOpen {
		return
	}
	delay := g.reconnectDelay(r.attempt)
	r.attempt++
	r.reconnect = time.AfterFunc(delay, func() {
		g.mu.Lock()
		cur, ok := g.rooms[r.id]
		if !ok || cur != r || r.state != StateReconnectPending {
			g.mu.Unlock()
			return
		}
		r.reconnect = nil
		r.state = StateConnecting
		r.gen++
		gen := r.gen
		token := r.token
		g.mu.Unlock()
		g.dial(r, gen, token)
	})
	g.logger.Debug("reconnect scheduled", zap.String("room", r.id), zap.Duration("delay", delay))
}

func (g *Registry) reconnectDelay(attempt int) time.Duration {
	d := time.Duration(float64(g.cfg.ReconnectDelay) * math.Pow(g.cfg.ReconnectBackoff, float64(attempt)))
	if d > g.cfg.ReconnectMax {
		d = g.cfg.ReconnectMax
	}
	return d
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
