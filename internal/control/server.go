// Package control serves the agent's local HTTP surface: the status and
// controls a page UI would otherwise render directly. It binds loopback
// by default and is not an authentication boundary.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vexalo/streamkit/internal/activity"
	"github.com/vexalo/streamkit/internal/chat"
	"github.com/vexalo/streamkit/internal/middleware"
	"github.com/vexalo/streamkit/internal/player"
	"github.com/vexalo/streamkit/internal/stats"
	"github.com/vexalo/streamkit/pkg/response"
)

// Server exposes the control API for one viewer agent.
type Server struct {
	player  *player.Session
	chat    *chat.Session
	stats   *stats.Session
	tracker *activity.Tracker
	logger  *zap.Logger

	http *http.Server
}

// New creates the control server. Any session may be nil; its routes
// then report not found.
func New(addr, corsOrigins string, p *player.Session, ch *chat.Session, st *stats.Session, tr *activity.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{player: p, chat: ch, stats: st, tracker: tr, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(corsOrigins))
	s.routes(r)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the underlying router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("control API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		response.OK(c, gin.H{"ok": true})
	})

	apiGroup := r.Group("/api")
	apiGroup.GET("/status", s.handleStatus)
	apiGroup.GET("/chat/messages", s.handleChatMessages)
	apiGroup.POST("/chat/send", s.handleChatSend)
	apiGroup.POST("/player/play", s.playerAction(func(p *player.Session) { p.Play() }))
	apiGroup.POST("/player/pause", s.playerAction(func(p *player.Session) { p.Pause() }))
	apiGroup.POST("/player/live", s.playerAction(func(p *player.Session) { p.JumpToLive() }))
	apiGroup.POST("/player/mute", s.playerAction(func(p *player.Session) { p.ToggleMute() }))
	apiGroup.POST("/player/fullscreen", s.playerAction(func(p *player.Session) { p.ToggleFullscreen() }))
	apiGroup.POST("/player/volume", s.handleVolume)
	apiGroup.POST("/player/seek", s.handleSeek)
	apiGroup.POST("/visibility", s.handleVisibility)
}

func (s *Server) handleStatus(c *gin.Context) {
	out := gin.H{}
	if s.player != nil {
		out["player"] = s.player.Snapshot()
	}
	if s.stats != nil {
		out["viewerCount"] = s.stats.ViewerCount()
		out["watchStats"] = s.stats.WatchStats()
	}
	if s.chat != nil {
		out["chatAuthFailed"] = s.chat.AuthFailed()
	}
	response.OK(c, out)
}

func (s *Server) handleChatMessages(c *gin.Context) {
	if s.chat == nil {
		response.NotFound(c, "no chat session")
		return
	}
	response.OK(c, s.chat.Messages())
}

func (s *Server) handleChatSend(c *gin.Context) {
	if s.chat == nil {
		response.NotFound(c, "no chat session")
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "content required")
		return
	}
	if s.tracker != nil {
		s.tracker.Touch()
	}
	switch err := s.chat.Send(req.Content); {
	case err == nil:
		response.OK(c, gin.H{"sent": true})
	case errors.Is(err, chat.ErrRateLimited):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, chat.ErrMessageTooLong):
		response.BadRequest(c, err.Error())
	default:
		response.Internal(c, err.Error())
	}
}

func (s *Server) playerAction(do func(*player.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.player == nil {
			response.NotFound(c, "no playback session")
			return
		}
		if s.tracker != nil {
			s.tracker.Touch()
		}
		do(s.player)
		response.OK(c, s.player.Snapshot())
	}
}

func (s *Server) handleVolume(c *gin.Context) {
	if s.player == nil {
		response.NotFound(c, "no playback session")
		return
	}
	var req struct {
		Volume *float64 `json:"volume" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "volume required")
		return
	}
	if s.tracker != nil {
		s.tracker.Touch()
	}
	s.player.SetVolume(*req.Volume)
	response.OK(c, s.player.Snapshot())
}

func (s *Server) handleSeek(c *gin.Context) {
	if s.player == nil {
		response.NotFound(c, "no playback session")
		return
	}
	var req struct {
		Time *float64 `json:"time" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "time required")
		return
	}
	if s.tracker != nil {
		s.tracker.Touch()
	}
	s.player.Seek(*req.Time)
	response.OK(c, s.player.Snapshot())
}

func (s *Server) handleVisibility(c *gin.Context) {
	var req struct {
		Visible *bool `json:"visible" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "visible required")
		return
	}
	if s.tracker != nil {
		s.tracker.SetVisible(*req.Visible)
	}
	response.OK(c, gin.H{"visible": *req.Visible})
}
