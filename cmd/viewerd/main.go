// Package main runs the headless viewer agent: chat, stats and playback
// sessions for one streamer, plus the local control API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vexalo/streamkit/config"
	"github.com/vexalo/streamkit/internal/activity"
	"github.com/vexalo/streamkit/internal/api"
	"github.com/vexalo/streamkit/internal/auth"
	"github.com/vexalo/streamkit/internal/chat"
	"github.com/vexalo/streamkit/internal/control"
	"github.com/vexalo/streamkit/internal/models"
	"github.com/vexalo/streamkit/internal/player"
	"github.com/vexalo/streamkit/internal/registry"
	"github.com/vexalo/streamkit/internal/stats"
)

var (
	flagUsername string
	flagToken    string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "viewerd",
	Short: "Headless viewer agent for the streaming platform",
	Long: `viewerd joins a streamer's chat and stats channels, runs the HLS
playback session and reports watch-time telemetry. A local control API
exposes the player and chat surface for an embedding UI.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "streamer to watch (required)")
	rootCmd.Flags().StringVarP(&flagToken, "token", "t", "", "auth token (overrides AUTH_TOKEN)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("username")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger(flagVerbose)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token := cfg.Auth.Token
	if flagToken != "" {
		token = flagToken
	}
	if token != "" && auth.Expired(token, cfg.Auth.RefreshSkew) {
		logger.Warn("auth token expired or expiring, connecting anonymously")
		token = ""
	}

	username := flagUsername
	connectionID := uuid.New().String()
	tracker := activity.New(cfg.Activity.Window)
	tracker.Touch()

	regCfg := registry.Config{
		PingInterval:     cfg.Registry.PingInterval,
		ReconnectDelay:   cfg.Registry.ReconnectDelay,
		ReconnectBackoff: cfg.Registry.ReconnectBackoff,
		ReconnectMax:     cfg.Registry.ReconnectMax,
		ConnectTimeout:   cfg.Registry.ConnectTimeout,
		WriteTimeout:     cfg.Registry.WriteTimeout,
	}

	chatRegCfg := regCfg
	chatRegCfg.URL = cfg.Platform.ChatURL
	chatRegCfg.Subprotocols = []string{"chat"}
	chatReg := registry.New(chatRegCfg, logger.Named("chatws"))

	statsRegCfg := regCfg
	statsRegCfg.URL = func(room string) string {
		return cfg.Platform.StatsURL(room, token, connectionID)
	}
	statsReg := registry.New(statsRegCfg, logger.Named("statsws"))

	chatSession := chat.NewSession(chatReg, username, token, connectionID, chat.Options{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		RateLimitCount:   cfg.Chat.RateLimitCount,
		RateLimitWindow:  cfg.Chat.RateLimitWindow,
		Cooldown:         cfg.Chat.Cooldown,
		SeenCacheSize:    cfg.Chat.SeenCacheSize,
	}, tracker, logger.Named("chat"))

	overlay := chat.NewOverlay(cfg.Chat.OverlayHold, cfg.Chat.OverlayFade)
	chatSession.OnMessage(func(m models.ChatMessage) {
		overlay.Add(m)
		logger.Info("chat", zap.String("from", m.DisplayName), zap.String("body", m.Body), zap.String("kind", string(m.Kind)))
	})

	statsSession := stats.NewSession(statsReg, username, token, connectionID, tracker, logger.Named("stats"))

	playerSession := player.NewSession(player.Config{
		ManifestURL: cfg.Platform.ManifestURL,
		Engine: player.EngineConfig{
			Client:       &http.Client{Timeout: cfg.Player.RequestTimeout},
			OfflineAfter: cfg.Player.OfflineAfter,
			Logger:       logger.Named("hls"),
		},
		Fullscreen:    player.StandardFullscreen{},
		DefaultVolume: cfg.Player.DefaultVolume,
	}, logger.Named("player"))

	playerSession.OnStateChange(func(st player.State) {
		playing := st == player.StatePlaying
		tracker.SetPlaying(playing)
		statsSession.ReportPlayback(playing, tracker.Snapshot().Visible)
		logger.Info("playback state", zap.String("state", string(st)))
	})

	chatSession.Open()
	statsSession.Open()
	playerSession.SetSource(username)
	playerSession.Play()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiClient := api.NewClient(cfg.Platform.APIBase, token, 15*time.Second, logger.Named("api"))
	go func() {
		vctx, vcancel := context.WithTimeout(ctx, 10*time.Second)
		defer vcancel()
		videos, err := apiClient.Videos(vctx, username, 1)
		if err != nil {
			logger.Debug("video list unavailable", zap.Error(err))
			return
		}
		logger.Info("recent broadcasts", zap.String("username", username), zap.Int("count", len(videos)))
	}()
	go statsSession.Run(ctx, cfg.Player.ReportInterval)
	go func() {
		ticker := time.NewTicker(cfg.Player.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				chatSession.ReportActivity()
			}
		}
	}()

	ctrl := control.New(cfg.Control.Addr, cfg.Control.CORSAllowedOrigins,
		playerSession, chatSession, statsSession, tracker, logger.Named("control"))
	go func() {
		if err := ctrl.Start(); err != nil {
			logger.Error("control API failed", zap.Error(err))
		}
	}()

	logger.Info("viewerd started",
		zap.String("username", username),
		zap.String("connection_id", connectionID),
		zap.String("control_addr", cfg.Control.Addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = ctrl.Shutdown(shutdownCtx)
	playerSession.Close()
	chatSession.Disconnect()
	statsSession.Disconnect()
	logger.Info("viewerd stopped")
	return nil
}

func newLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
