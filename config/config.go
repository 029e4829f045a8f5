package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds viewer agent configuration loaded from environment.
type Config struct {
	Platform PlatformConfig
	Auth     AuthConfig
	Registry RegistryConfig
	Chat     ChatConfig
	Player   PlayerConfig
	Activity ActivityConfig
	Control  ControlConfig
}

// PlatformConfig holds the platform endpoints.
type PlatformConfig struct {
	ChatHost    string // wss host for chat rooms
	BackendHost string // wss host for stats channels
	StreamHost  string // https host serving HLS playlists
	APIBase     string // base URL for the REST API
}

// AuthConfig holds the viewer's bearer token.
type AuthConfig struct {
	Token       string
	RefreshSkew time.Duration // treat token as expired this long before its real expiry
}

// RegistryConfig holds WebSocket connection settings shared by chat and stats.
type RegistryConfig struct {
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	ReconnectBackoff float64
	ReconnectMax     time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
}

// ChatConfig holds client-side chat limits. These are UX guards, not a
// security boundary; the server enforces its own.
type ChatConfig struct {
	MaxMessageLength int
	RateLimitCount   int
	RateLimitWindow  time.Duration
	Cooldown         time.Duration
	SeenCacheSize    int
	OverlayHold      time.Duration
	OverlayFade      time.Duration
}

// PlayerConfig holds HLS playback settings.
type PlayerConfig struct {
	DefaultVolume  float64
	OfflineAfter   int // consecutive manifest failures before reporting offline
	ReportInterval time.Duration
	RequestTimeout time.Duration
}

// ActivityConfig holds viewer activity eligibility settings.
type ActivityConfig struct {
	Window time.Duration // trailing window in which interaction counts as active
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	Addr               string
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// ChatURL returns the WebSocket URL for a chat room.
func (c PlatformConfig) ChatURL(room string) string {
	return fmt.Sprintf("wss://%s/chat/%s", c.ChatHost, room)
}

// StatsURL returns the WebSocket URL for a stats channel.
func (c PlatformConfig) StatsURL(username, token, connectionID string) string {
	return fmt.Sprintf("wss://%s/stats/%s?token=%s&connectionId=%s", c.BackendHost, username, token, connectionID)
}

// ManifestURL returns the HLS playlist URL for a streamer.
func (c PlatformConfig) ManifestURL(username string) string {
	return fmt.Sprintf("https://%s/live/%s/index.m3u8", c.StreamHost, username)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := &Config{
		Platform: PlatformConfig{
			ChatHost:    getEnv("CHAT_HOST", "chat.vexalo.live"),
			BackendHost: getEnv("BACKEND_HOST", "api.vexalo.live"),
			StreamHost:  getEnv("STREAM_HOST", "stream.vexalo.live"),
			APIBase:     getEnv("API_BASE", "https://api.vexalo.live"),
		},
		Auth: AuthConfig{
			Token:       getEnv("AUTH_TOKEN", ""),
			RefreshSkew: getEnvDuration("AUTH_REFRESH_SKEW_SEC", 60) * time.Second,
		},
		Registry: RegistryConfig{
			PingInterval:     getEnvDuration("WS_PING_INTERVAL_SEC", 30) * time.Second,
			ReconnectDelay:   getEnvDuration("WS_RECONNECT_DELAY_SEC", 3) * time.Second,
			ReconnectBackoff: getEnvFloat("WS_RECONNECT_BACKOFF", 2.0),
			ReconnectMax:     getEnvDuration("WS_RECONNECT_MAX_SEC", 30) * time.Second,
			ConnectTimeout:   getEnvDuration("WS_CONNECT_TIMEOUT_SEC", 15) * time.Second,
			WriteTimeout:     getEnvDuration("WS_WRITE_TIMEOUT_SEC", 10) * time.Second,
		},
		Chat: ChatConfig{
			MaxMessageLength: getEnvInt("CHAT_MAX_MESSAGE_LENGTH", 200),
			RateLimitCount:   getEnvInt("CHAT_RATE_LIMIT_COUNT", 10),
			RateLimitWindow:  getEnvDuration("CHAT_RATE_LIMIT_WINDOW_SEC", 60) * time.Second,
			Cooldown:         getEnvDuration("CHAT_COOLDOWN_SEC", 30) * time.Second,
			SeenCacheSize:    getEnvInt("CHAT_SEEN_CACHE_SIZE", 4096),
			OverlayHold:      getEnvDuration("CHAT_OVERLAY_HOLD_SEC", 8) * time.Second,
			OverlayFade:      getEnvDuration("CHAT_OVERLAY_FADE_SEC", 4) * time.Second,
		},
		Player: PlayerConfig{
			DefaultVolume:  getEnvFloat("PLAYER_DEFAULT_VOLUME", 0.5),
			OfflineAfter:   getEnvInt("PLAYER_OFFLINE_AFTER", 3),
			ReportInterval: getEnvDuration("PLAYER_REPORT_INTERVAL_SEC", 60) * time.Second,
			RequestTimeout: getEnvDuration("PLAYER_REQUEST_TIMEOUT_SEC", 10) * time.Second,
		},
		Activity: ActivityConfig{
			Window: getEnvDuration("ACTIVITY_WINDOW_MIN", 6) * time.Minute,
		},
		Control: ControlConfig{
			Addr:               getEnv("CONTROL_ADDR", "127.0.0.1:9470"),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback))
}

// SplitTrim splits a comma-style list and trims blanks.
func SplitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
