package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 10, cfg.Chat.RateLimitCount)
	assert.Equal(t, time.Minute, cfg.Chat.RateLimitWindow)
	assert.Equal(t, 30*time.Second, cfg.Chat.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Registry.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.Registry.ReconnectDelay)
	assert.Equal(t, 6*time.Minute, cfg.Activity.Window)
	assert.Equal(t, "127.0.0.1:9470", cfg.Control.Addr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHAT_HOST", "chat.example.test")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "500")
	t.Setenv("WS_RECONNECT_BACKOFF", "1.0")
	t.Setenv("PLAYER_DEFAULT_VOLUME", "0.8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 1.0, cfg.Registry.ReconnectBackoff)
	assert.Equal(t, 0.8, cfg.Player.DefaultVolume)
	assert.Equal(t, "wss://chat.example.test/chat/room-1", cfg.Platform.ChatURL("room-1"))
}

func TestURLBuilders(t *testing.T) {
	p := PlatformConfig{
		ChatHost:    "chat.vexalo.live",
		BackendHost: "api.vexalo.live",
		StreamHost:  "stream.vexalo.live",
	}
	assert.Equal(t, "wss://chat.vexalo.live/chat/streamer", p.ChatURL("streamer"))
	assert.Equal(t, "wss://api.vexalo.live/stats/streamer?token=tok&connectionId=c1",
		p.StatsURL("streamer", "tok", "c1"))
	assert.Equal(t, "https://stream.vexalo.live/live/streamer/index.m3u8", p.ManifestURL("streamer"))
}

func TestSplitTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitTrim(" a, b ,", ","))
	assert.Nil(t, SplitTrim("", ","))
}
