package models

// ActivityPayload is the body of activity_check, heartbeat and
// playback_update envelopes. The server cross-checks it against its own
// records before accruing watch time.
type ActivityPayload struct {
	Timestamp    int64  `json:"timestamp"` // epoch milliseconds
	IsPlaying    bool   `json:"isPlaying"`
	IsVisible    bool   `json:"isVisible"`
	ConnectionID string `json:"connectionId"`
}
