package models

import "time"

// VideoItem is one past broadcast in a streamer's video list.
type VideoItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Duration     int       `json:"duration"` // seconds
	Views        int       `json:"views"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Follower is one entry in a profile's follower list.
type Follower struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	FollowedAt  time.Time `json:"followedAt"`
}

// StreamStats is the analytics summary for the authenticated streamer.
type StreamStats struct {
	TotalViews     int     `json:"totalViews"`
	TotalWatchTime int64   `json:"totalWatchTime"` // seconds
	PeakViewers    int     `json:"peakViewers"`
	AverageViewers float64 `json:"averageViewers"`
	FollowerCount  int     `json:"followerCount"`
}

// WatchStats is the server's view of the current viewer's accrued watch time.
type WatchStats struct {
	WatchTimeSeconds     int64 `json:"watchTimeSeconds"`
	IsWatchToEarnEnabled bool  `json:"isWatchToEarnEnabled"`
	IsActive             bool  `json:"isActive,omitempty"`
}
