package models

import (
	"strings"
	"time"
)

// MessageKind classifies a chat message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindSystem   MessageKind = "system"
	KindFollow   MessageKind = "follow"
	KindDonation MessageKind = "donation"
)

// ChatMessage is an immutable record of one chat event.
type ChatMessage struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	UserID      string      `json:"userId,omitempty"` // absent for system and relayed messages
	Body        string      `json:"body"`
	Timestamp   time.Time   `json:"timestamp"`
	AvatarURL   string      `json:"avatarUrl,omitempty"`
	Kind        MessageKind `json:"kind"`
	Highlighted bool        `json:"highlighted,omitempty"`
	Platform    string      `json:"platform,omitempty"` // originating external relay, if any
}

// MessageMetadata carries optional server-side annotations on a raw message.
type MessageMetadata struct {
	Highlighted bool   `json:"highlighted,omitempty"`
	Kind        string `json:"type,omitempty"`
}

// RawMessage is the wire shape of a chat message. Field names vary across
// event sources, so sender and body carry aliases that are resolved in
// ToChatMessage.
type RawMessage struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName,omitempty"`
	Username    string           `json:"username,omitempty"`
	UserID      string           `json:"userId,omitempty"`
	Content     string           `json:"content,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   int64            `json:"timestamp"` // epoch milliseconds
	AvatarURL   string           `json:"avatarUrl,omitempty"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
	Type        string           `json:"type,omitempty"`
	Platform    string           `json:"platform,omitempty"`
}

// ToChatMessage resolves the alias fields and classifies the message.
func (r RawMessage) ToChatMessage() ChatMessage {
	name := r.DisplayName
	if name == "" {
		name = r.Username
	}
	body := r.Content
	if body == "" {
		body = r.Message
	}
	m := ChatMessage{
		ID:          r.ID,
		DisplayName: name,
		UserID:      r.UserID,
		Body:        body,
		Timestamp:   time.UnixMilli(r.Timestamp),
		AvatarURL:   r.AvatarURL,
		Kind:        classify(r),
		Platform:    r.Platform,
	}
	if r.Metadata != nil {
		m.Highlighted = r.Metadata.Highlighted
	}
	return m
}

func classify(r RawMessage) MessageKind {
	typ := r.Type
	if typ == "" && r.Metadata != nil {
		typ = r.Metadata.Kind
	}
	switch strings.ToLower(typ) {
	case "system":
		return KindSystem
	case "follow":
		return KindFollow
	case "donation":
		return KindDonation
	default:
		return KindText
	}
}
