package store

import "github.com/whispapp/whisp/internal/status"

// Message represents a locally persisted chat message. Immutable after
// insert except for status, and for media_path once a download completes.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Type      string // text, location, contact, poll, media
	Content   string // text body, empty for non-text types
	Media     *Media // present only for media messages
	Extra     string // raw JSON payload for location/contact/poll variants
	Status    status.Status
	CreatedAt int64 // epoch millis, per-chat ordering key
	IsMine    bool
}

// Media is the structured payload of a media message.
type Media struct {
	URL       string
	Format    string // image, video, audio, document
	LocalPath string // locally cached copy, empty until downloaded
}

// ChatAggregate holds per-chat statistics derived from the messages table.
// Never maintained incrementally: always recomputed from the rows.
type ChatAggregate struct {
	ChatID        string
	LastMessageAt int64
	UnreadCount   int
}

// Unacked identifies a received message whose durability ack has not been
// confirmed by a later status transition. Replayed on every reconnect.
type Unacked struct {
	ID     string
	ChatID string
}
