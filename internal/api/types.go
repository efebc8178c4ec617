package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/whispapp/whisp/internal/status"
	"github.com/whispapp/whisp/internal/store"
)

// ChatMetadata is the server's view of a chat: identity and membership.
// Message-derived fields (unread, latest message) are computed locally and
// never trusted from here.
type ChatMetadata struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	IsGroup bool     `json:"isGroup"`
	Image   string   `json:"image"`
	Members []Member `json:"members"`
}

// Member is a chat participant as returned by the chats endpoint.
type Member struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Image    string `json:"image"`
}

// Message is a chat message on the wire. The backend is loose about shapes:
// sender arrives as a bare id or an embedded user object, the chat reference
// as chatId or chat, and timestamps as epoch millis or RFC 3339. The custom
// field types absorb all of it.
type Message struct {
	ID        string          `json:"_id"`
	ChatID    string          `json:"chatId"`
	Chat      ChatRef         `json:"chat"`
	Sender    UserRef         `json:"sender"`
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Media     *MediaRef       `json:"media"`
	Location  json.RawMessage `json:"location"`
	Contact   json.RawMessage `json:"contact"`
	Poll      json.RawMessage `json:"poll"`
	Status    string          `json:"status"`
	CreatedAt Millis          `json:"createdAt"`
}

// MediaRef is the media attachment payload of a message.
type MediaRef struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// ChatKey returns the chat this message belongs to, whichever field the
// server populated, or "" if neither is set.
func (m *Message) ChatKey() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return string(m.Chat)
}

// ToStore converts a wire message into its local store representation.
// localUserID determines authorship. An unrecognized wire status is treated
// as sent rather than dropped.
func (m *Message) ToStore(localUserID string) *store.Message {
	sm := &store.Message{
		ID:        m.ID,
		ChatID:    m.ChatKey(),
		SenderID:  m.Sender.ID(),
		Type:      m.Type,
		Content:   m.Content,
		Status:    status.Parse(m.Status),
		CreatedAt: m.CreatedAt.UnixMilli(),
		IsMine:    m.Sender.ID() == localUserID,
	}
	if m.Media != nil {
		sm.Media = &store.Media{URL: m.Media.URL, Format: m.Media.Format}
	}
	sm.Extra = extraJSON(m)
	return sm
}

// extraJSON packs the type-specific payload (location, contact, poll) into
// the store's opaque extra column.
func extraJSON(m *Message) string {
	var raw json.RawMessage
	switch m.Type {
	case "location":
		raw = m.Location
	case "contact":
		raw = m.Contact
	case "poll":
		raw = m.Poll
	}
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// UserRef unmarshals either a bare user id string or an embedded user
// object with an _id field.
type UserRef struct {
	id string
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.id = s
		return nil
	}
	var obj struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	u.id = obj.ID
	return nil
}

func (u UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.id)
}

func (u UserRef) ID() string { return u.id }

// ChatRef unmarshals either a bare chat id string or an embedded chat
// object with an _id field.
type ChatRef string

func (c *ChatRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ChatRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = ChatRef(obj.ID)
	return nil
}

// Millis unmarshals a timestamp given as epoch millis or an RFC 3339 string.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*m = Millis(t.UnixMilli())
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = Millis(n)
	return nil
}

func (m Millis) UnixMilli() int64 { return int64(m) }
