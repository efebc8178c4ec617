package channel

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/status"
)

// Wire event names. The server side of the channel speaks these verbatim.
const (
	// Emitted by this client.
	EvtRegisterUser     = "registerUser"
	EvtJoinRoom         = "joinRoom"
	EvtLeaveRoom        = "leaveRoom"
	EvtMessageAck       = "message:ack"
	EvtMessagePersisted = "message:persisted"
	EvtSendMessage      = "sendMessage"
	EvtChatSeen         = "chat:seen"

	// Received from the server.
	EvtMessageNew        = "message:new"
	EvtMessageDelivered  = "message:delivered"
	EvtMessageSeen       = "message:seen"
	EvtPresenceSnapshot  = "presence"
	EvtUserOnline        = "user:online"
	EvtUserOffline       = "user:offline"
)

// Envelope is the wire format for all channel traffic.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StatusEvent is a delivery or seen receipt for a single message.
type StatusEvent struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Event     status.Event
}

// PresenceEvent reports one user going online or offline. LastSeen is epoch
// millis and only meaningful when Online is false.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"-"`
	LastSeen int64  `json:"lastSeen"`
}

// dispatch translates one inbound envelope into a bus event. Unknown events
// are dropped; so are messages with no resolvable chat, which cannot be
// stored or acked.
func (c *Client) dispatch(env *Envelope) {
	switch env.Event {
	case EvtMessageNew:
		var m api.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			c.log.Warn("bad message payload", zap.Error(err))
			return
		}
		if m.ID == "" || m.ChatKey() == "" {
			c.log.Warn("dropping message without id or chat", zap.String("id", m.ID))
			return
		}
		c.bus.Publish(EventMessage, &m)

	case EvtMessageDelivered, EvtMessageSeen:
		var p struct {
			MessageID string `json:"messageId"`
			ChatID    string `json:"chatId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" {
			c.log.Warn("bad status payload", zap.String("event", env.Event), zap.Error(err))
			return
		}
		evt := status.EventDelivered
		if env.Event == EvtMessageSeen {
			evt = status.EventSeen
		}
		c.bus.Publish(EventStatus, &StatusEvent{MessageID: p.MessageID, ChatID: p.ChatID, Event: evt})

	case EvtPresenceSnapshot:
		var snapshot map[string]struct {
			Online   bool  `json:"online"`
			LastSeen int64 `json:"lastSeen"`
		}
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			c.log.Warn("bad presence snapshot", zap.Error(err))
			return
		}
		out := make(map[string]PresenceEvent, len(snapshot))
		for id, p := range snapshot {
			out[id] = PresenceEvent{UserID: id, Online: p.Online, LastSeen: p.LastSeen}
		}
		c.bus.Publish(EventPresenceSnapshot, out)

	case EvtUserOnline, EvtUserOffline:
		var p PresenceEvent
		if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID == "" {
			c.log.Warn("bad presence payload", zap.String("event", env.Event), zap.Error(err))
			return
		}
		p.Online = env.Event == EvtUserOnline
		c.bus.Publish(EventPresence, &p)

	default:
		c.log.Debug("unhandled channel event", zap.String("event", env.Event))
	}
}
