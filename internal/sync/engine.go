// Package sync consumes real-time channel events and keeps the local store,
// the durability-ack protocol, and the merged chat list consistent.
package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/channel"
	"github.com/whispapp/whisp/internal/queue"
	"github.com/whispapp/whisp/internal/status"
	"github.com/whispapp/whisp/internal/store"
)

// Emitter is the outbound half of the real-time channel.
type Emitter interface {
	Emit(event string, data any) error
}

// Engine subscribes to "rt." events and applies them to the local store
// through the write serializer. It owns the durability contract: an ack for
// a received message goes out only after the row is on disk.
type Engine struct {
	db     *store.DB
	q      *queue.Serializer
	ch     Emitter
	bus    *bus.Bus
	rec    *Reconciler
	log    *zap.Logger
	userID string

	mu         sync.Mutex
	activeChat string
	presence   map[string]channel.PresenceEvent

	cancel context.CancelFunc
}

// NewEngine creates a sync engine. userID identifies locally authored
// messages in inbound traffic.
func NewEngine(db *store.DB, q *queue.Serializer, ch Emitter, b *bus.Bus, rec *Reconciler, log *zap.Logger, userID string) *Engine {
	return &Engine{
		db:       db,
		q:        q,
		ch:       ch,
		bus:      b,
		rec:      rec,
		log:      log.Named("sync"),
		userID:   userID,
		presence: make(map[string]channel.PresenceEvent),
	}
}

// Start subscribes to channel events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.rec.Stop()
}

// SetActiveChat records which chat the user is looking at. Messages arriving
// for the active chat skip the unread state entirely.
func (e *Engine) SetActiveChat(chatID string) {
	e.mu.Lock()
	e.activeChat = chatID
	e.mu.Unlock()
}

// ActiveChat returns the currently open chat id, or "".
func (e *Engine) ActiveChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeChat
}

// Presence returns a copy of the current online/last-seen map.
func (e *Engine) Presence() map[string]channel.PresenceEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]channel.PresenceEvent, len(e.presence))
	for k, v := range e.presence {
		out[k] = v
	}
	return out
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case channel.EventConnected:
		e.onConnect(ctx)
	case channel.EventDisconnected:
		// Nothing to do: unacked state is replayed on the next connect.
	case channel.EventMessage:
		if m, ok := evt.Payload.(*api.Message); ok {
			e.handleMessage(ctx, m)
		}
	case channel.EventStatus:
		if se, ok := evt.Payload.(*channel.StatusEvent); ok {
			e.handleStatus(ctx, se)
		}
	case channel.EventPresence:
		if p, ok := evt.Payload.(*channel.PresenceEvent); ok {
			e.mu.Lock()
			e.presence[p.UserID] = *p
			e.mu.Unlock()
			e.bus.Publish("presence.changed", p.UserID)
		}
	case channel.EventPresenceSnapshot:
		if snap, ok := evt.Payload.(map[string]channel.PresenceEvent); ok {
			e.mu.Lock()
			e.presence = make(map[string]channel.PresenceEvent, len(snap))
			for k, v := range snap {
				e.presence[k] = v
			}
			e.mu.Unlock()
			e.bus.Publish("presence.changed", "")
		}
	}
}

// onConnect re-registers, rejoins the active chat, and replays durability
// acks for every received message persisted before the last connection
// dropped. The server treats acks as idempotent, so replaying one that did
// arrive is harmless.
func (e *Engine) onConnect(ctx context.Context) {
	e.emit(channel.EvtRegisterUser, map[string]string{"userId": e.userID})

	if active := e.ActiveChat(); active != "" {
		e.emit(channel.EvtJoinRoom, map[string]string{"chatId": active})
	}

	unacked, err := e.db.Unacknowledged()
	if err != nil {
		e.log.Error("unacked lookup failed", zap.Error(err))
	} else {
		for _, u := range unacked {
			e.emit(channel.EvtMessageAck, map[string]string{"messageId": u.ID, "chatId": u.ChatID})
		}
		if len(unacked) > 0 {
			e.log.Info("replayed pending acks", zap.Int("count", len(unacked)))
		}
	}

	e.rec.Trigger()
}

// handleMessage persists an inbound message and then acknowledges it. If the
// chat is open the message is promoted straight to seen inside the same
// serializer task, so the receipt that goes out reflects its final state.
// A failed write withholds the ack entirely: the server redelivers later
// and the upsert absorbs the duplicate.
func (e *Engine) handleMessage(ctx context.Context, m *api.Message) {
	sm := m.ToStore(e.userID)
	fastSeen := !sm.IsMine && sm.ChatID == e.ActiveChat()

	err := e.q.Enqueue(ctx, func() error {
		if err := e.db.UpsertMessage(sm); err != nil {
			return err
		}
		if !fastSeen {
			return nil
		}
		cur, ok, err := e.db.MessageStatus(sm.ID)
		if err != nil || !ok {
			return err
		}
		if next := status.Advance(cur, status.EventSeen); next != cur {
			return e.db.SetStatus(sm.ID, next)
		}
		return nil
	})
	if err != nil {
		e.log.Error("message not persisted, withholding ack",
			zap.String("msg_id", sm.ID), zap.Error(err))
		return
	}

	if !sm.IsMine {
		ref := map[string]string{"messageId": sm.ID, "chatId": sm.ChatID}
		e.emit(channel.EvtMessageAck, ref)
		e.emit(channel.EvtMessagePersisted, ref)
		if fastSeen {
			e.emit(channel.EvtChatSeen, map[string]string{"chatId": sm.ChatID, "userId": e.userID})
		}
	}

	e.bus.Publish("message.upserted", map[string]string{"chat_id": sm.ChatID, "msg_id": sm.ID})
	e.rec.Trigger()
}

// handleStatus applies a delivered/seen receipt through the monotonic state
// machine. Read-advance-write runs as one serializer task, so a racing
// receipt for the same message cannot clobber a higher state.
func (e *Engine) handleStatus(ctx context.Context, se *channel.StatusEvent) {
	var applied bool
	chatID := se.ChatID
	err := e.q.Enqueue(ctx, func() error {
		m, err := e.db.Message(se.MessageID)
		if err != nil {
			return err
		}
		if m == nil {
			// Receipt for a message we never stored. Nothing to update.
			return nil
		}
		// Receipts may omit the chat; the stored row always knows it.
		if chatID == "" {
			chatID = m.ChatID
		}
		next := status.Advance(m.Status, se.Event)
		if next == m.Status {
			return nil
		}
		applied = true
		return e.db.SetStatus(se.MessageID, next)
	})
	if err != nil {
		e.log.Error("status update failed", zap.String("msg_id", se.MessageID), zap.Error(err))
		return
	}
	if applied {
		e.bus.Publish("message.updated", map[string]string{"chat_id": chatID, "msg_id": se.MessageID})
		e.rec.Trigger()
	}
}

func (e *Engine) emit(event string, data any) {
	if err := e.ch.Emit(event, data); err != nil {
		e.log.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}
