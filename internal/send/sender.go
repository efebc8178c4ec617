// Package send implements the outbound message path: server first, local
// store second, real-time publish last.
package send

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/channel"
	"github.com/whispapp/whisp/internal/queue"
	"github.com/whispapp/whisp/internal/store"
)

// MessageAPI is the slice of the backend client the sender needs.
type MessageAPI interface {
	PostMessage(ctx context.Context, req *api.SendRequest) (*api.Message, error)
}

// Emitter is the outbound half of the real-time channel.
type Emitter interface {
	Emit(event string, data any) error
}

// Composed is a message the user finished writing. Type selects which of
// the payload fields is meaningful.
type Composed struct {
	Type     string
	Content  string
	Location json.RawMessage
	Contact  json.RawMessage
	Poll     json.RawMessage
	File     *api.FileUpload
}

// Sender posts composed messages to the backend and mirrors the accepted
// copy into the local store. The server is the source of message identity:
// a send that fails over HTTP leaves no local row behind.
type Sender struct {
	db     *store.DB
	q      *queue.Serializer
	api    MessageAPI
	ch     Emitter
	bus    *bus.Bus
	log    *zap.Logger
	userID string
}

// NewSender creates a sender for the given user identity.
func NewSender(db *store.DB, q *queue.Serializer, msgAPI MessageAPI, ch Emitter, b *bus.Bus, log *zap.Logger, userID string) *Sender {
	return &Sender{
		db:     db,
		q:      q,
		api:    msgAPI,
		ch:     ch,
		bus:    b,
		log:    log.Named("send"),
		userID: userID,
	}
}

// Send posts the message and persists the server's copy. The client id is
// generated fresh per call, so the backend can dedupe retried requests.
func (s *Sender) Send(ctx context.Context, chatID string, c *Composed) error {
	clientID := uuid.New().String()

	req := &api.SendRequest{
		ChatID:   chatID,
		ClientID: clientID,
		Type:     c.Type,
		Content:  c.Content,
		Location: c.Location,
		Contact:  c.Contact,
		Poll:     c.Poll,
		File:     c.File,
	}

	wire, err := s.api.PostMessage(ctx, req)
	if err != nil {
		s.log.Warn("send rejected", zap.String("chat_id", chatID), zap.Error(err))
		return fmt.Errorf("send: %w", err)
	}

	sm := wire.ToStore(s.userID)
	sm.IsMine = true
	if sm.ChatID == "" {
		sm.ChatID = chatID
	}
	// A media message posted from a local file keeps its path immediately:
	// the sender does not need to download their own upload.
	if c.File != nil && sm.Media != nil {
		sm.Media.LocalPath = c.File.Path
	}

	if err := s.q.Enqueue(ctx, func() error {
		return s.db.UpsertMessage(sm)
	}); err != nil {
		// Server accepted the message but the mirror failed; history will
		// recover it on the next backfill.
		s.log.Error("sent message not mirrored", zap.String("msg_id", sm.ID), zap.Error(err))
		return fmt.Errorf("send: mirror: %w", err)
	}

	if err := s.ch.Emit(channel.EvtSendMessage, wire); err != nil {
		s.log.Warn("realtime publish failed", zap.String("msg_id", sm.ID), zap.Error(err))
	}

	s.bus.Publish("message.upserted", map[string]string{"chat_id": sm.ChatID, "msg_id": sm.ID})
	s.log.Info("message sent", zap.String("chat_id", sm.ChatID), zap.String("msg_id", sm.ID))
	return nil
}
