// Package client is the UI-facing facade over the sync machinery: cached
// reactive views of messages and chats, plus the chat lifecycle operations.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/channel"
	"github.com/whispapp/whisp/internal/queue"
	"github.com/whispapp/whisp/internal/send"
	"github.com/whispapp/whisp/internal/store"
	enginesync "github.com/whispapp/whisp/internal/sync"
)

// HistoryAPI is the slice of the backend client the facade needs beyond
// sending.
type HistoryAPI interface {
	History(ctx context.Context, chatID string) ([]api.Message, error)
	OpenChat(ctx context.Context, userID string) (*api.ChatMetadata, error)
	MarkChatRead(ctx context.Context, chatID string) error
}

// Channel is the outbound half of the real-time connection.
type Channel interface {
	Emit(event string, data any) error
}

// Client ties the store, serializer, channel, engine, and sender together
// behind the operations a UI calls. Message and chat views are cached and
// refreshed from bus events, so reads never block on the database.
type Client struct {
	db       *store.DB
	q        *queue.Serializer
	api      HistoryAPI
	ch       Channel
	engine   *enginesync.Engine
	rec      *enginesync.Reconciler
	sender   *send.Sender
	bus      *bus.Bus
	log      *zap.Logger
	userID   string
	mediaDir string

	httpClient *http.Client

	mu       sync.RWMutex
	messages map[string][]store.Message
	chats    []enginesync.ChatSummary

	cancel context.CancelFunc
}

// New creates the facade. Call Start before use.
func New(db *store.DB, q *queue.Serializer, historyAPI HistoryAPI, ch Channel,
	engine *enginesync.Engine, rec *enginesync.Reconciler, sender *send.Sender,
	b *bus.Bus, log *zap.Logger, userID, mediaDir string) *Client {
	return &Client{
		db:         db,
		q:          q,
		api:        historyAPI,
		ch:         ch,
		engine:     engine,
		rec:        rec,
		sender:     sender,
		bus:        b,
		log:        log.Named("client"),
		userID:     userID,
		mediaDir:   mediaDir,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		messages:   make(map[string][]store.Message),
	}
}

// Start begins watching bus events to keep the cached views fresh.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := c.bus.Subscribe("message.", 256)
	chatsCh, unsubChats := c.bus.Subscribe("chats.", 16)
	resetCh, unsubReset := c.bus.Subscribe("store.", 4)

	go func() {
		defer unsubMsg()
		defer unsubChats()
		defer unsubReset()
		for {
			select {
			case evt := <-msgCh:
				if ref, ok := evt.Payload.(map[string]string); ok {
					c.refreshChat(ref["chat_id"])
				}
			case evt := <-chatsCh:
				if chats, ok := evt.Payload.([]enginesync.ChatSummary); ok {
					c.mu.Lock()
					c.chats = chats
					c.mu.Unlock()
				}
			case <-resetCh:
				c.mu.Lock()
				c.messages = make(map[string][]store.Message)
				c.chats = nil
				c.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts cache refreshing.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) refreshChat(chatID string) {
	if chatID == "" {
		return
	}
	msgs, err := c.db.MessagesForChat(chatID)
	if err != nil {
		c.log.Error("refresh failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.messages[chatID] = msgs
	c.mu.Unlock()
}

// JoinChat opens a chat: it becomes the active chat, its room is joined,
// and everything unread in it is promoted to seen with a single receipt.
func (c *Client) JoinChat(ctx context.Context, chatID string) error {
	c.engine.SetActiveChat(chatID)
	if err := c.ch.Emit(channel.EvtJoinRoom, map[string]string{"chatId": chatID}); err != nil {
		c.log.Warn("join room not sent", zap.String("chat_id", chatID), zap.Error(err))
	}

	var marked int64
	err := c.q.Enqueue(ctx, func() error {
		n, err := c.db.MarkChatSeen(chatID)
		marked = n
		return err
	})
	if err != nil {
		return fmt.Errorf("join chat: %w", err)
	}

	if marked > 0 {
		if err := c.ch.Emit(channel.EvtChatSeen, map[string]string{"chatId": chatID, "userId": c.userID}); err != nil {
			c.log.Warn("seen receipt not sent", zap.String("chat_id", chatID), zap.Error(err))
		}
		// Best effort: the local rows are already seen, the server catches
		// up through the receipt if this call is lost.
		if err := c.api.MarkChatRead(ctx, chatID); err != nil {
			c.log.Warn("server read state not updated", zap.String("chat_id", chatID), zap.Error(err))
		}
		c.bus.Publish("message.updated", map[string]string{"chat_id": chatID})
	}

	c.refreshChat(chatID)
	c.rec.Trigger()
	return nil
}

// LeaveChat closes the active chat. The serializer is drained first so any
// in-flight write for the chat lands before the fast-seen path switches off.
func (c *Client) LeaveChat(ctx context.Context) error {
	chatID := c.engine.ActiveChat()
	if chatID == "" {
		return nil
	}

	if err := c.q.Drain(ctx); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	c.engine.SetActiveChat("")

	if err := c.ch.Emit(channel.EvtLeaveRoom, map[string]string{"chatId": chatID}); err != nil {
		c.log.Warn("leave room not sent", zap.String("chat_id", chatID), zap.Error(err))
	}
	c.rec.Trigger()
	return nil
}

// SendMessage posts a composed message to the active conversation. Returns
// false when the send failed and nothing was stored.
func (c *Client) SendMessage(ctx context.Context, chatID string, composed *send.Composed) bool {
	if err := c.sender.Send(ctx, chatID, composed); err != nil {
		return false
	}
	return true
}

// LoadLocalMessages returns a chat's history from the local store. An empty
// chat triggers a one-time backfill from the server so a fresh install still
// shows history.
func (c *Client) LoadLocalMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	msgs, err := c.db.MessagesForChat(chatID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		c.cacheMessages(chatID, msgs)
		return msgs, nil
	}

	history, err := c.api.History(ctx, chatID)
	if err != nil {
		c.log.Warn("history backfill unavailable", zap.String("chat_id", chatID), zap.Error(err))
		return msgs, nil
	}

	err = c.q.Enqueue(ctx, func() error {
		for i := range history {
			sm := history[i].ToStore(c.userID)
			if sm.ID == "" || sm.ChatID == "" {
				continue
			}
			if err := c.db.UpsertMessage(sm); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}

	msgs, err = c.db.MessagesForChat(chatID)
	if err != nil {
		return nil, err
	}
	c.cacheMessages(chatID, msgs)
	c.rec.Trigger()
	return msgs, nil
}

func (c *Client) cacheMessages(chatID string, msgs []store.Message) {
	c.mu.Lock()
	c.messages[chatID] = msgs
	c.mu.Unlock()
}

// OpenChat finds or creates the direct chat with another user and returns
// its metadata.
func (c *Client) OpenChat(ctx context.Context, userID string) (*api.ChatMetadata, error) {
	meta, err := c.api.OpenChat(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.rec.Trigger()
	return meta, nil
}

// Messages returns the cached view of a chat.
func (c *Client) Messages(chatID string) []store.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[chatID]
}

// Chats returns the latest reconciled chat list.
func (c *Client) Chats() []enginesync.ChatSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chats
}

// UserStatus returns the transient presence map.
func (c *Client) UserStatus() map[string]channel.PresenceEvent {
	return c.engine.Presence()
}

// Channel exposes the channel handle for low-level emits.
func (c *Client) Channel() Channel {
	return c.ch
}

// Bus exposes the event bus for UI subscriptions.
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// DownloadMedia fetches a media message's remote content into the profile's
// media directory and records the local path. Returns the path.
func (c *Client) DownloadMedia(ctx context.Context, messageID string) (string, error) {
	m, err := c.db.Message(messageID)
	if err != nil {
		return "", err
	}
	if m == nil || m.Media == nil || m.Media.URL == "" {
		return "", fmt.Errorf("download: message %q has no remote media", messageID)
	}
	if m.Media.LocalPath != "" {
		if _, err := os.Stat(m.Media.LocalPath); err == nil {
			return m.Media.LocalPath, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Media.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.mediaDir, 0700); err != nil {
		return "", err
	}
	dst := filepath.Join(c.mediaDir, mediaFileName(messageID, m.Media))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := c.q.Enqueue(ctx, func() error {
		return c.db.AttachLocalMedia(messageID, dst)
	}); err != nil {
		return "", err
	}
	c.bus.Publish("message.updated", map[string]string{"chat_id": m.ChatID, "msg_id": messageID})
	return dst, nil
}

// Reset wipes all local history. Server-side data is untouched and comes
// back through history backfills.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.q.Enqueue(ctx, func() error {
		return c.db.ResetAll()
	}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.bus.Publish("store.reset", nil)
	c.rec.Trigger()
	return nil
}

func mediaFileName(messageID string, m *store.Media) string {
	ext := path.Ext(m.URL)
	if ext == "" || len(ext) > 5 {
		switch m.Format {
		case "video":
			ext = ".mp4"
		case "audio":
			ext = ".m4a"
		default:
			ext = ".jpg"
		}
	}
	return messageID + ext
}
