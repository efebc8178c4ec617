package sync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/store"
)

// reconcileDebounce is the quiet interval after a burst of message or status
// events before the chat list is rebuilt once.
const reconcileDebounce = 100 * time.Millisecond

// ChatsAPI is the slice of the backend client the reconciler needs.
type ChatsAPI interface {
	Chats(ctx context.Context) ([]api.ChatMetadata, error)
}

// ChatSummary is one entry of the merged chat list: server-owned metadata
// plus locally derived message state.
type ChatSummary struct {
	ID            string
	Name          string
	IsGroup       bool
	Image         string
	Members       []api.Member
	LastMessageAt int64
	UnreadCount   int
	LatestMessage *store.Message
}

// Reconciler rebuilds the chat list by merging the server's chat metadata
// with aggregates recomputed from local message rows. Identity comes from
// the server; unread counts and latest messages are never trusted from it.
type Reconciler struct {
	db  *store.DB
	api ChatsAPI
	bus *bus.Bus
	log *zap.Logger
	deb *Debouncer
}

// NewReconciler creates a reconciler publishing to the given bus.
func NewReconciler(db *store.DB, chatsAPI ChatsAPI, b *bus.Bus, log *zap.Logger) *Reconciler {
	r := &Reconciler{
		db:  db,
		api: chatsAPI,
		bus: b,
		log: log.Named("reconcile"),
	}
	r.deb = NewDebouncer(reconcileDebounce, func() {
		if _, err := r.Reconcile(context.Background()); err != nil {
			r.log.Warn("reconcile failed", zap.Error(err))
		}
	})
	return r
}

// Trigger requests a reconcile soon. Bursts collapse into one run.
func (r *Reconciler) Trigger() {
	r.deb.Trigger()
}

// Stop cancels any pending debounced reconcile.
func (r *Reconciler) Stop() {
	r.deb.Stop()
}

// Reconcile rebuilds the merged chat list and publishes it as a
// chats.reconciled event. If the server is unreachable the list is built
// from local data alone, so the chat list stays usable offline.
func (r *Reconciler) Reconcile(ctx context.Context) ([]ChatSummary, error) {
	remote, err := r.api.Chats(ctx)
	if err != nil {
		r.log.Warn("chat metadata unavailable, using local data only", zap.Error(err))
		remote = nil
	}

	aggs, err := r.db.ChatAggregates()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*ChatSummary)
	for _, meta := range remote {
		byID[meta.ID] = &ChatSummary{
			ID:      meta.ID,
			Name:    meta.Name,
			IsGroup: meta.IsGroup,
			Image:   meta.Image,
			Members: meta.Members,
		}
	}

	for chatID, agg := range aggs {
		s, ok := byID[chatID]
		if !ok {
			// Local history for a chat the server no longer lists. Keep it:
			// local rows are the durable source of message state.
			s = &ChatSummary{ID: chatID}
			byID[chatID] = s
		}
		s.LastMessageAt = agg.LastMessageAt
		s.UnreadCount = agg.UnreadCount
		latest, err := r.db.LatestMessage(chatID)
		if err != nil {
			return nil, err
		}
		s.LatestMessage = latest
	}

	chats := make([]ChatSummary, 0, len(byID))
	for _, s := range byID {
		chats = append(chats, *s)
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastMessageAt != chats[j].LastMessageAt {
			return chats[i].LastMessageAt > chats[j].LastMessageAt
		}
		return chats[i].ID < chats[j].ID
	})

	r.bus.Publish("chats.reconciled", chats)
	return chats, nil
}
