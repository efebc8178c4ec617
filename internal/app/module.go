// Package app composes the whole client with fx: store, serializer,
// channel, engine, reconciler, sender, and the UI facade.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/channel"
	"github.com/whispapp/whisp/internal/client"
	"github.com/whispapp/whisp/internal/config"
	"github.com/whispapp/whisp/internal/lock"
	"github.com/whispapp/whisp/internal/logging"
	"github.com/whispapp/whisp/internal/profile"
	"github.com/whispapp/whisp/internal/queue"
	"github.com/whispapp/whisp/internal/send"
	"github.com/whispapp/whisp/internal/store"
	intsync "github.com/whispapp/whisp/internal/sync"
)

// serializerDepth bounds how many pending store writes can queue up before
// event consumers start blocking.
const serializerDepth = 256

// Params holds the resolved profile and configuration for the fx module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideSerializer,
			provideAPIClient,
			provideChannel,
			provideReconciler,
			provideEngine,
			provideSender,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSerializer() *queue.Serializer {
	return queue.NewSerializer(serializerDepth)
}

func provideAPIClient(p Params) *api.Client {
	return api.NewClient(p.Config.APIBaseURL, p.Config.Auth.Token)
}

func provideChannel(p Params, b *bus.Bus, logger *zap.Logger) *channel.Client {
	return channel.NewClient(p.Config.SocketURL, p.Config.Auth.Token, b, logger)
}

func provideReconciler(db *store.DB, apiClient *api.Client, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, apiClient, b, logger)
}

func provideEngine(p Params, db *store.DB, q *queue.Serializer, ch *channel.Client, b *bus.Bus, rec *intsync.Reconciler, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, q, ch, b, rec, logger, p.Config.Auth.UserID)
}

func provideSender(p Params, db *store.DB, q *queue.Serializer, apiClient *api.Client, ch *channel.Client, b *bus.Bus, logger *zap.Logger) *send.Sender {
	return send.NewSender(db, q, apiClient, ch, b, logger, p.Config.Auth.UserID)
}

func provideClient(p Params, db *store.DB, q *queue.Serializer, apiClient *api.Client, ch *channel.Client,
	engine *intsync.Engine, rec *intsync.Reconciler, sender *send.Sender, b *bus.Bus, logger *zap.Logger) *client.Client {
	return client.New(db, q, apiClient, ch, engine, rec, sender, b, logger,
		p.Config.Auth.UserID, profile.MediaDir(p.Profile))
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, q *queue.Serializer, ch *channel.Client,
	engine *intsync.Engine, rec *intsync.Reconciler, c *client.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Order matters: consumers subscribe before the channel can
			// publish its first rt.connected.
			engine.Start(context.Background())
			c.Start(context.Background())
			ch.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ch.Close()
			if err := q.Drain(ctx); err != nil {
				logger.Warn("drain on shutdown failed", zap.Error(err))
			}
			c.Stop()
			engine.Stop()
			rec.Stop()
			q.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("stopped")
			return nil
		},
	})
}
