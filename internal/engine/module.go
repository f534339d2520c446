package engine

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/lock"
	"github.com/chatsync/internal/logging"
	"github.com/chatsync/internal/outbox"
	"github.com/chatsync/internal/session"
	"github.com/chatsync/internal/store"
	chatsync "github.com/chatsync/internal/sync"
	"github.com/chatsync/internal/transport"
)

// Params holds the resolved session settings passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	GatewayURL  string // optional override for testing; empty = use config
}

// Module returns the fx module for the engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTransport,
			provideManager,
			provideSender,
			provideFacade,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideTransport(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	url := cfg.TransportURL
	if p.GatewayURL != "" {
		url = p.GatewayURL
	}
	return transport.NewClient(url, cfg.Reconnect, b, logger)
}

func provideManager(p Params, db *store.DB, ts *transport.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *chatsync.Manager {
	return chatsync.NewManager(db, ts, b, logger, p.UserID, cfg.Sync.SnapshotTimeout())
}

func provideSender(db *store.DB, ts *transport.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, ts, b, logger, cfg.Reconnect)
}

func provideFacade(p Params, db *store.DB, mgr *chatsync.Manager, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *Facade {
	return NewFacade(db, mgr, sender, b, logger, p.UserID)
}

func registerLifecycle(lc fx.Lifecycle, ts *transport.Client, mgr *chatsync.Manager, sender *outbox.Sender, facade *Facade, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ts.Connect(ctx); err != nil {
				return err
			}
			if err := mgr.Start(); err != nil {
				return err
			}
			if err := sender.Start(); err != nil {
				return err
			}
			if err := facade.Start(); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			mgr.Stop()
			ts.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
