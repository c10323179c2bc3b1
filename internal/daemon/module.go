package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/backfill"
	"github.com/vfmunhoz/wagate/internal/bus"
	"github.com/vfmunhoz/wagate/internal/config"
	"github.com/vfmunhoz/wagate/internal/ingest"
	"github.com/vfmunhoz/wagate/internal/lock"
	"github.com/vfmunhoz/wagate/internal/logging"
	"github.com/vfmunhoz/wagate/internal/media"
	"github.com/vfmunhoz/wagate/internal/reconcile"
	"github.com/vfmunhoz/wagate/internal/session"
	"github.com/vfmunhoz/wagate/internal/store"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// Params holds what the binary resolved before fx takes over.
type Params struct {
	DataDir    string
	ConfigPath string // empty = <data>/config.toml
}

// Module composes the gateway daemon: one process, one data dir, many
// sessions.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBlobStore,
			provideCache,
			providePipeline,
			provideBackfill,
			provideFactory,
			provideSupervisor,
			provideReconciler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = filepath.Join(p.DataDir, "config.toml")
	}
	return config.Load(path, p.DataDir)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(cfg.DataDir, "wagated.log"))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired", zap.String("dir", cfg.DataDir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(cfg.DataDir, "messages.db")
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
	return db, nil
}

func provideBlobStore(cfg *config.Config) *media.BlobStore {
	return media.NewBlobStore(cfg.DataDir)
}

func provideCache(cfg *config.Config) *media.Cache {
	return media.NewCache(cfg.MediaCacheSize)
}

func providePipeline(db *store.DB, blobs *media.BlobStore, b *bus.Bus, logger *zap.Logger) *ingest.Pipeline {
	return ingest.New(db, blobs, b, logger)
}

func provideBackfill(cfg *config.Config, db *store.DB, p *ingest.Pipeline, logger *zap.Logger) *backfill.Controller {
	return backfill.New(db, p, cfg.BackfillPageSize, cfg.BackfillConcurrency, logger)
}

func provideFactory(cfg *config.Config, logger *zap.Logger) wa.Factory {
	return func(ctx context.Context, sessionID string) (wa.Transport, error) {
		return wa.NewAdapter(ctx, sessionID, session.CredsPath(cfg.DataDir, sessionID), logger)
	}
}

func provideSupervisor(
	cfg *config.Config,
	factory wa.Factory,
	pipeline *ingest.Pipeline,
	bf *backfill.Controller,
	db *store.DB,
	blobs *media.BlobStore,
	cache *media.Cache,
	b *bus.Bus,
	logger *zap.Logger,
) *session.Supervisor {
	return session.NewSupervisor(cfg, session.NewRegistry(), factory, pipeline, bf, db, blobs, cache, b, logger)
}

func provideReconciler(cfg *config.Config, sup *session.Supervisor, db *store.DB, logger *zap.Logger) *reconcile.Worker {
	return reconcile.New(cfg, sup, db, logger)
}

// restoreAndReconcile brings back every on-disk session and then runs
// one reconcile pass. Restore goes first: it adopts every credential
// dir, so the pass only reaps orphaned store rows and dirs whose
// restore failed.
func restoreAndReconcile(ctx context.Context, sup *session.Supervisor, worker *reconcile.Worker, logger *zap.Logger) {
	if err := sup.RestoreAll(ctx); err != nil {
		logger.Error("session restore failed", zap.Error(err))
	}
	worker.RunOnce(ctx)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, sup *session.Supervisor, worker *reconcile.Worker, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Restores run against the live provider and can outlast
			// fx's start timeout, so they get their own context.
			go restoreAndReconcile(context.Background(), sup, worker, logger)
			if err := worker.Start(); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			worker.Stop()
			worker.RunOnce(ctx)
			sup.Shutdown()
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("lock release failed", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
