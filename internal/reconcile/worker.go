package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/config"
	"github.com/vfmunhoz/wagate/internal/session"
	"github.com/vfmunhoz/wagate/internal/store"
)

// Worker periodically repairs drift between the registry, the session
// directories, and the message store. Three independent passes, each
// idempotent, each skipping over its own errors:
//
//	A: terminate sessions stuck outside Authenticated past the idle
//	   timeout (abandoned pairings, dead reconnect loops).
//	B: tear down on-disk session dirs with no registry entry
//	   (leftovers from a crash mid-teardown).
//	C: enforce message retention.
type Worker struct {
	// IdleTimeout bounds how long a session may sit unauthenticated.
	IdleTimeout time.Duration
	// Retention deletes messages older than this. Zero keeps all.
	Retention time.Duration

	cfg    *config.Config
	sup    *session.Supervisor
	db     *store.DB
	logger *zap.Logger
	cron   *cron.Cron
}

func New(cfg *config.Config, sup *session.Supervisor, db *store.DB, logger *zap.Logger) *Worker {
	return &Worker{
		IdleTimeout: time.Duration(cfg.IdleTimeoutMins) * time.Minute,
		Retention:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		cfg:         cfg,
		sup:         sup,
		db:          db,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start schedules RunOnce on the configured cron spec.
func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.cfg.ReconcileCron, func() {
		w.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the schedule. A pass already running finishes.
func (w *Worker) Stop() {
	w.cron.Stop()
}

// RunOnce executes all three passes now. Safe to call concurrently
// with the schedule; every mutation is idempotent.
func (w *Worker) RunOnce(ctx context.Context) {
	w.terminateIdle(ctx)
	w.sweepOrphanDirs(ctx)
	w.enforceRetention()
}

func (w *Worker) terminateIdle(ctx context.Context) {
	for _, sess := range w.sup.List() {
		if sess.State() == session.StateAuthenticated {
			continue
		}
		idle := time.Since(sess.LastActivity())
		if idle < w.IdleTimeout {
			continue
		}
		w.logger.Info("terminating idle session",
			zap.String("session", sess.ID),
			zap.String("state", string(sess.State())),
			zap.Duration("idle", idle))
		if err := w.sup.Teardown(ctx, sess.ID); err != nil {
			w.logger.Warn("idle teardown failed",
				zap.String("session", sess.ID),
				zap.Error(err))
		}
	}
}

func (w *Worker) sweepOrphanDirs(ctx context.Context) {
	dirIDs, err := session.ListSessionDirs(w.cfg.DataDir)
	if err != nil {
		w.logger.Warn("orphan sweep skipped", zap.Error(err))
		return
	}
	onDisk := make(map[string]bool, len(dirIDs))
	for _, id := range dirIDs {
		onDisk[id] = true
		if _, ok := w.sup.Get(id); ok {
			continue
		}
		w.logger.Info("removing orphaned session dir", zap.String("session", id))
		if err := w.sup.Teardown(ctx, id); err != nil {
			w.logger.Warn("orphan teardown failed",
				zap.String("session", id),
				zap.Error(err))
		}
	}

	// Rows whose session has neither a dir nor a registry entry are
	// left over from a teardown that crashed after the dir removal.
	rowIDs, err := w.db.SessionIDs()
	if err != nil {
		w.logger.Warn("orphan row sweep skipped", zap.Error(err))
		return
	}
	for _, id := range rowIDs {
		if onDisk[id] {
			continue
		}
		if _, ok := w.sup.Get(id); ok {
			continue
		}
		w.logger.Info("removing orphaned store rows", zap.String("session", id))
		if err := w.db.DeleteSessionData(id); err != nil {
			w.logger.Warn("orphan row delete failed",
				zap.String("session", id),
				zap.Error(err))
		}
	}
}

func (w *Worker) enforceRetention() {
	if w.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.Retention).UnixMilli()
	n, err := w.db.DeleteOlderThan(cutoff)
	if err != nil {
		w.logger.Warn("retention pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("retention applied", zap.Int64("deleted", n))
	}
}
