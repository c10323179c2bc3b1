package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/backfill"
	"github.com/vfmunhoz/wagate/internal/bus"
	"github.com/vfmunhoz/wagate/internal/config"
	"github.com/vfmunhoz/wagate/internal/ingest"
	"github.com/vfmunhoz/wagate/internal/media"
	"github.com/vfmunhoz/wagate/internal/outbound"
	"github.com/vfmunhoz/wagate/internal/store"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// ErrSessionExists rejects Create for an id already running.
var ErrSessionExists = errors.New("session: already exists")

// ErrSessionNotFound is returned for operations on unknown ids.
var ErrSessionNotFound = errors.New("session: not found")

// Supervisor owns the registry and every session's lifecycle: creation,
// pairing, reconnection, backfill kickoff, and teardown. One event-loop
// goroutine per session consumes its transport's envelope channel.
type Supervisor struct {
	cfg      *config.Config
	registry Registry
	createMu sync.Mutex
	factory  wa.Factory
	pipeline *ingest.Pipeline
	backfill *backfill.Controller
	db       *store.DB
	blobs    *media.BlobStore
	cache    *media.Cache
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewSupervisor(
	cfg *config.Config,
	registry Registry,
	factory wa.Factory,
	pipeline *ingest.Pipeline,
	bf *backfill.Controller,
	db *store.DB,
	blobs *media.BlobStore,
	cache *media.Cache,
	b *bus.Bus,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		factory:  factory,
		pipeline: pipeline,
		backfill: bf,
		db:       db,
		blobs:    blobs,
		cache:    cache,
		bus:      b,
		logger:   logger,
	}
}

// Create starts a fresh session: session dir, transport, outbound
// queue, event loop, connect. A failed connect unwinds the in-memory
// side but keeps the session dir, so a restart can retry.
func (s *Supervisor) Create(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	// createMu spans the duplicate check through registry.Put so two
	// concurrent Creates for the same id cannot both build a transport.
	s.createMu.Lock()
	if _, ok := s.registry.Get(id); ok {
		s.createMu.Unlock()
		return nil, ErrSessionExists
	}
	if err := os.MkdirAll(Dir(s.cfg.DataDir, id), 0700); err != nil {
		s.createMu.Unlock()
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	transport, err := s.factory(ctx, id)
	if err != nil {
		s.createMu.Unlock()
		return nil, fmt.Errorf("build transport: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	interval := time.Duration(s.cfg.SendIntervalMs) * time.Millisecond
	sess := &Session{
		ID:           id,
		machine:      NewMachine(id, s.bus),
		transport:    transport,
		queue:        outbound.NewQueue(id, transport, s.pipeline, interval, s.logger),
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	s.registry.Put(sess)
	s.createMu.Unlock()
	go s.loop(loopCtx, sess)

	if err := transport.Connect(ctx); err != nil {
		cancel()
		sess.queue.Close()
		transport.Disconnect()
		s.registry.Delete(id)
		return nil, fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("session created", zap.String("session", id))
	return sess, nil
}

// RestoreAll starts one session per on-disk credential dir. Individual
// failures are logged and skipped so one broken session cannot block
// daemon startup.
func (s *Supervisor) RestoreAll(ctx context.Context) error {
	ids, err := ListSessionDirs(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("list session dirs: %w", err)
	}
	for _, id := range ids {
		if _, err := s.Create(ctx, id); err != nil {
			s.logger.Warn("session restore failed",
				zap.String("session", id),
				zap.Error(err))
		}
	}
	return nil
}

// Get returns a running session.
func (s *Supervisor) Get(id string) (*Session, bool) {
	return s.registry.Get(id)
}

// List returns all running sessions ordered by id.
func (s *Supervisor) List() []*Session {
	return s.registry.List()
}

// Logout signs the session out with the provider, then tears it down.
// A failed provider logout still tears down locally.
func (s *Supervisor) Logout(ctx context.Context, id string) error {
	sess, ok := s.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := sess.transport.Logout(ctx); err != nil {
		s.logger.Warn("provider logout failed",
			zap.String("session", id),
			zap.Error(err))
	}
	return s.Teardown(ctx, id)
}

// Teardown removes every trace of a session: in-memory handle,
// credential dir, blobs, store rows, cached payloads. Every step
// tolerates prior partial completion, so rerunning after a crash
// finishes the job.
func (s *Supervisor) Teardown(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if sess, ok := s.registry.Get(id); ok {
		_ = sess.machine.Transition(StateTerminated, "teardown")
		sess.cancel()
		sess.transport.Disconnect()
		sess.queue.Close()
		s.registry.Delete(id)
	}

	var errs *multierror.Error
	if err := s.db.DeleteSessionData(id); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("delete store rows: %w", err))
	}
	s.cache.EvictSession(id)
	if err := s.blobs.RemoveSession(id); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove blobs: %w", err))
	}
	if err := os.RemoveAll(Dir(s.cfg.DataDir, id)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove session dir: %w", err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		s.logger.Error("teardown incomplete", zap.String("session", id), zap.Error(err))
		return err
	}
	s.logger.Info("session torn down", zap.String("session", id))
	return nil
}

// Shutdown stops every running session without deleting anything.
func (s *Supervisor) Shutdown() {
	for _, sess := range s.registry.List() {
		sess.cancel()
		sess.transport.Disconnect()
		sess.queue.Close()
	}
}

// ReadMedia returns the stored bytes and mimetype for a message's
// media, read-through cached.
func (s *Supervisor) ReadMedia(sessionID, msgID string) ([]byte, string, error) {
	m, err := s.db.GetMessage(sessionID, msgID)
	if err != nil {
		return nil, "", err
	}
	if m == nil || m.MediaURL == "" {
		return nil, "", fmt.Errorf("media: no blob for message %s", msgID)
	}
	if cached, ok := s.cache.Get(sessionID, msgID); ok {
		return cached.([]byte), m.MediaMimetype, nil
	}
	data, err := s.blobs.Read(sessionID, media.Ref{Path: m.MediaURL, Hash: m.MediaHash})
	if err != nil {
		return nil, "", err
	}
	s.cache.Put(sessionID, msgID, data)
	return data, m.MediaMimetype, nil
}

func (s *Supervisor) loop(ctx context.Context, sess *Session) {
	events := sess.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			sess.touch()
			s.handle(ctx, sess, env)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, sess *Session, env wa.Envelope) {
	switch env.Kind {
	case wa.EventPairing:
		if err := sess.machine.Transition(StateAwaitingPairing, "pairing code issued"); err != nil {
			s.logger.Warn("pairing in unexpected state",
				zap.String("session", sess.ID),
				zap.String("state", string(sess.State())))
			return
		}
		sess.setQR(env.PairingCode)
		png, err := qrcode.Encode(env.PairingCode, qrcode.Medium, 256)
		if err != nil {
			s.logger.Warn("qr render failed", zap.String("session", sess.ID), zap.Error(err))
		}
		s.bus.Emit(bus.SessionTopic(sess.ID, "pairing"), bus.PairingNotification{
			Code: env.PairingCode,
			PNG:  png,
		})

	case wa.EventConnected:
		if err := sess.machine.Transition(StateAuthenticated, "connected"); err != nil {
			return
		}
		sess.setQR("")
		go func() {
			if err := s.backfill.SyncSession(ctx, sess.ID, sess.transport); err != nil {
				s.logger.Warn("backfill pass ended early",
					zap.String("session", sess.ID),
					zap.Error(err))
			}
		}()

	case wa.EventDisconnected:
		if !env.Cause.Recoverable() {
			s.logger.Info("session closed by provider",
				zap.String("session", sess.ID),
				zap.String("cause", string(env.Cause)))
			if err := s.Teardown(context.Background(), sess.ID); err != nil {
				s.logger.Error("teardown after terminal disconnect failed",
					zap.String("session", sess.ID),
					zap.Error(err))
			}
			return
		}
		if err := sess.machine.Transition(StateReconnecting, string(env.Cause)); err != nil {
			return
		}
		delay := time.Duration(s.cfg.ReconnectDelaySecs) * time.Second
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := sess.transport.Connect(ctx); err != nil {
				s.logger.Warn("reconnect failed",
					zap.String("session", sess.ID),
					zap.Error(err))
			}
		}()

	case wa.EventMessages:
		// IngestBatch logs its own failures; a failed batch is dropped,
		// not retried.
		_ = s.pipeline.IngestBatch(ctx, sess.ID, sess.transport, env.Messages, env.Historical)

	case wa.EventReceipt:
		if env.Receipt != nil {
			s.pipeline.ApplyReceipt(sess.ID, env.Receipt)
		}
	}
}
