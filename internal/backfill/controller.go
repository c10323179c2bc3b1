package backfill

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/ingest"
	"github.com/vfmunhoz/wagate/internal/store"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// Controller walks chat history backwards, page by page, anchored on
// the oldest stored message. Pages are ingested as historical batches,
// so backfill never touches unread counters or emits notifications.
type Controller struct {
	db          *store.DB
	pipeline    *ingest.Pipeline
	pageSize    int
	concurrency int
	logger      *zap.Logger
}

func New(db *store.DB, pipeline *ingest.Pipeline, pageSize, concurrency int, logger *zap.Logger) *Controller {
	return &Controller{
		db:          db,
		pipeline:    pipeline,
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// FetchOlder requests one page of messages older than the chat's
// oldest stored message and ingests it. Returns the number of messages
// the page carried. A chat with no stored messages has no anchor and
// returns 0; live ingestion must seed it first.
func (c *Controller) FetchOlder(ctx context.Context, sessionID, chatJID string, t wa.Transport) (int, error) {
	cursor, err := c.db.GetOldestMessageCursor(sessionID, chatJID)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		return 0, nil
	}

	page, err := t.FetchOlder(ctx, chatJID, *cursor, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch older than %s: %w", cursor.MsgID, err)
	}
	if len(page) == 0 {
		return 0, nil
	}
	if err := c.pipeline.IngestBatch(ctx, sessionID, t, page, true); err != nil {
		return 0, err
	}
	return len(page), nil
}

// SyncSession backfills every known chat of a session to exhaustion.
// Chats run concurrently under a fixed-size semaphore; within one chat
// pages are strictly sequential, since each page's anchor is the
// previous page's oldest row. A short page signals the beginning of
// the chat's history.
func (c *Controller) SyncSession(ctx context.Context, sessionID string, t wa.Transport) error {
	chats, err := c.db.ListChatJIDs(sessionID)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for _, chatJID := range chats {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(chatJID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.syncChat(ctx, sessionID, chatJID, t); err != nil {
				c.logger.Warn("chat backfill aborted",
					zap.String("session", sessionID),
					zap.String("chat", chatJID),
					zap.Error(err))
			}
		}(chatJID)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) syncChat(ctx context.Context, sessionID, chatJID string, t wa.Transport) error {
	lastAnchor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cursor, err := c.db.GetOldestMessageCursor(sessionID, chatJID)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		if cursor == nil || cursor.MsgID == lastAnchor {
			// No anchor, or the last page stored nothing older than
			// what we already had. Either way there is nothing left to
			// walk.
			return nil
		}
		lastAnchor = cursor.MsgID

		n, err := c.FetchOlder(ctx, sessionID, chatJID, t)
		if err != nil {
			return err
		}
		if n < c.pageSize {
			return nil
		}
	}
}
