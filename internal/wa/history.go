package wa

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"github.com/vfmunhoz/wagate/internal/store"
)

// FetchOlder requests one page of at most pageSize messages strictly
// older than the cursor. The provider answers asynchronously with a
// history sync payload; the adapter correlates it back to this call by
// chat. Only one request may be in flight per chat; the backfill
// controller serializes per chat, so a second concurrent request is a
// caller bug and fails fast.
func (a *Adapter) FetchOlder(ctx context.Context, chatJID string, before store.Cursor, pageSize int) ([]*Inbound, error) {
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	if a.client.Store.ID == nil {
		return nil, fmt.Errorf("not logged in")
	}

	info := &types.MessageInfo{
		ID:        before.MsgID,
		Timestamp: time.UnixMilli(before.Timestamp),
		MessageSource: types.MessageSource{
			Chat:     jid,
			IsFromMe: before.FromMe,
		},
	}
	if before.Participant != "" {
		sender, err := types.ParseJID(before.Participant)
		if err == nil {
			info.Sender = sender
		}
	}

	ch, err := a.registerPending(chatJID)
	if err != nil {
		return nil, err
	}
	defer a.unregisterPending(chatJID)

	req := a.client.BuildHistorySyncRequest(info, pageSize)
	_, err = a.client.SendMessage(ctx, a.client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return nil, fmt.Errorf("request history page: %w", err)
	}

	select {
	case batch := <-ch:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) registerPending(chatJID string) (chan []*Inbound, error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if _, exists := a.pending[chatJID]; exists {
		return nil, fmt.Errorf("history request already in flight for %s", chatJID)
	}
	ch := make(chan []*Inbound, 1)
	a.pending[chatJID] = ch
	return ch, nil
}

func (a *Adapter) unregisterPending(chatJID string) {
	a.pendingMu.Lock()
	delete(a.pending, chatJID)
	a.pendingMu.Unlock()
}

// deliverPending hands a history page to a waiting FetchOlder call.
// Reports whether the page was accepted; a page whose request already
// timed out reports false so the caller can still persist it as a
// historical batch.
func (a *Adapter) deliverPending(chatJID string, msgs []*Inbound) bool {
	a.pendingMu.Lock()
	ch, ok := a.pending[chatJID]
	a.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msgs:
		return true
	default:
		return false
	}
}
