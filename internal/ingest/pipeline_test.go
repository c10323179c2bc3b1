package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/bus"
	"github.com/vfmunhoz/wagate/internal/media"
	"github.com/vfmunhoz/wagate/internal/store"
	"github.com/vfmunhoz/wagate/internal/wa"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeBlobs counts content store writes.
type fakeBlobs struct {
	blobs  map[string][]byte
	writes int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) Exists(sessionID, hash, ext string) bool {
	_, ok := f.blobs[sessionID+"/"+hash]
	return ok
}

func (f *fakeBlobs) Write(sessionID, hash, ext string, data []byte) (media.Ref, error) {
	f.writes++
	f.blobs[sessionID+"/"+hash] = data
	return media.Ref{Path: hash[:2] + "/" + hash + ext, Hash: hash}, nil
}

// fakeDownloader serves canned bytes per message id.
type fakeDownloader struct {
	data map[string][]byte
	err  error
}

func (f *fakeDownloader) Download(_ context.Context, in *wa.Inbound) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[in.MsgID], nil
}

func testPipeline(t *testing.T) (*Pipeline, *store.DB, *bus.Bus, *fakeBlobs) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	blobs := newFakeBlobs()
	return New(db, blobs, b, zap.NewNop()), db, b, blobs
}

func textMsg(msgID, chatJID, body string, ts int64, fromMe bool) *wa.Inbound {
	return &wa.Inbound{
		Kind:       wa.KindText,
		MsgID:      msgID,
		ChatJID:    chatJID,
		SenderJID:  "sender@s",
		SenderName: "Alice",
		FromMe:     fromMe,
		Timestamp:  ts,
		Body:       body,
	}
}

func drain(ch <-chan bus.Event) []bus.Event {
	var evts []bus.Event
	for {
		select {
		case evt := <-ch:
			evts = append(evts, evt)
		case <-time.After(50 * time.Millisecond):
			return evts
		}
	}
}

func TestIngestFreshBatch(t *testing.T) {
	p, db, b, _ := testPipeline(t)
	ch, unsub := b.Subscribe("session.s1.message", 10)
	defer unsub()

	batch := []*wa.Inbound{textMsg("A1", "C1", "hi", 1000, false)}
	if err := p.IngestBatch(context.Background(), "s1", nil, batch, false); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("s1", "C1", 0, 10)
	if len(msgs) != 1 || msgs[0].MsgID != "A1" {
		t.Fatalf("messages = %+v, want one row A1", msgs)
	}
	if msgs[0].Status != store.StatusReceived {
		t.Errorf("status = %q, want received", msgs[0].Status)
	}

	c, _ := db.GetChat("s1", "C1")
	if c == nil {
		t.Fatal("chat not created")
	}
	if c.UnreadCount != 1 || c.LastMessagePreview != "hi" || c.LastMessageAt != 1000 {
		t.Errorf("chat = %+v, want unread=1 preview=hi ts=1000", c)
	}
	if c.Name != "Alice" {
		t.Errorf("name = %q, want Alice", c.Name)
	}

	evts := drain(ch)
	if len(evts) != 1 {
		t.Fatalf("notifications = %d, want 1", len(evts))
	}
	n := evts[0].Payload.(bus.MessageNotification)
	if n.MsgID != "A1" || n.Body != "hi" {
		t.Errorf("notification = %+v", n)
	}
}

func TestIngestIdempotent(t *testing.T) {
	p, db, b, _ := testPipeline(t)
	ch, unsub := b.Subscribe("session.s1.message", 10)
	defer unsub()

	batch := []*wa.Inbound{textMsg("A1", "C1", "hi", 1000, false)}
	for i := 0; i < 2; i++ {
		if err := p.IngestBatch(context.Background(), "s1", nil, batch, false); err != nil {
			t.Fatal(err)
		}
	}

	msgs, _ := db.ListMessages("s1", "C1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (duplicate delivery)", len(msgs))
	}
	c, _ := db.GetChat("s1", "C1")
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (no double count)", c.UnreadCount)
	}
	if evts := drain(ch); len(evts) != 1 {
		t.Errorf("notifications = %d, want 1 (no re-notify)", len(evts))
	}
}

func TestIngestOutOfOrderBatch(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("NEW", "C1", "newest", 2000, false)}, false); err != nil {
		t.Fatal(err)
	}
	// An older message arrives afterwards.
	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("OLD", "C1", "older", 1000, false)}, false); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetChat("s1", "C1")
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newest" {
		t.Errorf("chat = %+v, last message regressed", c)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
}

func TestIngestHistoricalSuppression(t *testing.T) {
	p, db, b, _ := testPipeline(t)
	ch, unsub := b.Subscribe("session.s1.", 10)
	defer unsub()

	// Live message establishes the chat name.
	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("L1", "C1", "live", 2000, false)}, false); err != nil {
		t.Fatal(err)
	}
	drain(ch)

	old := textMsg("H1", "C1", "from the past", 500, false)
	old.SenderName = "Old Alias"
	if err := p.IngestBatch(context.Background(), "s1", nil, []*wa.Inbound{old}, true); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetChat("s1", "C1")
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (backfill must not increment)", c.UnreadCount)
	}
	if c.Name != "Alice" {
		t.Errorf("name = %q, backfill must not overwrite", c.Name)
	}
	if evts := drain(ch); len(evts) != 0 {
		t.Errorf("notifications = %d, want 0 for historical batch", len(evts))
	}
	// But the row is persisted.
	if m, _ := db.GetMessage("s1", "H1"); m == nil {
		t.Error("historical message not stored")
	}
}

func TestIngestOutgoingNoUnread(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("O1", "C1", "me", 1000, true)}, false); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetChat("s1", "C1")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for outgoing", c.UnreadCount)
	}
	m, _ := db.GetMessage("s1", "O1")
	if m.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}
}

func TestIngestSkipsUnknownKind(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	batch := []*wa.Inbound{
		{Kind: wa.KindUnknown, MsgID: "U1", ChatJID: "C1", Timestamp: 1},
		nil,
		textMsg("A1", "C1", "real", 1000, false),
	}
	if err := p.IngestBatch(context.Background(), "s1", nil, batch, false); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("s1", "C1", 0, 10)
	if len(msgs) != 1 || msgs[0].MsgID != "A1" {
		t.Errorf("messages = %+v, want only A1", msgs)
	}
}

func mediaMsg(msgID, chatJID string, ts int64) *wa.Inbound {
	return &wa.Inbound{
		Kind:      wa.KindImage,
		MsgID:     msgID,
		ChatJID:   chatJID,
		Timestamp: ts,
		Media:     &wa.MediaPayload{Mimetype: "image/jpeg", FileExt: ".jpg"},
	}
}

func TestIngestMediaDedup(t *testing.T) {
	p, db, _, blobs := testPipeline(t)
	dl := &fakeDownloader{data: map[string][]byte{
		"M1": []byte("same bytes"),
		"M2": []byte("same bytes"),
	}}

	// Same content delivered to two different chats.
	if err := p.IngestBatch(context.Background(), "s1", dl,
		[]*wa.Inbound{mediaMsg("M1", "C1", 1000)}, false); err != nil {
		t.Fatal(err)
	}
	if err := p.IngestBatch(context.Background(), "s1", dl,
		[]*wa.Inbound{mediaMsg("M2", "C2", 2000)}, false); err != nil {
		t.Fatal(err)
	}

	if blobs.writes != 1 {
		t.Errorf("content store writes = %d, want 1", blobs.writes)
	}
	m1, _ := db.GetMessage("s1", "M1")
	m2, _ := db.GetMessage("s1", "M2")
	if m1.MediaHash == "" || m1.MediaHash != m2.MediaHash {
		t.Errorf("hashes = %q / %q, want identical", m1.MediaHash, m2.MediaHash)
	}
	if m1.MediaURL != m2.MediaURL {
		t.Errorf("refs = %q / %q, want shared blob", m1.MediaURL, m2.MediaURL)
	}
}

func TestIngestMediaDedupIsSessionScoped(t *testing.T) {
	p, _, _, blobs := testPipeline(t)
	dl := &fakeDownloader{data: map[string][]byte{
		"M1": []byte("bytes"),
		"M2": []byte("bytes"),
	}}

	if err := p.IngestBatch(context.Background(), "s1", dl,
		[]*wa.Inbound{mediaMsg("M1", "C1", 1)}, false); err != nil {
		t.Fatal(err)
	}
	if err := p.IngestBatch(context.Background(), "s2", dl,
		[]*wa.Inbound{mediaMsg("M2", "C1", 1)}, false); err != nil {
		t.Fatal(err)
	}

	if blobs.writes != 2 {
		t.Errorf("writes = %d, want 2 (one per session)", blobs.writes)
	}
}

func TestIngestMediaFailureDegrades(t *testing.T) {
	p, db, _, _ := testPipeline(t)
	dl := &fakeDownloader{err: errors.New("network gone")}

	if err := p.IngestBatch(context.Background(), "s1", dl,
		[]*wa.Inbound{mediaMsg("M1", "C1", 1000)}, false); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage("s1", "M1")
	if m == nil {
		t.Fatal("message should persist without media")
	}
	if m.MediaHash != "" || m.MediaURL != "" {
		t.Errorf("media ref = %q/%q, want empty", m.MediaURL, m.MediaHash)
	}
}

func reactionMsg(target, reactor, emoji, chatJID string) *wa.Inbound {
	return &wa.Inbound{
		Kind:    wa.KindReaction,
		MsgID:   "R-" + target + "-" + reactor + "-" + emoji,
		ChatJID: chatJID,
		Reaction: &wa.ReactionPayload{
			TargetMsgID: target,
			ReactorJID:  reactor,
			Emoji:       emoji,
		},
	}
}

func TestIngestReactionToggle(t *testing.T) {
	p, db, b, _ := testPipeline(t)

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("A1", "C1", "hi", 1000, false)}, false); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("session.s1.reaction", 10)
	defer unsub()

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{reactionMsg("A1", "r@s", "👍", "C1")}, false); err != nil {
		t.Fatal(err)
	}

	evts := drain(ch)
	if len(evts) != 1 {
		t.Fatalf("reaction notifications = %d, want 1", len(evts))
	}
	n := evts[0].Payload.(bus.ReactionNotification)
	if n.MsgID != "A1" || n.ChatJID != "C1" || n.Reactions["👍"] != 1 {
		t.Errorf("notification = %+v", n)
	}

	// Empty emoji removes the reaction.
	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{reactionMsg("A1", "r@s", "", "C1")}, false); err != nil {
		t.Fatal(err)
	}

	if count, _ := db.CountReactions("s1", "A1"); count != 0 {
		t.Errorf("reaction rows = %d, want 0 after removal", count)
	}
	evts = drain(ch)
	if len(evts) != 1 {
		t.Fatalf("notifications = %d, want 1", len(evts))
	}
	n = evts[0].Payload.(bus.ReactionNotification)
	if len(n.Reactions) != 0 {
		t.Errorf("aggregate = %v, want empty", n.Reactions)
	}
}

func TestIngestReactionNotPersistedAsMessage(t *testing.T) {
	p, db, _, _ := testPipeline(t)

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{reactionMsg("A1", "r@s", "👍", "C1")}, false); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("s1", "C1", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0 (reactions are not messages)", len(msgs))
	}
}

func TestIngestReactionOneNotificationPerMessage(t *testing.T) {
	p, _, b, _ := testPipeline(t)
	ch, unsub := b.Subscribe("session.s1.reaction", 10)
	defer unsub()

	// Three reaction events, two distinct target messages.
	batch := []*wa.Inbound{
		reactionMsg("A1", "r1@s", "👍", "C1"),
		reactionMsg("A1", "r2@s", "❤️", "C1"),
		reactionMsg("A2", "r1@s", "👍", "C1"),
	}
	if err := p.IngestBatch(context.Background(), "s1", nil, batch, false); err != nil {
		t.Fatal(err)
	}

	evts := drain(ch)
	if len(evts) != 2 {
		t.Fatalf("notifications = %d, want 2 (one per distinct message)", len(evts))
	}
	agg := evts[0].Payload.(bus.ReactionNotification)
	if agg.MsgID == "A1" && (agg.Reactions["👍"] != 1 || agg.Reactions["❤️"] != 1) {
		t.Errorf("A1 aggregate = %v", agg.Reactions)
	}
}

func TestApplyReceipt(t *testing.T) {
	p, db, b, _ := testPipeline(t)

	if err := p.IngestBatch(context.Background(), "s1", nil,
		[]*wa.Inbound{textMsg("O1", "C1", "out", 1000, true)}, false); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("session.s1.status", 10)
	defer unsub()

	p.ApplyReceipt("s1", &wa.Receipt{ChatJID: "C1", MsgIDs: []string{"O1"}, Status: store.StatusRead})

	m, _ := db.GetMessage("s1", "O1")
	if m.Status != store.StatusRead {
		t.Errorf("status = %q, want read", m.Status)
	}

	evts := drain(ch)
	if len(evts) != 1 {
		t.Fatalf("status notifications = %d, want 1", len(evts))
	}

	// A late delivered receipt neither downgrades nor notifies.
	p.ApplyReceipt("s1", &wa.Receipt{ChatJID: "C1", MsgIDs: []string{"O1"}, Status: store.StatusDelivered})
	if evts := drain(ch); len(evts) != 0 {
		t.Errorf("notifications = %d, want 0 for ignored downgrade", len(evts))
	}
}
