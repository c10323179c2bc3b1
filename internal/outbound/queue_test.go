package outbound

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/bus"
	"github.com/vfmunhoz/wagate/internal/ingest"
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

type sentCall struct {
	text string
	at   time.Time
}

// fakeSender records sends and can be told to fail specific texts.
type fakeSender struct {
	wa.Transport

	mu    sync.Mutex
	calls []sentCall
	fail  map[string]error
}

func (f *fakeSender) SelfJID() string { return "me@s" }

func (f *fakeSender) SendText(_ context.Context, _ string, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[text]; err != nil {
		return "", err
	}
	f.calls = append(f.calls, sentCall{text: text, at: time.Now()})
	return "SENT" + text, nil
}

func (f *fakeSender) SendMedia(_ context.Context, _ string, _ wa.OutboundMedia) (string, error) {
	return "MEDIA1", nil
}

func (f *fakeSender) SendReaction(_ context.Context, _ string, targetMsgID, _ string) (string, error) {
	return "REACT-" + targetMsgID, nil
}

func (f *fakeSender) Download(_ context.Context, in *wa.Inbound) ([]byte, error) {
	return in.MediaBytes, nil
}

func testQueue(t *testing.T, ft wa.Transport, interval time.Duration) (*Queue, *store.DB) {
	t.Helper()
	db := testDB(t)
	p := ingest.New(db, media.NewBlobStore(t.TempDir()), bus.New(), zap.NewNop())
	q := NewQueue("s1", ft, p, interval, zap.NewNop())
	t.Cleanup(q.Close)
	return q, db
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return Result{}
	}
}

func TestQueueSendsInOrder(t *testing.T) {
	ft := &fakeSender{}
	q, _ := testQueue(t, ft, 0)

	var chans []<-chan Result
	for _, text := range []string{"one", "two", "three"} {
		_, ch, err := q.EnqueueText("C1", text)
		if err != nil {
			t.Fatal(err)
		}
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		if res := awaitResult(t, ch); res.Err != nil {
			t.Fatal(res.Err)
		}
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.calls) != 3 {
		t.Fatalf("sends = %d, want 3", len(ft.calls))
	}
	for i, want := range []string{"one", "two", "three"} {
		if ft.calls[i].text != want {
			t.Errorf("send %d = %q, want %q", i, ft.calls[i].text, want)
		}
	}
}

func TestQueueRateLimits(t *testing.T) {
	ft := &fakeSender{}
	q, _ := testQueue(t, ft, 50*time.Millisecond)

	_, ch1, _ := q.EnqueueText("C1", "a")
	_, ch2, _ := q.EnqueueText("C1", "b")
	awaitResult(t, ch1)
	awaitResult(t, ch2)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	gap := ft.calls[1].at.Sub(ft.calls[0].at)
	if gap < 40*time.Millisecond {
		t.Errorf("gap between sends = %v, want >= ~50ms", gap)
	}
}

func TestQueueFailureIsolated(t *testing.T) {
	sendErr := errors.New("nope")
	ft := &fakeSender{fail: map[string]error{"bad": sendErr}}
	q, _ := testQueue(t, ft, 0)

	_, chBad, _ := q.EnqueueText("C1", "bad")
	_, chGood, _ := q.EnqueueText("C1", "good")

	if res := awaitResult(t, chBad); !errors.Is(res.Err, sendErr) {
		t.Errorf("bad job err = %v, want %v", res.Err, sendErr)
	}
	if res := awaitResult(t, chGood); res.Err != nil {
		t.Errorf("good job err = %v, want nil", res.Err)
	}
}

func TestQueuePersistsSentMessage(t *testing.T) {
	ft := &fakeSender{}
	q, db := testQueue(t, ft, 0)

	_, ch, _ := q.EnqueueText("C1", "hello")
	res := awaitResult(t, ch)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.MsgID != "SENThello" {
		t.Errorf("MsgID = %q", res.MsgID)
	}

	m, err := db.GetMessage("s1", res.MsgID)
	if err != nil || m == nil {
		t.Fatalf("sent message not stored: %v", err)
	}
	if !m.FromMe || m.Status != store.StatusSent || m.Body != "hello" {
		t.Errorf("stored = %+v", m)
	}
	c, _ := db.GetChat("s1", "C1")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own send", c.UnreadCount)
	}
}

func TestQueuePersistsReaction(t *testing.T) {
	ft := &fakeSender{}
	q, db := testQueue(t, ft, 0)

	// Target message to react to.
	p := ingest.New(db, media.NewBlobStore(t.TempDir()), bus.New(), zap.NewNop())
	err := p.IngestBatch(context.Background(), "s1", nil, []*wa.Inbound{{
		Kind: wa.KindText, MsgID: "T1", ChatJID: "C1", Timestamp: 1, Body: "hi",
	}}, false)
	if err != nil {
		t.Fatal(err)
	}

	_, ch, _ := q.EnqueueReaction("C1", "T1", "👍")
	if res := awaitResult(t, ch); res.Err != nil {
		t.Fatal(res.Err)
	}

	agg, _ := db.GetAggregatedReactions("s1", "T1")
	if agg["👍"] != 1 {
		t.Errorf("aggregate = %v, want own reaction recorded", agg)
	}
}

func TestQueueCloseFailsPending(t *testing.T) {
	ft := &fakeSender{}
	db := testDB(t)
	p := ingest.New(db, media.NewBlobStore(t.TempDir()), bus.New(), zap.NewNop())
	q := NewQueue("s1", ft, p, time.Hour, zap.NewNop())

	// The hour-long interval parks the worker on the second job.
	_, ch1, _ := q.EnqueueText("C1", "a")
	awaitResult(t, ch1)
	_, ch2, err := q.EnqueueText("C1", "b")
	if err != nil {
		t.Fatal(err)
	}

	go q.Close()

	if res := awaitResult(t, ch2); !errors.Is(res.Err, ErrQueueClosed) {
		t.Errorf("pending job err = %v, want ErrQueueClosed", res.Err)
	}

	if _, _, err := q.EnqueueText("C1", "c"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("enqueue after close = %v, want ErrQueueClosed", err)
	}
}
