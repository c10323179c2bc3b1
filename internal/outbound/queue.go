package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vfmunhoz/wagate/internal/ingest"
	"github.com/vfmunhoz/wagate/internal/wa"
)

// ErrQueueClosed is returned for enqueues after Close and delivered to
// jobs still queued when the session shuts down.
var ErrQueueClosed = errors.New("outbound: queue closed")

// Result reports the outcome of one enqueued send. MsgID is the
// provider-assigned id of the sent message; it is empty on error.
type Result struct {
	Token string
	MsgID string
	Err   error
}

type jobKind int

const (
	jobText jobKind = iota
	jobMedia
	jobReaction
)

type job struct {
	kind    jobKind
	token   string
	chatJID string

	text string

	media wa.OutboundMedia

	targetMsgID string
	emoji       string

	done chan Result
}

// Queue serializes one session's sends through a single worker with a
// minimum interval between dispatches. Jobs complete strictly in
// enqueue order; a failed send fails only its own job.
type Queue struct {
	sessionID string
	transport wa.Transport
	pipeline  *ingest.Pipeline
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	jobs    chan job
	closing chan struct{}
	done    chan struct{}
}

// NewQueue creates the queue and starts its worker.
func NewQueue(sessionID string, t wa.Transport, p *ingest.Pipeline, interval time.Duration, logger *zap.Logger) *Queue {
	q := &Queue{
		sessionID: sessionID,
		transport: t,
		pipeline:  p,
		interval:  interval,
		logger:    logger,
		jobs:      make(chan job, 128),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// EnqueueText queues a text send. The returned channel receives
// exactly one Result.
func (q *Queue) EnqueueText(chatJID, text string) (string, <-chan Result, error) {
	return q.enqueue(job{kind: jobText, chatJID: chatJID, text: text})
}

// EnqueueMedia queues a media send.
func (q *Queue) EnqueueMedia(chatJID string, media wa.OutboundMedia) (string, <-chan Result, error) {
	return q.enqueue(job{kind: jobMedia, chatJID: chatJID, media: media})
}

// EnqueueReaction queues a reaction send. An empty emoji removes the
// caller's reaction from the target message.
func (q *Queue) EnqueueReaction(chatJID, targetMsgID, emoji string) (string, <-chan Result, error) {
	return q.enqueue(job{kind: jobReaction, chatJID: chatJID, targetMsgID: targetMsgID, emoji: emoji})
}

func (q *Queue) enqueue(j job) (string, <-chan Result, error) {
	j.token = uuid.NewString()
	j.done = make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", nil, ErrQueueClosed
	}
	select {
	case q.jobs <- j:
		return j.token, j.done, nil
	default:
		return "", nil, errors.New("outbound: queue full")
	}
}

// Close stops the worker and fails every job still queued. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closing)
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	var lastSend time.Time
	for j := range q.jobs {
		if wait := q.interval - time.Since(lastSend); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.closing:
				timer.Stop()
				j.done <- Result{Token: j.token, Err: ErrQueueClosed}
				continue
			}
		}
		select {
		case <-q.closing:
			j.done <- Result{Token: j.token, Err: ErrQueueClosed}
			continue
		default:
		}
		res := q.dispatch(j)
		lastSend = time.Now()
		j.done <- res
	}
}

func (q *Queue) dispatch(j job) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var msgID string
	var err error
	switch j.kind {
	case jobText:
		msgID, err = q.transport.SendText(ctx, j.chatJID, j.text)
	case jobMedia:
		msgID, err = q.transport.SendMedia(ctx, j.chatJID, j.media)
	case jobReaction:
		msgID, err = q.transport.SendReaction(ctx, j.chatJID, j.targetMsgID, j.emoji)
	}
	if err != nil {
		q.logger.Warn("send failed",
			zap.String("session", q.sessionID),
			zap.String("chat", j.chatJID),
			zap.String("token", j.token),
			zap.Error(err))
		return Result{Token: j.token, Err: err}
	}

	if err := q.persist(ctx, j, msgID); err != nil {
		// The message went out; a local persistence failure must not
		// be reported as a send failure.
		q.logger.Error("sent message not persisted",
			zap.String("session", q.sessionID),
			zap.String("msg_id", msgID),
			zap.Error(err))
	}
	return Result{Token: j.token, MsgID: msgID}
}

// persist records a successful send the same way an echoed incoming
// copy would be recorded, so a later echo deduplicates against it.
func (q *Queue) persist(ctx context.Context, j job, msgID string) error {
	in := &wa.Inbound{
		MsgID:     msgID,
		ChatJID:   j.chatJID,
		SenderJID: q.transport.SelfJID(),
		FromMe:    true,
		Timestamp: time.Now().UnixMilli(),
	}
	switch j.kind {
	case jobText:
		in.Kind = wa.KindText
		in.Body = j.text
	case jobMedia:
		in.Kind = j.media.Kind
		in.Body = j.media.Caption
		in.Media = &wa.MediaPayload{Mimetype: j.media.Mimetype}
		in.MediaBytes = j.media.Bytes
	case jobReaction:
		in.Kind = wa.KindReaction
		in.Reaction = &wa.ReactionPayload{
			TargetMsgID: j.targetMsgID,
			ReactorJID:  q.transport.SelfJID(),
			Emoji:       j.emoji,
		}
	}
	return q.pipeline.IngestBatch(ctx, q.sessionID, q.transport, []*wa.Inbound{in}, false)
}
