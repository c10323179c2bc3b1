package wa

import (
	"context"

	"github.com/vfmunhoz/wagate/internal/store"
)

// Kind classifies a decoded inbound message. Classification happens
// once, at the adapter boundary, with a fixed precedence:
// reaction > sticker > image > video > audio > document > location >
// contact > text.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindReaction Kind = "reaction"
	KindUnknown  Kind = "unknown"
)

// IsMedia reports whether the kind carries downloadable bytes.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument, KindSticker:
		return true
	}
	return false
}

// MediaPayload describes a media-bearing message's downloadable
// content. Raw holds the provider message needed to fetch the bytes
// and is only meaningful to the adapter that produced it.
type MediaPayload struct {
	Mimetype string
	FileExt  string
	Raw      any
}

// ReactionPayload carries a reaction event. An empty Emoji means the
// reactor removed their reaction.
type ReactionPayload struct {
	TargetMsgID string
	ReactorJID  string
	Emoji       string
}

// Inbound is a transport message decoded into a tagged union: exactly
// one of Body/Media/Reaction is meaningful depending on Kind.
type Inbound struct {
	Kind           Kind
	MsgID          string
	ChatJID        string
	SenderJID      string
	SenderName     string
	ParticipantJID string
	FromMe         bool
	IsGroup        bool
	Timestamp      int64
	Body           string
	QuotedMsgID    string
	QuotedText     string
	Media          *MediaPayload
	// MediaBytes short-circuits Download for locally originated media.
	MediaBytes []byte
	Reaction   *ReactionPayload
}

// CloseCause enumerates why a transport connection closed.
type CloseCause string

const (
	CauseConnectionLost CloseCause = "connection_lost"
	CausePairingTimeout CloseCause = "pairing_timeout"
	CauseLoggedOut      CloseCause = "logged_out"
	CauseStreamReplaced CloseCause = "stream_replaced"
	CauseClientOutdated CloseCause = "client_outdated"
	CauseTemporaryBan   CloseCause = "temporary_ban"
)

// Recoverable reports whether a close cause permits reconnection.
// Anything outside the terminal set is treated as recoverable, so an
// unknown transient cause retries instead of silently abandoning the
// session.
func (c CloseCause) Recoverable() bool {
	switch c {
	case CauseLoggedOut, CauseStreamReplaced, CauseClientOutdated, CauseTemporaryBan:
		return false
	}
	return true
}

// EventKind tags an Envelope.
type EventKind string

const (
	EventPairing      EventKind = "pairing"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessages     EventKind = "messages"
	EventReceipt      EventKind = "receipt"
)

// Receipt reports a delivery status change for one or more messages.
type Receipt struct {
	ChatJID string
	MsgIDs  []string
	Status  string
}

// Envelope is one typed transport event. Each session's envelopes are
// consumed by a single goroutine, preserving in-order processing.
type Envelope struct {
	Kind        EventKind
	PairingCode string
	Cause       CloseCause
	Messages    []*Inbound
	Historical  bool
	Receipt     *Receipt
}

// OutboundMedia is the payload for a media send.
type OutboundMedia struct {
	Kind     Kind
	Bytes    []byte
	Mimetype string
	FileName string
	Caption  string
}

// Transport is one session's connection to the provider. Implemented
// by Adapter over whatsmeow; faked in tests.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	SelfJID() string
	Events() <-chan Envelope

	SendText(ctx context.Context, chatJID, text string) (string, error)
	SendMedia(ctx context.Context, chatJID string, media OutboundMedia) (string, error)
	SendReaction(ctx context.Context, chatJID, targetMsgID, emoji string) (string, error)

	FetchOlder(ctx context.Context, chatJID string, before store.Cursor, pageSize int) ([]*Inbound, error)
	Download(ctx context.Context, in *Inbound) ([]byte, error)
}

// Factory constructs the transport for a session. The supervisor uses
// the same factory for fresh sessions, restarts, and reconnections.
type Factory func(ctx context.Context, sessionID string) (Transport, error)
