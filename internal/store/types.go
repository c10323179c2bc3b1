package store

// Chat represents one conversation within a session. On upsert,
// UnreadCount carries the increment to apply, not an absolute value.
type Chat struct {
	SessionID          string
	JID                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a persisted message row, keyed by the
// provider-assigned message id unique within a session.
type Message struct {
	ID             int64
	SessionID      string
	ChatJID        string
	MsgID          string
	SenderJID      string
	SenderName     string
	ParticipantJID string
	Body           string
	MessageType    string
	FromMe         bool
	Status         string
	Timestamp      int64
	MediaURL       string
	MediaMimetype  string
	MediaHash      string
	QuotedMsgID    string
	QuotedText     string
}

// Reaction is one (message, reactor) reaction row.
type Reaction struct {
	SessionID  string
	MsgID      string
	ReactorJID string
	Emoji      string
}

// Cursor identifies the oldest stored message of a chat, anchoring
// history backfill pagination.
type Cursor struct {
	MsgID       string
	FromMe      bool
	Participant string
	Timestamp   int64
}

// Message delivery statuses, in upgrade order.
const (
	StatusReceived  = "received"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)
