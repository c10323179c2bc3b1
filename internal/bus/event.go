package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// SessionTopic builds the event kind for a per-session topic, e.g.
// SessionTopic("acme", "message") -> "session.acme.message".
// Subscribing with the prefix "session.acme." receives every event
// for that session.
func SessionTopic(sessionID, kind string) string {
	return "session." + sessionID + "." + kind
}

// MessageNotification mirrors the persisted message row shape and is
// published on "session.<id>.message" for every live inserted message.
type MessageNotification struct {
	MsgID         string
	ChatJID       string
	Body          string
	MessageType   string
	FromMe        bool
	Status        string
	Timestamp     int64
	SenderName    string
	MediaURL      string
	MediaMimetype string
	MediaHash     string
	QuotedMsgID   string
	QuotedText    string
}

// StatusNotification is published on "session.<id>.status" when a
// delivery receipt changes a message's status.
type StatusNotification struct {
	MsgID  string
	Status string
}

// ReactionNotification is published on "session.<id>.reaction" with the
// full aggregated reaction map for one message.
type ReactionNotification struct {
	MsgID     string
	ChatJID   string
	Reactions map[string]int
}

// StateNotification is published on "session.<id>.state" on every
// lifecycle transition.
type StateNotification struct {
	From  string
	To    string
	Cause string
}

// PairingNotification is published on "session.<id>.pairing" when the
// transport issues a new pairing artifact.
type PairingNotification struct {
	Code string
	PNG  []byte
}
