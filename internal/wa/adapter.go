package wa

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter implements Transport over a whatsmeow client. One adapter
// per session; its credential container lives in the session's
// directory.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	sessionID string

	events chan Envelope

	// One in-flight FetchOlder per chat, answered by HistorySync events.
	pendingMu sync.Mutex
	pending   map[string]chan []*Inbound
}

// NewAdapter creates a whatsmeow-backed transport for the given
// session, with credentials stored at credsPath.
func NewAdapter(ctx context.Context, sessionID, credsPath string, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wagate", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", credsPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger,
		sessionID: sessionID,
		events:    make(chan Envelope, 256),
		pending:   make(map[string]chan []*Inbound),
	}
	a.client.AddEventHandler(a.handleEvent)
	return a, nil
}

// Events returns the bounded typed-event channel for this session.
func (a *Adapter) Events() <-chan Envelope {
	return a.events
}

func (a *Adapter) emit(env Envelope) {
	a.events <- env
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// SelfJID returns the account's own JID, or empty before pairing.
func (a *Adapter) SelfJID() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// Connect initiates the connection. Without credentials it starts the
// QR pairing flow and streams pairing artifacts as events.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsLoggedIn() {
		a.logger.Info("connecting")
		return a.client.Connect()
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect for pairing: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				a.emit(Envelope{Kind: EventPairing, PairingCode: item.Code})
			case "success":
				// Connected event follows from the client.
			case "timeout":
				a.logger.Warn("pairing timed out")
				a.emit(Envelope{Kind: EventDisconnected, Cause: CausePairingTimeout})
				return
			default:
				if item.Error != nil {
					a.logger.Warn("pairing failed", zap.Error(item.Error))
					a.emit(Envelope{Kind: EventDisconnected, Cause: CausePairingTimeout})
					return
				}
			}
		}
	}()
	return nil
}

// Disconnect terminates the connection without invalidating credentials.
func (a *Adapter) Disconnect() {
	a.client.Disconnect()
}

// Logout invalidates the session on the provider side and removes
// credentials from the device store.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// SendText sends a text message. Returns the server-assigned message id.
func (a *Adapter) SendText(ctx context.Context, chatJID, text string) (string, error) {
	to, err := types.ParseJID(chatJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendMedia uploads the bytes and sends the matching media message.
func (a *Adapter) SendMedia(ctx context.Context, chatJID string, media OutboundMedia) (string, error) {
	to, err := types.ParseJID(chatJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}

	var mediaType whatsmeow.MediaType
	switch media.Kind {
	case KindImage, KindSticker:
		mediaType = whatsmeow.MediaImage
	case KindVideo:
		mediaType = whatsmeow.MediaVideo
	case KindAudio:
		mediaType = whatsmeow.MediaAudio
	case KindDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return "", fmt.Errorf("unsupported media kind %q", media.Kind)
	}

	up, err := a.client.Upload(ctx, media.Bytes, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	var msg waE2E.Message
	switch media.Kind {
	case KindImage, KindSticker:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case KindVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case KindAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case KindDocument:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(media.FileName),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}

	resp, err := a.client.SendMessage(ctx, to, &msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return resp.ID, nil
}

// SendReaction sends (or removes, with empty emoji) a reaction.
func (a *Adapter) SendReaction(ctx context.Context, chatJID, targetMsgID, emoji string) (string, error) {
	to, err := types.ParseJID(chatJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	if a.client.Store.ID == nil {
		return "", fmt.Errorf("not logged in")
	}
	msg := a.client.BuildReaction(to, a.client.Store.ID.ToNonAD(), targetMsgID, emoji)
	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", fmt.Errorf("send reaction: %w", err)
	}
	return resp.ID, nil
}

// Download fetches the bytes for a media-bearing inbound message.
func (a *Adapter) Download(ctx context.Context, in *Inbound) ([]byte, error) {
	if len(in.MediaBytes) > 0 {
		return in.MediaBytes, nil
	}
	if in.Media == nil {
		return nil, fmt.Errorf("message %s has no media", in.MsgID)
	}
	dl, ok := in.Media.Raw.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("message %s has no downloadable payload", in.MsgID)
	}
	data, err := a.client.Download(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}
