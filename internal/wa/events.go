package wa

import (
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// handleEvent translates raw whatsmeow events into typed envelopes on
// the session's event channel. Decoding happens here, once; nothing
// downstream touches provider types.
func (a *Adapter) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		a.logger.Info("transport connected")
		a.emit(Envelope{Kind: EventConnected})
	case *events.Disconnected:
		a.logger.Warn("transport disconnected")
		a.emit(Envelope{Kind: EventDisconnected, Cause: CauseConnectionLost})
	case *events.LoggedOut:
		a.logger.Warn("logged out by provider", zap.String("reason", evt.Reason.String()))
		a.emit(Envelope{Kind: EventDisconnected, Cause: CauseLoggedOut})
	case *events.StreamReplaced:
		a.logger.Warn("session superseded by another connection")
		a.emit(Envelope{Kind: EventDisconnected, Cause: CauseStreamReplaced})
	case *events.ClientOutdated:
		a.logger.Error("client version rejected by provider")
		a.emit(Envelope{Kind: EventDisconnected, Cause: CauseClientOutdated})
	case *events.TemporaryBan:
		a.logger.Error("account temporarily banned", zap.String("reason", evt.Code.String()))
		a.emit(Envelope{Kind: EventDisconnected, Cause: CauseTemporaryBan})
	case *events.Message:
		if in := ParseMessage(evt); in != nil {
			a.emit(Envelope{Kind: EventMessages, Messages: []*Inbound{in}})
		}
	case *events.Receipt:
		a.handleReceipt(evt)
	case *events.HistorySync:
		a.handleHistorySync(evt)
	}
}

func (a *Adapter) handleReceipt(evt *events.Receipt) {
	if len(evt.MessageIDs) == 0 {
		return
	}
	status := "delivered"
	if evt.Type == types.ReceiptTypeRead || evt.Type == types.ReceiptTypeReadSelf {
		status = "read"
	}
	a.emit(Envelope{Kind: EventReceipt, Receipt: &Receipt{
		ChatJID: evt.Chat.String(),
		MsgIDs:  evt.MessageIDs,
		Status:  status,
	}})
}

func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	perChat := make(map[string][]*Inbound)
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			webMsg := hm.GetMessage()
			if webMsg == nil {
				continue
			}
			parsed, err := a.client.ParseWebMessage(chatJID, webMsg)
			if err != nil {
				continue
			}
			if in := ParseMessage(parsed); in != nil {
				perChat[in.ChatJID] = append(perChat[in.ChatJID], in)
			}
		}
	}

	for chatJID, msgs := range perChat {
		// A chat with an in-flight FetchOlder gets its page delivered
		// to the waiting caller; everything else, including pages whose
		// request already timed out, flows as a historical batch
		// envelope so the data is still persisted.
		if a.deliverPending(chatJID, msgs) {
			continue
		}
		a.emit(Envelope{Kind: EventMessages, Messages: msgs, Historical: true})
	}
}
