package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/store"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// MeowFactory creates whatsmeow clients, reusing the device a session paired before.
type MeowFactory struct {
	container *sqlstore.Container
	sessions  store.SessionStore
	media     *MediaFetcher
	log       waLog.Logger
}

func NewMeowFactory(container *sqlstore.Container, sessions store.SessionStore, media *MediaFetcher, log waLog.Logger) *MeowFactory {
	return &MeowFactory{container: container, sessions: sessions, media: media, log: log}
}

func (f *MeowFactory) NewConn(ctx context.Context, sessionID string, h Handler) (Conn, error) {
	device, err := f.device(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, f.log.Sub(sessionID))
	// reconnects are driven by the session supervisor
	client.EnableAutoReconnect = false

	c := &meowConn{sessionID: sessionID, client: client, handler: h, media: f.media}
	client.AddEventHandler(c.onEvent)
	return c, nil
}

func (f *MeowFactory) device(ctx context.Context, sessionID string) (*wastore.Device, error) {
	row, err := f.sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}
	if row != nil && row.DeviceJID != "" {
		jid, err := types.ParseJID(row.DeviceJID)
		if err != nil {
			zap.L().Warn("whatsapp: stored device jid unparsable, pairing again",
				zap.String("session_id", sessionID), zap.String("jid", row.DeviceJID), zap.Error(err))
		} else {
			device, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("load device %s: %w", row.DeviceJID, err)
			}
			if device != nil {
				return device, nil
			}
			zap.L().Info("whatsapp: stored device gone, pairing again", zap.String("session_id", sessionID))
		}
	}
	return f.container.NewDevice(), nil
}

type meowConn struct {
	sessionID string
	client    *whatsmeow.Client
	handler   Handler
	media     *MediaFetcher
}

func (c *meowConn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("open qr channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}
	return c.client.Connect()
}

func (c *meowConn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		switch evt.Event {
		case "code":
			c.handler(ClientEvent{Kind: EventQR, Code: evt.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess carries the details
		case whatsmeow.QRChannelTimeout.Event:
			c.handler(ClientEvent{Kind: EventQRTimeout})
		default:
			err := evt.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", evt.Event)
			}
			c.handler(ClientEvent{Kind: EventConnectFailure, Err: err})
		}
	}
}

func (c *meowConn) Disconnect() {
	c.client.Disconnect()
}

func (c *meowConn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *meowConn) onEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.handler(ClientEvent{Kind: EventPaired, Phone: v.ID.User, DeviceJID: v.ID.String()})
	case *events.Connected:
		ev := ClientEvent{Kind: EventConnected}
		if id := c.client.Store.ID; id != nil {
			ev.Phone = id.User
			ev.DeviceJID = id.String()
		}
		c.handler(ev)
	case *events.Disconnected:
		c.handler(ClientEvent{Kind: EventDisconnected, Err: errors.New("websocket disconnected")})
	case *events.StreamReplaced:
		c.handler(ClientEvent{Kind: EventDisconnected, Err: errors.New("stream replaced by another client")})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c.handler(ClientEvent{Kind: EventLoggedOut})
			return
		}
		c.handler(ClientEvent{Kind: EventConnectFailure, Err: fmt.Errorf("connect failure: %s %s", v.Reason, v.Message)})
	case *events.TemporaryBan:
		c.handler(ClientEvent{Kind: EventConnectFailure, Err: fmt.Errorf("temporary ban: %s", v.String())})
	case *events.LoggedOut:
		c.handler(ClientEvent{Kind: EventLoggedOut})
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		text := messageText(v.Message)
		if text == "" {
			return
		}
		c.handler(ClientEvent{Kind: EventMessage, Message: &InboundMessage{
			ID:        v.Info.ID,
			From:      v.Info.Sender.ToNonAD().String(),
			Chat:      v.Info.Chat.String(),
			Text:      text,
			Timestamp: v.Info.Timestamp,
		}})
	case *events.Receipt:
		var status domain.MessageStatus
		switch v.Type {
		case types.ReceiptTypeDelivered:
			status = domain.MessageDelivered
		case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
			status = domain.MessageRead
		default:
			return
		}
		ids := make([]string, 0, len(v.MessageIDs))
		for _, id := range v.MessageIDs {
			ids = append(ids, string(id))
		}
		c.handler(ClientEvent{Kind: EventReceipt, Receipt: &Receipt{MessageIDs: ids, Status: status, Timestamp: v.Timestamp}})
	default:
		zap.L().Debug("whatsapp event", zap.String("type", fmt.Sprintf("%T", evt)), zap.String("session_id", c.sessionID))
	}
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func (c *meowConn) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidRecipient, err))
	}

	var msg *waE2E.Message
	if content.Kind == domain.KindMedia {
		if msg, err = c.mediaMessage(ctx, content); err != nil {
			return "", err
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(content.Body)}
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", classifySendError(err)
	}
	return resp.ID, nil
}

func (c *meowConn) mediaMessage(ctx context.Context, content domain.Content) (*waE2E.Message, error) {
	m, err := c.media.Fetch(ctx, content.MediaURL)
	if err != nil {
		return nil, err
	}
	up, err := c.client.Upload(ctx, m.Data, m.Type)
	if err != nil {
		return nil, classifySendError(fmt.Errorf("upload media: %w", err))
	}

	var caption *string
	if strings.TrimSpace(content.Body) != "" {
		caption = proto.String(content.Body)
	}
	switch m.Type {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       caption,
		Title:         proto.String(m.FileName),
		FileName:      proto.String(m.FileName),
		Mimetype:      proto.String(m.MimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

// classifySendError splits client errors into retryable and final ones.
func classifySendError(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrUnknownServer),
		errors.Is(err, whatsmeow.ErrRecipientADJID),
		errors.Is(err, whatsmeow.ErrBroadcastListUnsupported):
		return domain.Permanent(err)
	case errors.Is(err, whatsmeow.ErrNotConnected),
		errors.Is(err, whatsmeow.ErrNotLoggedIn),
		errors.Is(err, whatsmeow.ErrIQTimedOut),
		errors.Is(err, whatsmeow.ErrMessageTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return domain.Transient(err)
	}
	return err
}
