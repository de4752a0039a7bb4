package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// OpenDeviceStore opens (and upgrades) the whatsmeow device store in Postgres.
// dsn must not be logged.
func OpenDeviceStore(ctx context.Context, dsn string, log *slog.Logger) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, "postgres", dsn, NewWALogger(log, "store"))
	if err != nil {
		return nil, fmt.Errorf("whatsapp device store: %w", err)
	}
	return container, nil
}

// WhatsApp adapts a whatsmeow client to Transport.
// No ticket or routing logic lives here; events are translated and handed to the sink.
type WhatsApp struct {
	container *sqlstore.Container
	log       *slog.Logger

	mu        sync.Mutex
	client    *whatsmeow.Client
	handlerID uint32
	stopQR    context.CancelFunc
}

func NewWhatsApp(container *sqlstore.Container, log *slog.Logger) *WhatsApp {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsApp{container: container, log: log.With("transport", "whatsapp")}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) Connect(ctx context.Context, sink func(Event)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container == nil {
		return &Error{Op: "connect", Err: errors.New("device store not configured")}
	}
	if w.client != nil {
		return nil
	}

	device, err := w.container.GetFirstDevice(ctx)
	if err != nil {
		return &Error{Op: "load device", Err: err}
	}

	client := whatsmeow.NewClient(device, NewWALogger(w.log, "client"))
	// Reconnects are an explicit operator decision (session start), never automatic.
	client.EnableAutoReconnect = false

	id := client.AddEventHandler(func(raw interface{}) {
		if ev, ok := w.translate(client, raw); ok {
			sink(ev)
		}
	})

	var stopQR context.CancelFunc
	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			client.RemoveEventHandler(id)
			return &Error{Op: "qr channel", Err: err}
		}
		stopQR = cancel
		go pumpQR(qrChan, sink)
	}

	if err := client.Connect(); err != nil {
		if stopQR != nil {
			stopQR()
		}
		client.RemoveEventHandler(id)
		return &Error{Op: "connect", Err: err}
	}

	w.client = client
	w.handlerID = id
	w.stopQR = stopQR
	return nil
}

func pumpQR(ch <-chan whatsmeow.QRChannelItem, sink func(Event)) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			sink(QrIssued{Payload: item.Code, ExpiresIn: item.Timeout})
		case whatsmeow.QRChannelSuccess.Event:
			// Readiness is reported by events.Connected.
		case whatsmeow.QRChannelTimeout.Event:
			sink(Disconnected{Reason: "qr_timeout"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason += ": " + item.Error.Error()
			}
			sink(AuthFailed{Reason: reason})
		}
	}
}

func (w *WhatsApp) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	client, id, stopQR := w.client, w.handlerID, w.stopQR
	w.client, w.handlerID, w.stopQR = nil, 0, nil
	w.mu.Unlock()

	if client == nil {
		return nil
	}
	if stopQR != nil {
		stopQR()
	}
	client.RemoveEventHandler(id)
	client.Disconnect()
	return nil
}

func (w *WhatsApp) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client != nil && w.client.IsConnected() && w.client.IsLoggedIn()
}

func (w *WhatsApp) current() (*whatsmeow.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil || !w.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return w.client, nil
}

func (w *WhatsApp) SendText(ctx context.Context, to, text string) (string, error) {
	client, err := w.current()
	if err != nil {
		return "", err
	}
	jid, err := recipient(to)
	if err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	return resp.ID, nil
}

func (w *WhatsApp) SendMedia(ctx context.Context, to string, m OutboundMedia) (string, error) {
	client, err := w.current()
	if err != nil {
		return "", err
	}
	jid, err := recipient(to)
	if err != nil {
		return "", &Error{Op: "send", Err: err}
	}

	var mediaType whatsmeow.MediaType
	switch m.Kind {
	case MediaImage:
		mediaType = whatsmeow.MediaImage
	case MediaAudio:
		mediaType = whatsmeow.MediaAudio
	case MediaVideo:
		mediaType = whatsmeow.MediaVideo
	case MediaDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return "", &Error{Op: "send", Err: fmt.Errorf("unknown media kind %q", m.Kind)}
	}

	up, err := client.Upload(ctx, m.Data, mediaType)
	if err != nil {
		return "", &Error{Op: "upload", Err: err}
	}

	msg := &waE2E.Message{}
	switch m.Kind {
	case MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(m.Voice),
		}
	case MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case MediaDocument:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       optional(m.Caption),
			FileName:      optional(m.FileName),
			Title:         optional(m.FileName),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", &Error{Op: "send", Err: err}
	}
	return resp.ID, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func recipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	n := NormalizeNumber(to)
	if n == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(n, types.DefaultUserServer), nil
}

// translate maps whatsmeow's untyped events onto the closed Event set.
func (w *WhatsApp) translate(client *whatsmeow.Client, raw interface{}) (Event, bool) {
	switch evt := raw.(type) {
	case *events.Connected:
		account := ""
		if client.Store.ID != nil {
			account = client.Store.ID.String()
		}
		return Ready{Account: account}, true
	case *events.PairSuccess:
		w.log.Info("device paired", "jid", evt.ID.String())
		return nil, false
	case *events.LoggedOut:
		return AuthFailed{Reason: "logged_out: " + fmt.Sprint(evt.Reason)}, true
	case *events.ConnectFailure:
		return AuthFailed{Reason: "connect_failure: " + fmt.Sprint(evt.Reason)}, true
	case *events.TemporaryBan:
		return AuthFailed{Reason: "temporary_ban: " + fmt.Sprint(evt.Code)}, true
	case *events.ClientOutdated:
		return AuthFailed{Reason: "client_outdated"}, true
	case *events.StreamReplaced:
		return Disconnected{Reason: "stream_replaced"}, true
	case *events.Disconnected:
		return Disconnected{Reason: "connection_closed"}, true
	case *events.Message:
		return w.translateMessage(client, evt)
	default:
		return nil, false
	}
}

// pnResolver maps a LID to the phone-number JID the device store learned for it.
type pnResolver func(ctx context.Context, lid types.JID) (types.JID, error)

// customerNumber returns the phone number behind a message sender. In LID
// addressing mode Sender is the LID; the number is in SenderAlt or the LID store.
func customerNumber(ctx context.Context, src types.MessageSource, resolve pnResolver) (string, error) {
	if src.Sender.Server != types.HiddenUserServer {
		return src.Sender.User, nil
	}
	if src.SenderAlt.Server == types.DefaultUserServer && src.SenderAlt.User != "" {
		return src.SenderAlt.User, nil
	}
	if resolve != nil {
		pn, err := resolve(ctx, src.Sender.ToNonAD())
		if err != nil {
			return "", fmt.Errorf("resolve lid %s: %w", src.Sender.User, err)
		}
		if !pn.IsEmpty() {
			return pn.User, nil
		}
	}
	return "", fmt.Errorf("no phone number known for lid %s", src.Sender.User)
}

func (w *WhatsApp) translateMessage(client *whatsmeow.Client, evt *events.Message) (Event, bool) {
	info := evt.Info
	if info.IsFromMe || info.IsGroup || info.IsIncomingBroadcast() {
		return nil, false
	}
	m := evt.Message
	if m == nil || m.GetProtocolMessage() != nil {
		return nil, false
	}

	var resolve pnResolver
	if client.Store != nil && client.Store.LIDs != nil {
		resolve = client.Store.LIDs.GetPNForLID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	from, err := customerNumber(ctx, info.MessageSource, resolve)
	cancel()
	if err != nil {
		w.log.Warn("inbound message dropped: sender has no phone number", "message_id", info.ID, "err", err)
		return nil, false
	}

	out := MessageReceived{
		ID:          info.ID,
		From:        from,
		DisplayName: info.PushName,
		Timestamp:   info.Timestamp,
	}

	attach := func(dl whatsmeow.DownloadableMessage, mimeType, name string, size uint64) *Attachment {
		return &Attachment{
			MimeType: mimeType,
			FileName: name,
			Size:     int64(size),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return client.Download(ctx, dl)
			},
		}
	}

	switch {
	case m.GetConversation() != "":
		out.Kind, out.Text = "chat", m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		out.Kind, out.Text = "chat", m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		out.Kind, out.Text = "image", img.GetCaption()
		out.Attachment = attach(img, img.GetMimetype(), "", img.GetFileLength())
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		out.Kind = "sticker"
		out.Attachment = attach(st, st.GetMimetype(), "", st.GetFileLength())
	case m.GetAudioMessage() != nil:
		au := m.GetAudioMessage()
		out.Kind = "audio"
		if au.GetPTT() {
			out.Kind = "ptt"
		}
		out.Attachment = attach(au, au.GetMimetype(), "", au.GetFileLength())
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		out.Kind, out.Text = "video", vid.GetCaption()
		if vid.GetGifPlayback() {
			out.Kind = "gif"
		}
		out.Attachment = attach(vid, vid.GetMimetype(), "", vid.GetFileLength())
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		out.Kind, out.Text = "document", doc.GetCaption()
		out.Attachment = attach(doc, doc.GetMimetype(), doc.GetFileName(), doc.GetFileLength())
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		out.Kind = "location"
		out.Text = formatLocation(loc.GetDegreesLatitude(), loc.GetDegreesLongitude(), loc.GetName())
	case m.GetLiveLocationMessage() != nil:
		loc := m.GetLiveLocationMessage()
		out.Kind = "live_location"
		out.Text = formatLocation(loc.GetDegreesLatitude(), loc.GetDegreesLongitude(), loc.GetCaption())
	case m.GetContactMessage() != nil:
		out.Kind, out.Text = "vcard", m.GetContactMessage().GetVcard()
	case m.GetContactsArrayMessage() != nil:
		var cards []string
		for _, c := range m.GetContactsArrayMessage().GetContacts() {
			cards = append(cards, c.GetVcard())
		}
		out.Kind, out.Text = "multi_vcard", strings.Join(cards, "\n")
	case m.GetReactionMessage() != nil:
		out.Kind = "reaction"
	default:
		out.Kind = "unknown"
	}
	return out, true
}

func formatLocation(lat, lng float64, label string) string {
	s := fmt.Sprintf("%.6f,%.6f", lat, lng)
	if label != "" {
		s += " " + label
	}
	return s
}
