package transport

import (
	"context"
	"errors"
	"strings"
)

// Transport is the port to the external messaging network.
//
// Rules:
//   - Only session.Manager holds a Transport; everything else goes through it.
//   - Connect registers sink and returns once the attempt has been started; progress
//     (QR codes, readiness, failures, messages) arrives through sink.
//   - Disconnect deregisters sink and tears the connection down. Safe to call twice.
type Transport interface {
	Name() string
	Connect(ctx context.Context, sink func(Event)) error
	Disconnect(ctx context.Context) error
	Connected() bool

	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, m OutboundMedia) (string, error)
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// OutboundMedia is an attachment to send.
type OutboundMedia struct {
	Kind     MediaKind
	Data     []byte
	MimeType string
	FileName string
	Caption  string
	// Voice marks audio as a push-to-talk note.
	Voice bool
}

// MediaKindFor picks how a file is sent from its MIME type.
func MediaKindFor(mimeType string) MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	default:
		return MediaDocument
	}
}

var ErrNotConnected = errors.New("transport: not connected")

// Error wraps a transport operation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
