package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Event is the closed set of things a transport can report.
// The unexported marker keeps implementations inside this package, so every
// consumer's type switch can be exhaustive.
type Event interface {
	isEvent()
}

// QrIssued carries a (re)issued pairing code.
type QrIssued struct {
	Payload string
	// ExpiresIn is how long the code stays valid, when the transport says so.
	ExpiresIn time.Duration
}

// Ready means the session authenticated and is usable.
type Ready struct {
	// Account is the transport identity of the connected device, if known.
	Account string
}

// AuthFailed is an unrecoverable authentication or protocol failure.
type AuthFailed struct {
	Reason string
}

// Disconnected is a transport teardown that was not requested by the caller.
type Disconnected struct {
	Reason string
}

// Attachment is binary content fetched on demand, so event translation stays cheap.
type Attachment struct {
	MimeType string
	FileName string
	Size     int64
	Fetch    func(ctx context.Context) ([]byte, error)
}

// MessageReceived is one inbound customer message.
type MessageReceived struct {
	ID          string
	From        string
	DisplayName string
	// Kind is the transport's own type label; see internal/classifier.
	Kind       string
	Text       string
	Attachment *Attachment
	Timestamp  time.Time
}

func (QrIssued) isEvent()        {}
func (Ready) isEvent()           {}
func (AuthFailed) isEvent()      {}
func (Disconnected) isEvent()    {}
func (MessageReceived) isEvent() {}

var (
	ErrMissingSender = errors.New("transport: message without sender")
	ErrMissingQR     = errors.New("transport: qr event without payload")
)

// Validate checks an event at the boundary before it enters the typed pipeline.
func Validate(ev Event) error {
	switch e := ev.(type) {
	case QrIssued:
		if strings.TrimSpace(e.Payload) == "" {
			return ErrMissingQR
		}
	case MessageReceived:
		if NormalizeNumber(e.From) == "" {
			return ErrMissingSender
		}
	case Ready, AuthFailed, Disconnected:
	case nil:
		return errors.New("transport: nil event")
	}
	return nil
}

// NormalizeNumber keeps only the digits of a phone number or user id.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
