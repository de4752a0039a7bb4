package model

import (
	"fmt"
	"time"
)

type Sender string

const (
	SenderCustomer Sender = "CUSTOMER"
	SenderAgent    Sender = "AGENT"
	SenderSystem   Sender = "SYSTEM"
)

func (s Sender) Valid() bool {
	switch s {
	case SenderCustomer, SenderAgent, SenderSystem:
		return true
	default:
		return false
	}
}

func ParseSender(s string) (Sender, error) {
	v := Sender(s)
	if !v.Valid() {
		return "", fmt.Errorf("model: unknown sender %q", s)
	}
	return v, nil
}

// Kind is the closed set of message kinds the pipeline understands.
type Kind string

const (
	KindText     Kind = "TEXT"
	KindImage    Kind = "IMAGE"
	KindAudio    Kind = "AUDIO"
	KindDocument Kind = "DOCUMENT"
	KindVideo    Kind = "VIDEO"
	KindLocation Kind = "LOCATION"
	KindContact  Kind = "CONTACT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindDocument, KindVideo, KindLocation, KindContact:
		return true
	default:
		return false
	}
}

func ParseKind(s string) (Kind, error) {
	v := Kind(s)
	if !v.Valid() {
		return "", fmt.Errorf("model: unknown message kind %q", s)
	}
	return v, nil
}

// DeliveryStatus tracks outbound delivery; inbound messages are RECEIVED.
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "RECEIVED"
	DeliveryPending  DeliveryStatus = "PENDING"
	DeliverySent     DeliveryStatus = "SENT"
	DeliveryFailed   DeliveryStatus = "FAILED"
)

func (d DeliveryStatus) Valid() bool {
	switch d {
	case DeliveryReceived, DeliveryPending, DeliverySent, DeliveryFailed:
		return true
	default:
		return false
	}
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	v := DeliveryStatus(s)
	if !v.Valid() {
		return "", fmt.Errorf("model: unknown delivery status %q", s)
	}
	return v, nil
}

// MediaDescriptor describes one persisted attachment. Immutable once created.
type MediaDescriptor struct {
	Path             string    `json:"-"`
	URL              string    `json:"url"`
	MimeType         string    `json:"mimeType"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	SizeBytes        int64     `json:"sizeBytes"`
	IngestedAt       time.Time `json:"ingestedAt"`
	// Recognized is false when the MIME type fell back to the generic extension.
	Recognized bool `json:"recognized"`
}

// Message is immutable after creation except Read and Delivery.
type Message struct {
	ID                 string           `json:"id"`
	TicketID           string           `json:"ticketId"`
	Seq                int64            `json:"seq"`
	Sender             Sender           `json:"sender"`
	Kind               Kind             `json:"kind"`
	Content            string           `json:"content"`
	Media              *MediaDescriptor `json:"media,omitempty"`
	Degraded           bool             `json:"degraded,omitempty"`
	TransportMessageID string           `json:"transportMessageId,omitempty"`
	Delivery           DeliveryStatus   `json:"delivery"`
	Read               bool             `json:"read"`
	CreatedAt          time.Time        `json:"createdAt"`
}
