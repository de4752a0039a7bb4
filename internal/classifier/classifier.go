// Package classifier maps transport message kinds onto the closed domain Kind set.
package classifier

import (
	"strings"

	"chatdesk/internal/model"
)

// UnsupportedPlaceholder replaces the body of messages whose kind is not understood.
const UnsupportedPlaceholder = "[mensagem não suportada]"

// Result is the outcome of classification.
type Result struct {
	Kind      model.Kind
	Supported bool
}

var kinds = map[string]model.Kind{
	"chat":          model.KindText,
	"text":          model.KindText,
	"image":         model.KindImage,
	"sticker":       model.KindImage,
	"audio":         model.KindAudio,
	"ptt":           model.KindAudio,
	"video":         model.KindVideo,
	"gif":           model.KindVideo,
	"document":      model.KindDocument,
	"location":      model.KindLocation,
	"live_location": model.KindLocation,
	"vcard":         model.KindContact,
	"multi_vcard":   model.KindContact,
	"contact":       model.KindContact,
}

// Classify never fails: anything unknown is TEXT with Supported=false.
func Classify(transportKind string) Result {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(transportKind))]
	if !ok {
		return Result{Kind: model.KindText, Supported: false}
	}
	return Result{Kind: k, Supported: true}
}

// Body returns the content to persist for a classified message.
func Body(r Result, text string) string {
	if !r.Supported {
		return UnsupportedPlaceholder
	}
	return text
}

// IsMedia reports whether messages of kind k carry a binary attachment.
func IsMedia(k model.Kind) bool {
	switch k {
	case model.KindImage, model.KindAudio, model.KindVideo, model.KindDocument:
		return true
	case model.KindText, model.KindLocation, model.KindContact:
		return false
	default:
		return false
	}
}
