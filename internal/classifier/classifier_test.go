package classifier

import (
	"testing"

	"chatdesk/internal/model"
)

func TestClassify_KnownKinds(t *testing.T) {
	cases := map[string]model.Kind{
		"chat":        model.KindText,
		"image":       model.KindImage,
		"PTT":         model.KindAudio,
		"audio":       model.KindAudio,
		"video":       model.KindVideo,
		"document":    model.KindDocument,
		"location":    model.KindLocation,
		"multi_vcard": model.KindContact,
	}
	for in, want := range cases {
		r := Classify(in)
		if !r.Supported || r.Kind != want {
			t.Fatalf("expected %s for %q, got %+v", want, in, r)
		}
	}
}

func TestClassify_UnknownFallsBackToTextPlaceholder(t *testing.T) {
	for _, in := range []string{"", "poll_creation", "reaction", "e2e_notification"} {
		r := Classify(in)
		if r.Supported {
			t.Fatalf("expected %q unsupported", in)
		}
		if r.Kind != model.KindText {
			t.Fatalf("expected TEXT for %q, got %s", in, r.Kind)
		}
		if got := Body(r, "ignored"); got != UnsupportedPlaceholder {
			t.Fatalf("expected placeholder, got %q", got)
		}
	}
}

func TestIsMedia(t *testing.T) {
	if !IsMedia(model.KindDocument) || IsMedia(model.KindLocation) || IsMedia(model.KindText) {
		t.Fatalf("unexpected media classification")
	}
}
