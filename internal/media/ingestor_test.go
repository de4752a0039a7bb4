package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// pngHeader is enough for content sniffing to recognise image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	i, err := NewIngestor(Options{
		Root:       t.TempDir(),
		PublicPath: "/media",
		Now:        func() time.Time { return time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600)) },
		NewName:    func() string { return "fixed-name" },
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return i
}

func TestIngest_PartitionsByUTCDateAndWritesBytes(t *testing.T) {
	i := newTestIngestor(t)

	desc, err := i.Ingest(context.Background(), pngHeader, "image/png", "../../etc/foto.png")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 23:30 at UTC-3 is the next day in UTC.
	if desc.URL != "/media/2024/03/10/fixed-name.png" {
		t.Fatalf("unexpected url %q", desc.URL)
	}
	if desc.OriginalFilename != "foto.png" {
		t.Fatalf("expected base name kept for display, got %q", desc.OriginalFilename)
	}
	if !desc.Recognized || desc.MimeType != "image/png" || desc.SizeBytes != int64(len(pngHeader)) {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	got, err := os.ReadFile(desc.Path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, pngHeader) {
		t.Fatalf("expected identical bytes")
	}
	if !strings.HasPrefix(desc.Path, filepath.Join(i.Root(), "2024", "03", "10")) {
		t.Fatalf("expected partitioned path, got %q", desc.Path)
	}
}

func TestIngest_UnknownMimeFallsBackToGenericExtension(t *testing.T) {
	i := newTestIngestor(t)

	desc, err := i.Ingest(context.Background(), []byte("opaque"), "application/x-made-up", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if desc.Recognized {
		t.Fatalf("expected unrecognized mime")
	}
	if filepath.Ext(desc.Path) != GenericExtension {
		t.Fatalf("expected %s extension, got %q", GenericExtension, desc.Path)
	}
}

func TestIngest_MissingMimeIsSniffed(t *testing.T) {
	i := newTestIngestor(t)

	desc, err := i.Ingest(context.Background(), pngHeader, "", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if desc.MimeType != "image/png" || filepath.Ext(desc.Path) != ".png" {
		t.Fatalf("expected sniffed png, got %+v", desc)
	}
}

func TestIngest_EmptyPayloadIsIngestionError(t *testing.T) {
	i := newTestIngestor(t)

	_, err := i.Ingest(context.Background(), nil, "image/png", "")
	var ie *IngestionError
	if !errors.As(err, &ie) || !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected IngestionError wrapping ErrEmptyPayload, got %v", err)
	}
}

func TestIngest_WriteFailureIsIngestionError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "root")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	i, err := NewIngestor(Options{Root: blocker, PublicPath: "/media"})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	_, err = i.Ingest(context.Background(), []byte("data"), "text/plain", "")
	var ie *IngestionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IngestionError when root is a file, got %v", err)
	}
}

func TestExtensionFor_StripsParameters(t *testing.T) {
	ext, ok := ExtensionFor("audio/ogg; codecs=opus")
	if !ok || ext != ".ogg" {
		t.Fatalf("expected .ogg, got %q ok=%v", ext, ok)
	}
}

func TestResolve_RejectsTraversal(t *testing.T) {
	i := newTestIngestor(t)

	if _, err := i.Resolve("../secret"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
	if _, err := i.Resolve("/media/../../secret"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot for url traversal, got %v", err)
	}
	p, err := i.Resolve("/media/2024/03/10/a.png")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p != filepath.Join(i.Root(), "2024", "03", "10", "a.png") {
		t.Fatalf("unexpected resolved path %q", p)
	}
}

func TestLoad_DetectsMime(t *testing.T) {
	i := newTestIngestor(t)
	desc, err := i.Ingest(context.Background(), pngHeader, "image/png", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	f, err := i.Load(desc.URL)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.MimeType != "image/png" || !bytes.Equal(f.Data, pngHeader) {
		t.Fatalf("unexpected file: mime=%q len=%d", f.MimeType, len(f.Data))
	}
	if f.URL != desc.URL || f.Path != desc.Path {
		t.Fatalf("expected load to round-trip url and path, got %q %q", f.URL, f.Path)
	}
	if d := f.Descriptor(time.Now()); !d.Recognized || d.SizeBytes != int64(len(pngHeader)) {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}
