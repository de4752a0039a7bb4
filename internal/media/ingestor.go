package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"chatdesk/internal/model"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrEmptyPayload = errors.New("media: empty payload")
	ErrTooLarge     = errors.New("media: payload exceeds size limit")
	ErrOutsideRoot  = errors.New("media: path escapes media root")
)

// IngestionError reports a failure to persist an attachment.
// Callers degrade the message instead of failing the whole event.
type IngestionError struct {
	Op  string
	Err error
}

func (e *IngestionError) Error() string { return "media " + e.Op + ": " + e.Err.Error() }
func (e *IngestionError) Unwrap() error { return e.Err }

type Options struct {
	// Root is the filesystem directory all media lives under.
	Root string
	// PublicPath is the URL prefix the static handler serves Root at, e.g. "/media".
	PublicPath string
	// MaxBytes caps a single attachment; <= 0 disables the cap.
	MaxBytes int64

	Now     func() time.Time
	NewName func() string
}

// Ingestor writes attachments under Root partitioned by UTC date.
type Ingestor struct {
	root       string
	publicPath string
	maxBytes   int64
	now        func() time.Time
	newName    func() string
}

func NewIngestor(opts Options) (*Ingestor, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("media: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("media: resolve root: %w", err)
	}
	public := "/" + strings.Trim(opts.PublicPath, "/")
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewName == nil {
		opts.NewName = uuid.NewString
	}
	return &Ingestor{
		root:       root,
		publicPath: public,
		maxBytes:   opts.MaxBytes,
		now:        opts.Now,
		newName:    opts.NewName,
	}, nil
}

func (i *Ingestor) Root() string       { return i.root }
func (i *Ingestor) PublicPath() string { return i.publicPath }

// Ingest persists one attachment and returns its descriptor.
// originalName is kept for display only; the stored name is always generated.
func (i *Ingestor) Ingest(ctx context.Context, data []byte, mimeType, originalName string) (model.MediaDescriptor, error) {
	if len(data) == 0 {
		return model.MediaDescriptor{}, &IngestionError{Op: "validate", Err: ErrEmptyPayload}
	}
	if i.maxBytes > 0 && int64(len(data)) > i.maxBytes {
		return model.MediaDescriptor{}, &IngestionError{Op: "validate", Err: ErrTooLarge}
	}
	if err := ctx.Err(); err != nil {
		return model.MediaDescriptor{}, &IngestionError{Op: "validate", Err: err}
	}

	mt := resolveMIME(mimeType, data)
	ext, recognized := ExtensionFor(mt)

	at := i.now().UTC()
	partition := path.Join(at.Format("2006"), at.Format("01"), at.Format("02"))
	name := i.newName() + ext

	dir := filepath.Join(i.root, filepath.FromSlash(partition))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.MediaDescriptor{}, &IngestionError{Op: "mkdir", Err: err}
	}

	full := filepath.Join(dir, name)
	if err := writeExclusive(full, data); err != nil {
		return model.MediaDescriptor{}, &IngestionError{Op: "write", Err: err}
	}

	return model.MediaDescriptor{
		Path:             full,
		URL:              path.Join(i.publicPath, partition, name),
		MimeType:         mt,
		OriginalFilename: displayName(originalName),
		SizeBytes:        int64(len(data)),
		IngestedAt:       at,
		Recognized:       recognized,
	}, nil
}

func writeExclusive(full string, data []byte) (err error) {
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(full)
		}
	}()
	_, err = f.Write(data)
	return err
}

// displayName strips any directory components a sender put in the filename.
func displayName(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, `\`, "/"))
	if s == "" {
		return ""
	}
	base := path.Base(s)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Resolve maps a public URL ("/media/2024/01/02/x.png") or a path relative to Root
// onto an absolute file path, refusing anything outside Root.
func (i *Ingestor) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrOutsideRoot
	}
	rel := ref
	if strings.HasPrefix(rel, i.publicPath+"/") {
		rel = strings.TrimPrefix(rel, i.publicPath+"/")
	} else if filepath.IsAbs(rel) {
		r, err := filepath.Rel(i.root, filepath.Clean(rel))
		if err != nil {
			return "", ErrOutsideRoot
		}
		rel = r
	}
	full := filepath.Join(i.root, filepath.FromSlash(rel))
	r, err := filepath.Rel(i.root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}

// File is an outbound attachment loaded from disk.
type File struct {
	Data     []byte
	MimeType string
	Name     string
	Path     string
	// URL is the public URL the file is served at.
	URL string
}

// Descriptor describes f the way an ingested attachment is described.
func (f File) Descriptor(at time.Time) model.MediaDescriptor {
	_, recognized := ExtensionFor(f.MimeType)
	return model.MediaDescriptor{
		Path:             f.Path,
		URL:              f.URL,
		MimeType:         f.MimeType,
		OriginalFilename: f.Name,
		SizeBytes:        int64(len(f.Data)),
		IngestedAt:       at.UTC(),
		Recognized:       recognized,
	}
}

// Load reads a file inside Root for sending and detects its MIME type.
func (i *Ingestor) Load(ref string) (File, error) {
	full, err := i.Resolve(ref)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return File{}, fmt.Errorf("media: read %s: %w", filepath.Base(full), err)
	}
	if len(data) == 0 {
		return File{}, ErrEmptyPayload
	}
	rel, _ := filepath.Rel(i.root, full)
	return File{
		Data:     data,
		MimeType: NormalizeMIME(mimetype.Detect(data).String()),
		Name:     filepath.Base(full),
		Path:     full,
		URL:      path.Join(i.publicPath, filepath.ToSlash(rel)),
	}, nil
}
