package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// DefaultInlineMaxBytes is the largest image sent inline as base64.
const DefaultInlineMaxBytes = 5 * 1024 * 1024

// SinkConfig configures a Sink.
type SinkConfig struct {
	// InlineMaxBytes bounds inline images. Larger images are stored.
	InlineMaxBytes int
	// NewID generates storage ids. Defaults to uuid.NewString.
	NewID func() string
}

// FileLink is the payload of a file_link frame.
type FileLink struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size,omitempty"`
	URI      string `json:"uri"`
}

// Sink decides between an inline image and a stored file link.
type Sink struct {
	store  Store
	cfg    SinkConfig
	logger *slog.Logger
}

// NewSink returns a Sink. A nil store limits the sink to inline images and
// provider references.
func NewSink(store Store, cfg SinkConfig, logger *slog.Logger) *Sink {
	if cfg.InlineMaxBytes <= 0 {
		cfg.InlineMaxBytes = DefaultInlineMaxBytes
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, cfg: cfg, logger: logger}
}

// Handle renders file as a frame payload.
func (s *Sink) Handle(ctx context.Context, file models.FileEvent) (models.FramePayload, error) {
	mimeType := detectMimeType(file)
	name := file.Name
	if name == "" {
		name = "file"
	}

	if len(file.Data) == 0 {
		if file.Reference == "" {
			return models.FramePayload{}, fmt.Errorf("file %q has no content", name)
		}
		return s.link(FileLink{
			FileID:   path.Base(file.Reference),
			Name:     name,
			MimeType: mimeType,
			URI:      file.Reference,
		})
	}

	if strings.HasPrefix(mimeType, "image/") && len(file.Data) <= s.cfg.InlineMaxBytes {
		return models.FramePayload{
			Type: models.FrameImageFile,
			Body: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(file.Data),
		}, nil
	}

	if s.store == nil {
		return models.FramePayload{}, fmt.Errorf("no file store configured for %q", name)
	}
	id := s.cfg.NewID() + "/" + sanitizeName(name)
	uri, err := s.store.Put(ctx, id, bytes.NewReader(file.Data), PutOptions{
		MimeType: mimeType,
		Metadata: map[string]string{"name": name},
	})
	if err != nil {
		return models.FramePayload{}, fmt.Errorf("store file %q: %w", name, err)
	}
	s.logger.Debug("stored agent file", "name", name, "uri", uri, "bytes", len(file.Data))
	return s.link(FileLink{
		FileID:   id,
		Name:     name,
		MimeType: mimeType,
		Size:     len(file.Data),
		URI:      uri,
	})
}

func (s *Sink) link(l FileLink) (models.FramePayload, error) {
	body, err := json.Marshal(l)
	if err != nil {
		return models.FramePayload{}, fmt.Errorf("encode file link: %w", err)
	}
	return models.FramePayload{Type: models.FrameFileLink, Body: string(body)}, nil
}

func detectMimeType(file models.FileEvent) string {
	if file.MimeType != "" {
		return file.MimeType
	}
	if ext := filepath.Ext(file.Name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(file.Data) > 0 {
		return http.DetectContentType(file.Data)
	}
	return "application/octet-stream"
}

func sanitizeName(name string) string {
	name = filepath.Base(filepath.FromSlash(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 || name == "." || name == ".." {
		return "file"
	}
	return b.String()
}
