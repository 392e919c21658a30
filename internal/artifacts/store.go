// Package artifacts renders agent-produced files into frame payloads and
// stores the ones too large to inline.
package artifacts

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("artifact not found")

// PutOptions describes an object being stored.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store persists file bytes and returns a reference URI.
type Store interface {
	Put(ctx context.Context, id string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}
