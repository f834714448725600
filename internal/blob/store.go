// Package blob stores uploaded file contents by object key.
package blob

import (
	"context"
	"path"
	"strings"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Store persists objects under keys within one bucket.
type Store interface {
	// Put writes or replaces the object at obj.Key.
	Put(ctx context.Context, obj Object) error

	// Get returns the object at key or ErrNotFound.
	Get(ctx context.Context, key string) (Object, error)

	// Bucket names the bucket recorded in events.
	Bucket() string
}

// Object is a stored file with its metadata.
type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// ErrNotFound is returned when no object exists at the key.
var ErrNotFound = errors.NotFoundError("object not found").Build()

// ErrInvalidKey is returned for empty, absolute or escaping keys.
var ErrInvalidKey = errors.ValidationError("invalid object key").Build()

// CleanKey normalizes a key to a relative slash path that stays inside the bucket.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
