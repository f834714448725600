package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

const metaDir = ".meta"

// FSStore is a filesystem-backed Store. Object data lives at <root>/<key>; metadata is kept in
// a JSON sidecar under <root>/.meta/<key>.json so watchers on data directories never see it.
type FSStore struct {
	root   string
	bucket string
	mu     sync.RWMutex
	now    func() time.Time
}

type sidecar struct {
	ContentType  string            `json:"contentType"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"lastModified"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, bucket string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, metaDir), 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CategoryBlob, "failed to create blob root").
			WithContext("root", root).Fatal().Build()
	}
	return &FSStore{root: root, bucket: bucket, now: time.Now}, nil
}

func (s *FSStore) Bucket() string { return s.bucket }

// Root is the directory object keys resolve under.
func (s *FSStore) Root() string { return s.root }

// Put writes the data atomically through a temp file and rename.
func (s *FSStore) Put(_ context.Context, obj Object) error {
	key, err := CleanKey(obj.Key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dataPath := s.dataPath(key)
	if err := writeAtomic(dataPath, obj.Data); err != nil {
		return errors.WrapError(err, errors.CategoryBlob, "failed to write object").
			WithContext("key", key).Build()
	}
	sum := sha256.Sum256(obj.Data)
	meta := sidecar{
		ContentType:  obj.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: s.now().UTC(),
		Custom:       maps.Clone(obj.Metadata),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode object metadata").Build()
	}
	if err := writeAtomic(s.metaPath(key), raw); err != nil {
		return errors.WrapError(err, errors.CategoryBlob, "failed to write object metadata").
			WithContext("key", key).Build()
	}
	return nil
}

// Get reads the object. Files dropped into the root without a sidecar get metadata derived
// from the file itself.
func (s *FSStore) Get(_ context.Context, key string) (Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	dataPath := s.dataPath(key)
	// #nosec G304 - path is built from a cleaned key under the store root
	data, err := os.ReadFile(dataPath)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, errors.WrapError(err, errors.CategoryBlob, "failed to read object").
			WithContext("key", key).Build()
	}

	obj := Object{Key: key, Data: data, Size: int64(len(data))}
	var meta sidecar
	// #nosec G304 - path is built from a cleaned key under the store root
	if raw, err := os.ReadFile(s.metaPath(key)); err == nil && json.Unmarshal(raw, &meta) == nil {
		obj.ContentType = meta.ContentType
		obj.ETag = meta.ETag
		obj.LastModified = meta.LastModified
		obj.Metadata = meta.Custom
		return obj, nil
	}
	sum := sha256.Sum256(data)
	obj.ETag = hex.EncodeToString(sum[:])
	if info, err := os.Stat(dataPath); err == nil {
		obj.LastModified = info.ModTime().UTC()
	}
	return obj, nil
}

// KeyFor maps a path under the root back to its object key.
func (s *FSStore) KeyFor(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", ErrInvalidKey
	}
	return CleanKey(filepath.ToSlash(rel))
}

func (s *FSStore) dataPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) metaPath(key string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(key)+".json")
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ Store = (*FSStore)(nil)
