package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

func TestCleanKey(t *testing.T) {
	key, err := CleanKey("uploads/abc/./report.txt")
	require.NoError(t, err)
	assert.Equal(t, "uploads/abc/report.txt", key)

	for _, bad := range []string{"", "/etc/passwd", "..", "../x", "a/../../x"} {
		_, err := CleanKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestFSStorePutGet(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root, "eventpipe-files")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := t.Context()
	require.NoError(t, s.Put(ctx, Object{Key: "uploads/e1/hello.txt", Data: []byte("hi"), ContentType: "text/plain"}))

	got, err := s.Get(ctx, "uploads/e1/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got.Data)
	assert.Equal(t, int64(2), got.Size)
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Len(t, got.ETag, 64)
	assert.Equal(t, s.now(), got.LastModified)
	assert.Equal(t, "eventpipe-files", s.Bucket())

	_, err = os.Stat(filepath.Join(root, ".meta", "uploads", "e1", "hello.txt.json"))
	require.NoError(t, err)
}

func TestFSStoreGetWithoutSidecar(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root, "b")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "incoming"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "incoming", "drop.csv"), []byte("a,b"), 0o600))

	got, err := s.Get(t.Context(), "incoming/drop.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Size)
	assert.NotEmpty(t, got.ETag)
	assert.False(t, got.LastModified.IsZero())
}

func TestFSStoreNotFoundAndKeyFor(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root, "b")
	require.NoError(t, err)

	_, err = s.Get(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	key, err := s.KeyFor(filepath.Join(root, "incoming", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "incoming/x.txt", key)

	_, err = s.KeyFor(filepath.Join(root, "..", "outside"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type stubS3 struct {
	objects map[string][]byte
	types   map[string]string
	failPut error
}

func (s *stubS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if s.failPut != nil {
		return nil, s.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[aws.ToString(in.Key)] = data
	s.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (s *stubS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := s.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: aws.String(s.types[aws.ToString(in.Key)]),
		ETag:        aws.String(`"etag"`),
	}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	client := &stubS3{objects: map[string][]byte{}, types: map[string]string{}}
	s := NewS3Store(client, "bucket")
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, Object{Key: "uploads/e/a.txt", Data: []byte("abc"), ContentType: "text/plain"}))
	got, err := s.Get(ctx, "uploads/e/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)
	assert.Equal(t, "etag", got.ETag)
	assert.Equal(t, "text/plain", got.ContentType)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StorePutFailureIsRetryable(t *testing.T) {
	client := &stubS3{objects: map[string][]byte{}, types: map[string]string{}, failPut: io.ErrUnexpectedEOF}
	err := NewS3Store(client, "bucket").Put(t.Context(), Object{Key: "k", Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	ce, ok := errors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, errors.CategoryBlob, ce.Category())
}
