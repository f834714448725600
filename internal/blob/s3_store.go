package blob

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps objects in one S3 bucket.
type S3Store struct {
	client S3API
	bucket string
}

func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Put(ctx context.Context, obj Object) error {
	key, err := CleanKey(obj.Key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return errors.WrapError(err, errors.CategoryBlob, "s3 put failed").
			WithContext("bucket", s.bucket).WithContext("key", key).Retryable().Build()
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return Object{}, ErrNotFound
		}
		return Object{}, errors.WrapError(err, errors.CategoryBlob, "s3 get failed").
			WithContext("bucket", s.bucket).WithContext("key", key).Retryable().Build()
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, errors.WrapError(err, errors.CategoryBlob, "s3 read failed").
			WithContext("key", key).Retryable().Build()
	}
	return Object{
		Key:          key,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Size:         int64(len(data)),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

var _ Store = (*S3Store)(nil)
