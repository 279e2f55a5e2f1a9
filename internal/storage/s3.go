package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/BadgerOps/sitemove/internal/config"
)

// S3API is the subset of the S3 client used by the S3 sink and source.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 stores archives as objects under a key prefix.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 wraps an S3 client.
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// NewS3FromConfig builds an S3 client from the default AWS credential chain
// and the storage.s3 settings.
func NewS3FromConfig(ctx context.Context, cfg config.S3StorageConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.s3.bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3(client, cfg.Bucket, cfg.Prefix), nil
}

// Name implements Sink and Source.
func (s *S3) Name() string { return "s3" }

func (s *S3) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put uploads an archive.
func (s *S3) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, s.key(name), err)
	}
	return nil
}

// Fetch downloads an object, continuing after any bytes already in dest.
func (s *S3) Fetch(ctx context.Context, ref, dest string) (int64, error) {
	n, _, err := s.FetchRange(ctx, ref, dest, 0)
	return n, err
}

// FetchRange downloads the next limit bytes of an object with a bounded
// Range request.
func (s *S3) FetchRange(ctx context.Context, ref, dest string, limit int64) (int64, bool, error) {
	key := s.key(ref)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return 0, false, fmt.Errorf("s3://%s/%s does not exist", s.bucket, key)
		}
		return 0, false, fmt.Errorf("inspecting s3://%s/%s: %w", s.bucket, key, err)
	}
	total := aws.ToInt64(head.ContentLength)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, false, fmt.Errorf("opening %s: %w", dest, err)
	}
	defer out.Close()

	have, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false, err
	}
	if have > total {
		if err := out.Truncate(0); err != nil {
			return 0, false, err
		}
		if have, err = out.Seek(0, io.SeekStart); err != nil {
			return 0, false, err
		}
	}
	if have == total {
		return total, true, nil
	}

	end := total
	rng := fmt.Sprintf("bytes=%d-", have)
	if limit > 0 && have+limit < total {
		end = have + limit
		rng = fmt.Sprintf("bytes=%d-%d", have, end-1)
	}
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return have, false, fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, key, err)
	}
	defer obj.Body.Close()

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: obj.Body})
	if err != nil {
		return have + n, false, fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, key, err)
	}
	if have+n != end {
		return have + n, false, fmt.Errorf("short download of s3://%s/%s: %d of %d bytes", s.bucket, key, have+n, end)
	}
	return end, end == total, out.Sync()
}
