package resolver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"tunecache/internal/core/logger"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/jellydator/ttlcache/v3"
)

type S3ResolverOption func(*S3Resolver)

func S3WithLogger(log *logger.Logger) S3ResolverOption {
	return func(r *S3Resolver) {
		r.log = log
	}
}

func S3WithKeyPrefix(prefix string) S3ResolverOption {
	return func(r *S3Resolver) {
		r.keyPrefix = prefix
	}
}

func S3WithPresignExpiry(expiry time.Duration) S3ResolverOption {
	return func(r *S3Resolver) {
		r.presignExpiry = expiry
	}
}

// S3Resolver resolves keys to presigned object URLs. Presigned URLs expire,
// which exercises the same invalidate/re-resolve path as extractor links.
type S3Resolver struct {
	client        *s3.S3
	bucket        string
	keyPrefix     string
	presignExpiry time.Duration
	memo          *ttlcache.Cache[string, *Source]
	log           *logger.Logger
}

func NewS3Resolver(bucket, region string, opts ...S3ResolverOption) (*S3Resolver, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	r := &S3Resolver{
		client:        s3.New(sess),
		bucket:        bucket,
		presignExpiry: 15 * time.Minute,
		log:           logger.NewLogger(logger.WithName("resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Presigned URLs are reused just shy of their expiry so an in-flight
	// download never starts with an almost-dead link.
	memoTTL := r.presignExpiry / 2
	r.memo = ttlcache.New(
		ttlcache.WithTTL[string, *Source](memoTTL),
	)
	go r.memo.Start()

	return r, nil
}

func (r *S3Resolver) Close() {
	r.memo.Stop()
}

func (r *S3Resolver) Resolve(ctx context.Context, key string) (*Source, error) {
	if item := r.memo.Get(key); item != nil {
		return item.Value(), nil
	}

	objectKey := path.Join(r.keyPrefix, key)

	_, err := r.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("head object %s: %w", objectKey, err)
	}

	req, _ := r.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(objectKey),
	})
	rawURL, err := req.Presign(r.presignExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign object %s: %w", objectKey, err)
	}

	src := &Source{
		URL:       rawURL,
		ExpiresAt: time.Now().Add(r.presignExpiry),
	}
	r.memo.Set(key, src, ttlcache.DefaultTTL)
	r.log.Debug("presigned source", "key", key, "object", objectKey)
	return src, nil
}

func (r *S3Resolver) Invalidate(key string) {
	r.memo.Delete(key)
}
