package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"golang.org/x/sync/semaphore"
)

// S3Options configures the S3 driver.
type S3Options struct {
	Bucket         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	MaxConnections int64
}

// S3Client implements Client against an S3-compatible gateway. A semaphore
// caps concurrent requests so a large fan-out cannot exhaust sockets.
type S3Client struct {
	api    s3iface.S3API
	bucket string
	sem    *semaphore.Weighted
}

// NewS3 opens an S3 driver session.
func NewS3(opts S3Options) (*S3Client, error) {
	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithEndpoint(opts.Endpoint).
		WithS3ForcePathStyle(true)
	if opts.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open s3 session: %w", err)
	}
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 16
	}
	return &S3Client{
		api:    s3.New(sess),
		bucket: opts.Bucket,
		sem:    semaphore.NewWeighted(opts.MaxConnections),
	}, nil
}

func (c *S3Client) acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.getRange(ctx, key, "")
}

func (c *S3Client) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	return c.getRange(ctx, key, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
}

func (c *S3Client) getRange(ctx context.Context, key, byteRange string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		in.Range = aws.String(byteRange)
	}
	out, err := c.api.GetObjectWithContext(ctx, in)
	if err != nil {
		return nil, mapErr(key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (c *S3Client) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return ObjectInfo{}, err
	}
	defer c.sem.Release(1)

	out, err := c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return ObjectInfo{}, mapErr(key, err)
	}
	return ObjectInfo{
		Key:  key,
		ETag: trimETag(aws.StringValue(out.ETag)),
		Size: int64(len(data)),
	}, nil
}

func (c *S3Client) Info(ctx context.Context, key string) (ObjectInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return ObjectInfo{}, err
	}
	defer c.sem.Release(1)

	out, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, mapErr(key, err)
	}
	return ObjectInfo{
		Key:          key,
		ETag:         trimETag(aws.StringValue(out.ETag)),
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

func (c *S3Client) Delete(ctx context.Context, key string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.sem.Release(1)

	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !IsNotFound(mapErr(key, err)) {
		return mapErr(key, err)
	}
	return nil
}

func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var infos []ObjectInfo
	err := c.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				ETag:         trimETag(aws.StringValue(obj.ETag)),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, mapErr(prefix, err)
	}
	return infos, nil
}

func (c *S3Client) Close() error {
	return nil
}

func mapErr(key string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
	}
	return fmt.Errorf("store request for %s failed: %w", key, err)
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
