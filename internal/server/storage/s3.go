package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config holds the connection settings for an S3 or S3-compatible backend.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string // custom endpoint for S3-compatible services
}

// S3Driver implements Driver on AWS S3 (or any S3-compatible service).
type S3Driver struct {
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	gate      *Gate
	region    string
}

// NewS3Driver creates an S3 driver. Credentials fall back to the default AWS
// chain (env, shared config, IAM role) when not set explicitly.
func NewS3Driver(ctx context.Context, cfg S3Config, gate *Gate) (*S3Driver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Driver{
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		gate:      gate,
		region:    cfg.Region,
	}, nil
}

// Provider returns "s3".
func (d *S3Driver) Provider() string { return "s3" }

// EnsureBucket creates the bucket if it does not exist yet.
func (d *S3Driver) EnsureBucket(ctx context.Context, bucket string) error {
	return d.gate.run(ctx, func() error {
		_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err == nil {
			return nil
		}
		if !errors.Is(mapS3Error(err), ErrNotFound) {
			return mapS3Error(err)
		}

		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if d.region != "" && d.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(d.region),
			}
		}
		if _, err := d.client.CreateBucket(ctx, input); err != nil {
			return mapS3Error(err)
		}
		slog.Info("created bucket", "provider", "s3", "bucket", bucket)
		return nil
	})
}

// Upload writes the reader's content under the given key. The manager handles
// multipart uploads for large streams; a counting reader tracks the size since
// the caller's reader may not know its length.
func (d *S3Driver) Upload(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (int64, error) {
	counter := &countingReader{r: r}
	err := d.gate.run(ctx, func() error {
		_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        counter,
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		if err != nil {
			return mapS3Error(err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return counter.n, nil
}

// Download returns the object content stream and its metadata.
func (d *S3Driver) Download(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	var body io.ReadCloser
	var info *ObjectInfo

	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return mapS3Error(err)
			}
			body = out.Body
			info = &ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(out.ContentLength),
				ContentType:  aws.ToString(out.ContentType),
				LastModified: aws.ToTime(out.LastModified),
				Metadata:     out.Metadata,
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("s3 download %s: %w", key, err)
	}
	return body, info, nil
}

// Delete removes an object. Deleting a missing key returns (false, nil).
func (d *S3Driver) Delete(ctx context.Context, bucket, key string) (bool, error) {
	existed := false
	err := d.gate.run(ctx, func() error {
		_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if errors.Is(mapS3Error(err), ErrNotFound) {
				return nil
			}
			return mapS3Error(err)
		}
		existed = true
		_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return mapS3Error(err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return existed, nil
}

// List returns objects under a prefix, paginated by limit and offset.
func (d *S3Driver) List(ctx context.Context, bucket, prefix string, limit, offset int) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			objects = objects[:0]
			seen := 0

			paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
				Bucket: aws.String(bucket),
				Prefix: aws.String(prefix),
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return mapS3Error(err)
				}
				for _, obj := range page.Contents {
					if seen < offset {
						seen++
						continue
					}
					if limit > 0 && len(objects) >= limit {
						return nil
					}
					objects = append(objects, ObjectInfo{
						Key:          aws.ToString(obj.Key),
						Size:         aws.ToInt64(obj.Size),
						LastModified: aws.ToTime(obj.LastModified),
					})
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
	}
	return objects, nil
}

// ListAll returns every object under a prefix in one paginator run.
func (d *S3Driver) ListAll(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			objects = objects[:0]

			paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
				Bucket: aws.String(bucket),
				Prefix: aws.String(prefix),
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return mapS3Error(err)
				}
				for _, obj := range page.Contents {
					objects = append(objects, ObjectInfo{
						Key:          aws.ToString(obj.Key),
						Size:         aws.ToInt64(obj.Size),
						LastModified: aws.ToTime(obj.LastModified),
					})
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list all %q: %w", prefix, err)
	}
	return objects, nil
}

// Exists reports whether an object is present.
func (d *S3Driver) Exists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := d.Stat(ctx, bucket, key)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// Stat returns the object metadata, or (nil, nil) when absent.
func (d *S3Driver) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return mapS3Error(err)
			}
			info = &ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(out.ContentLength),
				ContentType:  aws.ToString(out.ContentType),
				LastModified: aws.ToTime(out.LastModified),
				Metadata:     out.Metadata,
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 stat %s: %w", key, err)
	}
	return info, nil
}

// SignedURL generates a presigned URL for the given operation and TTL.
func (d *S3Driver) SignedURL(ctx context.Context, bucket, key string, op Operation, ttl time.Duration) (*SignedURL, error) {
	expires := s3.WithPresignExpires(ttl)

	var signedURL string
	var err error
	switch op {
	case OpGet:
		r, e := d.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket), Key: aws.String(key),
		}, expires)
		if e == nil {
			signedURL = r.URL
		}
		err = e
	case OpPut:
		r, e := d.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket), Key: aws.String(key),
		}, expires)
		if e == nil {
			signedURL = r.URL
		}
		err = e
	case OpDelete:
		r, e := d.presigner.PresignDeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket), Key: aws.String(key),
		}, expires)
		if e == nil {
			signedURL = r.URL
		}
		err = e
	default:
		return nil, fmt.Errorf("%w: unsupported signed URL operation %q", ErrValidation, op)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 presign %s %s: %w", op, key, mapS3Error(err))
	}

	return &SignedURL{
		URL:       signedURL,
		ExpiresAt: time.Now().UTC().Add(ttl),
		Operation: op,
	}, nil
}

// Copy duplicates an object within the bucket.
func (d *S3Driver) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	err := d.gate.run(ctx, func() error {
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(url.PathEscape(bucket + "/" + srcKey)),
		})
		if err != nil {
			return mapS3Error(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("s3 copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// countingReader tracks bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// mapS3Error translates AWS SDK errors into the driver taxonomy.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 404:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case respErr.HTTPStatusCode() >= 500:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}

	// No API-level response: connectivity failure.
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
