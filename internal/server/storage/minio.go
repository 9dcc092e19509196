package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds the connection settings for a MinIO backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// MinIODriver implements Driver on a MinIO server.
type MinIODriver struct {
	client *minio.Client
	gate   *Gate
	region string
}

// NewMinIODriver creates a MinIO driver. All backend calls share the given
// concurrency gate.
func NewMinIODriver(cfg MinIOConfig, gate *Gate) (*MinIODriver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIODriver{client: client, gate: gate, region: cfg.Region}, nil
}

// Provider returns "minio".
func (d *MinIODriver) Provider() string { return "minio" }

// EnsureBucket creates the bucket if it does not exist yet.
func (d *MinIODriver) EnsureBucket(ctx context.Context, bucket string) error {
	return d.gate.run(ctx, func() error {
		exists, err := d.client.BucketExists(ctx, bucket)
		if err != nil {
			return mapMinioError(err)
		}
		if exists {
			return nil
		}
		if err := d.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: d.region}); err != nil {
			return mapMinioError(err)
		}
		slog.Info("created bucket", "provider", "minio", "bucket", bucket)
		return nil
	})
}

// Upload writes the reader's content under the given key.
func (d *MinIODriver) Upload(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (int64, error) {
	var written int64
	err := d.gate.run(ctx, func() error {
		info, err := d.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		})
		if err != nil {
			return mapMinioError(err)
		}
		written = info.Size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("minio upload %s: %w", key, err)
	}
	return written, nil
}

// Download returns the object content stream and its metadata.
func (d *MinIODriver) Download(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	var obj *minio.Object
	var info *ObjectInfo

	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			o, err := d.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
			if err != nil {
				return mapMinioError(err)
			}
			// GetObject is lazy; Stat forces the first request and surfaces
			// a missing key here instead of on the first Read.
			stat, err := o.Stat()
			if err != nil {
				o.Close()
				return mapMinioError(err)
			}
			obj = o
			info = minioObjectInfo(stat)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("minio download %s: %w", key, err)
	}
	return obj, info, nil
}

// Delete removes an object. Deleting a missing key returns (false, nil).
func (d *MinIODriver) Delete(ctx context.Context, bucket, key string) (bool, error) {
	existed := false
	err := d.gate.run(ctx, func() error {
		_, err := d.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err != nil {
			if errors.Is(mapMinioError(err), ErrNotFound) {
				return nil
			}
			return mapMinioError(err)
		}
		existed = true
		if err := d.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return mapMinioError(err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("minio delete %s: %w", key, err)
	}
	return existed, nil
}

// List returns objects under a prefix, paginated by limit and offset.
func (d *MinIODriver) List(ctx context.Context, bucket, prefix string, limit, offset int) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			lctx, cancel := context.WithCancel(ctx)
			ch := d.client.ListObjects(lctx, bucket, minio.ListObjectsOptions{
				Prefix:       prefix,
				Recursive:    true,
				WithMetadata: true,
			})
			out, err := collectListing(cancel, ch, limit, offset)
			if err != nil {
				return err
			}
			objects = out
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("minio list %q: %w", prefix, err)
	}
	return objects, nil
}

// ListAll returns every object under a prefix in one drained listing.
func (d *MinIODriver) ListAll(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			lctx, cancel := context.WithCancel(ctx)
			ch := d.client.ListObjects(lctx, bucket, minio.ListObjectsOptions{
				Prefix:       prefix,
				Recursive:    true,
				WithMetadata: true,
			})
			out, err := collectListing(cancel, ch, 0, 0)
			if err != nil {
				return err
			}
			objects = out
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("minio list all %q: %w", prefix, err)
	}
	return objects, nil
}

// collectListing consumes a minio listing channel, applying offset and limit.
// The cancel func is invoked on every return path: the SDK's producer
// goroutine blocks on sending into the channel until its context is done, so
// stopping consumption early without cancelling would leak it.
func collectListing(cancel context.CancelFunc, ch <-chan minio.ObjectInfo, limit, offset int) ([]ObjectInfo, error) {
	defer cancel()

	var objects []ObjectInfo
	seen := 0
	for obj := range ch {
		if obj.Err != nil {
			return nil, mapMinioError(obj.Err)
		}
		if seen < offset {
			seen++
			continue
		}
		objects = append(objects, *minioObjectInfo(obj))
		if limit > 0 && len(objects) >= limit {
			break
		}
	}
	return objects, nil
}

// Exists reports whether an object is present.
func (d *MinIODriver) Exists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := d.Stat(ctx, bucket, key)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// Stat returns the object metadata, or (nil, nil) when absent.
func (d *MinIODriver) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := withReadRetry(ctx, func() error {
		return d.gate.run(ctx, func() error {
			stat, err := d.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
			if err != nil {
				return mapMinioError(err)
			}
			info = minioObjectInfo(stat)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("minio stat %s: %w", key, err)
	}
	return info, nil
}

// SignedURL generates a presigned URL for the given operation and TTL.
// The URL is produced locally from the client credentials; the backend does
// not need to be reachable.
func (d *MinIODriver) SignedURL(ctx context.Context, bucket, key string, op Operation, ttl time.Duration) (*SignedURL, error) {
	var u *url.URL
	var err error

	switch op {
	case OpGet:
		u, err = d.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	case OpPut:
		u, err = d.client.PresignedPutObject(ctx, bucket, key, ttl)
	case OpDelete:
		u, err = d.client.Presign(ctx, "DELETE", bucket, key, ttl, url.Values{})
	default:
		return nil, fmt.Errorf("%w: unsupported signed URL operation %q", ErrValidation, op)
	}
	if err != nil {
		return nil, fmt.Errorf("minio presign %s %s: %w", op, key, mapMinioError(err))
	}

	return &SignedURL{
		URL:       u.String(),
		ExpiresAt: time.Now().UTC().Add(ttl),
		Operation: op,
	}, nil
}

// Copy duplicates an object within the bucket.
func (d *MinIODriver) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	err := d.gate.run(ctx, func() error {
		_, err := d.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: bucket, Object: dstKey},
			minio.CopySrcOptions{Bucket: bucket, Object: srcKey},
		)
		if err != nil {
			return mapMinioError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("minio copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func minioObjectInfo(obj minio.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:          obj.Key,
		Size:         obj.Size,
		ContentType:  obj.ContentType,
		LastModified: obj.LastModified,
		Metadata:     obj.UserMetadata,
	}
}

// mapMinioError translates MinIO SDK errors into the driver taxonomy.
func mapMinioError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Code)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case resp.StatusCode == 0:
		// No HTTP response at all: connectivity failure.
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return err
	}
}
