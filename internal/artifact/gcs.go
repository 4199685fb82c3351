package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores artifacts as objects in a Cloud Storage bucket. An object
// becomes visible only when its writer is closed, so Put is atomic.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

var _ Backend = (*GCS)(nil)

// NewGCS connects to Cloud Storage with application default credentials.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket name is empty")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

// Put uploads data to key, replacing any existing object.
func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing gs object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object at key.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening gs object %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// DeletePrefix deletes key and every object under key + "/".
func (g *GCS) DeletePrefix(ctx context.Context, prefix string) error {
	if err := g.delete(ctx, prefix); err != nil {
		return err
	}
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix + "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing %s: %w", prefix, err)
		}
		if err := g.delete(ctx, attrs.Name); err != nil {
			return err
		}
	}
}

func (g *GCS) delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs object %s: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
