package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/log"
)

const archivePrefix = "snapshot-"

// ObjectStore pushes completed snapshot archives to a bucket and lets empty
// joining nodes observe and fetch the newest one. This is what makes the
// snapshot-exists predicate satisfiable cluster-wide when nodes do not share
// a volume.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects to the configured endpoint and makes sure the
// bucket exists.
func NewObjectStore(ctx context.Context, cfg *config.Config) (*ObjectStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	store := &ObjectStore{client: client, bucket: cfg.MinioBucket}

	exists, err := client.BucketExists(ctx, store.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", store.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, store.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", store.bucket, err)
		}
	}

	return store, nil
}

// HasSnapshot reports whether at least one snapshot archive is present.
func (o *ObjectStore) HasSnapshot(ctx context.Context) (bool, error) {
	objects := o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: archivePrefix})
	for object := range objects {
		if object.Err != nil {
			return false, fmt.Errorf("failed to list snapshot archives: %w", object.Err)
		}
		return true, nil
	}
	return false, nil
}

// Upload archives dir and pushes it under a unique key.
func (o *ObjectStore) Upload(ctx context.Context, dir string) error {
	logger := log.WithComponent("object-store")

	archive := filepath.Join(os.TempDir(), fmt.Sprintf("%s%s.tar.gz", archivePrefix, uuid.NewString()))
	defer os.Remove(archive)

	tar := exec.CommandContext(ctx, "tar", "-czf", archive, "-C", dir, ".")
	if err := tar.Run(); err != nil {
		return fmt.Errorf("failed to archive snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%s-%s.tar.gz",
		archivePrefix, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	if _, err := o.client.FPutObject(ctx, o.bucket, key, archive, minio.PutObjectOptions{
		ContentType: "application/gzip",
	}); err != nil {
		return fmt.Errorf("failed to upload snapshot archive: %w", err)
	}

	logger.Info().Str("key", key).Msg("Snapshot archive uploaded")
	return nil
}

// FetchLatest downloads the newest archive and unpacks it into destDir.
func (o *ObjectStore) FetchLatest(ctx context.Context, destDir string) error {
	logger := log.WithComponent("object-store")

	var newest minio.ObjectInfo
	objects := o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: archivePrefix})
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("failed to list snapshot archives: %w", object.Err)
		}
		if object.LastModified.After(newest.LastModified) {
			newest = object
		}
	}
	if newest.Key == "" {
		return fmt.Errorf("no snapshot archive available in bucket %s", o.bucket)
	}

	archive := filepath.Join(os.TempDir(), filepath.Base(newest.Key))
	defer os.Remove(archive)

	if err := o.client.FGetObject(ctx, o.bucket, newest.Key, archive, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download snapshot archive %s: %w", newest.Key, err)
	}

	if err := os.MkdirAll(destDir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	tar := exec.CommandContext(ctx, "tar", "-xzf", archive, "-C", destDir)
	if err := tar.Run(); err != nil {
		return fmt.Errorf("failed to unpack snapshot archive: %w", err)
	}

	logger.Info().Str("key", newest.Key).Str("dest", destDir).Msg("Snapshot archive fetched")
	return nil
}
