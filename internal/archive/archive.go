// Package archive keeps point-in-time copies of committed snapshots in an
// S3-compatible object store. The canonical row in postgres only holds the
// latest state; the archive is what makes "restore the blueprint to last
// Tuesday" possible.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNoSnapshots is returned by Latest when a document was never archived.
var ErrNoSnapshots = errors.New("archive: no snapshots")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archive struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

func objectName(documentID string, at time.Time) string {
	return fmt.Sprintf("%s/%s.bin", documentID, at.UTC().Format(time.RFC3339Nano))
}

// Put stores one snapshot copy keyed by document and commit time.
func (a *Archive) Put(ctx context.Context, documentID string, snapshot []byte) error {
	name := objectName(documentID, time.Now())
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("archive snapshot %s: %w", documentID, err)
	}
	return nil
}

// List returns the archived object names for a document, oldest first.
func (a *Archive) List(ctx context.Context, documentID string) ([]string, error) {
	var names []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    documentID + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list archive %s: %w", documentID, obj.Err)
		}
		names = append(names, obj.Key)
	}
	sort.Strings(names)
	return names, nil
}

// Latest fetches the most recent archived snapshot for a document.
func (a *Archive) Latest(ctx context.Context, documentID string) ([]byte, error) {
	names, err := a.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", documentID, ErrNoSnapshots)
	}
	obj, err := a.client.GetObject(ctx, a.bucket, names[len(names)-1], minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get archived snapshot: %w", err)
	}
	defer obj.Close()
	blob, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read archived snapshot: %w", err)
	}
	return blob, nil
}
