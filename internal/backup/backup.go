// Package backup writes the bounded JSON "backup projection" spec.md
// §4.8/§6 describes: a static snapshot of recent events uploaded to
// blob storage so read clients keep working when the primary service
// is unreachable.
//
// Grounded on lucaslui-cloud-architecture-validation's batch-loader
// internal/storage/minio.go (a thin struct around *minio.Client with a
// bucket, ensure-then-put shape).
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/MercuriusDream/Canaria/internal/model"
)

// maxEvents bounds the projection to the most recent 1000 events, per
// spec.md §4.8/§6.
const maxEvents = 1000

const objectName = "events.json"

// Uploader writes the backup projection to one S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
}

// New builds an Uploader against an S3-compatible endpoint.
func New(endpoint, accessKey, secretKey string, useTLS bool, bucket string) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("backup: new client: %w", err)
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the configured bucket if it doesn't already
// exist; called once at startup.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("backup: bucket exists: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("backup: make bucket: %w", err)
		}
	}
	return nil
}

// projection is the blob shape spec.md §6 names: {lastUpdated,
// events:[...≤1000]}.
type projection struct {
	LastUpdated string        `json:"lastUpdated"`
	Events      []model.Event `json:"events"`
}

// Upload writes the most recent (already time-descending) events as
// the backup projection, with Cache-Control: public, max-age=60 per
// spec.md §6. Callers invoke this fire-and-forget; errors are the
// caller's to log, never to surface to the originating request.
func (u *Uploader) Upload(ctx context.Context, events []model.Event) error {
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}
	body, err := json.Marshal(projection{
		LastUpdated: time.Now().UTC().Format(time.RFC3339Nano),
		Events:      events,
	})
	if err != nil {
		return fmt.Errorf("backup: marshal projection: %w", err)
	}

	_, err = u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "public, max-age=60",
	})
	if err != nil {
		return fmt.Errorf("backup: put object: %w", err)
	}
	return nil
}
