package backup

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/kurin/blazer/b2"
)

// B2Uploader copies backup files into a Backblaze B2 bucket.
type B2Uploader struct {
	bucket *b2.Bucket
	prefix string
}

// NewB2Uploader connects to B2 and resolves the bucket. Objects are stored
// under prefix.
func NewB2Uploader(ctx context.Context, keyID, appKey, bucketName, prefix string) (*B2Uploader, error) {
	client, err := b2.NewClient(ctx, keyID, appKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return &B2Uploader{bucket: bucket, prefix: prefix}, nil
}

// Upload writes r to the object prefix/name.
func (u *B2Uploader) Upload(ctx context.Context, name string, r io.Reader) error {
	w := u.bucket.Object(path.Join(u.prefix, name)).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
