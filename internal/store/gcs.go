package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores objects in Google Cloud Storage. Location.Folder is the bucket
// and Location.Name the object name.
type GCS struct {
	client *storage.Client
}

var _ Backend = (*GCS)(nil)

// NewGCS creates a GCS backend.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCS{client: client}, nil
}

// Read implements Backend.
func (g *GCS) Read(ctx context.Context, loc Location) ([]byte, error) {
	r, err := g.client.Bucket(loc.Folder).Object(loc.Name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", loc, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	return data, nil
}

// Write implements Backend. The object only becomes visible when the writer
// is closed, so a failed upload leaves the previous generation in place.
func (g *GCS) Write(ctx context.Context, loc Location, data []byte) error {
	w := g.client.Bucket(loc.Folder).Object(loc.Name).NewWriter(ctx)
	w.ContentType = contentType(loc)
	w.ChunkSize = 0 // single request upload

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", loc, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", loc, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
