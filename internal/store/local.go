package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/natefinch/atomic"
)

// Local stores objects on the local filesystem. Writes go to a temporary
// file that is renamed over the target.
type Local struct{}

var _ Backend = Local{}

// Read implements Backend.
func (Local) Read(_ context.Context, loc Location) ([]byte, error) {
	data, err := os.ReadFile(loc.String())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	return data, nil
}

// Write implements Backend.
func (Local) Write(_ context.Context, loc Location, data []byte) error {
	if err := os.MkdirAll(loc.Folder, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", loc.Folder, err)
	}
	if err := atomic.WriteFile(loc.String(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", loc, err)
	}
	return nil
}
