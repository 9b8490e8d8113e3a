// Package store loads and persists complete dataset tables at a uniformly
// addressed location: a local path, a Google Drive folder file
// (gdrive://<folder-id>/<name>) or a Cloud Storage object
// (gs://<bucket>/<object>).
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by a Backend when nothing is stored at a location.
var ErrNotExist = errors.New("store: object does not exist")

// Location schemes.
const (
	SchemeFile   = "file"
	SchemeGDrive = "gdrive"
	SchemeGCS    = "gs"
)

// Location is a parsed snapshot address. Folder is the directory, drive
// folder id or bucket; Name is the file or object name within it.
type Location struct {
	Scheme string
	Folder string
	Name   string
}

// ParseLocation parses a location string. Strings without a recognised
// scheme are local paths.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, errors.New("store: empty location")
	}
	for _, scheme := range []string{SchemeGDrive, SchemeGCS} {
		prefix := scheme + "://"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		folder, name, ok := strings.Cut(rest, "/")
		if !ok || folder == "" || name == "" {
			return Location{}, fmt.Errorf("store: location %q must look like %s<folder>/<name>", s, prefix)
		}
		return Location{Scheme: scheme, Folder: folder, Name: name}, nil
	}
	return Location{Scheme: SchemeFile, Folder: filepath.Dir(s), Name: filepath.Base(s)}, nil
}

// Join builds the location of name inside folder for any scheme.
func Join(folder, name string) string {
	if IsRemote(folder) {
		return strings.TrimSuffix(folder, "/") + "/" + name
	}
	return filepath.Join(folder, name)
}

// IsRemote reports whether s addresses a drive folder or bucket.
func IsRemote(s string) bool {
	return strings.HasPrefix(s, SchemeGDrive+"://") || strings.HasPrefix(s, SchemeGCS+"://")
}

func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return filepath.Join(l.Folder, l.Name)
	}
	return l.Scheme + "://" + l.Folder + "/" + l.Name
}

// Ext returns the lower-cased file extension of the name, including the dot.
func (l Location) Ext() string {
	return strings.ToLower(path.Ext(l.Name))
}

// Backend reads and writes whole objects.
type Backend interface {
	// Read returns the stored bytes, or ErrNotExist.
	Read(ctx context.Context, loc Location) ([]byte, error)
	// Write replaces the stored bytes in a single commit.
	Write(ctx context.Context, loc Location, data []byte) error
}

// Router dispatches to the Backend registered for a location's scheme.
type Router struct {
	backends map[string]Backend
}

var _ Backend = (*Router)(nil)

// NewRouter creates a Router with the local filesystem backend registered.
func NewRouter() *Router {
	return &Router{backends: map[string]Backend{SchemeFile: Local{}}}
}

// Register installs b for scheme, replacing any previous backend.
func (r *Router) Register(scheme string, b Backend) {
	r.backends[scheme] = b
}

func (r *Router) backend(loc Location) (Backend, error) {
	b, ok := r.backends[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("store: no backend configured for %s:// locations", loc.Scheme)
	}
	return b, nil
}

// Read implements Backend.
func (r *Router) Read(ctx context.Context, loc Location) ([]byte, error) {
	b, err := r.backend(loc)
	if err != nil {
		return nil, err
	}
	return b.Read(ctx, loc)
}

// Write implements Backend.
func (r *Router) Write(ctx context.Context, loc Location, data []byte) error {
	b, err := r.backend(loc)
	if err != nil {
		return err
	}
	return b.Write(ctx, loc, data)
}
