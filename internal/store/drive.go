package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Drive stores objects as files inside Google Drive folders. Location.Folder
// is the folder id and Location.Name the file name.
type Drive struct {
	svc *drive.Service
}

var _ Backend = (*Drive)(nil)

// NewDrive creates a Drive backend. Credentials come from opts, typically
// option.WithCredentialsFile or option.WithTokenSource.
func NewDrive(ctx context.Context, opts ...option.ClientOption) (*Drive, error) {
	opts = append([]option.ClientOption{option.WithScopes(drive.DriveScope)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &Drive{svc: svc}, nil
}

// find returns the id of the named file in the folder, or "".
func (d *Drive) find(ctx context.Context, loc Location) (string, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		escapeQuery(loc.Folder), escapeQuery(loc.Name))
	list, err := d.svc.Files.List().
		Q(q).
		Fields("files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("listing drive folder %s: %w", loc.Folder, err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// Read implements Backend.
func (d *Drive) Read(ctx context.Context, loc Location) ([]byte, error) {
	id, err := d.find(ctx, loc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotExist
	}
	resp, err := d.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", loc, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc, err)
	}
	return data, nil
}

// Write implements Backend. An existing file keeps its id and gets a new
// revision; otherwise the file is created in the folder.
func (d *Drive) Write(ctx context.Context, loc Location, data []byte) error {
	id, err := d.find(ctx, loc)
	if err != nil {
		return err
	}
	media := googleapi.ContentType(contentType(loc))

	if id != "" {
		_, err = d.svc.Files.Update(id, &drive.File{}).
			Media(bytes.NewReader(data), media).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	} else {
		_, err = d.svc.Files.Create(&drive.File{Name: loc.Name, Parents: []string{loc.Folder}}).
			Media(bytes.NewReader(data), media).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}
	if err != nil {
		return fmt.Errorf("uploading %s: %w", loc, err)
	}
	return nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
