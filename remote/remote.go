// Package remote defines the capability surface of the cloud drive consumed
// by the backup, restore and repair engines. Implementations live elsewhere
// (the drive package provides the Google Drive one); the engines depend only
// on this package so they can be driven by fakes in tests.
package remote

import (
	"context"
	"io"
	"time"
)

// Item describes one listed item in the remote subtree. Items are created
// during listing and immutable afterwards.
type Item struct {
	ID           string     // opaque stable identifier
	Name         string     // display name, may contain any Unicode
	Path         string     // canonical slash path from the subtree root, "/<root>/..."
	IsFolder     bool       // true for folders
	SizeBytes    int64      // 0 for folders
	MimeType     string     // remote MIME type
	ModifiedTime *time.Time // nil when the remote reports none
}

// Drive is the capability set the engines need from the remote drive.
type Drive interface {
	// ListChildren calls fn for every direct child of folderID, following
	// pagination until the listing is exhausted. A non-nil error from fn
	// aborts the listing and is returned.
	ListChildren(ctx context.Context, folderID string, fn func(Item) error) error

	// GetMeta fetches the metadata of a single item by id.
	GetMeta(ctx context.Context, fileID string) (Item, error)

	// DownloadNative streams the file content as stored to w.
	DownloadNative(ctx context.Context, fileID string, w io.Writer) error

	// Export converts a remote-native document to exportMime and streams
	// the result to w.
	Export(ctx context.Context, fileID, exportMime string, w io.Writer) error

	// FindChildFolder looks for a folder called name directly under
	// parentID. found is false when no such folder exists.
	FindChildFolder(ctx context.Context, parentID, name string) (id string, found bool, err error)

	// CreateFolder creates a folder called name under parentID and returns
	// its id.
	CreateFolder(ctx context.Context, parentID, name string) (string, error)

	// Upload creates a file called name under parentID from src and
	// returns the confirmed item as reported by the remote.
	Upload(ctx context.Context, parentID, name, mime string, src io.Reader, size int64) (Item, error)
}

// TimesEquivalent reports whether two modification times refer to the same
// instant for incremental-analysis purposes: both present and their UTC
// representations strictly less than one second apart. A missing time on
// either side is never equivalent.
func TimesEquivalent(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	d := a.UTC().Sub(b.UTC())
	if d < 0 {
		d = -d
	}
	return d < time.Second
}
