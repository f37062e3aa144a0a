package restore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// driveFolders is the slice of the remote surface the folder cache needs.
type driveFolders interface {
	FindChildFolder(ctx context.Context, parentID, name string) (string, bool, error)
	CreateFolder(ctx context.Context, parentID, name string) (string, error)
}

// FolderCache maps relative folder paths to the remote folder ids
// representing them for the current restore. The empty path maps to the
// configured restore parent. Keys compare case-insensitively; entries are
// never removed. Lookups may run concurrently; the find-or-create path is
// serialized under a single mutex so concurrent requests for the same path
// can never create duplicate sibling folders.
type FolderCache struct {
	cacheMu sync.RWMutex
	cache   map[string]string // folded relative path -> folder id

	mu     sync.Mutex // serializes find-or-create
	drive  driveFolders
	rootID string
}

// NewFolderCache makes a FolderCache rooted at the restore parent folder.
func NewFolderCache(drive driveFolders, rootID string) *FolderCache {
	fc := &FolderCache{
		drive:  drive,
		rootID: rootID,
		cache:  map[string]string{"": rootID},
	}
	return fc
}

// Get returns the cached id for a relative folder path.
func (fc *FolderCache) Get(rel string) (id string, ok bool) {
	fc.cacheMu.RLock()
	id, ok = fc.cache[foldKey(rel)]
	fc.cacheMu.RUnlock()
	return id, ok
}

// put stores a path, id pair in the cache.
func (fc *FolderCache) put(rel, id string) {
	fc.cacheMu.Lock()
	fc.cache[foldKey(rel)] = id
	fc.cacheMu.Unlock()
}

// EnsurePath walks the segments of the relative folder path rel, ensuring at
// each step that a child folder of that name exists under the accumulating
// parent and creating it if not. Returns the id of the deepest folder.
func (fc *FolderCache) EnsurePath(ctx context.Context, rel string) (string, error) {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return fc.rootID, nil
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	parentID := fc.rootID
	walked := ""
	for _, segment := range strings.Split(rel, "/") {
		if segment == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if walked == "" {
			walked = segment
		} else {
			walked = walked + "/" + segment
		}

		if id, ok := fc.Get(walked); ok {
			parentID = id
			continue
		}

		id, found, err := fc.drive.FindChildFolder(ctx, parentID, segment)
		if err != nil {
			return "", fmt.Errorf("failed to look up folder %q: %w", walked, err)
		}
		if !found {
			id, err = fc.drive.CreateFolder(ctx, parentID, segment)
			if err != nil {
				return "", fmt.Errorf("failed to create folder %q: %w", walked, err)
			}
		}
		fc.put(walked, id)
		parentID = id
	}
	return parentID, nil
}

// foldKey normalizes a cache key: trimmed of surrounding slashes and folded
// for case-insensitive comparison.
func foldKey(rel string) string {
	return strings.ToLower(strings.Trim(rel, "/"))
}
