// Package remotetest provides an in-memory remote.Drive for engine tests.
// It models a small item tree, serves downloads and exports from byte
// slices, records uploads and folder creations, and can be told to fail
// specific calls a given number of times.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gdrive-zipbackup/remote"
)

// Upload records one confirmed upload.
type Upload struct {
	ParentID string
	Name     string
	Mime     string
	Content  []byte
}

// FakeDrive is an in-memory implementation of remote.Drive.
type FakeDrive struct {
	mu sync.Mutex

	items    map[string]remote.Item
	children map[string][]string // folder id -> child ids, insertion order
	content  map[string][]byte   // file id -> native content
	exports  map[string][]byte   // file id -> exported content

	failures map[string]*failure // keyed by op + ":" + id

	uploads        []Upload
	foldersCreated int
	nextID         int
}

type failure struct {
	remaining int
	err       error
}

// New creates a FakeDrive holding only the subtree root folder.
func New(rootID, rootName string) *FakeDrive {
	f := &FakeDrive{
		items:    make(map[string]remote.Item),
		children: make(map[string][]string),
		content:  make(map[string][]byte),
		exports:  make(map[string][]byte),
		failures: make(map[string]*failure),
	}
	f.items[rootID] = remote.Item{
		ID:       rootID,
		Name:     rootName,
		IsFolder: true,
		MimeType: remote.FolderMimeType,
	}
	return f
}

// AddFolder adds a folder under parentID.
func (f *FakeDrive) AddFolder(parentID, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = remote.Item{ID: id, Name: name, IsFolder: true, MimeType: remote.FolderMimeType}
	f.children[parentID] = append(f.children[parentID], id)
}

// AddFile adds a file under parentID with the given native content.
func (f *FakeDrive) AddFile(parentID, id, name, mime string, content []byte, modified *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = remote.Item{
		ID:           id,
		Name:         name,
		MimeType:     mime,
		SizeBytes:    int64(len(content)),
		ModifiedTime: modified,
	}
	f.content[id] = content
	f.children[parentID] = append(f.children[parentID], id)
}

// SetModifiedTime replaces the modification time of an existing item.
func (f *FakeDrive) SetModifiedTime(id string, modified *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id]
	it.ModifiedTime = modified
	f.items[id] = it
}

// SetContent replaces the native content of an existing file.
func (f *FakeDrive) SetContent(id string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id]
	it.SizeBytes = int64(len(content))
	f.items[id] = it
	f.content[id] = content
}

// SetExport sets the bytes served for any export of the file id.
func (f *FakeDrive) SetExport(id string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[id] = content
}

// FailNext makes the next n calls of op ("download", "export", "upload",
// "meta", "list") for id fail with err. Subsequent calls succeed again.
func (f *FakeDrive) FailNext(op, id string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+id] = &failure{remaining: n, err: err}
}

// Uploads returns a copy of the recorded uploads.
func (f *FakeDrive) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Upload, len(f.uploads))
	copy(out, f.uploads)
	return out
}

// FoldersCreated returns how many folders CreateFolder has made.
func (f *FakeDrive) FoldersCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foldersCreated
}

// Item returns the current metadata for id.
func (f *FakeDrive) Item(id string) (remote.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	return it, ok
}

// consumeFailure pops one pending failure for op/id, if any.
func (f *FakeDrive) consumeFailure(op, id string) error {
	key := op + ":" + id
	if fl, ok := f.failures[key]; ok && fl.remaining > 0 {
		fl.remaining--
		return fl.err
	}
	return nil
}

// ListChildren implements remote.Drive.
func (f *FakeDrive) ListChildren(ctx context.Context, folderID string, fn func(remote.Item) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.consumeFailure("list", folderID); err != nil {
		f.mu.Unlock()
		return err
	}
	ids := append([]string(nil), f.children[folderID]...)
	items := make([]remote.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, f.items[id])
	}
	f.mu.Unlock()

	for _, it := range items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

// GetMeta implements remote.Drive.
func (f *FakeDrive) GetMeta(ctx context.Context, fileID string) (remote.Item, error) {
	if err := ctx.Err(); err != nil {
		return remote.Item{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.consumeFailure("meta", fileID); err != nil {
		return remote.Item{}, err
	}
	it, ok := f.items[fileID]
	if !ok {
		return remote.Item{}, fmt.Errorf("%w: %s", remote.ErrObjectNotFound, fileID)
	}
	return it, nil
}

// DownloadNative implements remote.Drive.
func (f *FakeDrive) DownloadNative(ctx context.Context, fileID string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.consumeFailure("download", fileID); err != nil {
		f.mu.Unlock()
		return err
	}
	content, ok := f.content[fileID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", remote.ErrObjectNotFound, fileID)
	}
	_, err := io.Copy(w, bytes.NewReader(content))
	return err
}

// Export implements remote.Drive.
func (f *FakeDrive) Export(ctx context.Context, fileID, exportMime string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.consumeFailure("export", fileID); err != nil {
		f.mu.Unlock()
		return err
	}
	content, ok := f.exports[fileID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no export for %s", remote.ErrObjectNotFound, fileID)
	}
	_, err := io.Copy(w, bytes.NewReader(content))
	return err
}

// FindChildFolder implements remote.Drive.
func (f *FakeDrive) FindChildFolder(ctx context.Context, parentID, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.consumeFailure("find", parentID); err != nil {
		return "", false, err
	}
	for _, id := range f.children[parentID] {
		it := f.items[id]
		if it.IsFolder && it.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

// CreateFolder implements remote.Drive.
func (f *FakeDrive) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.consumeFailure("createfolder", parentID); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("made-folder-%d", f.nextID)
	f.items[id] = remote.Item{ID: id, Name: name, IsFolder: true, MimeType: remote.FolderMimeType}
	f.children[parentID] = append(f.children[parentID], id)
	f.foldersCreated++
	return id, nil
}

// Upload implements remote.Drive.
func (f *FakeDrive) Upload(ctx context.Context, parentID, name, mime string, src io.Reader, size int64) (remote.Item, error) {
	if err := ctx.Err(); err != nil {
		return remote.Item{}, err
	}
	f.mu.Lock()
	ferr := f.consumeFailure("upload", parentID+"/"+name)
	f.mu.Unlock()
	if ferr != nil {
		return remote.Item{}, ferr
	}

	content, err := io.ReadAll(src)
	if err != nil {
		return remote.Item{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("uploaded-%d", f.nextID)
	it := remote.Item{ID: id, Name: name, MimeType: mime, SizeBytes: int64(len(content))}
	f.items[id] = it
	f.content[id] = content
	f.children[parentID] = append(f.children[parentID], id)
	f.uploads = append(f.uploads, Upload{ParentID: parentID, Name: name, Mime: mime, Content: content})
	return it, nil
}
