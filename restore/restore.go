// Package restore implements the restore engine: it extracts an archive,
// rebuilds the folder tree under the configured restore parent, uploads
// every member back to the remote drive, and journals confirmed uploads so
// an interrupted restore can resume without duplicating work.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gdrive-zipbackup/archive"
	"github.com/gdrive-zipbackup/lib/parallel"
	"github.com/gdrive-zipbackup/manifest"
	"github.com/gdrive-zipbackup/remote"
)

const (
	stampLayout = "20060102_150405"

	// upload retry policy, matching the download side
	defaultUploadAttempts = 3
	defaultUploadDelay    = 7 * time.Second
)

// Options configures one restore run. Exactly one of ArchivePath (fresh
// restore) or ResumeDir (resume a preserved extraction) must be set.
type Options struct {
	ArchivePath     string // archive to restore from scratch
	ResumeDir       string // preserved extraction directory to resume
	RestoreParentID string // upload destination root, required for fresh runs
	MaxParallel     int    // worker bound, clamped to [1,10]
	TempDir         string // where fresh extraction directories are created
}

// Counters is the atomic counter set updated by upload workers.
type Counters struct {
	FilesUploaded    atomic.Int64
	FilesAlreadyDone atomic.Int64
	FilesSkipped     atomic.Int64
	FilesFailed      atomic.Int64
	BytesUploaded    atomic.Int64
}

// CounterSnapshot is a plain copy of the counters for results and logs.
type CounterSnapshot struct {
	FilesUploaded    int64
	FilesAlreadyDone int64
	FilesSkipped     int64
	FilesFailed      int64
	BytesUploaded    int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FilesUploaded:    c.FilesUploaded.Load(),
		FilesAlreadyDone: c.FilesAlreadyDone.Load(),
		FilesSkipped:     c.FilesSkipped.Load(),
		FilesFailed:      c.FilesFailed.Load(),
		BytesUploaded:    c.BytesUploaded.Load(),
	}
}

// Result is the structured outcome of one restore run.
type Result struct {
	Success    bool
	Cancelled  bool
	Elapsed    time.Duration
	ExtractDir string // preserved on dirty or cancelled runs, for resume
	Counters   CounterSnapshot
}

// Engine orchestrates one restore run.
type Engine struct {
	drive          remote.Drive
	opts           Options
	counters       Counters
	uploadAttempts int
	uploadDelay    time.Duration
}

// New creates a restore engine with the standard upload retry policy.
func New(d remote.Drive, opts Options) *Engine {
	return &Engine{
		drive:          d,
		opts:           opts,
		uploadAttempts: defaultUploadAttempts,
		uploadDelay:    defaultUploadDelay,
	}
}

// NewWithPolicy creates a restore engine with a custom upload retry policy.
// Used by tests; production code uses New.
func NewWithPolicy(d remote.Drive, opts Options, attempts int, delay time.Duration) *Engine {
	e := New(d, opts)
	if attempts >= 1 {
		e.uploadAttempts = attempts
	}
	e.uploadDelay = delay
	return e
}

// Run executes the restore. The returned error is non-nil only for failures
// fatal to the whole operation (unreadable archive or state, unresolvable
// folders); per-file trouble is reflected in the counters and Success flag,
// cancellation in the Cancelled flag. Dirty and cancelled runs preserve the
// extraction directory so the restore can be resumed from it.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}
	finish := func() *Result {
		result.Elapsed = time.Since(start)
		result.Counters = e.counters.Snapshot()
		return result
	}

	dir, store, m, err := e.prepare()
	if err != nil {
		return finish(), err
	}
	result.ExtractDir = dir

	settings := store.Settings()
	if settings.RestoreParentID == "" {
		return finish(), errors.New("no restore parent folder configured")
	}

	// Phase 1: folder materialization, single-threaded, parents first.
	cache := NewFolderCache(e.drive, settings.RestoreParentID)
	if err := e.materializeFolders(ctx, cache, m); err != nil {
		if isCancellation(err) {
			result.Cancelled = true
			e.saveState(store)
			return finish(), nil
		}
		e.saveState(store)
		return finish(), err
	}

	// Phase 2: uploads.
	tasks := make([]func(), 0, len(m.Files))
	for _, entry := range m.Files {
		entry := entry
		tasks = append(tasks, func() { e.uploadEntry(ctx, store, cache, dir, entry) })
	}
	cancelled := parallel.Run(ctx, settings.MaxParallelTasks, tasks) != nil

	// Phase 3: state finalization. The save must happen on every exit path
	// and is not cancellable.
	e.saveState(store)

	snap := e.counters.Snapshot()
	if cancelled {
		result.Cancelled = true
		log.Warn().Str("dir", dir).Msg("Restore cancelled, extraction directory preserved for resume.")
		return finish(), nil
	}

	result.Success = snap.FilesSkipped == 0 &&
		snap.FilesUploaded+snap.FilesAlreadyDone == int64(len(m.Files))
	if result.Success {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove extraction directory.")
		}
		result.ExtractDir = ""
	} else {
		log.Warn().Str("dir", dir).Msg("Restore incomplete, extraction directory preserved for resume.")
	}

	finish()
	log.Info().
		Bool("success", result.Success).
		Int64("uploaded", snap.FilesUploaded).
		Int64("already_done", snap.FilesAlreadyDone).
		Int64("skipped", snap.FilesSkipped).
		Int64("failed", snap.FilesFailed).
		Dur("elapsed", result.Elapsed).
		Msg("Restore finished.")
	return result, nil
}

// prepare resolves the extraction directory, state store and manifest for
// either a fresh or a resumed restore.
func (e *Engine) prepare() (string, *StateStore, *manifest.Manifest, error) {
	if e.opts.ResumeDir != "" {
		store, err := LoadStateStore(e.opts.ResumeDir)
		if err != nil {
			return "", nil, nil, err
		}
		m, err := manifest.Read(e.opts.ResumeDir)
		if err != nil {
			return "", nil, nil, err
		}
		e.warnSettingsDrift(store.Settings())
		log.Info().
			Str("dir", e.opts.ResumeDir).
			Int("already_done", store.CompletedCount()).
			Msg("Resuming restore.")
		return e.opts.ResumeDir, store, m, nil
	}

	stamp := time.Now().UTC().Format(stampLayout)
	dir := filepath.Join(e.opts.TempDir, "restore_"+stamp)
	if err := archive.ExtractAll(e.opts.ArchivePath, dir); err != nil {
		os.RemoveAll(dir)
		return "", nil, nil, err
	}
	m, err := manifest.Read(dir)
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, nil, err
	}

	settings := Settings{
		RestoreParentID:  e.opts.RestoreParentID,
		MaxParallelTasks: parallel.ClampLimit(e.opts.MaxParallel),
	}
	store := NewStateStore(dir, settings, e.opts.ArchivePath)
	if err := store.Save(); err != nil {
		os.RemoveAll(dir)
		return "", nil, nil, err
	}
	return dir, store, m, nil
}

// warnSettingsDrift logs when ambient options differ from the snapshot in
// the journal. The snapshot wins.
func (e *Engine) warnSettingsDrift(s Settings) {
	if e.opts.RestoreParentID != "" && e.opts.RestoreParentID != s.RestoreParentID {
		log.Warn().
			Str("configured", e.opts.RestoreParentID).
			Str("using", s.RestoreParentID).
			Msg("Restore parent differs from the journal; the journal's value is used.")
	}
	if e.opts.MaxParallel != 0 && parallel.ClampLimit(e.opts.MaxParallel) != s.MaxParallelTasks {
		log.Warn().
			Int("configured", e.opts.MaxParallel).
			Int("using", s.MaxParallelTasks).
			Msg("Parallelism differs from the journal; the journal's value is used.")
	}
}

// materializeFolders ensures every directory mentioned in the manifest
// exists under the restore parent, parents before children.
func (e *Engine) materializeFolders(ctx context.Context, cache *FolderCache, m *manifest.Manifest) error {
	seen := make(map[string]struct{})
	var dirs []string
	for _, entry := range m.Files {
		rel := folderOf(entry.GoogleDrivePath)
		if rel == "" {
			continue
		}
		key := strings.ToLower(rel)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		dirs = append(dirs, rel)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) < len(dirs[j]) })

	for _, rel := range dirs {
		if _, err := cache.EnsurePath(ctx, rel); err != nil {
			return fmt.Errorf("failed to materialize folder %q: %w", rel, err)
		}
	}
	return nil
}

// uploadEntry restores one manifest entry: skip if journaled or missing
// locally, otherwise upload and journal the confirmation.
func (e *Engine) uploadEntry(ctx context.Context, store *StateStore, cache *FolderCache, dir string, entry manifest.Entry) {
	if store.Completed(entry.ArchivePath) {
		e.counters.FilesAlreadyDone.Add(1)
		return
	}

	local := filepath.Join(dir, entry.ArchivePath)
	info, err := os.Stat(local)
	if err != nil {
		e.counters.FilesSkipped.Add(1)
		log.Warn().Str("member", entry.ArchivePath).Str("path", entry.GoogleDrivePath).
			Msg("Archive member missing locally, skipped.")
		return
	}

	parentRel := folderOf(entry.GoogleDrivePath)
	parentID, ok := cache.Get(parentRel)
	if !ok {
		// folder phase ran before uploads, so this only happens when the
		// folder could not be created; try once more on this worker
		parentID, err = cache.EnsurePath(ctx, parentRel)
		if err != nil {
			if isCancellation(err) {
				return
			}
			e.counters.FilesFailed.Add(1)
			log.Error().Err(err).Str("path", entry.GoogleDrivePath).Msg("No destination folder, upload failed.")
			return
		}
	}

	name := path.Base(entry.GoogleDrivePath)
	mime := remote.UploadMimeType(name)
	if err := e.uploadWithRetry(ctx, parentID, name, mime, local, info.Size()); err != nil {
		if isCancellation(err) {
			return
		}
		e.counters.FilesFailed.Add(1)
		log.Error().Err(err).Str("path", entry.GoogleDrivePath).Msg("Upload failed.")
		return
	}

	store.MarkCompleted(entry.ArchivePath)
	e.counters.FilesUploaded.Add(1)
	e.counters.BytesUploaded.Add(info.Size())
	log.Debug().Str("path", entry.GoogleDrivePath).Msg("Uploaded.")
}

// uploadWithRetry uploads one local file, retrying transient and generic
// I/O failures with the fixed inter-attempt delay.
func (e *Engine) uploadWithRetry(ctx context.Context, parentID, name, mime, local string, size int64) error {
	var err error
	for try := 1; try <= e.uploadAttempts; try++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = e.uploadOnce(ctx, parentID, name, mime, local, size)
		if err == nil {
			return nil
		}
		if !remote.Retryable(err) {
			return err
		}
		if try < e.uploadAttempts {
			log.Warn().Str("name", name).Int("attempt", try).Err(err).
				Msg("Upload failed, will retry.")
			if serr := sleepCtx(ctx, e.uploadDelay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("upload of %q failed after %d attempts: %w", name, e.uploadAttempts, err)
}

// uploadOnce performs a single upload attempt from the start of the file.
func (e *Engine) uploadOnce(ctx context.Context, parentID, name, mime, local string, size int64) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = e.drive.Upload(ctx, parentID, name, mime, in, size)
	return err
}

// saveState writes the journal, logging rather than failing on trouble.
// Deliberately not cancellable.
func (e *Engine) saveState(store *StateStore) {
	if err := store.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save restore state.")
	}
}

// folderOf extracts the directory part of a manifest path, relative to the
// restore parent: "/Root/a/b.txt" -> "Root/a".
func folderOf(drivePath string) string {
	rel := strings.Trim(drivePath, "/")
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

// isCancellation reports whether err stems from the operation's context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
