// Package backup implements the backup engine: it lists a remote subtree,
// decides per file whether to copy from a prior archive or fetch from the
// remote, materializes everything in a staging directory and emits a flat
// zip archive with a manifest.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gdrive-zipbackup/archive"
	"github.com/gdrive-zipbackup/fetch"
	"github.com/gdrive-zipbackup/lib/parallel"
	"github.com/gdrive-zipbackup/manifest"
	"github.com/gdrive-zipbackup/remote"
	"github.com/gdrive-zipbackup/version"
)

// stampLayout names temp directories and archives uniquely per run.
const stampLayout = "20060102_150405"

// Options configures one backup run.
type Options struct {
	RootFolderID string   // remote subtree to back up
	PriorArchive string   // optional prior archive for incremental copies
	Exclusions   []string // relative paths pruned from the listing
	MaxParallel  int      // worker bound, clamped to [1,10]
	TempDir      string   // scratch space for staging and prior extraction
	OutputDir    string   // where the archive is written
}

// Counters is the atomic counter set updated by workers during a run.
type Counters struct {
	FilesListed         atomic.Int64
	UnsupportedSkipped  atomic.Int64
	FilesCopied         atomic.Int64
	CopyErrors          atomic.Int64
	DownloadAttempts    atomic.Int64
	SuccessfulDownloads atomic.Int64
	FailedDownloads     atomic.Int64
	BytesCopied         atomic.Int64
	BytesDownloaded     atomic.Int64
}

// CounterSnapshot is a plain copy of the counters for results and logs.
type CounterSnapshot struct {
	FilesListed         int64
	UnsupportedSkipped  int64
	FilesCopied         int64
	CopyErrors          int64
	DownloadAttempts    int64
	SuccessfulDownloads int64
	FailedDownloads     int64
	BytesCopied         int64
	BytesDownloaded     int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FilesListed:         c.FilesListed.Load(),
		UnsupportedSkipped:  c.UnsupportedSkipped.Load(),
		FilesCopied:         c.FilesCopied.Load(),
		CopyErrors:          c.CopyErrors.Load(),
		DownloadAttempts:    c.DownloadAttempts.Load(),
		SuccessfulDownloads: c.SuccessfulDownloads.Load(),
		FailedDownloads:     c.FailedDownloads.Load(),
		BytesCopied:         c.BytesCopied.Load(),
		BytesDownloaded:     c.BytesDownloaded.Load(),
	}
}

// Result is the structured outcome of one backup run.
type Result struct {
	Success     bool // clean run: no failed downloads, no copy errors
	Cancelled   bool
	Elapsed     time.Duration
	ArchivePath string // empty when no archive was emitted
	Counters    CounterSnapshot
}

// Engine orchestrates one backup run.
type Engine struct {
	drive      remote.Drive
	fetcher    *fetch.Fetcher
	opts       Options
	exclusions *ExclusionSet
	counters   Counters

	manifestMu sync.Mutex
	entries    []manifest.Entry
}

// New creates a backup engine. The fetcher carries the download retry
// policy and is shared with the repair engine.
func New(d remote.Drive, f *fetch.Fetcher, opts Options) *Engine {
	return &Engine{
		drive:      d,
		fetcher:    f,
		opts:       opts,
		exclusions: NewExclusionSet(opts.Exclusions),
	}
}

// Run executes the backup. The returned error is non-nil only for failures
// fatal to the whole operation (unresolvable root, staging or archive I/O);
// per-file trouble is reflected in the counters and the Success flag, and
// cancellation in the Cancelled flag.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	stamp := start.UTC().Format(stampLayout)
	result := &Result{}
	finish := func() *Result {
		result.Elapsed = time.Since(start)
		result.Counters = e.counters.Snapshot()
		return result
	}

	stagingDir := filepath.Join(e.opts.TempDir, "newbackup_"+stamp)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return finish(), remote.WrapLocal(fmt.Errorf("failed to create staging directory: %w", err))
	}
	defer os.RemoveAll(stagingDir)

	// Phase 1: prior-archive prep. Any trouble here downgrades to a full
	// backup; it never fails the run.
	var priorByID map[string]manifest.Entry
	var priorDir string
	if e.opts.PriorArchive != "" {
		priorDir = filepath.Join(e.opts.TempDir, "oldextract_"+stamp)
		defer os.RemoveAll(priorDir)
		priorByID = e.loadPrior(priorDir)
	}

	// Phase 2: listing.
	files, err := e.listSubtree(ctx)
	if err != nil {
		if isCancellation(err) {
			result.Cancelled = true
			return finish(), nil
		}
		return finish(), err
	}
	log.Info().Int("files", len(files)).Msg("Listing complete.")

	// Phase 3: analysis.
	planned := e.analyze(files, priorByID)

	// Phase 4: execution.
	tasks := make([]func(), 0, len(planned))
	for _, pf := range planned {
		if pf.action == actionSkipUnsupported {
			log.Info().Str("path", pf.item.Path).Str("mime", pf.item.MimeType).
				Msg("Skipping unsupported native document.")
			continue
		}
		pf := pf
		tasks = append(tasks, func() { e.execute(ctx, pf, stagingDir, priorDir) })
	}
	if err := parallel.Run(ctx, e.opts.MaxParallel, tasks); err != nil {
		result.Cancelled = true
		return finish(), nil
	}

	// Phase 5: finalization. The archive is emitted even on a dirty run so
	// the caller can inspect it; only cancellation suppresses it.
	e.manifestMu.Lock()
	m := &manifest.Manifest{
		BackupToolVersion:  version.ToolVersion(),
		BackupTimestampUtc: time.Now().UTC(),
		Files:              e.entries,
	}
	e.manifestMu.Unlock()
	if err := manifest.Write(stagingDir, m); err != nil {
		return finish(), err
	}

	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return finish(), remote.WrapLocal(fmt.Errorf("failed to create output directory: %w", err))
	}
	archivePath := filepath.Join(e.opts.OutputDir, "drive_backup_"+stamp+".zip")
	if err := archive.Create(stagingDir, archivePath); err != nil {
		return finish(), err
	}
	result.ArchivePath = archivePath

	snap := e.counters.Snapshot()
	result.Success = snap.FailedDownloads == 0 && snap.CopyErrors == 0
	finish()
	log.Info().
		Bool("success", result.Success).
		Int64("listed", snap.FilesListed).
		Int64("copied", snap.FilesCopied).
		Int64("downloaded", snap.SuccessfulDownloads).
		Int64("failed", snap.FailedDownloads).
		Str("archive", archivePath).
		Dur("elapsed", result.Elapsed).
		Msg("Backup finished.")
	return result, nil
}

// loadPrior extracts the prior archive and indexes its manifest by id.
// Returns nil when the prior is missing or unreadable.
func (e *Engine) loadPrior(priorDir string) map[string]manifest.Entry {
	if _, err := os.Stat(e.opts.PriorArchive); err != nil {
		log.Info().Str("archive", e.opts.PriorArchive).
			Msg("Prior archive not found, running a full backup.")
		return nil
	}
	if err := archive.ExtractAll(e.opts.PriorArchive, priorDir); err != nil {
		log.Warn().Err(err).Str("archive", e.opts.PriorArchive).
			Msg("Failed to extract prior archive, running a full backup.")
		return nil
	}
	m, err := manifest.Read(priorDir)
	if err != nil {
		log.Warn().Err(err).Str("archive", e.opts.PriorArchive).
			Msg("Failed to read prior manifest, running a full backup.")
		return nil
	}
	log.Info().Int("entries", len(m.Files)).Msg("Prior archive loaded for incremental backup.")
	return m.ByID()
}

// execute materializes one planned file in the staging directory.
func (e *Engine) execute(ctx context.Context, pf plannedFile, stagingDir, priorDir string) {
	dest := filepath.Join(stagingDir, pf.archivePath)

	if pf.action == actionCopy {
		n, err := copyFile(filepath.Join(priorDir, pf.priorMember), dest)
		if err == nil {
			e.counters.FilesCopied.Add(1)
			e.counters.BytesCopied.Add(n)
			e.addEntry(pf)
			return
		}
		os.Remove(dest)
		if ctx.Err() != nil {
			return
		}
		e.counters.CopyErrors.Add(1)
		log.Warn().Err(err).Str("id", pf.item.ID).Str("path", pf.item.Path).
			Msg("Copy from prior archive failed, downloading instead.")
	}

	res, err := e.fetcher.Fetch(ctx, pf.item, pf.exportMime, dest)
	e.counters.DownloadAttempts.Add(int64(res.Attempts))
	if err != nil {
		if isCancellation(err) {
			return
		}
		e.counters.FailedDownloads.Add(1)
		log.Error().Err(err).Str("id", pf.item.ID).Str("path", pf.item.Path).
			Msg("Download failed.")
		return
	}
	e.counters.SuccessfulDownloads.Add(1)
	e.counters.BytesDownloaded.Add(res.Bytes)
	e.addEntry(pf)
}

// addEntry records a successfully materialized file in the manifest bag.
func (e *Engine) addEntry(pf plannedFile) {
	entry := manifest.Entry{
		GoogleDrivePath:         pf.item.Path,
		ArchivePath:             pf.archivePath,
		SizeBytes:               pf.item.SizeBytes,
		GoogleDriveModifiedTime: pf.item.ModifiedTime,
	}
	e.manifestMu.Lock()
	e.entries = append(e.entries, entry)
	e.manifestMu.Unlock()
}

// copyFile copies src to dst and returns the bytes written.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, remote.WrapLocal(err)
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, remote.WrapLocal(err)
	}
	return n, nil
}

// isCancellation reports whether err stems from the operation's context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
