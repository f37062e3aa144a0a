// Package repair reconstructs a partially damaged archive: it extracts what
// is left, validates the manifest, detects members the archive should hold
// but does not, re-fetches them from the remote drive, and emits a repaired
// archive alongside the original.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gdrive-zipbackup/archive"
	"github.com/gdrive-zipbackup/fetch"
	"github.com/gdrive-zipbackup/lib/parallel"
	"github.com/gdrive-zipbackup/manifest"
	"github.com/gdrive-zipbackup/remote"
)

const stampLayout = "20060102_150405"

// validID matches the id stem of an archive member. Members whose stem does
// not match cannot be re-fetched and are counted as skipped.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Options configures one repair run.
type Options struct {
	ArchivePath string // candidate-damaged archive
	MaxParallel int    // worker bound, clamped to [1,10]
	TempDir     string // scratch space for the extraction
	OutputDir   string // fallback directory for the repaired archive
}

// Counters is the atomic counter set updated during a run.
type Counters struct {
	FilesFoundOk       atomic.Int64
	FilesMissing       atomic.Int64
	RepairsSkippedNoID atomic.Int64
	DownloadAttempts   atomic.Int64
	DownloadsSucceeded atomic.Int64
	DownloadsFailed    atomic.Int64
	BytesDownloaded    atomic.Int64
}

// CounterSnapshot is a plain copy of the counters for results and logs.
type CounterSnapshot struct {
	FilesFoundOk       int64
	FilesMissing       int64
	RepairsSkippedNoID int64
	DownloadAttempts   int64
	DownloadsSucceeded int64
	DownloadsFailed    int64
	BytesDownloaded    int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FilesFoundOk:       c.FilesFoundOk.Load(),
		FilesMissing:       c.FilesMissing.Load(),
		RepairsSkippedNoID: c.RepairsSkippedNoID.Load(),
		DownloadAttempts:   c.DownloadAttempts.Load(),
		DownloadsSucceeded: c.DownloadsSucceeded.Load(),
		DownloadsFailed:    c.DownloadsFailed.Load(),
		BytesDownloaded:    c.BytesDownloaded.Load(),
	}
}

// Result is the structured outcome of one repair run.
type Result struct {
	RepairAttempted     bool // a readable manifest had missing members
	OverallSuccess      bool
	Cancelled           bool
	Elapsed             time.Duration
	RepairedArchivePath string // empty when no repaired archive was emitted
	Counters            CounterSnapshot
}

// Engine orchestrates one repair run.
type Engine struct {
	drive    remote.Drive
	fetcher  *fetch.Fetcher
	opts     Options
	counters Counters
}

// New creates a repair engine. The fetcher carries the download retry
// policy and is shared with the backup engine.
func New(d remote.Drive, f *fetch.Fetcher, opts Options) *Engine {
	return &Engine{drive: d, fetcher: f, opts: opts}
}

// Run executes the repair. An unreadable archive or manifest yields a
// result with RepairAttempted and OverallSuccess false rather than an
// error; the error return is reserved for scratch-space failures.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	stamp := start.UTC().Format(stampLayout)
	result := &Result{}
	finish := func() *Result {
		result.Elapsed = time.Since(start)
		result.Counters = e.counters.Snapshot()
		return result
	}

	// Phase 1: extraction and manifest validation.
	extractDir := filepath.Join(e.opts.TempDir, "repair_extract_"+stamp)
	defer os.RemoveAll(extractDir)

	if err := archive.ExtractAll(e.opts.ArchivePath, extractDir); err != nil {
		log.Error().Err(err).Str("archive", e.opts.ArchivePath).Msg("Cannot extract archive for repair.")
		return finish(), nil
	}
	m, err := manifest.Read(extractDir)
	if err != nil {
		log.Error().Err(err).Str("archive", e.opts.ArchivePath).Msg("Cannot read manifest for repair.")
		return finish(), nil
	}

	// Phase 2: check which members the extraction actually holds.
	var missing []manifest.Entry
	for _, entry := range m.Files {
		if _, err := os.Stat(filepath.Join(extractDir, entry.ArchivePath)); err == nil {
			e.counters.FilesFoundOk.Add(1)
			continue
		}
		e.counters.FilesMissing.Add(1)
		if !validID.MatchString(entry.ID()) {
			e.counters.RepairsSkippedNoID.Add(1)
			log.Warn().Str("member", entry.ArchivePath).
				Msg("Missing member has no usable id, cannot re-fetch.")
			continue
		}
		missing = append(missing, entry)
	}

	if e.counters.FilesMissing.Load() == 0 {
		// intact archive: nothing to do, nothing to emit
		result.OverallSuccess = true
		finish()
		log.Info().Int64("found_ok", result.Counters.FilesFoundOk).
			Msg("Archive is intact, no repair needed.")
		return result, nil
	}
	result.RepairAttempted = true
	log.Info().Int("missing", len(missing)).
		Int64("skipped_no_id", e.counters.RepairsSkippedNoID.Load()).
		Msg("Re-fetching missing archive members.")

	// Phase 3: parallel refetch of the usable missing members.
	tasks := make([]func(), 0, len(missing))
	for _, entry := range missing {
		entry := entry
		tasks = append(tasks, func() { e.refetch(ctx, extractDir, entry) })
	}
	if err := parallel.Run(ctx, e.opts.MaxParallel, tasks); err != nil {
		result.Cancelled = true
		return finish(), nil
	}

	// Phase 4: emit the repaired archive only for a complete repair.
	snap := e.counters.Snapshot()
	if snap.DownloadsFailed > 0 || snap.RepairsSkippedNoID > 0 {
		finish()
		log.Warn().
			Int64("failed", snap.DownloadsFailed).
			Int64("skipped_no_id", snap.RepairsSkippedNoID).
			Msg("Repair incomplete, no repaired archive emitted.")
		return result, nil
	}

	repairedPath, err := e.emitRepaired(extractDir, stamp)
	if err != nil {
		return finish(), err
	}
	result.RepairedArchivePath = repairedPath
	result.OverallSuccess = true
	finish()
	log.Info().
		Int64("refetched", snap.DownloadsSucceeded).
		Str("archive", repairedPath).
		Dur("elapsed", result.Elapsed).
		Msg("Repair finished.")
	return result, nil
}

// refetch re-downloads one missing member into the extraction directory.
// The item is synthesized from the manifest entry; the current remote MIME
// type decides between export and native download.
func (e *Engine) refetch(ctx context.Context, extractDir string, entry manifest.Entry) {
	id := entry.ID()
	meta, err := e.drive.GetMeta(ctx, id)
	if err != nil {
		if isCancellation(err) {
			return
		}
		e.counters.DownloadsFailed.Add(1)
		log.Error().Err(err).Str("id", id).Str("path", entry.GoogleDrivePath).
			Msg("Cannot look up missing member on the remote.")
		return
	}

	item := remote.Item{
		ID:           id,
		Name:         meta.Name,
		Path:         entry.GoogleDrivePath,
		SizeBytes:    entry.SizeBytes,
		MimeType:     meta.MimeType,
		ModifiedTime: entry.GoogleDriveModifiedTime,
	}
	var exportMime string
	if f, ok := remote.ExportFormatFor(meta.MimeType); ok {
		exportMime = f.Mime
	}

	dest := filepath.Join(extractDir, entry.ArchivePath)
	res, err := e.fetcher.Fetch(ctx, item, exportMime, dest)
	e.counters.DownloadAttempts.Add(int64(res.Attempts))
	if err != nil {
		if isCancellation(err) {
			return
		}
		e.counters.DownloadsFailed.Add(1)
		log.Error().Err(err).Str("id", id).Str("path", entry.GoogleDrivePath).
			Msg("Re-fetch failed.")
		return
	}
	e.counters.DownloadsSucceeded.Add(1)
	e.counters.BytesDownloaded.Add(res.Bytes)
}

// emitRepaired packs the completed extraction into a new archive next to
// the original, falling back to the configured output directory.
func (e *Engine) emitRepaired(extractDir, stamp string) (string, error) {
	base := filepath.Base(e.opts.ArchivePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := stem + "_REPAIRED_" + stamp + ".zip"

	dir := filepath.Dir(e.opts.ArchivePath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = e.opts.OutputDir
	}

	repairedPath := filepath.Join(dir, name)
	if err := archive.Create(extractDir, repairedPath); err != nil {
		return "", err
	}
	return repairedPath, nil
}

// isCancellation reports whether err stems from the operation's context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// String renders the snapshot for operator-facing summaries.
func (s CounterSnapshot) String() string {
	return fmt.Sprintf("ok=%d missing=%d refetched=%d failed=%d skipped_no_id=%d",
		s.FilesFoundOk, s.FilesMissing, s.DownloadsSucceeded, s.DownloadsFailed, s.RepairsSkippedNoID)
}
