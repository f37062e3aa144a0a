// Package fetch materializes single remote files on the local filesystem.
// Both the backup and repair engines delegate their downloads here so the
// retry policy lives in exactly one place.
package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gdrive-zipbackup/remote"
)

const (
	// defaultAttempts is the total number of tries per file.
	defaultAttempts = 3
	// defaultDelay is the fixed wait between attempts.
	defaultDelay = 7 * time.Second
)

// Fetcher downloads remote files to local paths with a bounded retry policy:
// transient remote conditions and generic I/O errors are retried, disk-full
// and permanent failures are not, and cancellation propagates immediately.
type Fetcher struct {
	drive    remote.Drive
	attempts int
	delay    time.Duration
}

// Result reports what one fetch actually did, so callers can keep their own
// counters without the fetcher knowing about them.
type Result struct {
	Attempts int   // download attempts made, successful or not
	Bytes    int64 // bytes written on the successful attempt
}

// New creates a Fetcher with the standard retry policy.
func New(d remote.Drive) *Fetcher {
	return &Fetcher{drive: d, attempts: defaultAttempts, delay: defaultDelay}
}

// NewWithPolicy creates a Fetcher with a custom attempt count and delay.
// Used by tests; production code uses New.
func NewWithPolicy(d remote.Drive, attempts int, delay time.Duration) *Fetcher {
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{drive: d, attempts: attempts, delay: delay}
}

// Fetch downloads the item to destPath. When exportMime is non-empty the
// remote export endpoint is used, otherwise the native download endpoint.
// Any partial output file is removed before a retry and after final failure.
func (f *Fetcher) Fetch(ctx context.Context, item remote.Item, exportMime, destPath string) (Result, error) {
	var res Result
	var err error
	for try := 1; try <= f.attempts; try++ {
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}

		res.Attempts++
		var n int64
		n, err = f.fetchOnce(ctx, item, exportMime, destPath)
		if err == nil {
			res.Bytes = n
			return res, nil
		}

		os.Remove(destPath)

		if !remote.Retryable(err) {
			return res, err
		}
		if try < f.attempts {
			log.Warn().
				Str("id", item.ID).
				Str("path", item.Path).
				Int("attempt", try).
				Err(err).
				Msg("Download failed, will retry.")
			if serr := sleepCtx(ctx, f.delay); serr != nil {
				return res, serr
			}
		}
	}
	return res, fmt.Errorf("download of %q failed after %d attempts: %w", item.Path, f.attempts, err)
}

// fetchOnce performs a single download attempt, returning bytes written.
func (f *Fetcher) fetchOnce(ctx context.Context, item remote.Item, exportMime, destPath string) (written int64, err error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, remote.WrapLocal(fmt.Errorf("failed to create %q: %w", destPath, err))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = remote.WrapLocal(cerr)
		}
	}()

	cw := &countingWriter{w: out}
	if exportMime != "" {
		err = f.drive.Export(ctx, item.ID, exportMime, cw)
	} else {
		err = f.drive.DownloadNative(ctx, item.ID, cw)
	}
	if err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// countingWriter counts the bytes passed through to the wrapped writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, remote.WrapLocal(err)
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
