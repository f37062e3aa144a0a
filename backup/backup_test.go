package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdrive-zipbackup/archive"
	"github.com/gdrive-zipbackup/fetch"
	"github.com/gdrive-zipbackup/manifest"
	"github.com/gdrive-zipbackup/remote"
	"github.com/gdrive-zipbackup/remote/remotetest"
)

const docMime = "application/vnd.google-apps.document"

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

// newEnv builds a fake drive holding the E1 subtree:
// /Root/a.txt (id X1, 10 bytes) and /Root/doc (id X2, native document).
func newEnv(t *testing.T) (*remotetest.FakeDrive, Options) {
	t.Helper()
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("0123456789"), ts("2024-04-01T10:00:00Z"))
	fake.AddFile("root", "X2", "doc", docMime, nil, ts("2024-04-01T10:00:00Z"))
	fake.SetExport("X2", []byte("exported document"))

	opts := Options{
		RootFolderID: "root",
		MaxParallel:  4,
		TempDir:      t.TempDir(),
		OutputDir:    t.TempDir(),
	}
	return fake, opts
}

func runBackup(t *testing.T, fake *remotetest.FakeDrive, opts Options) *Result {
	t.Helper()
	e := New(fake, fetch.NewWithPolicy(fake, 3, 0), opts)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	return result
}

func archiveMembers(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func readManifest(t *testing.T, archivePath string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, archive.ExtractAll(archivePath, dir))
	m, err := manifest.Read(dir)
	require.NoError(t, err)
	return m
}

func TestBackupFreshArchive(t *testing.T) {
	fake, opts := newEnv(t)
	result := runBackup(t, fake, opts)

	assert.True(t, result.Success)
	assert.False(t, result.Cancelled)
	require.NotEmpty(t, result.ArchivePath)

	assert.Equal(t, []string{"X1.txt", "X2.docx", "_manifest.json"}, archiveMembers(t, result.ArchivePath))

	m := readManifest(t, result.ArchivePath)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "/Root/a.txt", m.Files[0].GoogleDrivePath)
	assert.Equal(t, "X1.txt", m.Files[0].ArchivePath)
	assert.Equal(t, int64(10), m.Files[0].SizeBytes)
	assert.Equal(t, "/Root/doc", m.Files[1].GoogleDrivePath)
	assert.Equal(t, "X2.docx", m.Files[1].ArchivePath)

	assert.Equal(t, int64(2), result.Counters.FilesListed)
	assert.Equal(t, int64(2), result.Counters.SuccessfulDownloads)
	assert.Equal(t, int64(0), result.Counters.FailedDownloads)
}

func TestBackupIncrementalCopiesUnchanged(t *testing.T) {
	fake, opts := newEnv(t)
	fake.AddFile("root", "X3", "b.bin", "application/octet-stream", []byte("bbb"), ts("2024-04-01T11:00:00Z"))
	first := runBackup(t, fake, opts)
	require.True(t, first.Success)

	// X3 changes, X1 stays put, X2 is a native doc and always re-exports
	fake.SetContent("X3", []byte("b2b2"))
	fake.SetModifiedTime("X3", ts("2024-04-02T09:00:00Z"))

	opts.PriorArchive = first.ArchivePath
	opts.TempDir, opts.OutputDir = t.TempDir(), t.TempDir()
	second := runBackup(t, fake, opts)

	assert.True(t, second.Success)
	assert.Equal(t, int64(1), second.Counters.FilesCopied, "unchanged X1 must be copied")
	assert.Equal(t, int64(2), second.Counters.SuccessfulDownloads, "changed X3 and exported X2 must be downloaded")
	assert.Equal(t, int64(0), second.Counters.CopyErrors)

	m := readManifest(t, second.ArchivePath)
	assert.Len(t, m.Files, 3)
}

func TestBackupModTimeEquivalenceBoundary(t *testing.T) {
	base := "2024-04-01T10:00:00Z"
	tests := []struct {
		name       string
		offset     time.Duration
		wantCopied int64
	}{
		{"999ms apart is equivalent", 999 * time.Millisecond, 1},
		{"1001ms apart is not", 1001 * time.Millisecond, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := remotetest.New("root", "Root")
			fake.AddFile("root", "F1", "f.bin", "application/octet-stream", []byte("data"), ts(base))
			opts := Options{RootFolderID: "root", MaxParallel: 1, TempDir: t.TempDir(), OutputDir: t.TempDir()}
			first := runBackup(t, fake, opts)

			shifted := ts(base).Add(test.offset)
			fake.SetModifiedTime("F1", &shifted)

			opts.PriorArchive = first.ArchivePath
			opts.TempDir, opts.OutputDir = t.TempDir(), t.TempDir()
			second := runBackup(t, fake, opts)
			assert.Equal(t, test.wantCopied, second.Counters.FilesCopied)
		})
	}
}

func TestBackupExclusions(t *testing.T) {
	fake, opts := newEnv(t)
	fake.AddFolder("root", "sub", "Old")
	fake.AddFile("sub", "X9", "inside.txt", "text/plain", []byte("x"), nil)
	fake.AddFile("root", "X8", "skipme.txt", "text/plain", []byte("y"), nil)

	opts.Exclusions = []string{"/Old", "/skipme.txt"}
	result := runBackup(t, fake, opts)

	assert.True(t, result.Success)
	assert.Equal(t, int64(2), result.Counters.FilesListed)
	assert.Equal(t, []string{"X1.txt", "X2.docx", "_manifest.json"}, archiveMembers(t, result.ArchivePath))
}

func TestBackupSkipsUnsupportedNativeDocs(t *testing.T) {
	fake, opts := newEnv(t)
	fake.AddFile("root", "X7", "survey", "application/vnd.google-apps.form", nil, nil)

	result := runBackup(t, fake, opts)

	assert.True(t, result.Success)
	assert.Equal(t, int64(1), result.Counters.UnsupportedSkipped)
	assert.NotContains(t, archiveMembers(t, result.ArchivePath), "X7")
}

func TestBackupDirtyOnFailedDownload(t *testing.T) {
	fake, opts := newEnv(t)
	fake.FailNext("download", "X1", 5, fmt.Errorf("%w: 503", remote.ErrTransient))

	result := runBackup(t, fake, opts)

	assert.False(t, result.Success)
	assert.Equal(t, int64(1), result.Counters.FailedDownloads)
	assert.Equal(t, int64(4), result.Counters.DownloadAttempts, "three attempts for X1, one for X2")
	// the archive is still emitted for inspection, without the failed member
	require.NotEmpty(t, result.ArchivePath)
	assert.Equal(t, []string{"X2.docx", "_manifest.json"}, archiveMembers(t, result.ArchivePath))
	m := readManifest(t, result.ArchivePath)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "/Root/doc", m.Files[0].GoogleDrivePath)
}

func TestBackupCopyErrorFallsBackToDownload(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "F1", "f.bin", "application/octet-stream", []byte("data"), ts("2024-04-01T10:00:00Z"))

	// a prior archive whose manifest promises F1.bin but whose member is gone
	staging := t.TempDir()
	require.NoError(t, manifest.Write(staging, &manifest.Manifest{
		BackupToolVersion:  "test",
		BackupTimestampUtc: time.Now().UTC(),
		Files: []manifest.Entry{
			{GoogleDrivePath: "/Root/f.bin", ArchivePath: "F1.bin", SizeBytes: 4, GoogleDriveModifiedTime: ts("2024-04-01T10:00:00Z")},
		},
	}))
	priorPath := filepath.Join(t.TempDir(), "prior.zip")
	require.NoError(t, archive.Create(staging, priorPath))

	opts := Options{
		RootFolderID: "root",
		PriorArchive: priorPath,
		MaxParallel:  1,
		TempDir:      t.TempDir(),
		OutputDir:    t.TempDir(),
	}
	result := runBackup(t, fake, opts)

	assert.False(t, result.Success, "a copy error makes the run dirty")
	assert.Equal(t, int64(1), result.Counters.CopyErrors)
	assert.Equal(t, int64(1), result.Counters.SuccessfulDownloads, "fallback download must run")
	assert.Contains(t, archiveMembers(t, result.ArchivePath), "F1.bin")
}

func TestBackupUnreadablePriorRunsFull(t *testing.T) {
	fake, opts := newEnv(t)
	bogus := filepath.Join(t.TempDir(), "bogus.zip")
	require.NoError(t, os.WriteFile(bogus, []byte("not a zip"), 0o644))
	opts.PriorArchive = bogus

	result := runBackup(t, fake, opts)
	assert.True(t, result.Success)
	assert.Equal(t, int64(0), result.Counters.FilesCopied)
	assert.Equal(t, int64(2), result.Counters.SuccessfulDownloads)
}

func TestBackupRootUnavailable(t *testing.T) {
	fake, opts := newEnv(t)
	opts.RootFolderID = "no-such-root"

	e := New(fake, fetch.NewWithPolicy(fake, 1, 0), opts)
	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, remote.ErrRootUnavailable)
}

func TestBackupCancelledBeforeStart(t *testing.T) {
	fake, opts := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(fake, fetch.NewWithPolicy(fake, 1, 0), opts)
	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.ArchivePath)
	assert.Equal(t, int64(0), result.Counters.FailedDownloads, "cancellation is not a per-file failure")
}
