package repair

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

// buildArchive creates an archive with the given members and manifest.
func buildArchive(t *testing.T, dir string, members map[string]string, entries []manifest.Entry) string {
	t.Helper()
	staging := t.TempDir()
	for name, content := range members {
		require.NoError(t, os.WriteFile(filepath.Join(staging, name), []byte(content), 0o644))
	}
	require.NoError(t, manifest.Write(staging, &manifest.Manifest{
		BackupToolVersion:  "test",
		BackupTimestampUtc: time.Now().UTC(),
		Files:              entries,
	}))
	archivePath := filepath.Join(dir, "damaged.zip")
	require.NoError(t, archive.Create(staging, archivePath))
	return archivePath
}

func fullEntries() []manifest.Entry {
	return []manifest.Entry{
		{GoogleDrivePath: "/Root/a.txt", ArchivePath: "X1.txt", SizeBytes: 5},
		{GoogleDrivePath: "/Root/doc", ArchivePath: "X2.docx", SizeBytes: 11},
	}
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

func newEngine(t *testing.T, fake *remotetest.FakeDrive, archivePath string) *Engine {
	t.Helper()
	opts := Options{
		ArchivePath: archivePath,
		MaxParallel: 2,
		TempDir:     t.TempDir(),
		OutputDir:   t.TempDir(),
	}
	return New(fake, fetch.NewWithPolicy(fake, 3, 0), opts)
}

func TestRepairRefetchesMissingMember(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X2", "doc", "application/vnd.google-apps.document", nil, nil)
	fake.SetExport("X2", []byte("doc content"))

	// archive is missing X2.docx
	archivePath := buildArchive(t, t.TempDir(), map[string]string{"X1.txt": "hello"}, fullEntries())

	result, err := newEngine(t, fake, archivePath).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.RepairAttempted)
	assert.True(t, result.OverallSuccess)
	assert.Equal(t, int64(1), result.Counters.FilesFoundOk)
	assert.Equal(t, int64(1), result.Counters.FilesMissing)
	assert.Equal(t, int64(1), result.Counters.DownloadsSucceeded)

	require.NotEmpty(t, result.RepairedArchivePath)
	assert.Contains(t, filepath.Base(result.RepairedArchivePath), "damaged_REPAIRED_")
	assert.Equal(t, filepath.Dir(archivePath), filepath.Dir(result.RepairedArchivePath),
		"repaired archive lands next to the original")
	assert.Equal(t, []string{"X1.txt", "X2.docx", "_manifest.json"}, archiveMembers(t, result.RepairedArchivePath))
}

func TestRepairIntactArchiveIsNoOp(t *testing.T) {
	fake := remotetest.New("root", "Root")
	archivePath := buildArchive(t, t.TempDir(),
		map[string]string{"X1.txt": "hello", "X2.docx": "doc content"}, fullEntries())

	result, err := newEngine(t, fake, archivePath).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.RepairAttempted)
	assert.True(t, result.OverallSuccess)
	assert.Equal(t, int64(2), result.Counters.FilesFoundOk)
	assert.Equal(t, int64(0), result.Counters.FilesMissing)
	assert.Empty(t, result.RepairedArchivePath, "no new archive for an intact input")
}

func TestRepairSkipsInvalidIDStem(t *testing.T) {
	fake := remotetest.New("root", "Root")
	entries := []manifest.Entry{
		{GoogleDrivePath: "/Root/a.txt", ArchivePath: "X1.txt", SizeBytes: 5},
		{GoogleDrivePath: "/Root/evil", ArchivePath: "...txt", SizeBytes: 1},
	}
	archivePath := buildArchive(t, t.TempDir(), map[string]string{"X1.txt": "hello"}, entries)

	result, err := newEngine(t, fake, archivePath).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.RepairAttempted)
	assert.False(t, result.OverallSuccess)
	assert.Equal(t, int64(1), result.Counters.RepairsSkippedNoID)
	assert.Empty(t, result.RepairedArchivePath, "no repaired archive when members were skipped")
}

func TestRepairFailedRefetchEmitsNothing(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X2", "b.bin", "application/octet-stream", []byte("payload"), nil)
	fake.FailNext("download", "X2", 5, fmt.Errorf("%w: 503", remote.ErrTransient))

	entries := []manifest.Entry{
		{GoogleDrivePath: "/Root/a.txt", ArchivePath: "X1.txt", SizeBytes: 5},
		{GoogleDrivePath: "/Root/b.bin", ArchivePath: "X2.bin", SizeBytes: 7},
	}
	archivePath := buildArchive(t, t.TempDir(), map[string]string{"X1.txt": "hello"}, entries)

	result, err := newEngine(t, fake, archivePath).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.RepairAttempted)
	assert.False(t, result.OverallSuccess)
	assert.Equal(t, int64(1), result.Counters.DownloadsFailed)
	assert.Equal(t, int64(3), result.Counters.DownloadAttempts)
	assert.Empty(t, result.RepairedArchivePath)
}

func TestRepairUnreadableManifest(t *testing.T) {
	fake := remotetest.New("root", "Root")
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "X1.txt"), []byte("x"), 0o644))
	archivePath := filepath.Join(t.TempDir(), "nomanifest.zip")
	require.NoError(t, archive.Create(staging, archivePath))

	result, err := newEngine(t, fake, archivePath).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.RepairAttempted)
	assert.False(t, result.OverallSuccess)
}

func TestRepairCancelled(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X2", "b.bin", "application/octet-stream", []byte("payload"), nil)

	entries := []manifest.Entry{
		{GoogleDrivePath: "/Root/b.bin", ArchivePath: "X2.bin", SizeBytes: 7},
	}
	archivePath := buildArchive(t, t.TempDir(), map[string]string{}, entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := newEngine(t, fake, archivePath).Run(ctx)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.False(t, result.OverallSuccess)
	assert.Empty(t, result.RepairedArchivePath)
	assert.Equal(t, int64(0), result.Counters.DownloadsFailed, "cancellation is not a per-file failure")
}
