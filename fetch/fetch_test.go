package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdrive-zipbackup/remote"
	"github.com/gdrive-zipbackup/remote/remotetest"
)

func transientErr() error {
	return fmt.Errorf("%w: 503 backend error", remote.ErrTransient)
}

func TestFetchNative(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("hello"), nil)

	item, _ := fake.Item("X1")
	dest := filepath.Join(t.TempDir(), "X1.txt")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item, "", dest)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(5), res.Bytes)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFetchExport(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X2", "doc", "application/vnd.google-apps.document", nil, nil)
	fake.SetExport("X2", []byte("exported"))

	item, _ := fake.Item("X2")
	dest := filepath.Join(t.TempDir(), "X2.docx")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Bytes)
}

func TestFetchRetriesTransient(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("payload"), nil)
	fake.FailNext("download", "X1", 2, transientErr())

	item, _ := fake.Item("X1")
	dest := filepath.Join(t.TempDir(), "X1.txt")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item, "", dest)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFetchExhaustsAttempts(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("payload"), nil)
	fake.FailNext("download", "X1", 5, transientErr())

	item, _ := fake.Item("X1")
	dest := filepath.Join(t.TempDir(), "X1.txt")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item, "", dest)
	assert.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	// partial output must not survive a failed fetch
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchDoesNotRetryPermanent(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("payload"), nil)
	fake.FailNext("download", "X1", 5, fmt.Errorf("%w: 403 forbidden", remote.ErrPermanent))

	item, _ := fake.Item("X1")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item, "", filepath.Join(t.TempDir(), "X1.txt"))
	assert.ErrorIs(t, err, remote.ErrPermanent)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchDoesNotRetryDiskFull(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("payload"), nil)
	fake.FailNext("download", "X1", 5, remote.ErrDiskFull)

	item, _ := fake.Item("X1")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(context.Background(), item, "", filepath.Join(t.TempDir(), "X1.txt"))
	assert.ErrorIs(t, err, remote.ErrDiskFull)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchPropagatesCancellation(t *testing.T) {
	fake := remotetest.New("root", "Root")
	fake.AddFile("root", "X1", "a.txt", "text/plain", []byte("payload"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item, _ := fake.Item("X1")
	f := NewWithPolicy(fake, 3, 0)

	res, err := f.Fetch(ctx, item, "", filepath.Join(t.TempDir(), "X1.txt"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Attempts)
}
