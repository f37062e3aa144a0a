package restore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdrive-zipbackup/remote/remotetest"
)

func TestEnsurePathCreatesNestedFolders(t *testing.T) {
	fake := remotetest.New("parent", "Dest")
	fc := NewFolderCache(fake, "parent")

	id, err := fc.EnsurePath(context.Background(), "Root/Photos/2024")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, fake.FoldersCreated())

	// walking the same path again is pure cache
	again, err := fc.EnsurePath(context.Background(), "Root/Photos/2024")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 3, fake.FoldersCreated())
}

func TestEnsurePathReusesExistingRemoteFolders(t *testing.T) {
	fake := remotetest.New("parent", "Dest")
	fake.AddFolder("parent", "existing-root", "Root")

	fc := NewFolderCache(fake, "parent")
	id, err := fc.EnsurePath(context.Background(), "Root")
	require.NoError(t, err)
	assert.Equal(t, "existing-root", id)
	assert.Equal(t, 0, fake.FoldersCreated())
}

func TestEnsurePathEmptyIsRestoreParent(t *testing.T) {
	fake := remotetest.New("parent", "Dest")
	fc := NewFolderCache(fake, "parent")

	for _, rel := range []string{"", "/", "//"} {
		id, err := fc.EnsurePath(context.Background(), rel)
		require.NoError(t, err)
		assert.Equal(t, "parent", id)
	}
}

func TestEnsurePathCaseInsensitiveKeys(t *testing.T) {
	fake := remotetest.New("parent", "Dest")
	fc := NewFolderCache(fake, "parent")

	first, err := fc.EnsurePath(context.Background(), "Root")
	require.NoError(t, err)

	id, ok := fc.Get("ROOT")
	assert.True(t, ok)
	assert.Equal(t, first, id)
}

func TestEnsurePathConcurrentNoDuplicates(t *testing.T) {
	fake := remotetest.New("parent", "Dest")
	fc := NewFolderCache(fake, "parent")

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = fc.EnsurePath(context.Background(), "Root/Docs")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 2, fake.FoldersCreated(), "concurrent requests must not create duplicate siblings")
}
