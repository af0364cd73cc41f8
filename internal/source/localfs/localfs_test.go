package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscoverShallow(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	c, err := New(root)
	require.NoError(t, err)

	l, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)

	require.NotNil(t, l.Self)
	assert.Equal(t, "/", l.Self.Path)
	assert.NotEmpty(t, l.Self.Token)

	require.Len(t, l.Files, 1)
	assert.Equal(t, "/a.txt", l.Files[0].Path)
	assert.Equal(t, int64(5), l.Files[0].Size)

	require.Len(t, l.Directories, 1)
	assert.Equal(t, "/sub", l.Directories[0].Path)
	assert.NotEmpty(t, l.Directories[0].Token)
}

func TestDiscoverRecursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "1")
	writeFile(t, filepath.Join(root, "x", "b.txt"), "2")
	writeFile(t, filepath.Join(root, "x", "y", "c.txt"), "3")

	c, err := New(root)
	require.NoError(t, err)

	l, err := c.Discover(context.Background(), "/", true)
	require.NoError(t, err)
	assert.Len(t, l.Files, 3)
	assert.Len(t, l.Directories, 2) // /x and /x/y
}

func TestTokenMovesWhenDirectoryContentChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "v1")

	c, err := New(root)
	require.NoError(t, err)

	before, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "a.txt"), "v2-longer")
	after, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)

	assert.NotEqual(t, before.Self.Token, after.Self.Token)
}

func TestTokenStableAcrossRelists(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "same")

	c, err := New(root)
	require.NoError(t, err)

	first, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)
	second, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)
	assert.Equal(t, first.Self.Token, second.Self.Token)
}

func TestNestedChangeMovesChildToken(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "b", "file.txt"), "v1")

	c, err := New(root)
	require.NoError(t, err)

	before, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)
	require.Len(t, before.Directories, 1)

	// A rewrite two levels down must be visible from the root listing.
	writeFile(t, filepath.Join(root, "a", "b", "file.txt"), "v2-longer")
	after, err := c.Discover(context.Background(), "/", false)
	require.NoError(t, err)
	require.Len(t, after.Directories, 1)

	assert.NotEqual(t, before.Directories[0].Token, after.Directories[0].Token)
	assert.Equal(t, before.Self.Token, after.Self.Token)
}

func TestDiscoverMissingDirectoryReturnsOSError(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = c.Discover(context.Background(), "/nope", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveRejectsEscapes(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = c.Discover(context.Background(), "/../outside", false)
	require.Error(t, err)
}

func TestResolveAllowsDottedNames(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a..b"), 0o755))
	c, err := New(root)
	require.NoError(t, err)

	listing, err := c.Discover(context.Background(), "/a..b", false)
	require.NoError(t, err)
	assert.Equal(t, "/a..b", listing.Self.Path)
}

func TestWatcherEmitsSettledHints(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	require.NoError(t, err)

	w, err := NewWatcher(c, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, filepath.Join(root, "new.txt"), "data")

	select {
	case hint := <-w.Hints():
		assert.Equal(t, "/", hint)
	case <-time.After(5 * time.Second):
		t.Fatal("no hint within deadline")
	}
}
