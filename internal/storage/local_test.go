package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalObjectStorePutObject(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "outputs"))

	err = store.PutObject(ctx, "outputs", "questions/maze_solving/maze_task/00042/first_frame.png", strings.NewReader("pixels"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.baseDir, "outputs", "questions", "maze_solving", "maze_task", "00042", "first_frame.png"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
}

func TestLocalObjectStoreListObjects(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "outputs"))

	files := map[string]string{
		"questions/gen_a/task/00000/prompt.txt": "a",
		"questions/gen_a/task/00001/prompt.txt": "bb",
		"questions/gen_b/task/00000/prompt.txt": "ccc",
	}
	for key, content := range files {
		require.NoError(t, store.PutObject(ctx, "outputs", key, strings.NewReader(content)))
	}

	objects, err := store.ListObjects(ctx, "outputs", "questions/gen_a/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	for _, obj := range objects {
		assert.True(t, strings.HasPrefix(obj.Name, "questions/gen_a/"))
		assert.Equal(t, int64(len(files[obj.Name])), obj.Size)
	}

	all, err := store.ListObjects(ctx, "outputs", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalObjectStoreListMissingBucket(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	objects, err := store.ListObjects(context.Background(), "no-such-bucket", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
