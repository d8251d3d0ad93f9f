package core

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUploadTaskDir(t *testing.T) string {
	t.Helper()
	taskDir := filepath.Join(t.TempDir(), "maze_task")
	writeSample(t, filepath.Join(taskDir, "00000"), "first_frame.png", "prompt.txt")
	writeSample(t, filepath.Join(taskDir, "00001"), "first_frame.png", "prompt.txt")
	return taskDir
}

func TestUploaderFilesMode(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploader := NewUploader(store, "questions")

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "outputs"))

	taskDir := setupUploadTaskDir(t)
	uploaded, tarFiles, err := uploader.Upload(ctx, "outputs", "maze_solving", taskDir, []string{"00000", "00001"}, "files")
	require.NoError(t, err)
	assert.Empty(t, tarFiles)

	require.Len(t, uploaded, 2)
	for _, sample := range uploaded {
		assert.Equal(t, 2, sample.FilesUploaded)
	}

	objects, err := store.ListObjects(ctx, "outputs", "questions/maze_solving/maze_task/")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Name)
	}
	assert.ElementsMatch(t, []string{
		"questions/maze_solving/maze_task/00000/first_frame.png",
		"questions/maze_solving/maze_task/00000/prompt.txt",
		"questions/maze_solving/maze_task/00001/first_frame.png",
		"questions/maze_solving/maze_task/00001/prompt.txt",
	}, keys)

	// Local files are deleted after each confirmed upload.
	assert.NoFileExists(t, filepath.Join(taskDir, "00000", "prompt.txt"))
	assert.NoFileExists(t, filepath.Join(taskDir, "00001", "first_frame.png"))
}

func TestUploaderTarMode(t *testing.T) {
	baseDir := t.TempDir()
	store, err := storage.NewLocalObjectStore(baseDir)
	require.NoError(t, err)
	uploader := NewUploader(store, "questions")

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "outputs"))

	taskDir := setupUploadTaskDir(t)
	uploaded, tarFiles, err := uploader.Upload(ctx, "outputs", "maze_solving", taskDir, []string{"00000", "00001"}, "tar")
	require.NoError(t, err)
	assert.Empty(t, uploaded)
	require.Equal(t, []string{"maze_solving_00000-00001.tar.gz"}, tarFiles)

	// Exactly one object, no per-sample uploads.
	objects, err := store.ListObjects(ctx, "outputs", "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "questions/maze_solving_00000-00001.tar.gz", objects[0].Name)

	// The local archive is removed after upload.
	assert.NoFileExists(t, filepath.Join(filepath.Dir(taskDir), "maze_solving_00000-00001.tar.gz"))

	archive, err := os.Open(filepath.Join(baseDir, "outputs", "questions", "maze_solving_00000-00001.tar.gz"))
	require.NoError(t, err)
	defer archive.Close()

	gzReader, err := gzip.NewReader(archive)
	require.NoError(t, err)
	tarReader := tar.NewReader(gzReader)

	var names []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	assert.ElementsMatch(t, []string{
		"maze_solving/maze_task/00000/first_frame.png",
		"maze_solving/maze_task/00000/prompt.txt",
		"maze_solving/maze_task/00001/first_frame.png",
		"maze_solving/maze_task/00001/prompt.txt",
	}, names)
}

func TestUploaderEmptySampleSet(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploader := NewUploader(store, "questions")

	uploaded, tarFiles, err := uploader.Upload(context.Background(), "outputs", "maze_solving", t.TempDir(), nil, "tar")
	require.NoError(t, err)
	assert.Empty(t, uploaded)
	assert.Empty(t, tarFiles)
}
