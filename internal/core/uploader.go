package core

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
)

// Uploader persists a finalized sample set to object storage, either as one
// object per file or as a single compressed archive per task.
type Uploader struct {
	store     storage.ObjectStore
	namespace string
}

func NewUploader(store storage.ObjectStore, namespace string) *Uploader {
	return &Uploader{store: store, namespace: namespace}
}

func (u *Uploader) Upload(ctx context.Context, bucket, generator, taskDir string, sampleIds []string, format string) ([]models.UploadedSample, []string, error) {
	if len(sampleIds) == 0 {
		return nil, nil, nil
	}

	switch format {
	case models.FormatTar:
		tarName, err := u.uploadTar(ctx, bucket, generator, taskDir, sampleIds)
		if err != nil {
			return nil, nil, err
		}
		return nil, []string{tarName}, nil
	default:
		uploaded, err := u.uploadFiles(ctx, bucket, generator, taskDir, sampleIds)
		if err != nil {
			return nil, nil, err
		}
		return uploaded, nil, nil
	}
}

// uploadFiles streams every file of every sample to its own object key,
// deleting each local file after a confirmed upload to bound peak disk use.
// Any failure aborts: a partial upload would leave the result record lying
// about what is durably stored.
func (u *Uploader) uploadFiles(ctx context.Context, bucket, generator, taskDir string, sampleIds []string) ([]models.UploadedSample, error) {
	taskFolder := filepath.Base(taskDir)

	uploaded := make([]models.UploadedSample, 0, len(sampleIds))
	for _, sampleId := range sampleIds {
		sampleDir := filepath.Join(taskDir, sampleId)

		filesUploaded := 0
		err := filepath.WalkDir(sampleDir, func(filePath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(sampleDir, filePath)
			if err != nil {
				return err
			}
			key := path.Join(u.namespace, generator, taskFolder, sampleId, filepath.ToSlash(rel))

			file, err := os.Open(filePath)
			if err != nil {
				return err
			}
			if err := u.store.PutObject(ctx, bucket, key, file); err != nil {
				file.Close()
				return err
			}
			file.Close()

			if err := os.Remove(filePath); err != nil {
				slog.Warn("failed to remove uploaded file", "path", filePath, "error", err)
			}
			filesUploaded++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to upload sample %s: %w", ErrStorage, sampleId, err)
		}

		uploaded = append(uploaded, models.UploadedSample{SampleId: sampleId, FilesUploaded: filesUploaded})
	}

	return uploaded, nil
}

func (u *Uploader) uploadTar(ctx context.Context, bucket, generator, taskDir string, sampleIds []string) (string, error) {
	taskFolder := filepath.Base(taskDir)
	tarName := fmt.Sprintf("%s_%s-%s.tar.gz", generator, sampleIds[0], sampleIds[len(sampleIds)-1])

	archivePath := filepath.Join(filepath.Dir(taskDir), tarName)
	if err := createTarArchive(archivePath, generator, taskFolder, taskDir, sampleIds); err != nil {
		return "", fmt.Errorf("%w: failed to build archive %s: %w", ErrStorage, tarName, err)
	}
	defer os.Remove(archivePath)

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open archive %s: %w", ErrStorage, tarName, err)
	}
	defer archive.Close()

	key := path.Join(u.namespace, tarName)
	if err := u.store.PutObject(ctx, bucket, key, archive); err != nil {
		return "", fmt.Errorf("%w: failed to upload archive %s: %w", ErrStorage, tarName, err)
	}

	return tarName, nil
}

func createTarArchive(archivePath, generator, taskFolder, taskDir string, sampleIds []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gzWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzWriter)

	for _, sampleId := range sampleIds {
		sampleDir := filepath.Join(taskDir, sampleId)
		err := filepath.WalkDir(sampleDir, func(filePath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(sampleDir, filePath)
			if err != nil {
				return err
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = path.Join(generator, taskFolder, sampleId, filepath.ToSlash(rel))

			if err := tarWriter.WriteHeader(header); err != nil {
				return err
			}

			file, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer file.Close()

			_, err = io.Copy(tarWriter, file)
			return err
		})
		if err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}
