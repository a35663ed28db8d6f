package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// BlobStore is the object store surface the pipelines need
type BlobStore interface {
	DownloadToFile(ctx context.Context, ref blobstore.Ref, path string) error
	UploadFile(ctx context.Context, ref blobstore.Ref, path string) error
	Delete(ctx context.Context, ref blobstore.Ref) error
}

// Deps bundles what every pipeline needs
type Deps struct {
	Blobs  BlobStore
	Tools  *config.ToolsConfig
	Logger *slog.Logger
}

// Build assembles the pipeline for a job. The returned result is filled in
// by the stages and is only meaningful after a successful Execute.
func Build(job *jobqueue.Job, scratch string, deps Deps) (*Pipeline, *jobqueue.Result, error) {
	switch job.Kind {
	case jobqueue.KindProjectModel:
		return buildProjectModel(job, scratch, deps)
	case jobqueue.KindTerrain:
		return buildTerrain(job, scratch, deps)
	case jobqueue.KindTiles3D:
		return buildTiles3D(job, scratch, deps)
	case jobqueue.KindWmsWmts:
		return buildWmsWmts(job, scratch, deps)
	default:
		return nil, nil, fmt.Errorf("%w: %s", jobqueue.ErrInvalidKind, job.Kind)
	}
}

// stagingRef returns the staged input blob of the job
func stagingRef(job *jobqueue.Job) blobstore.Ref {
	return blobstore.Ref{Container: job.Payload.Container, Key: job.Payload.Key}
}

// uploadTree uploads every file under root into the container, preserving
// relative paths as blob keys. Fractions reported are files done over files
// total, counted up front so progress is steady across uneven file sizes.
func uploadTree(ctx context.Context, blobs BlobStore, root, container string, report func(fraction float64)) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", root, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no output files under %s", root)
	}

	for i, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}

		ref := blobstore.Ref{Container: container, Key: filepath.ToSlash(rel)}
		if err := blobs.UploadFile(ctx, ref, path); err != nil {
			return err
		}

		if report != nil {
			report(float64(i+1) / float64(len(paths)))
		}
	}

	return nil
}

// removeScratch deletes the job's scratch directory
func removeScratch(scratch string) error {
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("failed to remove scratch %s: %w", scratch, err)
	}
	return nil
}
