package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// buildWmsWmts seeds a local tile cache from a remote WMS/WMTS service.
// There is no staged input; the tool fetches tiles itself and announces each
// finished tile so the pipeline can upload and drop it as it goes instead of
// holding a full zoom range on disk.
func buildWmsWmts(job *jobqueue.Job, scratch string, deps Deps) (*Pipeline, *jobqueue.Result, error) {
	if job.Payload.SourceURL == "" || job.Payload.Layer == "" {
		return nil, nil, fmt.Errorf("wms/wmts job %s has no source service", job.ID)
	}
	if job.Payload.EndZoom < job.Payload.StartZoom {
		return nil, nil, fmt.Errorf("wms/wmts job %s has inverted zoom range %d..%d",
			job.ID, job.Payload.StartZoom, job.Payload.EndZoom)
	}

	tilesDir := filepath.Join(scratch, "tiles")
	container := "tilecache-" + job.ID

	result := &jobqueue.Result{
		OutputContainer: container,
		OutputKey:       "tilecache.json",
	}

	seed := Stage{
		Name:   "seed",
		Weight: 95,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			var uploadErr error
			args := []string{
				"--url", job.Payload.SourceURL,
				"--layer", job.Payload.Layer,
				"--start-zoom", strconv.Itoa(job.Payload.StartZoom),
				"--end-zoom", strconv.Itoa(job.Payload.EndZoom),
				"--output-dir", tilesDir,
			}
			err := runTool(ctx, deps.Logger, deps.Tools.WmsWmtsTileCache, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
				if event.File != "" && uploadErr == nil {
					ref := blobstore.Ref{Container: container, Key: event.File}
					uploadErr = deps.Blobs.UploadFile(ctx, ref, filepath.Join(tilesDir, filepath.FromSlash(event.File)))
				}
			})
			if err != nil {
				return err
			}
			if uploadErr != nil {
				// the tool ran fine; what failed was shipping tiles out
				return &StageError{Stage: "seed", Class: jobqueue.ClassUploadFailed, Err: uploadErr}
			}
			return nil
		},
	}

	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Class:  jobqueue.ClassConversionFailed,
		Run: func(_ context.Context, _ func(float64)) error {
			return removeScratch(scratch)
		},
	}

	return New(deps.Logger, cleanup, seed), result, nil
}
