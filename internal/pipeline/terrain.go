package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// buildTerrain converts an uploaded elevation raster into a quantized-mesh
// terrain pyramid served from its own container
func buildTerrain(job *jobqueue.Job, scratch string, deps Deps) (*Pipeline, *jobqueue.Result, error) {
	if job.Payload.Container == "" || job.Payload.Key == "" {
		return nil, nil, fmt.Errorf("terrain job %s has no staged input", job.ID)
	}

	input := filepath.Join(scratch, "input", job.Payload.FileName)
	prepared := filepath.Join(scratch, "prepared.tif")
	tilesDir := filepath.Join(scratch, "tiles")
	staging := stagingRef(job)
	container := "terrain-" + job.ID

	result := &jobqueue.Result{
		OutputContainer: container,
		OutputKey:       "layer.json",
	}

	fetch := Stage{
		Name:   "fetch",
		Weight: 10,
		Class:  jobqueue.ClassFetchFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			return deps.Blobs.DownloadToFile(ctx, staging, input)
		},
	}

	preprocess := Stage{
		Name:   "preprocess",
		Weight: 15,
		Class:  jobqueue.ClassPreprocessFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"--input", input,
				"--output", prepared,
				"--src-srs", job.Payload.SrcSRS,
			}
			return runTool(ctx, deps.Logger, deps.Tools.DemPreprocess, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
			})
		},
	}

	generate := Stage{
		Name:   "generate",
		Weight: 30,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"--input", prepared,
				"--output-dir", tilesDir,
				"--threads", strconv.Itoa(job.Payload.ThreadCount),
			}
			return runTool(ctx, deps.Logger, deps.Tools.DemToTerrain, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
			})
		},
	}

	upload := Stage{
		Name:   "upload",
		Weight: 40,
		Class:  jobqueue.ClassUploadFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			return uploadTree(ctx, deps.Blobs, tilesDir, container, report)
		},
	}

	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Class:  jobqueue.ClassConversionFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			if err := deps.Blobs.Delete(ctx, staging); err != nil {
				return err
			}
			return removeScratch(scratch)
		},
	}

	return New(deps.Logger, cleanup, fetch, preprocess, generate, upload), result, nil
}
