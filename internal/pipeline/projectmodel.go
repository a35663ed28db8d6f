package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// buildProjectModel converts an uploaded mesh into a binary glTF placed in
// the project's coordinate frame. The converted model overwrites the staged
// upload in place, so the blob the client uploaded to becomes the result and
// no extra container is provisioned.
func buildProjectModel(job *jobqueue.Job, scratch string, deps Deps) (*Pipeline, *jobqueue.Result, error) {
	if job.Payload.Container == "" || job.Payload.Key == "" {
		return nil, nil, fmt.Errorf("project model job %s has no staged input", job.ID)
	}

	input := filepath.Join(scratch, "input", job.Payload.FileName)
	output := filepath.Join(scratch, "output", "model.glb")
	staging := stagingRef(job)

	result := &jobqueue.Result{
		OutputContainer: staging.Container,
		OutputKey:       staging.Key,
	}

	fetch := Stage{
		Name:   "fetch",
		Weight: 10,
		Class:  jobqueue.ClassFetchFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			return deps.Blobs.DownloadToFile(ctx, staging, input)
		},
	}

	convert := Stage{
		Name:   "convert",
		Weight: 75,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"--input", input,
				"--output", output,
				"--src-srs", job.Payload.SrcSRS,
				"--threads", strconv.Itoa(job.Payload.ThreadCount),
			}
			err := runTool(ctx, deps.Logger, deps.Tools.MeshConvert, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
				if len(event.ModelMatrix) == 16 {
					result.ModelMatrix = event.ModelMatrix
				}
			})
			if err != nil {
				return err
			}
			if len(result.ModelMatrix) != 16 {
				return fmt.Errorf("converter produced no placement matrix")
			}
			return nil
		},
	}

	upload := Stage{
		Name:   "upload",
		Weight: 10,
		Class:  jobqueue.ClassUploadFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			return deps.Blobs.UploadFile(ctx, staging, output)
		},
	}

	// the staged blob now holds the result; only scratch space is removed
	cleanup := Stage{
		Name:   "cleanup",
		Weight: 5,
		Class:  jobqueue.ClassConversionFailed,
		Run: func(_ context.Context, _ func(float64)) error {
			return removeScratch(scratch)
		},
	}

	return New(deps.Logger, cleanup, fetch, convert, upload), result, nil
}
