package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// buildTiles3D converts an uploaded CityGML archive into a 3D Tiles tileset.
// The transform runs in three tool passes: CityGML to CityJSON, CityJSON
// into a tile database, and the database out as b3dm tiles with a tileset
// manifest.
func buildTiles3D(job *jobqueue.Job, scratch string, deps Deps) (*Pipeline, *jobqueue.Result, error) {
	if job.Payload.Container == "" || job.Payload.Key == "" {
		return nil, nil, fmt.Errorf("3d tiles job %s has no staged input", job.ID)
	}

	archive := filepath.Join(scratch, "input", job.Payload.FileName)
	sourceDir := filepath.Join(scratch, "source")
	cityjsonDir := filepath.Join(scratch, "cityjson")
	tiledbPath := filepath.Join(scratch, "tiles.db")
	tilesetDir := filepath.Join(scratch, "tileset")
	staging := stagingRef(job)
	container := "tileset-" + job.ID

	result := &jobqueue.Result{
		OutputContainer: container,
		OutputKey:       "tileset.json",
	}

	fetch := Stage{
		Name:   "fetch",
		Weight: 10,
		Class:  jobqueue.ClassFetchFailed,
		Run: func(ctx context.Context, _ func(float64)) error {
			return deps.Blobs.DownloadToFile(ctx, staging, archive)
		},
	}

	unpack := Stage{
		Name:   "unpack",
		Weight: 5,
		Class:  jobqueue.ClassPreprocessFailed,
		Run: func(_ context.Context, _ func(float64)) error {
			return unzip(archive, sourceDir)
		},
	}

	toCityJSON := Stage{
		Name:   "citygml-to-cityjson",
		Weight: 20,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"to-cityjson",
				"--input-dir", sourceDir,
				"--output-dir", cityjsonDir,
				"--src-srs", job.Payload.SrcSRS,
			}
			return runTool(ctx, deps.Logger, deps.Tools.CityGMLTools, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
			})
		},
	}

	toTileDB := Stage{
		Name:   "cityjson-to-tiledb",
		Weight: 25,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"--input-dir", cityjsonDir,
				"--output", tiledbPath,
				"--threads", strconv.Itoa(job.Payload.ThreadCount),
			}
			return runTool(ctx, deps.Logger, deps.Tools.CityJSONTileDB, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
			})
		},
	}

	toTileset := Stage{
		Name:   "tiledb-to-tileset",
		Weight: 25,
		Class:  jobqueue.ClassTransformFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			args := []string{
				"--input", tiledbPath,
				"--output-dir", tilesetDir,
			}
			return runTool(ctx, deps.Logger, deps.Tools.TileDBTo3DTiles, args, scratch, func(event ToolEvent) {
				if event.Progress != nil {
					report(*event.Progress)
				}
			})
		},
	}

	upload := Stage{
		Name:   "upload",
		Weight: 10,
		Class:  jobqueue.ClassUploadFailed,
		Run: func(ctx context.Context, report func(float64)) error {
			return uploadTree(ctx, deps.Blobs, tilesetDir, container, report)
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

	return New(deps.Logger, cleanup, fetch, unpack, toCityJSON, toTileDB, toTileset, upload), result, nil
}
