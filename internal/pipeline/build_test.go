package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// fakeBlobs is an in-memory blob store keyed by container/key
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	uploadErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) DownloadToFile(_ context.Context, ref blobstore.Ref, path string) error {
	f.mu.Lock()
	data, ok := f.objects[ref.String()]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", ref, blobstore.ErrBlobNotFound)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *fakeBlobs) UploadFile(_ context.Context, ref blobstore.Ref, path string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[ref.String()] = data
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, ref blobstore.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, ref.String())
	f.deleted = append(f.deleted, ref.String())
	return nil
}

func TestBuild_ProjectModelEndToEnd(t *testing.T) {
	toolDir := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "job")

	// stub converter: writes the output model and reports a placement matrix
	converter := writeTool(t, toolDir, "mesh-convert", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; fi
  shift
done
mkdir -p "$(dirname "$out")"
echo 'converted-glb' > "$out"
echo '{"progress":0.5}'
echo '{"progress":1.0,"model_matrix":[1,0,0,0,0,1,0,0,0,0,1,0,4,5,6,1]}'
`)

	blobs := newFakeBlobs()
	blobs.objects["uploads/raw-model"] = []byte("uploaded-ifc")

	job := &jobqueue.Job{
		ID:   "job-1",
		Kind: jobqueue.KindProjectModel,
		Payload: jobqueue.Payload{
			Container:   "uploads",
			Key:         "raw-model",
			FileName:    "model.ifc",
			SrcSRS:      "EPSG:25832",
			ThreadCount: 2,
		},
	}

	deps := Deps{
		Blobs:  blobs,
		Tools:  &config.ToolsConfig{MeshConvert: converter},
		Logger: testLogger(),
	}

	p, result, err := Build(job, scratch, deps)
	require.NoError(t, err)

	var last float64
	require.NoError(t, p.Execute(context.Background(), func(v float64) { last = v }))

	// staged blob was overwritten with the converted model
	assert.Equal(t, "converted-glb\n", string(blobs.objects["uploads/raw-model"]))
	assert.Equal(t, "uploads", result.OutputContainer)
	assert.Equal(t, "raw-model", result.OutputKey)
	assert.Equal(t, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 4, 5, 6, 1}, result.ModelMatrix)
	assert.Equal(t, 100.0, last)

	// scratch space is gone
	_, statErr := os.Stat(scratch)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuild_TerrainUploadsPyramidAndDropsStaging(t *testing.T) {
	toolDir := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "job")

	preprocess := writeTool(t, toolDir, "dem-preprocess", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; fi
  shift
done
echo 'prepared' > "$out"
echo '{"progress":1.0}'
`)
	generate := writeTool(t, toolDir, "dem-to-terrain", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-dir" ]; then out="$2"; fi
  shift
done
mkdir -p "$out/0/0"
echo 'tile' > "$out/0/0/0.terrain"
echo '{"layer":true}' > "$out/layer.json"
echo '{"progress":1.0}'
`)

	blobs := newFakeBlobs()
	blobs.objects["uploads/dem-raster"] = []byte("geotiff")

	job := &jobqueue.Job{
		ID:   "job-2",
		Kind: jobqueue.KindTerrain,
		Payload: jobqueue.Payload{
			Container: "uploads",
			Key:       "dem-raster",
			FileName:  "dem.tif",
			SrcSRS:    "EPSG:4326",
		},
	}

	deps := Deps{
		Blobs:  blobs,
		Tools:  &config.ToolsConfig{DemPreprocess: preprocess, DemToTerrain: generate},
		Logger: testLogger(),
	}

	p, result, err := Build(job, scratch, deps)
	require.NoError(t, err)
	require.NoError(t, p.Execute(context.Background(), nil))

	assert.Equal(t, "terrain-job-2", result.OutputContainer)
	assert.Equal(t, "layer.json", result.OutputKey)
	assert.Contains(t, blobs.objects, "terrain-job-2/layer.json")
	assert.Contains(t, blobs.objects, "terrain-job-2/0/0/0.terrain")

	// staged input deleted by cleanup
	assert.NotContains(t, blobs.objects, "uploads/dem-raster")
	assert.Contains(t, blobs.deleted, "uploads/dem-raster")
}

func TestBuild_UnknownKind(t *testing.T) {
	job := &jobqueue.Job{ID: "x", Kind: jobqueue.Kind("hologram")}
	_, _, err := Build(job, t.TempDir(), Deps{Logger: testLogger()})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidKind)
}

func TestBuild_WmsWmtsTileUploadFailureClassifiesAsUpload(t *testing.T) {
	toolDir := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "job")

	seeder := writeTool(t, toolDir, "tile-cache", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-dir" ]; then out="$2"; fi
  shift
done
mkdir -p "$out/4/8"
echo 'tile' > "$out/4/8/3.png"
echo '{"progress":0.5,"file":"4/8/3.png"}'
echo '{"progress":1.0}'
`)

	blobs := newFakeBlobs()
	blobs.uploadErr = fmt.Errorf("bucket unavailable")

	job := &jobqueue.Job{
		ID:   "job-3",
		Kind: jobqueue.KindWmsWmts,
		Payload: jobqueue.Payload{
			SourceURL: "https://wms.example.com",
			Layer:     "ortho",
			StartZoom: 4,
			EndZoom:   4,
		},
	}

	deps := Deps{
		Blobs:  blobs,
		Tools:  &config.ToolsConfig{WmsWmtsTileCache: seeder},
		Logger: testLogger(),
	}

	p, _, err := Build(job, scratch, deps)
	require.NoError(t, err)

	execErr := p.Execute(context.Background(), nil)
	require.Error(t, execErr)
	assert.Equal(t, jobqueue.ClassUploadFailed, Classify(execErr))
}

func TestBuild_WmsWmtsValidatesPayload(t *testing.T) {
	deps := Deps{Logger: testLogger()}

	_, _, err := Build(&jobqueue.Job{
		ID:      "w1",
		Kind:    jobqueue.KindWmsWmts,
		Payload: jobqueue.Payload{Layer: "ortho"},
	}, t.TempDir(), deps)
	assert.Error(t, err)

	_, _, err = Build(&jobqueue.Job{
		ID: "w2", Kind: jobqueue.KindWmsWmts,
		Payload: jobqueue.Payload{SourceURL: "https://wms.example.com", Layer: "ortho", StartZoom: 10, EndZoom: 4},
	}, t.TempDir(), deps)
	assert.Error(t, err)
}
