package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/api/handler"
	"github.com/mklotz/geoconvert/internal/api/router"
	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/gate"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/reconciler"
)

type fakeSubmitter struct {
	lastKind    jobqueue.Kind
	lastPayload jobqueue.Payload
	err         error
}

func (f *fakeSubmitter) Enqueue(_ context.Context, kind jobqueue.Kind, payload jobqueue.Payload, opts jobqueue.SubmitOptions) (*jobqueue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastKind = kind
	f.lastPayload = payload

	job := &jobqueue.Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		State:   jobqueue.StateWaiting,
		Payload: payload,
	}
	if opts.WithSecret {
		job.Secret = "a-very-random-secret"
	}
	return job, nil
}

type fakeGate struct {
	statuses map[string]*gate.JobStatus
	results  map[string]*gate.ResultAccess
}

func (f *fakeGate) Status(_ context.Context, jobID, secret string) (*gate.JobStatus, error) {
	if secret == "wrong" {
		return nil, jobqueue.ErrJobNotFound
	}
	status, ok := f.statuses[jobID]
	if !ok {
		return nil, jobqueue.ErrJobNotFound
	}
	return status, nil
}

func (f *fakeGate) ResultURL(_ context.Context, jobID, _, projectID string) (*gate.ResultAccess, error) {
	status, ok := f.statuses[jobID]
	if !ok {
		return nil, jobqueue.ErrJobNotFound
	}
	if status.State != jobqueue.StateCompleted {
		return nil, gate.ErrJobNotReady
	}
	if projectID != "" && status.Kind != jobqueue.KindProjectModel {
		return nil, gate.ErrNotCollectable
	}
	return f.results[jobID], nil
}

type fakeUploader struct{}

func (fakeUploader) NewKey(_ context.Context, container string) (blobstore.Ref, error) {
	return blobstore.Ref{Container: container, Key: "11111111-2222-3333-4444-555555555555"}, nil
}

func (fakeUploader) PresignPut(_ context.Context, ref blobstore.Ref) (string, time.Time, error) {
	return "https://blobs.example.com/" + ref.String() + "?sig=put", time.Now().Add(time.Hour), nil
}

type fakeRecords struct {
	created []*reconciler.Record
	listed  []reconciler.Record
}

func (f *fakeRecords) Create(_ context.Context, rec *reconciler.Record) error {
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeRecords) ListByProject(context.Context, string) ([]reconciler.Record, error) {
	return f.listed, nil
}

type fakeArmer struct {
	armed []blobstore.Ref
}

func (f *fakeArmer) DeleteLater(_ context.Context, ref blobstore.Ref) error {
	f.armed = append(f.armed, ref)
	return nil
}

type testEnv struct {
	router    *gin.Engine
	submitter *fakeSubmitter
	gate      *fakeGate
	records   *fakeRecords
	armer     *fakeArmer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		submitter: &fakeSubmitter{},
		gate:      &fakeGate{statuses: map[string]*gate.JobStatus{}, results: map[string]*gate.ResultAccess{}},
		records:   &fakeRecords{},
		armer:     &fakeArmer{},
	}

	env.router = router.SetupRouter(&handler.Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:    env.submitter,
		Gate:     env.gate,
		Uploads:  fakeUploader{},
		Records:  env.records,
		Deferred: env.armer,
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestCreateConversion_StagedKind(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/conversions", gin.H{
		"kind":       "terrain",
		"container":  "uploads",
		"key":        "dem-blob",
		"file_name":  "dem.tif",
		"src_srs":    "EPSG:25832",
		"project_id": uuid.New().String(),
		"name":       "City DEM",
	})

	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "a-very-random-secret", resp["secret"])
	assert.Equal(t, "WAITING", resp["state"])

	// catalog row created and linked through the payload
	require.Len(t, env.records.created, 1)
	assert.Equal(t, env.records.created[0].ID, env.submitter.lastPayload.RecordID)
	assert.Equal(t, "City DEM", env.records.created[0].Name)

	// staged input armed for deferred deletion
	require.Len(t, env.armer.armed, 1)
	assert.Equal(t, blobstore.Ref{Container: "uploads", Key: "dem-blob"}, env.armer.armed[0])
}

func TestCreateConversion_Validation(t *testing.T) {
	tests := []struct {
		name string
		body gin.H
	}{
		{
			name: "unknown kind",
			body: gin.H{"kind": "hologram"},
		},
		{
			name: "missing staged input",
			body: gin.H{"kind": "terrain", "src_srs": "EPSG:4326"},
		},
		{
			name: "unsupported srs",
			body: gin.H{"kind": "terrain", "container": "uploads", "key": "k", "file_name": "a.tif", "src_srs": "EPSG:9999"},
		},
		{
			name: "wms without source",
			body: gin.H{"kind": "wms-wmts", "layer": "ortho"},
		},
		{
			name: "wms inverted zoom range",
			body: gin.H{"kind": "wms-wmts", "source_url": "https://wms.example.com", "layer": "ortho", "start_zoom": 12, "end_zoom": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/api/v1/conversions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, env.records.created)
		})
	}
}

func TestCreateConversion_WmsWmtsNeedsNoStagedInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/conversions", gin.H{
		"kind":       "wms-wmts",
		"source_url": "https://wms.example.com/service",
		"layer":      "orthophoto",
		"start_zoom": 4,
		"end_zoom":   12,
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, env.armer.armed)
	assert.Equal(t, "orthophoto", env.submitter.lastPayload.Layer)
}

func TestGetConversion(t *testing.T) {
	env := newTestEnv(t)
	jobID := uuid.New().String()
	env.gate.statuses[jobID] = &gate.JobStatus{
		JobID:    jobID,
		Kind:     jobqueue.KindTerrain,
		State:    jobqueue.StateActive,
		Progress: 43,
	}

	w := env.do(t, http.MethodGet, "/api/v1/conversions/"+jobID+"?secret=ok", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status gate.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 43.0, status.Progress)

	// wrong secret looks exactly like an unknown job
	w = env.do(t, http.MethodGet, "/api/v1/conversions/"+jobID+"?secret=wrong", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/conversions/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/conversions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetConversionResult(t *testing.T) {
	env := newTestEnv(t)
	doneID := uuid.New().String()
	runningID := uuid.New().String()

	env.gate.statuses[doneID] = &gate.JobStatus{JobID: doneID, State: jobqueue.StateCompleted}
	env.gate.results[doneID] = &gate.ResultAccess{
		URL:         "https://blobs.example.com/terrain-1/layer.json?sig=get",
		ExpiresAt:   time.Now().Add(time.Hour),
		ModelMatrix: nil,
	}
	env.gate.statuses[runningID] = &gate.JobStatus{JobID: runningID, State: jobqueue.StateActive}

	w := env.do(t, http.MethodGet, "/api/v1/conversions/"+doneID+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "layer.json")

	w = env.do(t, http.MethodGet, "/api/v1/conversions/"+runningID+"/result", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetConversionResult_CollectIntoProject(t *testing.T) {
	env := newTestEnv(t)
	modelID := uuid.New().String()
	terrainID := uuid.New().String()
	projectID := uuid.New().String()

	env.gate.statuses[modelID] = &gate.JobStatus{
		JobID: modelID, Kind: jobqueue.KindProjectModel, State: jobqueue.StateCompleted,
	}
	env.gate.results[modelID] = &gate.ResultAccess{
		URL:       "https://blobs.example.com/project-" + projectID + "/model.glb?sig=get",
		ExpiresAt: time.Now().Add(time.Hour),
		Container: "project-" + projectID,
		Key:       "model.glb",
	}
	env.gate.statuses[terrainID] = &gate.JobStatus{
		JobID: terrainID, Kind: jobqueue.KindTerrain, State: jobqueue.StateCompleted,
	}
	env.gate.results[terrainID] = &gate.ResultAccess{URL: "https://blobs.example.com/x"}

	w := env.do(t, http.MethodGet, "/api/v1/conversions/"+modelID+"/result?project_id="+projectID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "project-"+projectID)

	w = env.do(t, http.MethodGet, "/api/v1/conversions/"+terrainID+"/result?project_id="+projectID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/conversions/"+modelID+"/result?project_id=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateUpload(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/uploads", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uploads", resp["container"])
	assert.NotEmpty(t, resp["key"])
	assert.Contains(t, resp["upload_url"], "sig=put")

	// the staged blob is armed for deferred deletion up front
	require.Len(t, env.armer.armed, 1)
	assert.Equal(t, "uploads", env.armer.armed[0].Container)
	assert.Equal(t, resp["key"], env.armer.armed[0].Key)
}

func TestListProjectLayers(t *testing.T) {
	env := newTestEnv(t)
	projectID := uuid.New().String()
	env.records.listed = []reconciler.Record{
		{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Name:      "City DEM",
			Kind:      "terrain",
			Status:    reconciler.StatusCompleted,
			Progress:  100,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	w := env.do(t, http.MethodGet, "/api/v1/projects/"+projectID+"/layers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "City DEM")

	w = env.do(t, http.MethodGet, "/api/v1/projects/not-a-uuid/layers", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
