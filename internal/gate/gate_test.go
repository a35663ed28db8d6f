package gate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/jobqueue"
)

type fakeJobSource struct {
	jobs map[string]*jobqueue.Job
}

func (f *fakeJobSource) Get(_ context.Context, jobID string) (*jobqueue.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, jobqueue.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

type fakeResultBlobs struct {
	lastRef blobstore.Ref
	copies  map[string]string
}

func (f *fakeResultBlobs) PresignGet(_ context.Context, ref blobstore.Ref) (string, time.Time, error) {
	f.lastRef = ref
	return "https://blobs.example.com/" + ref.String() + "?sig=abc", time.Now().Add(time.Hour), nil
}

func (f *fakeResultBlobs) Copy(_ context.Context, src, dst blobstore.Ref) error {
	if f.copies == nil {
		f.copies = make(map[string]string)
	}
	f.copies[dst.String()] = src.String()
	return nil
}

func newTestGate(jobs map[string]*jobqueue.Job) (*Gate, *fakeResultBlobs) {
	blobs := &fakeResultBlobs{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&fakeJobSource{jobs: jobs}, blobs, nil, logger), blobs
}

func TestGate_StatusRequiresSecret(t *testing.T) {
	g, _ := newTestGate(map[string]*jobqueue.Job{
		"j1": {
			ID:       "j1",
			Kind:     jobqueue.KindTerrain,
			State:    jobqueue.StateActive,
			Progress: 42,
			Secret:   "topsecret",
		},
	})
	ctx := context.Background()

	status, err := g.Status(ctx, "j1", "topsecret")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateActive, status.State)
	assert.Equal(t, 42.0, status.Progress)

	// wrong secret and unknown id produce the same error
	_, errWrongSecret := g.Status(ctx, "j1", "guessed")
	_, errUnknownID := g.Status(ctx, "nope", "topsecret")
	assert.ErrorIs(t, errWrongSecret, jobqueue.ErrJobNotFound)
	assert.ErrorIs(t, errUnknownID, jobqueue.ErrJobNotFound)
	assert.Equal(t, errUnknownID.Error(), errWrongSecret.Error())
}

func TestGate_StatusWithoutSecretIsOpen(t *testing.T) {
	g, _ := newTestGate(map[string]*jobqueue.Job{
		"j1": {ID: "j1", Kind: jobqueue.KindTerrain, State: jobqueue.StateWaiting},
	})

	status, err := g.Status(context.Background(), "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateWaiting, status.State)
}

func TestGate_FailedStatusExposesClassOnly(t *testing.T) {
	g, _ := newTestGate(map[string]*jobqueue.Job{
		"j1": {
			ID:         "j1",
			Kind:       jobqueue.KindTiles3D,
			State:      jobqueue.StateFailed,
			Progress:   43,
			ErrorClass: jobqueue.ClassTransformFailed,
		},
	})

	status, err := g.Status(context.Background(), "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.ClassTransformFailed, status.ErrorClass)
	assert.Equal(t, 43.0, status.Progress)
}

func TestGate_StalledStatusReadsAsFailed(t *testing.T) {
	g, _ := newTestGate(map[string]*jobqueue.Job{
		"j1": {
			ID:         "j1",
			Kind:       jobqueue.KindTerrain,
			State:      jobqueue.StateStalled,
			Progress:   25,
			ErrorClass: jobqueue.ClassStalled,
		},
	})

	status, err := g.Status(context.Background(), "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, status.State)
	assert.Equal(t, jobqueue.ClassStalled, status.ErrorClass)
	assert.Equal(t, 25.0, status.Progress)
}

func TestGate_ResultURL(t *testing.T) {
	g, blobs := newTestGate(map[string]*jobqueue.Job{
		"done": {
			ID:    "done",
			Kind:  jobqueue.KindProjectModel,
			State: jobqueue.StateCompleted,
			Result: &jobqueue.Result{
				OutputContainer: "uploads",
				OutputKey:       "model.glb",
				ModelMatrix:     []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
			},
		},
		"running": {
			ID:    "running",
			Kind:  jobqueue.KindTerrain,
			State: jobqueue.StateActive,
		},
	})
	ctx := context.Background()

	access, err := g.ResultURL(ctx, "done", "", "")
	require.NoError(t, err)
	assert.Contains(t, access.URL, "uploads/model.glb")
	assert.Equal(t, "uploads", access.Container)
	assert.Equal(t, "model.glb", access.Key)
	assert.Len(t, access.ModelMatrix, 16)
	assert.Equal(t, blobstore.Ref{Container: "uploads", Key: "model.glb"}, blobs.lastRef)
	assert.Empty(t, blobs.copies)

	_, err = g.ResultURL(ctx, "running", "", "")
	assert.ErrorIs(t, err, ErrJobNotReady)
}

func TestGate_ResultURLCollectsIntoProjectContainer(t *testing.T) {
	g, blobs := newTestGate(map[string]*jobqueue.Job{
		"done": {
			ID:    "done",
			Kind:  jobqueue.KindProjectModel,
			State: jobqueue.StateCompleted,
			Result: &jobqueue.Result{
				OutputContainer: "uploads",
				OutputKey:       "model.glb",
			},
		},
		"pyramid": {
			ID:    "pyramid",
			Kind:  jobqueue.KindTerrain,
			State: jobqueue.StateCompleted,
			Result: &jobqueue.Result{
				OutputContainer: "terrain-pyramid",
				OutputKey:       "layer.json",
			},
		},
	})
	ctx := context.Background()

	access, err := g.ResultURL(ctx, "done", "", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "project-proj-1", access.Container)
	assert.Equal(t, "model.glb", access.Key)
	assert.Equal(t, "uploads/model.glb", blobs.copies["project-proj-1/model.glb"])
	assert.Equal(t, blobstore.Ref{Container: "project-proj-1", Key: "model.glb"}, blobs.lastRef)

	// multi-file outputs stay where the pipeline put them
	_, err = g.ResultURL(ctx, "pyramid", "", "proj-1")
	assert.ErrorIs(t, err, ErrNotCollectable)
}

func TestSecretMatches(t *testing.T) {
	assert.True(t, secretMatches("", "anything"))
	assert.True(t, secretMatches("abc", "abc"))
	assert.False(t, secretMatches("abc", "abd"))
	assert.False(t, secretMatches("abc", ""))
}
