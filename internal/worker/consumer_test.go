package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

func TestParseDispatch(t *testing.T) {
	msg, err := parseDispatch([]byte(`{"job_id":"5f0c9a24-9a1b-4a9e-9d8e-111111111111","kind":"terrain"}`))
	require.NoError(t, err)
	assert.Equal(t, "5f0c9a24-9a1b-4a9e-9d8e-111111111111", msg.JobID)
	assert.Equal(t, jobqueue.KindTerrain, msg.Kind)

	_, err = parseDispatch([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseDispatch([]byte(`{"job_id":"42","kind":"terrain"}`))
	assert.Error(t, err)
}
