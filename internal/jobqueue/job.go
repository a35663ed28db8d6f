package jobqueue

import "time"

// Kind identifies a conversion pipeline. One durable queue exists per kind.
type Kind string

const (
	KindProjectModel Kind = "project-model"
	KindTerrain      Kind = "terrain"
	KindTiles3D      Kind = "3d-tiles"
	KindWmsWmts      Kind = "wms-wmts"
)

// Kinds returns all conversion kinds in a stable order
func Kinds() []Kind {
	return []Kind{KindProjectModel, KindTerrain, KindTiles3D, KindWmsWmts}
}

// Valid reports whether k names a known conversion kind
func (k Kind) Valid() bool {
	switch k {
	case KindProjectModel, KindTerrain, KindTiles3D, KindWmsWmts:
		return true
	}
	return false
}

// QueueName returns the durable queue name for the kind
func (k Kind) QueueName() string {
	return "convert." + string(k)
}

// RoutingKey returns the routing key under which jobs of the kind are
// dispatched
func (k Kind) RoutingKey() string {
	return "convert." + string(k)
}

// State is the lifecycle state of a job
type State string

const (
	StateWaiting   State = "WAITING"
	StateDelayed   State = "DELAYED"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateStalled   State = "STALLED"
)

// Terminal reports whether s is a terminal state. Stalled jobs are terminal:
// conversion consumes its staged input, so an abandoned job is never resumed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStalled:
		return true
	}
	return false
}

// Payload carries the kind-specific conversion parameters. Fields not used by
// a kind stay zero and are omitted from the stored JSON.
type Payload struct {
	Container   string `json:"container,omitempty"`
	Key         string `json:"key,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	SrcSRS      string `json:"src_srs,omitempty"`
	ThreadCount int    `json:"thread_count,omitempty"`

	// RecordID correlates the job with a base layer catalog row.
	RecordID string `json:"record_id,omitempty"`

	// WMS/WMTS tile cache source.
	SourceURL string `json:"source_url,omitempty"`
	Layer     string `json:"layer,omitempty"`
	StartZoom int    `json:"start_zoom,omitempty"`
	EndZoom   int    `json:"end_zoom,omitempty"`
}

// Result is the kind-specific conversion output
type Result struct {
	OutputContainer string    `json:"output_container,omitempty"`
	OutputKey       string    `json:"output_key,omitempty"`
	ModelMatrix     []float64 `json:"model_matrix,omitempty"`
}

// Job is a conversion job record
type Job struct {
	ID         string
	Kind       Kind
	State      State
	Progress   float64
	Payload    Payload
	Secret     string
	Result     *Result
	ErrorClass string
	WorkerID   string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastHeartbeatAt *time.Time
}

// SubmitOptions controls job creation
type SubmitOptions struct {
	// WithSecret attaches a random secret so the job can be polled on
	// unauthenticated endpoints without allowing enumeration.
	WithSecret bool
}

// DispatchMessage is the queue transport payload. Workers fetch the full job
// record from the store; the message only carries the id.
type DispatchMessage struct {
	JobID string `json:"job_id"`
	Kind  Kind   `json:"kind"`
}
