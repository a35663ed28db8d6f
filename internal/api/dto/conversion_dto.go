package dto

import "time"

// CreateConversionRequest submits a new conversion
type CreateConversionRequest struct {
	Kind string `json:"kind" binding:"required"`

	// staged input, required for upload-based kinds
	Container string `json:"container"`
	Key       string `json:"key"`
	FileName  string `json:"file_name"`
	SrcSRS    string `json:"src_srs"`

	// catalog placement, optional
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`

	// WMS/WMTS source, required for the wms-wmts kind
	SourceURL string `json:"source_url"`
	Layer     string `json:"layer"`
	StartZoom int    `json:"start_zoom"`
	EndZoom   int    `json:"end_zoom"`
}

// CreateConversionResponse returns the job handle. The secret authorizes
// status and result polling and is only ever returned here.
type CreateConversionResponse struct {
	JobID    string `json:"job_id"`
	Secret   string `json:"secret"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	RecordID string `json:"record_id,omitempty"`
}

// CreateUploadResponse returns a staging location with a time-boxed write URL
type CreateUploadResponse struct {
	Container string    `json:"container"`
	Key       string    `json:"key"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LayerDTO is one catalog entry in a project listing
type LayerDTO struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}
