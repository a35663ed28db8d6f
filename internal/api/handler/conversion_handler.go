package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mklotz/geoconvert/internal/api/dto"
	"github.com/mklotz/geoconvert/internal/api/epsg"
	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/gate"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/reconciler"
)

// CreateConversion handles POST /api/v1/conversions
func (h *ConversionHandler) CreateConversion(c *gin.Context) {
	var req dto.CreateConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind := jobqueue.Kind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown conversion kind %q", req.Kind),
		})
		return
	}

	payload, err := buildPayload(kind, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// the catalog row exists before the job so the first lifecycle event
	// finds something to reconcile against
	if req.ProjectID != "" {
		payload.RecordID = uuid.New().String()
		rec := &reconciler.Record{
			ID:        payload.RecordID,
			ProjectID: req.ProjectID,
			Name:      req.Name,
			Kind:      string(kind),
		}
		if err := h.records.Create(c.Request.Context(), rec); err != nil {
			h.logger.Error("Failed to create layer record", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create conversion",
			})
			return
		}
	}

	job, err := h.queue.Enqueue(c.Request.Context(), kind, *payload, jobqueue.SubmitOptions{WithSecret: true})
	if err != nil {
		h.logger.Error("Failed to enqueue conversion", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create conversion",
		})
		return
	}

	// safety net: staged inputs are deleted after the TTL even if the job
	// never runs. Completed pipelines clean up long before this fires.
	if payload.Container != "" && payload.Key != "" {
		ref := blobstore.Ref{Container: payload.Container, Key: payload.Key}
		if err := h.deferred.DeleteLater(c.Request.Context(), ref); err != nil {
			h.logger.Warn("Failed to arm staged input deletion",
				slog.String("job_id", job.ID),
				slog.String("blob", ref.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("Conversion created",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.String("record_id", payload.RecordID),
	)

	c.JSON(http.StatusCreated, dto.CreateConversionResponse{
		JobID:    job.ID,
		Secret:   job.Secret,
		Kind:     string(job.Kind),
		State:    string(job.State),
		RecordID: payload.RecordID,
	})
}

// buildPayload validates the kind-specific request fields
func buildPayload(kind jobqueue.Kind, req *dto.CreateConversionRequest) (*jobqueue.Payload, error) {
	if kind == jobqueue.KindWmsWmts {
		if req.SourceURL == "" || req.Layer == "" {
			return nil, errors.New("source_url and layer are required for wms-wmts conversions")
		}
		if _, err := url.ParseRequestURI(req.SourceURL); err != nil {
			return nil, fmt.Errorf("invalid source_url: %w", err)
		}
		if req.EndZoom < req.StartZoom || req.StartZoom < 0 {
			return nil, fmt.Errorf("invalid zoom range %d..%d", req.StartZoom, req.EndZoom)
		}
		return &jobqueue.Payload{
			SourceURL: req.SourceURL,
			Layer:     req.Layer,
			StartZoom: req.StartZoom,
			EndZoom:   req.EndZoom,
		}, nil
	}

	if req.Container == "" || req.Key == "" || req.FileName == "" {
		return nil, errors.New("container, key and file_name are required")
	}
	if err := epsg.Validate(req.SrcSRS); err != nil {
		return nil, err
	}

	return &jobqueue.Payload{
		Container: req.Container,
		Key:       req.Key,
		FileName:  req.FileName,
		SrcSRS:    req.SrcSRS,
	}, nil
}

// GetConversion handles GET /api/v1/conversions/:job_id
func (h *ConversionHandler) GetConversion(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	status, err := h.gate.Status(c.Request.Context(), jobID, c.Query("secret"))
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Conversion not found",
			})
			return
		}
		h.logger.Error("Failed to get conversion status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get conversion",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetConversionResult handles GET /api/v1/conversions/:job_id/result
func (h *ConversionHandler) GetConversionResult(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	projectID := c.Query("project_id")
	if projectID != "" {
		if _, err := uuid.Parse(projectID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "project_id must be a valid UUID",
			})
			return
		}
	}

	access, err := h.gate.ResultURL(c.Request.Context(), jobID, c.Query("secret"), projectID)
	if err != nil {
		switch {
		case errors.Is(err, jobqueue.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Conversion not found",
			})
		case errors.Is(err, gate.ErrJobNotReady):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Conversion has not completed",
			})
		case errors.Is(err, gate.ErrNotCollectable):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Only project-model results can be collected into a project",
			})
		default:
			h.logger.Error("Failed to get conversion result", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to get conversion result",
			})
		}
		return
	}

	c.JSON(http.StatusOK, access)
}

// ListProjectLayers handles GET /api/v1/projects/:project_id/layers
func (h *ConversionHandler) ListProjectLayers(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := uuid.Parse(projectID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "project_id must be a valid UUID",
		})
		return
	}

	records, err := h.records.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("Failed to list project layers", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list layers",
		})
		return
	}

	layers := make([]dto.LayerDTO, 0, len(records))
	for _, rec := range records {
		layers = append(layers, dto.LayerDTO{
			ID:        rec.ID,
			ProjectID: rec.ProjectID,
			Name:      rec.Name,
			Kind:      rec.Kind,
			Status:    string(rec.Status),
			Progress:  rec.Progress,
			CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt: rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"layers": layers,
	})
}
