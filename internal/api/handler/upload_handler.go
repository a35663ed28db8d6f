package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mklotz/geoconvert/internal/api/dto"
)

// CreateUpload handles POST /api/v1/uploads. It allocates a fresh staging
// blob and returns a presigned URL the client PUTs the source file to; the
// returned container and key go into the conversion request afterwards.
func (h *ConversionHandler) CreateUpload(c *gin.Context) {
	ctx := c.Request.Context()

	ref, err := h.uploads.NewKey(ctx, StagingContainer)
	if err != nil {
		h.logger.Error("Failed to allocate staging blob", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create upload",
		})
		return
	}

	uploadURL, expires, err := h.uploads.PresignPut(ctx, ref)
	if err != nil {
		h.logger.Error("Failed to presign upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create upload",
		})
		return
	}

	// staged uploads that never make it into a conversion are reclaimed too
	if err := h.deferred.DeleteLater(ctx, ref); err != nil {
		h.logger.Warn("Failed to arm staged upload deletion",
			slog.String("blob", ref.String()),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusCreated, dto.CreateUploadResponse{
		Container: ref.Container,
		Key:       ref.Key,
		UploadURL: uploadURL,
		ExpiresAt: expires,
	})
}
