package file

import (
	"net/http"
	"strconv"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/auth"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts whole-file upload and history under /uploads.
func RegisterRoutes(group *gin.RouterGroup, service *Service, defaultBucket string) {
	handler := &httpHandler{service: service, defaultBucket: defaultBucket}
	group.POST("/uploads", handler.upload)
	group.GET("/uploads", handler.list)
}

type httpHandler struct {
	service       *Service
	defaultBucket string
}

func (h *httpHandler) upload(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "file field is required"))
		return
	}

	bucket := c.PostForm("bucket")
	if bucket == "" {
		bucket = h.defaultBucket
	}

	rec, err := h.service.Upload(c.Request.Context(), owner, UploadInput{
		Bucket: bucket,
		Key:    c.PostForm("path"),
		File:   fileHeader,
	})
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

func (h *httpHandler) list(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	records, err := h.service.List(c.Request.Context(), owner, limit)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploads": records})
}
