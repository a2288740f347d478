package session

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	offsetHeader   = "Upload-Offset"
	checksumHeader = "X-Chunk-Sha256"
)

// RegisterRoutes mounts the resumable upload endpoints under /sessions.
func RegisterRoutes(group *gin.RouterGroup, service *Service, maxChunkSize int64, defaultBucket string) {
	handler := &httpHandler{service: service, maxChunkSize: maxChunkSize, defaultBucket: defaultBucket}
	sessions := group.Group("/sessions")
	{
		sessions.POST("", handler.create)
		sessions.GET("/:id", handler.get)
		sessions.PATCH("/:id", handler.append)
		sessions.POST("/:id/complete", handler.complete)
		sessions.DELETE("/:id", handler.abort)
	}
}

type httpHandler struct {
	service       *Service
	maxChunkSize  int64
	defaultBucket string
}

type createRequest struct {
	Bucket           string `json:"bucket"`
	Path             string `json:"path"`
	FileName         string `json:"fileName" binding:"required"`
	TotalSize        int64  `json:"totalSize" binding:"required"`
	ChunkSize        int64  `json:"chunkSize"`
	FileChecksum     string `json:"fileChecksum"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

type finalizeResponse struct {
	SessionID     string         `json:"sessionId"`
	UploadedBytes int64          `json:"uploadedBytes"`
	Bucket        string         `json:"bucket"`
	Path          string         `json:"path"`
	Result        finalizeObject `json:"result"`
}

type finalizeObject struct {
	ETag        string `json:"etag"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	Checksum    string `json:"checksum"`
}

func (h *httpHandler) create(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	if req.Bucket == "" {
		req.Bucket = h.defaultBucket
	}

	sess, err := h.service.Create(c.Request.Context(), owner, CreateParams{
		Bucket:           req.Bucket,
		StoragePath:      req.Path,
		FileName:         req.FileName,
		TotalSize:        req.TotalSize,
		ChunkSize:        req.ChunkSize,
		ExpectedChecksum: req.FileChecksum,
		TTL:              time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess, "nextOffset": 0})
}

func (h *httpHandler) get(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	sess, err := h.service.Get(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess, "nextOffset": sess.UploadedBytes})
}

func (h *httpHandler) append(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	offset, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(offsetHeader)), 10, 64)
	if err != nil || offset < 0 {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "upload-offset header must be a non-negative integer"))
		return
	}

	if c.Request.ContentLength > h.maxChunkSize {
		apperr.Abort(c, chunkTooLarge(h.maxChunkSize))
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperr.Abort(c, chunkTooLarge(h.maxChunkSize))
			return
		}
		apperr.Abort(c, apperr.Wrap(apperr.CodeBadRequest, err, "failed to read chunk body"))
		return
	}

	res, err := h.service.Append(c.Request.Context(), c.Param("id"), owner, offset, data, c.GetHeader(checksumHeader))
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":       res.Session,
		"uploadedBytes": res.UploadedBytes,
		"nextOffset":    res.UploadedBytes,
		"completed":     res.Completed,
	})
}

func (h *httpHandler) complete(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	res, err := h.service.Finalize(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, finalizeResponse{
		SessionID:     res.SessionID,
		UploadedBytes: res.UploadedBytes,
		Bucket:        res.Bucket,
		Path:          res.ObjectKey,
		Result: finalizeObject{
			ETag:        res.Object.ETag,
			Size:        res.Object.Size,
			ContentType: res.Object.ContentType,
			Checksum:    res.Checksum,
		},
	})
}

func (h *httpHandler) abort(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	if err := h.service.Abort(c.Request.Context(), c.Param("id"), owner); err != nil {
		apperr.Abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func chunkTooLarge(limit int64) *apperr.Error {
	return apperr.New(apperr.CodeTooLarge, "chunk exceeds the %d byte limit", limit).With("maxChunkSize", limit)
}
