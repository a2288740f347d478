package intent

import (
	"net/http"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/auth"
	"github.com/gin-gonic/gin"
)

const idempotencyHeader = "Idempotency-Key"

// RegisterRoutes mounts the direct-upload endpoints under /upload-intents.
func RegisterRoutes(group *gin.RouterGroup, manager *Manager, defaultBucket string) {
	handler := &httpHandler{manager: manager, defaultBucket: defaultBucket}
	intents := group.Group("/upload-intents")
	{
		intents.POST("", handler.create)
		intents.POST("/commit", handler.commit)
		intents.GET("/:id", handler.get)
	}
}

type httpHandler struct {
	manager       *Manager
	defaultBucket string
}

type createRequest struct {
	Bucket        string `json:"bucket"`
	ObjectKey     string `json:"objectKey"`
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength" binding:"required"`
}

type commitRequest struct {
	IntentID  string `json:"intentId" binding:"required"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey" binding:"required"`
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

	grant, err := h.manager.CreateIntent(c.Request.Context(), owner, CreateParams{
		Bucket:        req.Bucket,
		ObjectKey:     req.ObjectKey,
		FileName:      req.Filename,
		ContentLength: req.ContentLength,
		ContentType:   req.ContentType,
	})
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, grant)
}

func (h *httpHandler) commit(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	idem := c.GetHeader(idempotencyHeader)
	if idem == "" {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "idempotency-key header is required"))
		return
	}

	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	if req.Bucket == "" {
		req.Bucket = h.defaultBucket
	}

	receipt, err := h.manager.CommitIntent(c.Request.Context(), owner, CommitParams{
		IntentID:       req.IntentID,
		Bucket:         req.Bucket,
		ObjectKey:      req.ObjectKey,
		IdempotencyKey: idem,
	})
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, receipt)
}

func (h *httpHandler) get(c *gin.Context) {
	owner, ok := auth.RequireOwner(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	in, err := h.manager.Get(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": in})
}
