package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts authentication endpoints under /auth.
func RegisterRoutes(router *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", handler.register)
		authGroup.POST("/login", handler.login)
		authGroup.POST("/logout", AuthMiddleware(service), handler.logout)
	}
}

type httpHandler struct {
	service *Service
}

type registerRequest struct {
	Email       string  `json:"email" binding:"required,email"`
	Password    string  `json:"password" binding:"required,min=8,max=72"`
	DisplayName *string `json:"display_name" binding:"omitempty,max=128"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

type authResponse struct {
	User struct {
		ID          string     `json:"id"`
		TenantID    string     `json:"tenant_id"`
		Email       string     `json:"email"`
		DisplayName *string    `json:"display_name,omitempty"`
		CreatedAt   *time.Time `json:"created_at,omitempty"`
	} `json:"user"`
	Tokens struct {
		AccessToken        string `json:"access_token"`
		AccessTokenExpiry  int64  `json:"access_token_expires_at"`
		RefreshToken       string `json:"refresh_token"`
		RefreshTokenExpiry int64  `json:"refresh_token_expires_at"`
	} `json:"tokens"`
}

func (h *httpHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid request body: %v", err))
		return
	}

	result, err := h.service.Register(c.Request.Context(), RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailAlreadyExists):
			apperr.Abort(c, apperr.New(apperr.CodeConflict, "email already registered"))
		case errors.Is(err, ErrInvalidCredentials):
			apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid credentials"))
		default:
			apperr.Abort(c, apperr.Wrap(apperr.CodeInternal, err, "failed to register user"))
		}
		return
	}

	c.JSON(http.StatusCreated, marshalAuthResponse(result))
}

func (h *httpHandler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid request body: %v", err))
		return
	}

	result, err := h.service.Login(c.Request.Context(), LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "invalid credentials"))
			return
		}
		apperr.Abort(c, apperr.Wrap(apperr.CodeInternal, err, "failed to authenticate"))
		return
	}

	c.JSON(http.StatusOK, marshalAuthResponse(result))
}

func (h *httpHandler) logout(c *gin.Context) {
	userID, _, ok := RequireUser(c)
	if !ok {
		apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
		return
	}

	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "invalid request body: %v", err))
		return
	}

	if err := h.service.Logout(c.Request.Context(), userID, req.RefreshToken); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			apperr.Abort(c, apperr.New(apperr.CodeBadRequest, "refresh token is required"))
			return
		}
		apperr.Abort(c, apperr.Wrap(apperr.CodeInternal, err, "failed to log out"))
		return
	}

	c.Status(http.StatusNoContent)
}

func marshalAuthResponse(result AuthResult) authResponse {
	resp := authResponse{}
	resp.User.ID = result.User.ID.String()
	resp.User.TenantID = result.User.TenantID
	resp.User.Email = result.User.Email
	resp.User.DisplayName = result.User.DisplayName
	if !result.User.CreatedAt.IsZero() {
		created := result.User.CreatedAt.UTC()
		resp.User.CreatedAt = &created
	}
	resp.Tokens.AccessToken = result.Tokens.AccessToken
	resp.Tokens.RefreshToken = result.Tokens.RefreshToken
	resp.Tokens.AccessTokenExpiry = result.Tokens.AccessTokenExpiry.Unix()
	resp.Tokens.RefreshTokenExpiry = result.Tokens.RefreshTokenExpiry.Unix()
	return resp
}
