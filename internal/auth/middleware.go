package auth

import (
	"strings"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/scope"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const userContextKey contextKey = "driveupUser"

// ContextUser represents the authenticated principal stored in the request context.
type ContextUser struct {
	ID       string
	TenantID string
	Email    string
}

// AuthMiddleware validates bearer tokens and injects the authenticated user.
func AuthMiddleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "missing authorization header"))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "invalid authorization header"))
			return
		}

		claims, err := service.ValidateAccessToken(token)
		if err != nil {
			apperr.Abort(c, apperr.New(apperr.CodeUnauthorized, "invalid or expired token"))
			return
		}

		SetUser(c, ContextUser{
			ID:       claims.UserID.String(),
			TenantID: claims.TenantID,
			Email:    claims.Email,
		})

		c.Next()
	}
}

// SetUser stores the authenticated principal on the gin context.
func SetUser(c *gin.Context, user ContextUser) {
	c.Set(string(userContextKey), user)
}

// CurrentUser extracts the authenticated user from the context.
func CurrentUser(c *gin.Context) (ContextUser, bool) {
	value, exists := c.Get(string(userContextKey))
	if !exists {
		return ContextUser{}, false
	}
	user, ok := value.(ContextUser)
	return user, ok
}

// RequireUser fetches the authenticated user and parses the identifier.
func RequireUser(c *gin.Context) (uuid.UUID, ContextUser, bool) {
	user, ok := CurrentUser(c)
	if !ok {
		return uuid.Nil, ContextUser{}, false
	}
	id, err := uuid.Parse(user.ID)
	if err != nil {
		return uuid.Nil, ContextUser{}, false
	}
	return id, user, true
}

// RequireOwner resolves the authenticated user into the storage scope every
// upload is confined to.
func RequireOwner(c *gin.Context) (scope.Owner, bool) {
	user, ok := CurrentUser(c)
	if !ok {
		return scope.Owner{}, false
	}
	owner := scope.Owner{TenantID: user.TenantID, UserID: user.ID}
	if !owner.Valid() {
		return scope.Owner{}, false
	}
	return owner, true
}

func extractBearerToken(header string) string {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
