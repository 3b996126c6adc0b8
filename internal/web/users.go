package web

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyemirov/tsession/internal/authkit"
	"github.com/tyemirov/tsession/pkg/sessionvalidator"
)

// ContextUserKey holds the active authkit.User resolved by RequireActiveUser.
const ContextUserKey = "auth_user"

var assignableRoles = []string{authkit.RoleUser, authkit.RoleAdmin}

// MountUserRoutes registers the /api group. Every route requires a valid Bearer access token
// belonging to a user that still exists and is not blocked.
func MountUserRoutes(router gin.IRouter, validator *sessionvalidator.Validator, identities *authkit.IdentityService, logger *zap.Logger) {
	if validator == nil {
		panic("session validator is required")
	}
	if identities == nil {
		panic("identity service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	api := router.Group("/api")
	api.Use(validator.GinMiddleware(sessionvalidator.DefaultContextKey), RequireActiveUser(logger, identities))
	api.GET("/me", HandleWhoAmI(logger))
	api.GET("/users/:identifier", HandleGetUser(logger, identities))
	api.PUT("/users", RequireRoles(logger, authkit.RoleAdmin), HandleUpdateUser(logger, identities))
	api.DELETE("/users/:id", HandleDeleteUser(logger, identities))
}

// RequireActiveUser loads the token's subject through the identity cache and rejects users
// that were deleted or blocked after the token was minted.
func RequireActiveUser(logger *zap.Logger, identities *authkit.IdentityService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if identities == nil {
		panic("identity service is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.auth.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims.GetUserID() == "" {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.auth.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		user, exists, err := identities.FindByIdentifier(contextGin.Request.Context(), claims.GetUserID(), false)
		if err != nil {
			authkit.RespondError(contextGin, logger, err)
			return
		}
		if !exists {
			logger.Warn("token subject no longer exists",
				zap.String("code", "api.auth.user_missing"),
				zap.String("user_id", claims.GetUserID()))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if user.IsBlocked {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account_blocked"})
			return
		}
		contextGin.Set(ContextUserKey, user)
		contextGin.Next()
	}
}

// RequireRoles admits users carrying at least one of roles.
func RequireRoles(logger *zap.Logger, roles ...string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := CurrentUser(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		for _, role := range roles {
			if user.HasRole(role) {
				contextGin.Next()
				return
			}
		}
		logger.Info("role check failed",
			zap.String("code", "api.auth.role_denied"),
			zap.String("user_id", user.ID),
			zap.Strings("required", roles))
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_role"})
	}
}

// CurrentUser returns the user stored by RequireActiveUser.
func CurrentUser(contextGin *gin.Context) (authkit.User, bool) {
	value, found := contextGin.Get(ContextUserKey)
	if !found {
		return authkit.User{}, false
	}
	user, ok := value.(authkit.User)
	return user, ok
}

// HandleWhoAmI returns the authenticated user's profile.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := CurrentUser(contextGin)
		if !ok {
			logger.Warn("missing user on context",
				zap.String("code", "api.me.missing_user"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, authkit.NewUserResponse(user))
	}
}

// HandleGetUser looks up a user by id or email.
func HandleGetUser(logger *zap.Logger, identities *authkit.IdentityService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		identifier := strings.TrimSpace(contextGin.Param("identifier"))
		user, found, err := identities.FindByIdentifier(contextGin.Request.Context(), identifier, false)
		if err != nil {
			authkit.RespondError(contextGin, logger, err)
			return
		}
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		contextGin.JSON(http.StatusOK, authkit.NewUserResponse(user))
	}
}

type updateUserRequest struct {
	Email     string   `json:"email"`
	Password  *string  `json:"password"`
	Provider  *string  `json:"provider"`
	Roles     []string `json:"roles"`
	IsBlocked *bool    `json:"is_blocked"`
}

// HandleUpdateUser applies a partial update keyed by email. Omitted fields are left untouched.
func HandleUpdateUser(logger *zap.Logger, identities *authkit.IdentityService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		var inbound updateUserRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		for _, role := range inbound.Roles {
			if !slices.Contains(assignableRoles, role) {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
				return
			}
		}
		user, err := identities.UpsertByEmail(contextGin.Request.Context(), authkit.UserUpdate{
			Email:     inbound.Email,
			Password:  inbound.Password,
			Provider:  inbound.Provider,
			Roles:     inbound.Roles,
			IsBlocked: inbound.IsBlocked,
		})
		if err != nil {
			authkit.RespondError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, authkit.NewUserResponse(user))
	}
}

// HandleDeleteUser deletes an account. The identity service enforces owner-or-admin.
func HandleDeleteUser(logger *zap.Logger, identities *authkit.IdentityService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		requester, ok := CurrentUser(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		targetID := contextGin.Param("id")
		if _, parseErr := uuid.Parse(targetID); parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
			return
		}
		if err := identities.DeleteUser(contextGin.Request.Context(), targetID, requester); err != nil {
			authkit.RespondError(contextGin, logger, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	}
}
