package authkit

import (
	"net"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const minimumPasswordLength = 6

// RouteDependencies collects what the /auth endpoints need. Google may be nil to disable /auth/google.
type RouteDependencies struct {
	Manager *TokenManager
	Nonces  NonceStore
	Google  GoogleTokenValidator
	Logger  *zap.Logger
}

// MountAuthRoutes registers /auth/register, /auth/login, /auth/refresh, /auth/logout, and, when a Google
// validator is configured, /auth/nonce and /auth/google.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) {
	if dependencies.Manager == nil {
		panic("token manager is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := dependencies.Manager

	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			Email                string `json:"email"`
			Password             string `json:"password"`
			PasswordConfirmation string `json:"password_confirmation"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if validationCode := validateRegistration(inbound.Email, inbound.Password, inbound.PasswordConfirmation); validationCode != "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationCode})
			return
		}
		user, err := manager.Register(contextGin.Request.Context(), RegisterRequest{Email: inbound.Email, Password: inbound.Password})
		if err != nil {
			RespondError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusCreated, NewUserResponse(user))
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		pair, err := manager.Login(contextGin.Request.Context(), LoginRequest{Email: inbound.Email, Password: inbound.Password}, contextGin.Request.UserAgent())
		if err != nil {
			RespondError(contextGin, logger, err)
			return
		}
		respondTokens(contextGin, configuration, pair)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		pair, err := manager.Refresh(contextGin.Request.Context(), refreshCookie.Value, contextGin.Request.UserAgent())
		if err != nil {
			clearCookie(contextGin, configuration.RefreshCookieName, configuration.CookieDomain, configuration.SameSiteMode)
			RespondError(contextGin, logger, err)
			return
		}
		respondTokens(contextGin, configuration, pair)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr == nil && refreshCookie != nil && strings.TrimSpace(refreshCookie.Value) != "" {
			if err := manager.Logout(contextGin.Request.Context(), refreshCookie.Value); err != nil {
				logger.Error("logout revoke failed",
					zap.String("code", "auth.logout.revoke_failed"),
					zap.Error(err))
			}
		}
		clearCookie(contextGin, configuration.RefreshCookieName, configuration.CookieDomain, configuration.SameSiteMode)
		contextGin.Status(http.StatusNoContent)
	})

	if dependencies.Google == nil || dependencies.Nonces == nil || configuration.GoogleWebClientID == "" {
		return
	}
	nonces := dependencies.Nonces
	googleValidator := dependencies.Google

	router.GET("/auth/nonce", func(contextGin *gin.Context) {
		nonce, err := nonces.Issue(contextGin.Request.Context())
		if err != nil {
			RespondError(contextGin, logger, err)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
			Nonce         string `json:"nonce"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		if nonceErr := nonces.Consume(contextGin.Request.Context(), inbound.Nonce); nonceErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
			return
		}
		payload, validateErr := googleValidator.Validate(contextGin.Request.Context(), inbound.GoogleIDToken, configuration.GoogleWebClientID)
		if validateErr != nil || payload == nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}
		issuerValue, _ := payload.Claims["iss"].(string)
		if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
			return
		}
		tokenNonce, _ := payload.Claims["nonce"].(string)
		if tokenNonce != inbound.Nonce {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce_mismatch"})
			return
		}
		userEmail, _ := payload.Claims["email"].(string)
		emailVerified, _ := payload.Claims["email_verified"].(bool)
		if userEmail == "" || !emailVerified {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
			return
		}
		pair, err := manager.ProviderAuth(contextGin.Request.Context(), userEmail, contextGin.Request.UserAgent(), ProviderGoogle)
		if err != nil {
			RespondError(contextGin, logger, err)
			return
		}
		respondTokens(contextGin, configuration, pair)
	})
}

// UserResponse is the public JSON shape of a user; it never carries the password hash.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	Provider  string    `json:"provider,omitempty"`
	IsBlocked bool      `json:"is_blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserResponse projects a user for the wire.
func NewUserResponse(user User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Roles:     user.Roles,
		Provider:  user.Provider,
		IsBlocked: user.IsBlocked,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

// RespondError aborts with the status mapped from the error kind. Server errors are logged and masked.
func RespondError(contextGin *gin.Context, logger *zap.Logger, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", "http.internal_error"),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(status, gin.H{"error": "internal_error"})
		return
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func validateRegistration(email string, password string, confirmation string) string {
	address, parseErr := mail.ParseAddress(email)
	if parseErr != nil || address.Address != email {
		return "invalid_email"
	}
	if len(password) < minimumPasswordLength {
		return "password_too_short"
	}
	if len(password) > MaxPasswordBytes {
		return "password_too_long"
	}
	if password != confirmation {
		return "password_mismatch"
	}
	return ""
}

func respondTokens(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	writeRefreshCookie(contextGin, configuration, pair.RefreshToken, pair.RefreshExpiresAt)
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token": pair.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   pair.AccessExpiresAt,
	})
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    opaque,
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, domain string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/auth",
		Domain:   domain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
