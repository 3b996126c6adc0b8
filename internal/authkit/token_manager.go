package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errMissingSigningKey = errors.New("token_manager.missing_signing_key")

// RegisterRequest carries the credentials for a new password account.
type RegisterRequest struct {
	Email    string
	Password string
}

// LoginRequest carries password credentials.
type LoginRequest struct {
	Email    string
	Password string
}

// TokenManagerConfig wires a TokenManager.
type TokenManagerConfig struct {
	Identities *IdentityService
	Sessions   SessionStore
	Verifier   CredentialVerifier
	Clock      Clock
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *zap.Logger
	Metrics    MetricsRecorder
}

// TokenManager runs registration, login, refresh rotation, provider sign-in, and logout.
// It holds no per-request state; every call is independent.
type TokenManager struct {
	identities *IdentityService
	sessions   SessionStore
	verifier   CredentialVerifier
	clock      Clock
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewTokenManager validates the configuration and fills defaults for clock, logger, and metrics.
func NewTokenManager(configuration TokenManagerConfig) (*TokenManager, error) {
	if configuration.Identities == nil {
		return nil, errors.New("token_manager: identity service is required")
	}
	if configuration.Sessions == nil {
		return nil, errors.New("token_manager: session store is required")
	}
	if configuration.Verifier == nil {
		return nil, errors.New("token_manager: credential verifier is required")
	}
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token_manager: %w", errMissingSigningKey)
	}
	if configuration.AccessTTL <= 0 {
		return nil, errors.New("token_manager: access ttl must be greater than zero")
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	return &TokenManager{
		identities: configuration.Identities,
		sessions:   configuration.Sessions,
		verifier:   configuration.Verifier,
		clock:      clock,
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Register creates a password account. It does not issue tokens.
func (manager *TokenManager) Register(ctx context.Context, request RegisterRequest) (User, error) {
	if strings.TrimSpace(request.Email) == "" || request.Password == "" {
		return User{}, fmt.Errorf("%w: email and password are required", ErrBadRequest)
	}
	_, exists, err := manager.identities.FindByIdentifier(ctx, request.Email, false)
	if err != nil {
		return User{}, err
	}
	if exists {
		manager.metrics.Increment(metricRegisterConflict)
		return User{}, fmt.Errorf("%w: email is taken", ErrConflict)
	}
	password := request.Password
	user, err := manager.identities.UpsertByEmail(ctx, UserUpdate{Email: request.Email, Password: &password, CreateOnly: true})
	if errors.Is(err, ErrUserExists) {
		manager.metrics.Increment(metricRegisterConflict)
		return User{}, fmt.Errorf("%w: email is taken", ErrConflict)
	}
	if err != nil {
		manager.logger.Error("register upsert failed",
			zap.String("code", "auth.register.upsert_failed"),
			zap.Error(err))
		return User{}, err
	}
	manager.metrics.Increment(metricRegisterSuccess)
	return user, nil
}

// Login verifies password credentials against a fresh durable read and issues a token pair for agent.
func (manager *TokenManager) Login(ctx context.Context, request LoginRequest, agent string) (TokenPair, error) {
	user, found, err := manager.identities.FindByIdentifier(ctx, request.Email, true)
	if err != nil {
		return TokenPair{}, err
	}
	if !found || !manager.verifier.Verify(request.Password, user.PasswordHash) {
		manager.metrics.Increment(metricLoginRejected)
		return TokenPair{}, fmt.Errorf("%w: incorrect credentials", ErrUnauthorized)
	}
	if user.IsBlocked {
		manager.metrics.Increment(metricLoginBlocked)
		return TokenPair{}, fmt.Errorf("%w: account is blocked", ErrForbidden)
	}
	pair, err := manager.generateTokens(ctx, user, agent)
	if err != nil {
		return TokenPair{}, err
	}
	manager.metrics.Increment(metricLoginSuccess)
	return pair, nil
}

// Refresh consumes refreshToken and issues a new pair for the current agent.
// A consumed token stays consumed even when issuance fails afterwards.
func (manager *TokenManager) Refresh(ctx context.Context, refreshToken string, agent string) (TokenPair, error) {
	session, found, err := manager.sessions.Consume(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if !found {
		manager.metrics.Increment(metricRefreshReplay)
		return TokenPair{}, fmt.Errorf("%w: refresh token is invalid", ErrUnauthorized)
	}
	if session.ExpiresAt.Before(manager.clock.Now()) {
		manager.metrics.Increment(metricRefreshExpired)
		return TokenPair{}, fmt.Errorf("%w: refresh token expired", ErrUnauthorized)
	}
	user, found, err := manager.identities.FindByIdentifier(ctx, session.UserID, false)
	if err != nil {
		return TokenPair{}, err
	}
	if !found {
		manager.metrics.Increment(metricRefreshOrphaned)
		return TokenPair{}, fmt.Errorf("%w: refresh token owner no longer exists", ErrUnauthorized)
	}
	if user.IsBlocked {
		return TokenPair{}, fmt.Errorf("%w: account is blocked", ErrForbidden)
	}
	pair, err := manager.generateTokens(ctx, user, agent)
	if err != nil {
		return TokenPair{}, err
	}
	manager.metrics.Increment(metricRefreshSuccess)
	return pair, nil
}

// ProviderAuth signs in an externally verified identity, creating the account on first use.
func (manager *TokenManager) ProviderAuth(ctx context.Context, email string, agent string, provider string) (TokenPair, error) {
	_, existed, err := manager.identities.FindByIdentifier(ctx, email, false)
	if err != nil {
		return TokenPair{}, err
	}
	providerTag := provider
	user, err := manager.identities.UpsertByEmail(ctx, UserUpdate{Email: email, Provider: &providerTag})
	if err != nil || user.ID == "" {
		manager.metrics.Increment(metricProviderFailure)
		manager.logger.Error("provider upsert failed",
			zap.String("code", "auth.provider.upsert_failed"),
			zap.String("provider", provider),
			zap.Error(err))
		return TokenPair{}, fmt.Errorf("%w: provider sign-in produced no user", ErrBadRequest)
	}
	if user.IsBlocked {
		return TokenPair{}, fmt.Errorf("%w: account is blocked", ErrForbidden)
	}
	pair, err := manager.generateTokens(ctx, user, agent)
	if err != nil {
		return TokenPair{}, err
	}
	manager.metrics.Increment(metricProviderSuccess)
	manager.logger.Info("provider sign-in",
		zap.String("code", "auth.provider.success"),
		zap.String("provider", provider),
		zap.Bool("created", !existed))
	return pair, nil
}

// Logout revokes refreshToken. Unknown tokens are ignored.
func (manager *TokenManager) Logout(ctx context.Context, refreshToken string) error {
	if err := manager.sessions.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	manager.metrics.Increment(metricLogout)
	return nil
}

// generateTokens is the only issuance path: a signed access token plus a rotated refresh session.
func (manager *TokenManager) generateTokens(ctx context.Context, user User, agent string) (TokenPair, error) {
	accessToken, accessExpiresAt, err := MintAccessToken(manager.clock, user, manager.issuer, manager.signingKey, manager.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	session, err := manager.sessions.IssueOrRotate(ctx, user.ID, agent, RefreshExpiry(manager.clock.Now(), manager.refreshTTL))
	if err != nil {
		manager.logger.Error("refresh session issue failed",
			zap.String("code", "auth.tokens.issue_failed"),
			zap.String("user_id", user.ID),
			zap.Error(err))
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     session.Token,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}
