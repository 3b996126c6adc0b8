package authkit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// IdentityService writes users through the durable store and keeps the identity cache coherent with it.
type IdentityService struct {
	users  UserStore
	cache  *IdentityCache
	hasher PasswordHasher
	logger *zap.Logger
}

// NewIdentityService wires the store, cache, and hasher.
func NewIdentityService(users UserStore, cache *IdentityCache, hasher PasswordHasher, logger *zap.Logger) *IdentityService {
	if users == nil {
		panic("user store is required")
	}
	if cache == nil {
		panic("identity cache is required")
	}
	if hasher == nil {
		panic("password hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{users: users, cache: cache, hasher: hasher, logger: logger}
}

// UpsertByEmail creates the user or updates only the supplied fields, then refreshes both cache keys.
func (service *IdentityService) UpsertByEmail(ctx context.Context, update UserUpdate) (User, error) {
	if strings.TrimSpace(update.Email) == "" {
		return User{}, fmt.Errorf("%w: email is required", ErrBadRequest)
	}
	upsert := UserUpsert{
		Email:      update.Email,
		Provider:   update.Provider,
		Roles:      update.Roles,
		IsBlocked:  update.IsBlocked,
		CreateOnly: update.CreateOnly,
	}
	if update.Password != nil && *update.Password != "" {
		hashed, err := service.hasher.Hash(*update.Password)
		if err != nil {
			return User{}, fmt.Errorf("identity.upsert: %w", err)
		}
		upsert.PasswordHash = &hashed
	}
	user, err := service.users.UpsertByEmail(ctx, upsert)
	if err != nil {
		return User{}, fmt.Errorf("identity.upsert: %w", err)
	}
	service.cache.Put(ctx, user)
	return user, nil
}

// FindByIdentifier resolves an id or email through the cache, falling back to the durable store.
// forceRefresh drops any cached entry for identifier and reads the durable record, password hash included.
func (service *IdentityService) FindByIdentifier(ctx context.Context, identifier string, forceRefresh bool) (User, bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return User{}, false, nil
	}
	if forceRefresh {
		service.cache.Invalidate(ctx, identifier)
	} else if cached, ok := service.cache.Get(ctx, identifier); ok {
		return cached, true, nil
	}
	user, found, err := service.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		return User{}, false, fmt.Errorf("identity.find: %w", err)
	}
	if !found {
		return User{}, false, nil
	}
	service.cache.Put(ctx, user)
	return user, true, nil
}

// DeleteUser removes the account with the given id. Only the owner or an admin may do so.
func (service *IdentityService) DeleteUser(ctx context.Context, id string, requester User) error {
	if requester.ID != id && !requester.HasRole(RoleAdmin) {
		return fmt.Errorf("%w: only the owner or an admin may delete an account", ErrForbidden)
	}
	target, found, err := service.users.FindByIdentifier(ctx, id)
	if err != nil {
		return fmt.Errorf("identity.delete: %w", err)
	}
	if !found || target.ID != id {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	deleted, err := service.users.DeleteByID(ctx, id)
	if err != nil {
		return fmt.Errorf("identity.delete: %w", err)
	}
	service.cache.Invalidate(ctx, target.ID)
	service.cache.Invalidate(ctx, target.Email)
	if !deleted {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	service.logger.Info("user deleted",
		zap.String("code", "identity.delete.success"),
		zap.String("user_id", id),
		zap.String("requester_id", requester.ID))
	return nil
}
