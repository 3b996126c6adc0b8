package authkit

import (
	"slices"
	"time"
)

// Role tags carried in access tokens.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// ProviderGoogle tags accounts created through Google Sign-In.
const ProviderGoogle = "GOOGLE"

// User is the durable identity record.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Roles        []string  `json:"roles"`
	Provider     string    `json:"provider,omitempty"`
	IsBlocked    bool      `json:"is_blocked"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the user carries the role tag.
func (user User) HasRole(role string) bool {
	return slices.Contains(user.Roles, role)
}

// UserUpdate describes a create-or-update keyed by email. Nil fields are left untouched.
// CreateOnly fails with ErrUserExists instead of updating an existing account.
type UserUpdate struct {
	Email      string
	Password   *string
	Provider   *string
	Roles      []string
	IsBlocked  *bool
	CreateOnly bool
}

// UserUpsert is the store-level form of UserUpdate with the password already hashed.
type UserUpsert struct {
	Email        string
	PasswordHash *string
	Provider     *string
	Roles        []string
	IsBlocked    *bool
	CreateOnly   bool
}

// RefreshSession is one outstanding refresh token for a (user, agent) pair.
type RefreshSession struct {
	Token     string
	UserID    string
	Agent     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenPair is returned by every token-issuing operation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

func defaultRoles() []string {
	return []string{RoleUser}
}

func cloneUser(user User) User {
	user.Roles = slices.Clone(user.Roles)
	return user
}
