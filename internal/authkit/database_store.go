package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

// DatabaseStore persists users and refresh sessions using GORM. It implements UserStore and SessionStore.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null;default:''"`
	Roles        []string  `gorm:"column:roles;type:text;serializer:json;not null"`
	Provider     string    `gorm:"column:provider;not null;default:''"`
	IsBlocked    bool      `gorm:"column:is_blocked;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:           record.ID,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		Roles:        append([]string(nil), record.Roles...),
		Provider:     record.Provider,
		IsBlocked:    record.IsBlocked,
		CreatedAt:    record.CreatedAt.UTC(),
		UpdatedAt:    record.UpdatedAt.UTC(),
	}
}

type refreshSessionRecord struct {
	TokenHash    string `gorm:"column:token_hash;primaryKey"`
	UserID       string `gorm:"column:user_id;not null;uniqueIndex:idx_refresh_sessions_owner,priority:1"`
	Agent        string `gorm:"column:agent;not null;default:'';uniqueIndex:idx_refresh_sessions_owner,priority:2"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;not null"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshSessionRecord) TableName() string {
	return "refresh_sessions"
}

// NewDatabaseStore opens the database and migrates the users and refresh_sessions tables.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, poolErr)
		}
		// sqlite permits one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &refreshSessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("database_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// FindByIdentifier matches a user by id or email.
func (store *DatabaseStore) FindByIdentifier(ctx context.Context, identifier string) (User, bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return User{}, false, nil
	}
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ? OR email = ?", identifier, identifier).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), true, nil
}

// UpsertByEmail creates the user with default roles or updates only the supplied fields.
// The insert is conflict-safe: a concurrent creator of the same email turns this call into an update,
// or into ErrUserExists when CreateOnly is set.
func (store *DatabaseStore) UpsertByEmail(ctx context.Context, upsert UserUpsert) (User, error) {
	if strings.TrimSpace(upsert.Email) == "" {
		return User{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, ErrUserEmptyEmail)
	}
	now := store.now()
	var saved userRecord
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := userRecord{
			ID:        uuid.NewString(),
			Email:     upsert.Email,
			Roles:     defaultRoles(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if upsert.PasswordHash != nil {
			candidate.PasswordHash = *upsert.PasswordHash
		}
		if upsert.Provider != nil {
			candidate.Provider = *upsert.Provider
		}
		inserted := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).Create(&candidate)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 1 {
			saved = candidate
			return nil
		}
		if upsert.CreateOnly {
			return ErrUserExists
		}
		if findErr := tx.Where("email = ?", upsert.Email).Take(&saved).Error; findErr != nil {
			return findErr
		}
		if upsert.PasswordHash != nil {
			saved.PasswordHash = *upsert.PasswordHash
		}
		if upsert.Provider != nil {
			saved.Provider = *upsert.Provider
		}
		if upsert.Roles != nil {
			saved.Roles = append([]string(nil), upsert.Roles...)
		}
		if upsert.IsBlocked != nil {
			saved.IsBlocked = *upsert.IsBlocked
		}
		saved.UpdatedAt = now
		return tx.Save(&saved).Error
	})
	if err != nil {
		return User{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
	}
	return saved.toUser(), nil
}

// DeleteByID removes the user and its refresh sessions in one transaction.
func (store *DatabaseStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&refreshSessionRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&userRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("user_store.delete.%s: %w", store.driverLabel, err)
	}
	return deleted, nil
}

// IssueOrRotate upserts the session row keyed by (user_id, agent) with a fresh token hash.
func (store *DatabaseStore) IssueOrRotate(ctx context.Context, userID string, agent string, expiresAt time.Time) (RefreshSession, error) {
	if strings.TrimSpace(userID) == "" {
		return RefreshSession{}, fmt.Errorf("session_store.issue.%s: %w", store.driverLabel, ErrSessionEmptyUser)
	}
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return RefreshSession{}, fmt.Errorf("session_store.issue.%s: %w", store.driverLabel, randomErr)
	}
	issuedAt := store.now()
	record := refreshSessionRecord{
		TokenHash:    hashValue,
		UserID:       userID,
		Agent:        agent,
		ExpiresUnix:  expiresAt.Unix(),
		IssuedAtUnix: issuedAt.Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "agent"}},
		DoUpdates: clause.AssignmentColumns([]string{"token_hash", "expires_unix", "issued_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return RefreshSession{}, fmt.Errorf("session_store.issue.%s: %w", store.driverLabel, err)
	}
	return RefreshSession{
		Token:     opaqueToken,
		UserID:    userID,
		Agent:     agent,
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
		IssuedAt:  time.Unix(record.IssuedAtUnix, 0).UTC(),
	}, nil
}

// Consume deletes the session matching token. Only the caller whose delete affects the row wins.
func (store *DatabaseStore) Consume(ctx context.Context, token string) (RefreshSession, bool, error) {
	if strings.TrimSpace(token) == "" {
		return RefreshSession{}, false, nil
	}
	hashValue := hashOpaque(token)
	var record refreshSessionRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashValue).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshSession{}, false, nil
	}
	if err != nil {
		return RefreshSession{}, false, fmt.Errorf("session_store.consume.%s: %w", store.driverLabel, err)
	}
	result := store.db.WithContext(ctx).Where("token_hash = ?", hashValue).Delete(&refreshSessionRecord{})
	if result.Error != nil {
		return RefreshSession{}, false, fmt.Errorf("session_store.consume.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return RefreshSession{}, false, nil
	}
	return RefreshSession{
		Token:     token,
		UserID:    record.UserID,
		Agent:     record.Agent,
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
		IssuedAt:  time.Unix(record.IssuedAtUnix, 0).UTC(),
	}, true, nil
}

// Revoke deletes the session matching token if present.
func (store *DatabaseStore) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(token)).Delete(&refreshSessionRecord{}).Error; err != nil {
		return fmt.Errorf("session_store.revoke.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RevokeAllForUser deletes every session owned by userID.
func (store *DatabaseStore) RevokeAllForUser(ctx context.Context, userID string) error {
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&refreshSessionRecord{}).Error; err != nil {
		return fmt.Errorf("session_store.revoke_all.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
