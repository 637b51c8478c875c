package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amoylab/beacon/internal/common/config"
)

// sessionRecord is the relational row behind a Session
type sessionRecord struct {
	ID           string    `gorm:"primaryKey;size:64"`
	UserID       string    `gorm:"size:128;index;not null"`
	ContextID    string    `gorm:"size:128"`
	Fingerprint  string    `gorm:"size:64"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
	LastActivity time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"index;not null"`
}

func (sessionRecord) TableName() string {
	return "beacon_sessions"
}

func (r *sessionRecord) toSession() *Session {
	return &Session{
		ID:           r.ID,
		UserID:       r.UserID,
		ContextID:    r.ContextID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		ExpiresAt:    r.ExpiresAt,
		Fingerprint:  r.Fingerprint,
		Active:       r.Active,
	}
}

// DBStore implements Store on a relational database through gorm.
// The user index is a column index and the global index is the table itself.
// Timestamps are written in UTC so comparisons hold on drivers that store text.
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
	ttl    time.Duration
}

var _ Store = (*DBStore)(nil)

// OpenDB opens and migrates the session table for the configured driver
func OpenDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers; a single connection also keeps :memory: databases shared
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func NewDBStore(logger *zap.Logger, db *gorm.DB, ttl time.Duration) *DBStore {
	return &DBStore{
		logger: logger.Named("session.store.db"),
		db:     db,
		ttl:    ttl,
	}
}

// Create implements Store.Create
func (s *DBStore) Create(ctx context.Context, userID, contextID, fingerprint string) (*Session, error) {
	sess, err := newSession(NewID, userID, contextID, fingerprint, s.ttl)
	if err != nil {
		return nil, err
	}
	rec := &sessionRecord{
		ID:           sess.ID,
		UserID:       sess.UserID,
		ContextID:    sess.ContextID,
		Fingerprint:  sess.Fingerprint,
		Active:       true,
		CreatedAt:    sess.CreatedAt.UTC(),
		LastActivity: sess.LastActivity.UTC(),
		ExpiresAt:    sess.ExpiresAt.UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get implements Store.Get
func (s *DBStore) Get(ctx context.Context, id string) (*Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess := rec.toSession()
	if !sess.Valid(time.Now()) {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// Touch implements Store.Touch
func (s *DBStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("id = ? AND active = ? AND expires_at > ?", id, true, now).
		Updates(map[string]interface{}{
			"last_activity": now,
			"expires_at":    now.Add(s.ttl),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// UpdateContext implements Store.UpdateContext
func (s *DBStore) UpdateContext(ctx context.Context, id, contextID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec sessionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("failed to lock session: %w", err)
		}
		if err := tx.Model(&rec).Update("context_id", contextID).Error; err != nil {
			return fmt.Errorf("failed to update session context: %w", err)
		}
		return nil
	})
}

// Destroy implements Store.Destroy
func (s *DBStore) Destroy(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRecord{}).Error; err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// DestroyUser implements Store.DestroyUser
func (s *DBStore) DestroyUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sessionRecord{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("id IN ?", ids).Delete(&sessionRecord{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to destroy user sessions: %w", err)
	}
	return ids, nil
}

// ListUser implements Store.ListUser
func (s *DBStore) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	var recs []sessionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ? AND expires_at > ?", userID, true, time.Now().UTC()).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	out := make([]*Session, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toSession())
	}
	return out, nil
}

// Count implements Store.Count
func (s *DBStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&sessionRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Sweep implements Store.Sweep
func (s *DBStore) Sweep(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ? OR active = ?", time.Now().UTC(), false).
		Delete(&sessionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
