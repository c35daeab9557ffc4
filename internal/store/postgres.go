package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// PostgresConfig configures the gorm connection pool.
type PostgresConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore is a Store on PostgreSQL through gorm. Status transitions take
// a row lock (SELECT ... FOR UPDATE) for the duration of the callback.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, sizes the pool and migrates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN must be provided")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.WithContext(ctx).AutoMigrate(&models.Collection{}, &models.Document{}, &models.DeletionEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	slog.Info("Postgres store initialized.", "maxOpenConns", cfg.MaxOpenConns)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	return pgErr(s.db.WithContext(ctx).Create(c).Error, "collection", c.ID)
}

func (s *PostgresStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	var c models.Collection
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, pgErr(err, "collection", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListCollections(ctx context.Context, owner string) ([]*models.Collection, error) {
	var out []*models.Collection
	err := s.db.WithContext(ctx).
		Where("owner = ? AND deleting = ?", owner, false).
		Order("created_at DESC").Order("id").
		Find(&out).Error
	if err != nil {
		return nil, pgErr(err, "collections of", owner)
	}
	return out, nil
}

func (s *PostgresStore) UpdateCollection(ctx context.Context, id string, fn func(*models.Collection) error) (*models.Collection, error) {
	var out models.Collection
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		if fnErr = fn(&out); fnErr != nil {
			return fnErr
		}
		return tx.Save(&out).Error
	})
	if fnErr != nil {
		return &out, fnErr
	}
	if err != nil {
		return nil, pgErr(err, "collection", id)
	}
	return &out, nil
}

func (s *PostgresStore) DeleteCollection(ctx context.Context, id string) error {
	return pgErr(s.db.WithContext(ctx).Delete(&models.Collection{}, "id = ?", id).Error, "collection", id)
}

func (s *PostgresStore) CreateDocument(ctx context.Context, d *models.Document) error {
	return pgErr(s.db.WithContext(ctx).Create(d).Error, "document", d.ID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, pgErr(err, "document", id)
	}
	return &d, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (*models.Document, error) {
	var out models.Document
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		if fnErr = fn(&out); fnErr != nil {
			return fnErr
		}
		return tx.Save(&out).Error
	})
	if fnErr != nil {
		return &out, fnErr
	}
	if err != nil {
		return nil, pgErr(err, "document", id)
	}
	return &out, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	return pgErr(s.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id).Error, "document", id)
}

func (s *PostgresStore) documentScope(q DocumentQuery) *gorm.DB {
	tx := s.db.Model(&models.Document{})
	if q.Owner != "" {
		tx = tx.Where("owner = ?", q.Owner)
	}
	if q.CollectionID != "" {
		tx = tx.Where("collection_id = ?", q.CollectionID)
	}
	if q.Status != "" {
		tx = tx.Where("index_status = ?", q.Status)
	}
	if !q.IncludeDeleting {
		tx = tx.Where("deletion_requested = ?", false)
	}
	return tx
}

func (s *PostgresStore) ListDocuments(ctx context.Context, q DocumentQuery) ([]*models.Document, int, error) {
	var total int64
	if err := s.documentScope(q).WithContext(ctx).Count(&total).Error; err != nil {
		return nil, 0, pgErr(err, "documents", q.CollectionID)
	}
	tx := s.documentScope(q).WithContext(ctx).Order("uploaded_at DESC").Order("id")
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []*models.Document
	if err := tx.Find(&out).Error; err != nil {
		return nil, 0, pgErr(err, "documents", q.CollectionID)
	}
	return out, int(total), nil
}

// RecountCollection holds the collection row lock while counting, so
// concurrent recounts from other instances apply in order.
func (s *PostgresStore) RecountCollection(ctx context.Context, id string, at time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Collection
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		err := tx.Model(&models.Document{}).
			Where("collection_id = ? AND deletion_requested = ?", id, false).
			Count(&n).Error
		if err != nil {
			return err
		}
		if c.DocumentCount == int(n) {
			return nil
		}
		return tx.Model(&c).Updates(map[string]any{"document_count": n, "updated_at": at}).Error
	})
	if err != nil {
		return 0, pgErr(err, "collection", id)
	}
	return int(n), nil
}

func (s *PostgresStore) CreateDeletionEntry(ctx context.Context, e *models.DeletionEntry) error {
	return pgErr(s.db.WithContext(ctx).Create(e).Error, "deletion entry", e.ID)
}

func (s *PostgresStore) SaveDeletionEntry(ctx context.Context, e *models.DeletionEntry) error {
	return pgErr(s.db.WithContext(ctx).Save(e).Error, "deletion entry", e.ID)
}

func (s *PostgresStore) DeleteDeletionEntry(ctx context.Context, id string) error {
	return pgErr(s.db.WithContext(ctx).Delete(&models.DeletionEntry{}, "id = ?", id).Error, "deletion entry", id)
}

func (s *PostgresStore) ListDueDeletionEntries(ctx context.Context, now time.Time, limit int) ([]*models.DeletionEntry, error) {
	tx := s.db.WithContext(ctx).
		Where("state = ? AND due_at <= ?", models.DeletionStatePending, now).
		Order("due_at").Order("created_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []*models.DeletionEntry
	if err := tx.Find(&out).Error; err != nil {
		return nil, pgErr(err, "due deletion entries", "")
	}
	return out, nil
}

func (s *PostgresStore) ListDeletionEntries(ctx context.Context, q DeletionQuery) ([]*models.DeletionEntry, error) {
	tx := s.db.WithContext(ctx).Model(&models.DeletionEntry{})
	if q.CollectionID != "" {
		tx = tx.Where("collection_id = ?", q.CollectionID)
	}
	if q.Target != "" {
		tx = tx.Where("target = ?", q.Target)
	}
	if q.State != "" {
		tx = tx.Where("state = ?", q.State)
	}
	var out []*models.DeletionEntry
	if err := tx.Order("created_at").Find(&out).Error; err != nil {
		return nil, pgErr(err, "deletion entries", q.CollectionID)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// pgErr maps gorm errors onto the model taxonomy.
func pgErr(err error, what, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoChange), errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, what, id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s %s already exists", models.ErrConflict, what, id)
	}
	return fmt.Errorf("%w: postgres %s %s: %v", models.ErrUpstream, what, id, err)
}
