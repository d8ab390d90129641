package library

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/alanbriolat/video-library/generic"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is the durable library of committed records, backed by SQLite. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// Open opens (creating if necessary) the SQLite database at path and brings its schema up to date.
func Open(path string) (*Store, error) {
	logger := zapgorm2.New(zap.L().Named("gorm"))
	logger.IgnoreRecordNotFoundError = true
	logger.SlowThreshold = 500 * time.Millisecond
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open library database: %w", err)
	}
	s := &Store{db: db, log: zap.S().Named("library")}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate library database: %w", err)
	}
	// SQLite allows one writer at a time; serialising in the pool avoids SQLITE_BUSY under concurrent commits
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

func (s *Store) migrate() error {
	s.log.Debug("running database migrations")
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite3.WithInstance(sqlDB, &migratesqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch err {
	case nil:
		s.log.Info("database migration complete")
	case migrate.ErrNoChange:
		s.log.Debug("no database migration required")
	default:
		return err
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert adds a new record, assigning its ID if unset. If another live record has the same source URL or content
// hash, the result is a *DuplicateRecordError.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = generic.Unwrap(uuid.NewRandom()).String()
	}
	err := s.db.WithContext(ctx).Create(r).Error
	if err == nil {
		s.log.With("record_id", r.ID, "url", r.SourceURL).Info("inserted record")
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if existing, err := s.FindLiveByURL(ctx, r.SourceURL); err == nil {
		return &DuplicateRecordError{Existing: existing, Field: "source_url"}
	}
	if existing, err := s.FindLiveByHash(ctx, r.ContentHash); err == nil {
		return &DuplicateRecordError{Existing: existing, Field: "content_hash"}
	}
	return &DuplicateRecordError{Field: uniqueViolationField(err)}
}

// Get returns the live record with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id RecordID) (*Record, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) FindLiveByURL(ctx context.Context, sourceURL string) (*Record, error) {
	return s.first(ctx, "source_url = ?", sourceURL)
}

func (s *Store) FindLiveByHash(ctx context.Context, contentHash string) (*Record, error) {
	return s.first(ctx, "content_hash = ?", contentHash)
}

func (s *Store) first(ctx context.Context, query string, args ...any) (*Record, error) {
	var r Record
	if err := s.db.WithContext(ctx).Where(query, args...).First(&r).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns live records matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	tx := s.db.WithContext(ctx).Model(&Record{})
	if text := strings.TrimSpace(q.Text); text != "" {
		pattern := "%" + escapeLike(text) + "%"
		tx = tx.Where(`(title LIKE ? ESCAPE '\' OR uploader LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if q.Platform != "" {
		tx = tx.Where("platform = ?", q.Platform)
	}
	if q.Uploader != "" {
		tx = tx.Where("uploader = ?", q.Uploader)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	} else if limit > MaxListLimit {
		limit = MaxListLimit
	}
	records := []Record{}
	if err := tx.Order("created_at DESC, id").Limit(limit).Offset(q.Offset).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// All returns every live record, oldest first.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Delete soft-deletes a record; the file on disk is left alone.
func (s *Store) Delete(ctx context.Context, id RecordID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if res.Error != nil {
		return res.Error
	} else if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.With("record_id", id).Info("deleted record")
	return nil
}

// UpdateMedia replaces the media fields of a live record after its file has been replaced.
func (s *Store) UpdateMedia(ctx context.Context, id RecordID, u MediaUpdate) (*Record, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"content_hash":     u.ContentHash,
		"file_path":        u.FilePath,
		"file_size":        u.FileSize,
		"codec":            u.Codec,
		"resolution":       u.Resolution,
		"duration_seconds": u.DurationSeconds,
	})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			existing, _ := s.FindLiveByHash(ctx, u.ContentHash)
			return nil, &DuplicateRecordError{Existing: existing, Field: "content_hash"}
		}
		return nil, res.Error
	} else if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func uniqueViolationField(err error) string {
	switch msg := err.Error(); {
	case strings.Contains(msg, "source_url"):
		return "source_url"
	case strings.Contains(msg, "content_hash"):
		return "content_hash"
	default:
		return "unknown"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
