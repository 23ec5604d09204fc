// Package ledger keeps a local record of completed uploads so a later run
// can skip files whose content was already delivered.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
)

// Store persists upload entries.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Lookup returns the entry for a file, or nil if none is recorded.
	Lookup(ctx context.Context, env, caseUUID, key string) (*Entry, error)
	// Record inserts or replaces the entry for e's file.
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, env, caseUUID string) ([]Entry, error)
	// Cases returns per-case totals for env, most recent upload first.
	Cases(ctx context.Context, env string) ([]CaseTotals, error)
	Forget(ctx context.Context, env, caseUUID, key string) error
}

var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.LedgerConfig
	db  *gorm.DB
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.LedgerConfig) Store {
	return &store{
		log: log.WithField("component", "ledger"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported ledger driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}

	if s.cfg.Driver == config.DriverSQLite {
		// One connection: SQLite serializes writers, and every :memory:
		// connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Debug("Ledger database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Lookup implements Store.
func (s *store) Lookup(ctx context.Context, env, caseUUID, key string) (*Entry, error) {
	var e Entry

	err := s.db.WithContext(ctx).
		Where("env = ? AND case_uuid = ? AND file_key = ?", env, caseUUID, key).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", key, err)
	}

	return &e, nil
}

// Record implements Store.
func (s *store) Record(ctx context.Context, e *Entry) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "env"}, {Name: "case_uuid"}, {Name: "file_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"object_id", "checksum_md5", "bytes", "uploaded_at",
			}),
		}).
		Create(e).Error
	if err != nil {
		return fmt.Errorf("recording %s: %w", e.Key, err)
	}

	return nil
}

// List implements Store.
func (s *store) List(ctx context.Context, env, caseUUID string) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("env = ? AND case_uuid = ?", env, caseUUID).
		Order("file_key ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	return entries, nil
}

// Cases implements Store.
func (s *store) Cases(ctx context.Context, env string) ([]CaseTotals, error) {
	var rows []struct {
		CaseUUID     string
		Files        int64
		Bytes        int64
		LastUploadAt string
	}

	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("case_uuid, COUNT(*) AS files, COALESCE(SUM(bytes), 0) AS bytes, MAX(uploaded_at) AS last_upload_at").
		Where("env = ?", env).
		Group("case_uuid").
		Order("last_upload_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}

	totals := make([]CaseTotals, 0, len(rows))

	for _, r := range rows {
		t := CaseTotals{CaseUUID: r.CaseUUID, Files: r.Files, Bytes: r.Bytes}

		if ts, err := parseTimestamp(r.LastUploadAt); err == nil {
			t.LastUploadAt = ts
		}

		totals = append(totals, t)
	}

	return totals, nil
}

// parseTimestamp reads an aggregated timestamp, which drivers return as
// text in differing layouts.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Forget implements Store.
func (s *store) Forget(ctx context.Context, env, caseUUID, key string) error {
	if err := s.db.WithContext(ctx).
		Where("env = ? AND case_uuid = ? AND file_key = ?", env, caseUUID, key).
		Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("forgetting %s: %w", key, err)
	}

	return nil
}
