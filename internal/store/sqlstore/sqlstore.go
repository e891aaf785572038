// Package sqlstore implements store.Store on GORM. Postgres URLs select the
// Postgres driver; anything else is treated as a SQLite file path.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flapmax/measure-remote/internal/crypto"
	"github.com/flapmax/measure-remote/internal/store"
)

var (
	_ store.Store     = (*sqlStore)(nil)
	_ store.DataStore = (*sqlStore)(nil)
)

type sqlStore struct {
	db            *gorm.DB
	conf          store.Config
	encryptionKey []byte
}

// GORM models

type EnvironmentModel struct {
	ID            string     `gorm:"column:id;primaryKey"`
	UserID        string     `gorm:"column:user_id;not null;uniqueIndex:idx_env_user_name,priority:1"`
	Name          string     `gorm:"column:name;not null;uniqueIndex:idx_env_user_name,priority:2"`
	Hostname      string     `gorm:"column:hostname;not null"`
	Username      string     `gorm:"column:username;not null"`
	UsePrivateKey bool       `gorm:"column:use_private_key;not null;default:false"`
	OS            string     `gorm:"column:os"`
	Cores         int        `gorm:"column:cores;not null;default:0"`
	Processor     string     `gorm:"column:processor"`
	RAMGB         float64    `gorm:"column:ram_gb;not null;default:0"`
	IsProvisioned bool       `gorm:"column:is_provisioned;not null;default:false"`
	Status        string     `gorm:"column:status"`
	LastUsed      *time.Time `gorm:"column:last_used"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (EnvironmentModel) TableName() string { return "environments" }

type CredentialModel struct {
	EnvironmentID string    `gorm:"column:environment_id;primaryKey"`
	PrivateKey    string    `gorm:"column:private_key"`
	Password      string    `gorm:"column:password"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (CredentialModel) TableName() string { return "credentials" }

type DatasetModel struct {
	ID                   string    `gorm:"column:id;primaryKey"`
	UserID               string    `gorm:"column:user_id;not null;index"`
	Name                 string    `gorm:"column:name;not null"`
	UseFromLibrary       bool      `gorm:"column:use_from_library;not null;default:false"`
	Annotations          string    `gorm:"column:annotations"`
	Images               string    `gorm:"column:images"`
	QuestionKey          string    `gorm:"column:question_key"`
	CorrectResponseKey   string    `gorm:"column:correct_response_key"`
	IncorrectResponseKey string    `gorm:"column:incorrect_response_key"`
	CreatedAt            time.Time `gorm:"column:created_at"`
}

func (DatasetModel) TableName() string { return "datasets" }

type BenchmarkModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	UserID        string         `gorm:"column:user_id;not null;uniqueIndex:idx_bm_user_name,priority:1"`
	EnvironmentID string         `gorm:"column:environment_id;not null;index"`
	ModelID       string         `gorm:"column:model_id;not null"`
	Name          string         `gorm:"column:name;not null;uniqueIndex:idx_bm_user_name,priority:2"`
	Dataset       string         `gorm:"column:dataset"`
	BatchSizes    datatypes.JSON `gorm:"column:batch_sizes"`
	Status        string         `gorm:"column:status;not null"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (BenchmarkModel) TableName() string { return "benchmarks" }

type FineTuningModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	UserID        string    `gorm:"column:user_id;not null;uniqueIndex:idx_ft_user_name,priority:1"`
	EnvironmentID string    `gorm:"column:environment_id;not null;index"`
	ModelID       string    `gorm:"column:model_id;not null"`
	DatasetID     string    `gorm:"column:dataset_id;not null"`
	Name          string    `gorm:"column:name;not null;uniqueIndex:idx_ft_user_name,priority:2"`
	Status        string    `gorm:"column:status;not null"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (FineTuningModel) TableName() string { return "fine_tunings" }

type ExperimentModel struct {
	ID           string         `gorm:"column:id;primaryKey"`
	ExperimentID string         `gorm:"column:experiment_id;not null;index:idx_exp_type_parent,priority:2"`
	UserID       string         `gorm:"column:user_id;not null"`
	Type         string         `gorm:"column:type;not null;index:idx_exp_type_parent,priority:1"`
	Response     datatypes.JSON `gorm:"column:response"`
	IsSuccessful bool           `gorm:"column:is_successful;not null;default:false"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (ExperimentModel) TableName() string { return "experiments" }

type ExperimentLogModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	EnvironmentID string         `gorm:"column:environment_id;not null;index"`
	Endpoint      string         `gorm:"column:endpoint;not null"`
	Attempt       int            `gorm:"column:attempt;not null;default:0"`
	Lines         datatypes.JSON `gorm:"column:lines"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (ExperimentLogModel) TableName() string { return "experiment_logs" }

// IsPostgresURL reports whether url selects the Postgres driver.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// New opens the database named by cfg.DatabaseURL.
func New(ctx context.Context, cfg store.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("sqlstore: missing DatabaseURL")
	}

	var dialector gorm.Dialector
	sqliteDB := !IsPostgresURL(cfg.DatabaseURL)
	if sqliteDB {
		if dir := filepath.Dir(cfg.DatabaseURL); dir != "." && !strings.HasPrefix(cfg.DatabaseURL, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create db dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DatabaseURL)
	} else {
		dialector = postgres.Open(cfg.DatabaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sql.DB handle: %w", err)
	}
	if sqliteDB {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var encKey []byte
	if cfg.EncryptionKey != "" {
		encKey = crypto.DeriveKey(cfg.EncryptionKey)
	} else {
		slog.Warn("no encryption key configured; host credentials are stored in plaintext")
	}
	s := &sqlStore{db: db, conf: cfg, encryptionKey: encKey}

	if cfg.AutoMigrate {
		if err := s.autoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *sqlStore) autoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&EnvironmentModel{},
		&CredentialModel{},
		&DatasetModel{},
		&BenchmarkModel{},
		&FineTuningModel{},
		&ExperimentModel{},
		&ExperimentLogModel{},
	); err != nil {
		return fmt.Errorf("sqlstore: auto-migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Config() store.Config { return s.conf }

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(tx store.DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlStore{db: tx, conf: s.conf, encryptionKey: s.encryptionKey})
	})
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrAlreadyExists
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return store.ErrInvalid
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrAlreadyExists
		case "23503":
			return store.ErrInvalid
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrAlreadyExists
	}
	return err
}

func toJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalid, err)
	}
	return datatypes.JSON(b), nil
}

func fromJSON[T any](raw datatypes.JSON) T {
	var v T
	if len(raw) == 0 {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("undecodable json column", "error", err)
	}
	return v
}
