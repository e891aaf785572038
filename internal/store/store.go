// Package store declares the records the service persists and the
// interfaces the rest of the service uses to reach them.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
	ErrInvalid       = errors.New("store: invalid data")
)

type Config struct {
	DatabaseURL     string        `json:"database_url"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
	EncryptionKey   string        `json:"-"`
}

// EnvironmentStatus is the outcome of the last provisioning.
type EnvironmentStatus string

const (
	EnvironmentSuccess EnvironmentStatus = "success"
	EnvironmentFailed  EnvironmentStatus = "failed"
)

// JobStatus tracks a benchmark or fine-tuning job through its runs.
type JobStatus string

const (
	JobNew      JobStatus = "new"
	JobPending  JobStatus = "pending"
	JobExecuted JobStatus = "executed"
	JobFailed   JobStatus = "failed"
)

// ExperimentType names what produced an Experiment.
type ExperimentType string

const (
	ExperimentBenchmark ExperimentType = "benchmark"
	ExperimentFineTune  ExperimentType = "fine-tune"
)

// Environment is a user-supplied host registered as a compute node.
type Environment struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Name          string            `json:"name"`
	Hostname      string            `json:"hostname"`
	Username      string            `json:"username"`
	UsePrivateKey bool              `json:"use_private_key"`
	OS            string            `json:"os"`
	Cores         int               `json:"cores"`
	Processor     string            `json:"processor"`
	RAMGB         float64           `json:"ram_gb"`
	IsProvisioned bool              `json:"is_provisioned"`
	Status        EnvironmentStatus `json:"status"`
	LastUsed      *time.Time        `json:"last_used,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Credential is the secret used to reach an Environment. Exactly one of
// PrivateKey and Password is set.
type Credential struct {
	EnvironmentID string    `json:"environment_id"`
	PrivateKey    []byte    `json:"-"`
	Password      string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Dataset describes training data known to the job containers.
type Dataset struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Name                 string    `json:"name"`
	UseFromLibrary       bool      `json:"use_from_library"`
	Annotations          string    `json:"annotations,omitempty"`
	Images               string    `json:"images,omitempty"`
	QuestionKey          string    `json:"question_key,omitempty"`
	CorrectResponseKey   string    `json:"correct_response_key,omitempty"`
	IncorrectResponseKey string    `json:"incorrect_response_key,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Benchmark is a reusable benchmark job definition.
type Benchmark struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	EnvironmentID string    `json:"environment_id"`
	ModelID       string    `json:"model_id"`
	Name          string    `json:"name"`
	Dataset       string    `json:"dataset"`
	BatchSizes    []int     `json:"batch_sizes"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FineTuning is a reusable fine-tuning job definition.
type FineTuning struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	EnvironmentID string    `json:"environment_id"`
	ModelID       string    `json:"model_id"`
	DatasetID     string    `json:"dataset_id"`
	Name          string    `json:"name"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Experiment is the stored result of one job run.
type Experiment struct {
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id"`
	UserID       string         `json:"user_id"`
	Type         ExperimentType `json:"type"`
	Response     any            `json:"response"`
	IsSuccessful bool           `json:"is_successful"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ExperimentLog is the container output captured after one dispatch attempt.
type ExperimentLog struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	Endpoint      string    `json:"endpoint"`
	Attempt       int       `json:"attempt"`
	Lines         []string  `json:"lines"`
	CreatedAt     time.Time `json:"created_at"`
}

// CredentialStore holds host secrets.
type CredentialStore interface {
	PutCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, environmentID string) (*Credential, error)
}

// DataStore declares data operations.
type DataStore interface {
	CredentialStore

	// Environment
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByName(ctx context.Context, userID, name string) (*Environment, error)
	ListEnvironments(ctx context.Context, userID string) ([]*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	TouchEnvironment(ctx context.Context, id string, at time.Time) error
	DeleteEnvironment(ctx context.Context, id string) error

	// Dataset
	CreateDataset(ctx context.Context, ds *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)

	// Benchmark
	CreateBenchmark(ctx context.Context, b *Benchmark) error
	GetBenchmark(ctx context.Context, id string) (*Benchmark, error)
	SetBenchmarkStatus(ctx context.Context, id string, status JobStatus) error

	// FineTuning
	CreateFineTuning(ctx context.Context, f *FineTuning) error
	GetFineTuning(ctx context.Context, id string) (*FineTuning, error)
	SetFineTuningStatus(ctx context.Context, id string, status JobStatus) error

	// Experiment
	CreateExperiment(ctx context.Context, e *Experiment) error
	ListExperiments(ctx context.Context, typ ExperimentType, experimentID string) ([]*Experiment, error)

	// ExperimentLog
	CreateExperimentLog(ctx context.Context, l *ExperimentLog) error
	ListExperimentLogs(ctx context.Context, environmentID string) ([]*ExperimentLog, error)
}

// Store is a DataStore with lifecycle and transactions.
type Store interface {
	DataStore
	Config() Config
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx DataStore) error) error
	Close() error
}
