package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/flapmax/measure-remote/internal/config"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/provision"
	"github.com/flapmax/measure-remote/internal/store"
)

// ---------------------------------------------------------------------------
// mockStore implements store.Store with function-field delegation
// ---------------------------------------------------------------------------

type mockStore struct {
	PingFn func(ctx context.Context) error

	// Credential
	PutCredentialFn func(ctx context.Context, c *store.Credential) error
	GetCredentialFn func(ctx context.Context, environmentID string) (*store.Credential, error)

	// Environment
	CreateEnvironmentFn    func(ctx context.Context, env *store.Environment) error
	GetEnvironmentFn       func(ctx context.Context, id string) (*store.Environment, error)
	GetEnvironmentByNameFn func(ctx context.Context, userID, name string) (*store.Environment, error)
	ListEnvironmentsFn     func(ctx context.Context, userID string) ([]*store.Environment, error)
	UpdateEnvironmentFn    func(ctx context.Context, env *store.Environment) error
	TouchEnvironmentFn     func(ctx context.Context, id string, at time.Time) error
	DeleteEnvironmentFn    func(ctx context.Context, id string) error

	// Dataset
	CreateDatasetFn func(ctx context.Context, ds *store.Dataset) error
	GetDatasetFn    func(ctx context.Context, id string) (*store.Dataset, error)

	// Benchmark
	CreateBenchmarkFn    func(ctx context.Context, b *store.Benchmark) error
	GetBenchmarkFn       func(ctx context.Context, id string) (*store.Benchmark, error)
	SetBenchmarkStatusFn func(ctx context.Context, id string, status store.JobStatus) error

	// FineTuning
	CreateFineTuningFn    func(ctx context.Context, f *store.FineTuning) error
	GetFineTuningFn       func(ctx context.Context, id string) (*store.FineTuning, error)
	SetFineTuningStatusFn func(ctx context.Context, id string, status store.JobStatus) error

	// Experiment
	CreateExperimentFn func(ctx context.Context, e *store.Experiment) error
	ListExperimentsFn  func(ctx context.Context, typ store.ExperimentType, experimentID string) ([]*store.Experiment, error)

	// ExperimentLog
	CreateExperimentLogFn func(ctx context.Context, l *store.ExperimentLog) error
	ListExperimentLogsFn  func(ctx context.Context, environmentID string) ([]*store.ExperimentLog, error)

	// WithTx
	WithTxFn func(ctx context.Context, fn func(tx store.DataStore) error) error
}

func (m *mockStore) call(name string) { panic(fmt.Sprintf("mockStore.%s not configured", name)) }

// Store interface
func (m *mockStore) Config() store.Config { return store.Config{} }
func (m *mockStore) Close() error         { return nil }

func (m *mockStore) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

func (m *mockStore) WithTx(ctx context.Context, fn func(tx store.DataStore) error) error {
	if m.WithTxFn != nil {
		return m.WithTxFn(ctx, fn)
	}
	return fn(m)
}

// Credential
func (m *mockStore) PutCredential(ctx context.Context, c *store.Credential) error {
	if m.PutCredentialFn != nil {
		return m.PutCredentialFn(ctx, c)
	}
	m.call("PutCredential")
	return nil
}
func (m *mockStore) GetCredential(ctx context.Context, environmentID string) (*store.Credential, error) {
	if m.GetCredentialFn != nil {
		return m.GetCredentialFn(ctx, environmentID)
	}
	m.call("GetCredential")
	return nil, nil
}

// Environment
func (m *mockStore) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	if m.CreateEnvironmentFn != nil {
		return m.CreateEnvironmentFn(ctx, env)
	}
	m.call("CreateEnvironment")
	return nil
}
func (m *mockStore) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	if m.GetEnvironmentFn != nil {
		return m.GetEnvironmentFn(ctx, id)
	}
	m.call("GetEnvironment")
	return nil, nil
}
func (m *mockStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*store.Environment, error) {
	if m.GetEnvironmentByNameFn != nil {
		return m.GetEnvironmentByNameFn(ctx, userID, name)
	}
	m.call("GetEnvironmentByName")
	return nil, nil
}
func (m *mockStore) ListEnvironments(ctx context.Context, userID string) ([]*store.Environment, error) {
	if m.ListEnvironmentsFn != nil {
		return m.ListEnvironmentsFn(ctx, userID)
	}
	m.call("ListEnvironments")
	return nil, nil
}
func (m *mockStore) UpdateEnvironment(ctx context.Context, env *store.Environment) error {
	if m.UpdateEnvironmentFn != nil {
		return m.UpdateEnvironmentFn(ctx, env)
	}
	m.call("UpdateEnvironment")
	return nil
}
func (m *mockStore) TouchEnvironment(ctx context.Context, id string, at time.Time) error {
	if m.TouchEnvironmentFn != nil {
		return m.TouchEnvironmentFn(ctx, id, at)
	}
	m.call("TouchEnvironment")
	return nil
}
func (m *mockStore) DeleteEnvironment(ctx context.Context, id string) error {
	if m.DeleteEnvironmentFn != nil {
		return m.DeleteEnvironmentFn(ctx, id)
	}
	m.call("DeleteEnvironment")
	return nil
}

// Dataset
func (m *mockStore) CreateDataset(ctx context.Context, ds *store.Dataset) error {
	if m.CreateDatasetFn != nil {
		return m.CreateDatasetFn(ctx, ds)
	}
	m.call("CreateDataset")
	return nil
}
func (m *mockStore) GetDataset(ctx context.Context, id string) (*store.Dataset, error) {
	if m.GetDatasetFn != nil {
		return m.GetDatasetFn(ctx, id)
	}
	m.call("GetDataset")
	return nil, nil
}

// Benchmark
func (m *mockStore) CreateBenchmark(ctx context.Context, b *store.Benchmark) error {
	if m.CreateBenchmarkFn != nil {
		return m.CreateBenchmarkFn(ctx, b)
	}
	m.call("CreateBenchmark")
	return nil
}
func (m *mockStore) GetBenchmark(ctx context.Context, id string) (*store.Benchmark, error) {
	if m.GetBenchmarkFn != nil {
		return m.GetBenchmarkFn(ctx, id)
	}
	m.call("GetBenchmark")
	return nil, nil
}
func (m *mockStore) SetBenchmarkStatus(ctx context.Context, id string, status store.JobStatus) error {
	if m.SetBenchmarkStatusFn != nil {
		return m.SetBenchmarkStatusFn(ctx, id, status)
	}
	m.call("SetBenchmarkStatus")
	return nil
}

// FineTuning
func (m *mockStore) CreateFineTuning(ctx context.Context, f *store.FineTuning) error {
	if m.CreateFineTuningFn != nil {
		return m.CreateFineTuningFn(ctx, f)
	}
	m.call("CreateFineTuning")
	return nil
}
func (m *mockStore) GetFineTuning(ctx context.Context, id string) (*store.FineTuning, error) {
	if m.GetFineTuningFn != nil {
		return m.GetFineTuningFn(ctx, id)
	}
	m.call("GetFineTuning")
	return nil, nil
}
func (m *mockStore) SetFineTuningStatus(ctx context.Context, id string, status store.JobStatus) error {
	if m.SetFineTuningStatusFn != nil {
		return m.SetFineTuningStatusFn(ctx, id, status)
	}
	m.call("SetFineTuningStatus")
	return nil
}

// Experiment
func (m *mockStore) CreateExperiment(ctx context.Context, e *store.Experiment) error {
	if m.CreateExperimentFn != nil {
		return m.CreateExperimentFn(ctx, e)
	}
	m.call("CreateExperiment")
	return nil
}
func (m *mockStore) ListExperiments(ctx context.Context, typ store.ExperimentType, experimentID string) ([]*store.Experiment, error) {
	if m.ListExperimentsFn != nil {
		return m.ListExperimentsFn(ctx, typ, experimentID)
	}
	m.call("ListExperiments")
	return nil, nil
}

// ExperimentLog
func (m *mockStore) CreateExperimentLog(ctx context.Context, l *store.ExperimentLog) error {
	if m.CreateExperimentLogFn != nil {
		return m.CreateExperimentLogFn(ctx, l)
	}
	m.call("CreateExperimentLog")
	return nil
}
func (m *mockStore) ListExperimentLogs(ctx context.Context, environmentID string) ([]*store.ExperimentLog, error) {
	if m.ListExperimentLogsFn != nil {
		return m.ListExperimentLogsFn(ctx, environmentID)
	}
	m.call("ListExperimentLogs")
	return nil, nil
}

// ---------------------------------------------------------------------------
// mockProvisioner implements Provisioner with function-field delegation
// ---------------------------------------------------------------------------

type mockProvisioner struct {
	ProvisionFn        func(ctx context.Context, req provision.CreateEnvironmentRequest) (*store.Environment, error)
	CreateDatasetFn    func(ctx context.Context, ds *store.Dataset) error
	CreateBenchmarkFn  func(ctx context.Context, b *store.Benchmark) error
	CreateFineTuningFn func(ctx context.Context, ft *store.FineTuning) error
	RunBenchmarkFn     func(ctx context.Context, benchmarkID string) (*store.Experiment, error)
	RunFineTuneFn      func(ctx context.Context, fineTuningID string, opts jobs.FineTuneOptions) (*store.Experiment, error)
	OpenVPNSessionFn   func(ctx context.Context, files map[string][]byte) (string, error)
	ActivateSessionFn  func(ctx context.Context, sessionID string) (string, error)
	CloseSessionFn     func(ctx context.Context, sessionID string)
}

func (m *mockProvisioner) call(name string) {
	panic(fmt.Sprintf("mockProvisioner.%s not configured", name))
}

func (m *mockProvisioner) Provision(ctx context.Context, req provision.CreateEnvironmentRequest) (*store.Environment, error) {
	if m.ProvisionFn != nil {
		return m.ProvisionFn(ctx, req)
	}
	m.call("Provision")
	return nil, nil
}
func (m *mockProvisioner) CreateDataset(ctx context.Context, ds *store.Dataset) error {
	if m.CreateDatasetFn != nil {
		return m.CreateDatasetFn(ctx, ds)
	}
	m.call("CreateDataset")
	return nil
}
func (m *mockProvisioner) CreateBenchmark(ctx context.Context, b *store.Benchmark) error {
	if m.CreateBenchmarkFn != nil {
		return m.CreateBenchmarkFn(ctx, b)
	}
	m.call("CreateBenchmark")
	return nil
}
func (m *mockProvisioner) CreateFineTuning(ctx context.Context, ft *store.FineTuning) error {
	if m.CreateFineTuningFn != nil {
		return m.CreateFineTuningFn(ctx, ft)
	}
	m.call("CreateFineTuning")
	return nil
}
func (m *mockProvisioner) RunBenchmark(ctx context.Context, benchmarkID string) (*store.Experiment, error) {
	if m.RunBenchmarkFn != nil {
		return m.RunBenchmarkFn(ctx, benchmarkID)
	}
	m.call("RunBenchmark")
	return nil, nil
}
func (m *mockProvisioner) RunFineTune(ctx context.Context, fineTuningID string, opts jobs.FineTuneOptions) (*store.Experiment, error) {
	if m.RunFineTuneFn != nil {
		return m.RunFineTuneFn(ctx, fineTuningID, opts)
	}
	m.call("RunFineTune")
	return nil, nil
}
func (m *mockProvisioner) OpenVPNSession(ctx context.Context, files map[string][]byte) (string, error) {
	if m.OpenVPNSessionFn != nil {
		return m.OpenVPNSessionFn(ctx, files)
	}
	m.call("OpenVPNSession")
	return "", nil
}
func (m *mockProvisioner) ActivateSession(ctx context.Context, sessionID string) (string, error) {
	if m.ActivateSessionFn != nil {
		return m.ActivateSessionFn(ctx, sessionID)
	}
	m.call("ActivateSession")
	return "", nil
}
func (m *mockProvisioner) CloseSession(ctx context.Context, sessionID string) {
	if m.CloseSessionFn != nil {
		m.CloseSessionFn(ctx, sessionID)
		return
	}
	m.call("CloseSession")
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.EnableDocs = true
	return &cfg
}

func newTestServer(ms *mockStore, mp *mockProvisioner) *Server {
	if mp == nil {
		mp = &mockProvisioner{}
	}
	return NewServer(ms, testConfig(), mp, []byte("openapi: 3.0.3\n"))
}

func parseJSONResponse(rr *httptest.ResponseRecorder) map[string]any {
	var result map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &result)
	return result
}
