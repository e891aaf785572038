package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flapmax/measure-remote/internal/container"
	"github.com/flapmax/measure-remote/internal/dispatch"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/id"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/store"
	"github.com/flapmax/measure-remote/internal/telemetry"
)

// ConnectFailedMessage is the Response of a dispatch that never reached the host.
const ConnectFailedMessage = "an error occurred while connecting to the host"

// DispatchJob reconnects to the environment's host and runs one job on its
// job container. Failures are reported in the Result, never as an error.
func (s *Service) DispatchJob(ctx context.Context, env *store.Environment, payload map[string]any, endpoint string) dispatch.Result {
	log := s.logger.With("environment_id", env.ID, "endpoint", endpoint)

	cred, err := s.store.GetCredential(ctx, env.ID)
	if err != nil {
		log.Error("load credential", "error", err)
		return dispatch.Result{Response: ConnectFailedMessage}
	}
	conn, err := s.connector.Connect(ctx, env.Hostname, env.Username, hostconn.Credential{
		PrivateKey: cred.PrivateKey,
		Password:   cred.Password,
	})
	if err != nil {
		log.Error("connect for dispatch", "error", err)
		return dispatch.Result{Response: ConnectFailedMessage}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close connection", "error", err)
		}
	}()

	kind := container.KindBenchmark
	lc := container.NewManager(conn.RunFunc(), s.cfg.Containers, s.logger)
	req := dispatch.Request{
		Host:     env.Hostname,
		Port:     s.cfg.Containers[kind].Port,
		Endpoint: endpoint,
		Kind:     kind,
		Payload:  payload,
	}
	res := s.dispatcher.Dispatch(ctx, lc, s.logSink(env.ID), req)

	s.telemetry.Track(env.UserID, telemetry.EventExperimentDispatched, map[string]any{
		"environment_id": env.ID,
		"endpoint":       endpoint,
		"is_successful":  res.IsSuccessful,
	})
	return res
}

// logSink stores each attempt's container output as an ExperimentLog.
func (s *Service) logSink(environmentID string) dispatch.LogSink {
	return dispatch.LogSinkFunc(func(ctx context.Context, req dispatch.Request, attempt int, lines []string) {
		entry := &store.ExperimentLog{
			ID:            id.Must(id.ExperimentLog),
			EnvironmentID: environmentID,
			Endpoint:      req.Endpoint,
			Attempt:       attempt,
			Lines:         lines,
			CreatedAt:     s.now().UTC(),
		}
		if err := s.store.CreateExperimentLog(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Error("store experiment log", "environment_id", environmentID, "attempt", attempt, "error", err)
		}
	})
}

// normalizeName replaces spaces so job names are usable as identifiers on the host.
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// ownedEnvironment loads an environment and checks it belongs to userID.
func (s *Service) ownedEnvironment(ctx context.Context, userID, environmentID string) (*store.Environment, error) {
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.UserID != userID {
		return nil, fmt.Errorf("environment %s: %w", environmentID, store.ErrNotFound)
	}
	return env, nil
}

// CreateDataset stores a dataset description.
func (s *Service) CreateDataset(ctx context.Context, ds *store.Dataset) error {
	if ds.UserID == "" || strings.TrimSpace(ds.Name) == "" {
		return fmt.Errorf("%w: user_id and name are required", ErrInvalidRequest)
	}
	ds.ID = id.Must(id.Dataset)
	ds.CreatedAt = s.now().UTC()
	return s.store.CreateDataset(ctx, ds)
}

// CreateBenchmark stores a benchmark definition with status new.
func (s *Service) CreateBenchmark(ctx context.Context, b *store.Benchmark) error {
	if b.UserID == "" || b.ModelID == "" || strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: user_id, model_id and name are required", ErrInvalidRequest)
	}
	for _, n := range b.BatchSizes {
		if n < 1 {
			return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidRequest)
		}
	}
	if _, err := s.ownedEnvironment(ctx, b.UserID, b.EnvironmentID); err != nil {
		return err
	}

	now := s.now().UTC()
	b.ID = id.Must(id.Benchmark)
	b.Name = normalizeName(b.Name)
	b.Status = store.JobNew
	b.CreatedAt, b.UpdatedAt = now, now
	if err := s.store.CreateBenchmark(ctx, b); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, b.Name)
		}
		return err
	}
	return nil
}

// CreateFineTuning stores a fine-tuning definition with status new.
func (s *Service) CreateFineTuning(ctx context.Context, ft *store.FineTuning) error {
	if ft.UserID == "" || ft.DatasetID == "" || strings.TrimSpace(ft.Name) == "" {
		return fmt.Errorf("%w: user_id, dataset_id and name are required", ErrInvalidRequest)
	}
	if _, err := s.cfg.Catalog.Category(ft.ModelID); err != nil {
		return err
	}
	if _, err := s.ownedEnvironment(ctx, ft.UserID, ft.EnvironmentID); err != nil {
		return err
	}
	if _, err := s.store.GetDataset(ctx, ft.DatasetID); err != nil {
		return err
	}

	now := s.now().UTC()
	ft.ID = id.Must(id.FineTuning)
	ft.Name = normalizeName(ft.Name)
	ft.Status = store.JobNew
	ft.CreatedAt, ft.UpdatedAt = now, now
	if err := s.store.CreateFineTuning(ctx, ft); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, ft.Name)
		}
		return err
	}
	return nil
}

// RunBenchmark dispatches a benchmark and records the run as an Experiment.
func (s *Service) RunBenchmark(ctx context.Context, benchmarkID string) (*store.Experiment, error) {
	b, err := s.store.GetBenchmark(ctx, benchmarkID)
	if err != nil {
		return nil, err
	}
	env, err := s.store.GetEnvironment(ctx, b.EnvironmentID)
	if err != nil {
		return nil, err
	}
	payload, endpoint := jobs.BenchmarkPayload(b)
	return s.runExperiment(ctx, experimentRun{
		typ:      store.ExperimentBenchmark,
		jobID:    b.ID,
		userID:   b.UserID,
		env:      env,
		payload:  payload,
		endpoint: endpoint,
		setStatus: func(ctx context.Context, st store.JobStatus) error {
			return s.store.SetBenchmarkStatus(ctx, b.ID, st)
		},
	})
}

// RunFineTune dispatches a fine-tuning job and records the run as an Experiment.
func (s *Service) RunFineTune(ctx context.Context, fineTuningID string, opts jobs.FineTuneOptions) (*store.Experiment, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	ft, err := s.store.GetFineTuning(ctx, fineTuningID)
	if err != nil {
		return nil, err
	}
	ds, err := s.store.GetDataset(ctx, ft.DatasetID)
	if err != nil {
		return nil, err
	}
	env, err := s.store.GetEnvironment(ctx, ft.EnvironmentID)
	if err != nil {
		return nil, err
	}
	payload, endpoint, err := s.cfg.Catalog.FineTunePayload(ft, ds, opts)
	if err != nil {
		return nil, err
	}
	return s.runExperiment(ctx, experimentRun{
		typ:      store.ExperimentFineTune,
		jobID:    ft.ID,
		userID:   ft.UserID,
		env:      env,
		payload:  payload,
		endpoint: endpoint,
		setStatus: func(ctx context.Context, st store.JobStatus) error {
			return s.store.SetFineTuningStatus(ctx, ft.ID, st)
		},
	})
}

type experimentRun struct {
	typ       store.ExperimentType
	jobID     string
	userID    string
	env       *store.Environment
	payload   map[string]any
	endpoint  string
	setStatus func(ctx context.Context, st store.JobStatus) error
}

func (s *Service) runExperiment(ctx context.Context, run experimentRun) (*store.Experiment, error) {
	log := s.logger.With("job_id", run.jobID, "type", run.typ)

	if err := run.setStatus(ctx, store.JobPending); err != nil {
		return nil, fmt.Errorf("mark pending: %w", err)
	}
	if err := s.store.TouchEnvironment(ctx, run.env.ID, s.now().UTC()); err != nil {
		log.Warn("touch environment", "environment_id", run.env.ID, "error", err)
	}

	res := s.DispatchJob(ctx, run.env, run.payload, run.endpoint)

	// The job ran; its outcome is recorded even if the caller went away.
	saveCtx := context.WithoutCancel(ctx)
	status := store.JobFailed
	if res.IsSuccessful {
		status = store.JobExecuted
	}
	if err := run.setStatus(saveCtx, status); err != nil {
		log.Error("set job status", "status", status, "error", err)
	}

	exp := &store.Experiment{
		ID:           id.Must(id.Experiment),
		ExperimentID: run.jobID,
		UserID:       run.userID,
		Type:         run.typ,
		Response:     res.Response,
		IsSuccessful: res.IsSuccessful,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateExperiment(saveCtx, exp); err != nil {
		return nil, fmt.Errorf("store experiment: %w", err)
	}
	log.Info("experiment recorded", "experiment", exp.ID, "is_successful", exp.IsSuccessful)
	return exp, nil
}
