package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flapmax/measure-remote/internal/crypto"
	"github.com/flapmax/measure-remote/internal/store"
)

// --- Model converters ---

func envToModel(e *store.Environment) *EnvironmentModel {
	return &EnvironmentModel{
		ID:            e.ID,
		UserID:        e.UserID,
		Name:          e.Name,
		Hostname:      e.Hostname,
		Username:      e.Username,
		UsePrivateKey: e.UsePrivateKey,
		OS:            e.OS,
		Cores:         e.Cores,
		Processor:     e.Processor,
		RAMGB:         e.RAMGB,
		IsProvisioned: e.IsProvisioned,
		Status:        string(e.Status),
		LastUsed:      e.LastUsed,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func envFromModel(m *EnvironmentModel) *store.Environment {
	return &store.Environment{
		ID:            m.ID,
		UserID:        m.UserID,
		Name:          m.Name,
		Hostname:      m.Hostname,
		Username:      m.Username,
		UsePrivateKey: m.UsePrivateKey,
		OS:            m.OS,
		Cores:         m.Cores,
		Processor:     m.Processor,
		RAMGB:         m.RAMGB,
		IsProvisioned: m.IsProvisioned,
		Status:        store.EnvironmentStatus(m.Status),
		LastUsed:      m.LastUsed,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func datasetToModel(d *store.Dataset) *DatasetModel {
	return &DatasetModel{
		ID:                   d.ID,
		UserID:               d.UserID,
		Name:                 d.Name,
		UseFromLibrary:       d.UseFromLibrary,
		Annotations:          d.Annotations,
		Images:               d.Images,
		QuestionKey:          d.QuestionKey,
		CorrectResponseKey:   d.CorrectResponseKey,
		IncorrectResponseKey: d.IncorrectResponseKey,
		CreatedAt:            d.CreatedAt,
	}
}

func datasetFromModel(m *DatasetModel) *store.Dataset {
	return &store.Dataset{
		ID:                   m.ID,
		UserID:               m.UserID,
		Name:                 m.Name,
		UseFromLibrary:       m.UseFromLibrary,
		Annotations:          m.Annotations,
		Images:               m.Images,
		QuestionKey:          m.QuestionKey,
		CorrectResponseKey:   m.CorrectResponseKey,
		IncorrectResponseKey: m.IncorrectResponseKey,
		CreatedAt:            m.CreatedAt,
	}
}

func benchmarkFromModel(m *BenchmarkModel) *store.Benchmark {
	return &store.Benchmark{
		ID:            m.ID,
		UserID:        m.UserID,
		EnvironmentID: m.EnvironmentID,
		ModelID:       m.ModelID,
		Name:          m.Name,
		Dataset:       m.Dataset,
		BatchSizes:    fromJSON[[]int](m.BatchSizes),
		Status:        store.JobStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func fineTuningToModel(f *store.FineTuning) *FineTuningModel {
	return &FineTuningModel{
		ID:            f.ID,
		UserID:        f.UserID,
		EnvironmentID: f.EnvironmentID,
		ModelID:       f.ModelID,
		DatasetID:     f.DatasetID,
		Name:          f.Name,
		Status:        string(f.Status),
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}

func fineTuningFromModel(m *FineTuningModel) *store.FineTuning {
	return &store.FineTuning{
		ID:            m.ID,
		UserID:        m.UserID,
		EnvironmentID: m.EnvironmentID,
		ModelID:       m.ModelID,
		DatasetID:     m.DatasetID,
		Name:          m.Name,
		Status:        store.JobStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func experimentFromModel(m *ExperimentModel) *store.Experiment {
	return &store.Experiment{
		ID:           m.ID,
		ExperimentID: m.ExperimentID,
		UserID:       m.UserID,
		Type:         store.ExperimentType(m.Type),
		Response:     fromJSON[any](m.Response),
		IsSuccessful: m.IsSuccessful,
		CreatedAt:    m.CreatedAt,
	}
}

func logFromModel(m *ExperimentLogModel) *store.ExperimentLog {
	return &store.ExperimentLog{
		ID:            m.ID,
		EnvironmentID: m.EnvironmentID,
		Endpoint:      m.Endpoint,
		Attempt:       m.Attempt,
		Lines:         fromJSON[[]string](m.Lines),
		CreatedAt:     m.CreatedAt,
	}
}

// --- Environment CRUD ---

func (s *sqlStore) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(envToModel(env)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	var model EnvironmentModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return envFromModel(&model), nil
}

func (s *sqlStore) GetEnvironmentByName(ctx context.Context, userID, name string) (*store.Environment, error) {
	var model EnvironmentModel
	if err := s.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return envFromModel(&model), nil
}

func (s *sqlStore) ListEnvironments(ctx context.Context, userID string) ([]*store.Environment, error) {
	var models []EnvironmentModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Environment, 0, len(models))
	for i := range models {
		out = append(out, envFromModel(&models[i]))
	}
	return out, nil
}

func (s *sqlStore) UpdateEnvironment(ctx context.Context, env *store.Environment) error {
	env.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&EnvironmentModel{}).Where("id = ?", env.ID).
		Updates(map[string]any{
			"name":            env.Name,
			"hostname":        env.Hostname,
			"username":        env.Username,
			"use_private_key": env.UsePrivateKey,
			"os":              env.OS,
			"cores":           env.Cores,
			"processor":       env.Processor,
			"ram_gb":          env.RAMGB,
			"is_provisioned":  env.IsProvisioned,
			"status":          string(env.Status),
			"last_used":       env.LastUsed,
			"updated_at":      env.UpdatedAt,
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqlStore) TouchEnvironment(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&EnvironmentModel{}).Where("id = ?", id).
		Updates(map[string]any{"last_used": &at, "updated_at": time.Now().UTC()})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteEnvironment removes the environment together with its credential.
func (s *sqlStore) DeleteEnvironment(ctx context.Context, id string) error {
	return mapDBError(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&EnvironmentModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return tx.Where("environment_id = ?", id).Delete(&CredentialModel{}).Error
	}))
}

// --- Credential ---

func (s *sqlStore) seal(v []byte) (string, error) {
	if len(s.encryptionKey) == 0 {
		return string(v), nil
	}
	return crypto.Encrypt(s.encryptionKey, v)
}

func (s *sqlStore) open(v string) ([]byte, error) {
	if len(s.encryptionKey) == 0 || v == "" {
		return []byte(v), nil
	}
	return crypto.Decrypt(s.encryptionKey, v)
}

func (s *sqlStore) PutCredential(ctx context.Context, c *store.Credential) error {
	if len(c.PrivateKey) == 0 && c.Password == "" {
		return fmt.Errorf("%w: empty credential", store.ErrInvalid)
	}
	key, err := s.seal(c.PrivateKey)
	if err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	pw, err := s.seal([]byte(c.Password))
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	c.CreatedAt = time.Now().UTC()
	m := &CredentialModel{EnvironmentID: c.EnvironmentID, PrivateKey: key, Password: pw, CreatedAt: c.CreatedAt}
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) GetCredential(ctx context.Context, environmentID string) (*store.Credential, error) {
	var m CredentialModel
	if err := s.db.WithContext(ctx).Where("environment_id = ?", environmentID).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	key, err := s.open(m.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("open private key: %w", err)
	}
	pw, err := s.open(m.Password)
	if err != nil {
		return nil, fmt.Errorf("open password: %w", err)
	}
	c := &store.Credential{EnvironmentID: m.EnvironmentID, Password: string(pw), CreatedAt: m.CreatedAt}
	if len(key) > 0 {
		c.PrivateKey = key
	}
	return c, nil
}

// --- Dataset ---

func (s *sqlStore) CreateDataset(ctx context.Context, ds *store.Dataset) error {
	ds.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(datasetToModel(ds)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) GetDataset(ctx context.Context, id string) (*store.Dataset, error) {
	var m DatasetModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return datasetFromModel(&m), nil
}

// --- Benchmark ---

func (s *sqlStore) CreateBenchmark(ctx context.Context, b *store.Benchmark) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	sizes, err := toJSON(b.BatchSizes)
	if err != nil {
		return err
	}
	m := &BenchmarkModel{
		ID:            b.ID,
		UserID:        b.UserID,
		EnvironmentID: b.EnvironmentID,
		ModelID:       b.ModelID,
		Name:          b.Name,
		Dataset:       b.Dataset,
		BatchSizes:    sizes,
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) GetBenchmark(ctx context.Context, id string) (*store.Benchmark, error) {
	var m BenchmarkModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return benchmarkFromModel(&m), nil
}

func (s *sqlStore) SetBenchmarkStatus(ctx context.Context, id string, status store.JobStatus) error {
	return s.setStatus(ctx, &BenchmarkModel{}, id, status)
}

// --- FineTuning ---

func (s *sqlStore) CreateFineTuning(ctx context.Context, f *store.FineTuning) error {
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(fineTuningToModel(f)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) GetFineTuning(ctx context.Context, id string) (*store.FineTuning, error) {
	var m FineTuningModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return fineTuningFromModel(&m), nil
}

func (s *sqlStore) SetFineTuningStatus(ctx context.Context, id string, status store.JobStatus) error {
	return s.setStatus(ctx, &FineTuningModel{}, id, status)
}

func (s *sqlStore) setStatus(ctx context.Context, model any, id string, status store.JobStatus) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Experiment ---

func (s *sqlStore) CreateExperiment(ctx context.Context, e *store.Experiment) error {
	e.CreatedAt = time.Now().UTC()
	resp, err := toJSON(e.Response)
	if err != nil {
		return err
	}
	m := &ExperimentModel{
		ID:           e.ID,
		ExperimentID: e.ExperimentID,
		UserID:       e.UserID,
		Type:         string(e.Type),
		Response:     resp,
		IsSuccessful: e.IsSuccessful,
		CreatedAt:    e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) ListExperiments(ctx context.Context, typ store.ExperimentType, experimentID string) ([]*store.Experiment, error) {
	var models []ExperimentModel
	if err := s.db.WithContext(ctx).
		Where("type = ? AND experiment_id = ?", string(typ), experimentID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Experiment, 0, len(models))
	for i := range models {
		out = append(out, experimentFromModel(&models[i]))
	}
	return out, nil
}

// --- ExperimentLog ---

func (s *sqlStore) CreateExperimentLog(ctx context.Context, l *store.ExperimentLog) error {
	l.CreatedAt = time.Now().UTC()
	lines := l.Lines
	if lines == nil {
		lines = []string{}
	}
	raw, err := toJSON(lines)
	if err != nil {
		return err
	}
	m := &ExperimentLogModel{
		ID:            l.ID,
		EnvironmentID: l.EnvironmentID,
		Endpoint:      l.Endpoint,
		Attempt:       l.Attempt,
		Lines:         raw,
		CreatedAt:     l.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *sqlStore) ListExperimentLogs(ctx context.Context, environmentID string) ([]*store.ExperimentLog, error) {
	var models []ExperimentLogModel
	if err := s.db.WithContext(ctx).Where("environment_id = ?", environmentID).
		Order("created_at ASC").Order("attempt ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.ExperimentLog, 0, len(models))
	for i := range models {
		out = append(out, logFromModel(&models[i]))
	}
	return out, nil
}
