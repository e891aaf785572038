package rest

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	serverJSON "github.com/flapmax/measure-remote/internal/json"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/provision"
	"github.com/flapmax/measure-remote/internal/store"
)

type createDatasetRequest struct {
	UserID               string `json:"user_id"`
	Name                 string `json:"name"`
	UseFromLibrary       bool   `json:"use_from_library"`
	Annotations          string `json:"annotations"`
	Images               string `json:"images"`
	QuestionKey          string `json:"question_key"`
	CorrectResponseKey   string `json:"correct_response_key"`
	IncorrectResponseKey string `json:"incorrect_response_key"`
}

// handleCreateDataset godoc
// @Summary      Create dataset
// @Tags         Datasets
// @Accept       json
// @Produce      json
// @Param        request  body      createDatasetRequest  true  "Dataset"
// @Success      201      {object}  store.Dataset
// @Failure      400      {object}  error.ErrorResponse
// @Router       /v1/datasets [post]
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
		return
	}
	ds := &store.Dataset{
		UserID:               req.UserID,
		Name:                 req.Name,
		UseFromLibrary:       req.UseFromLibrary,
		Annotations:          req.Annotations,
		Images:               req.Images,
		QuestionKey:          req.QuestionKey,
		CorrectResponseKey:   req.CorrectResponseKey,
		IncorrectResponseKey: req.IncorrectResponseKey,
	}
	if err := s.svc.CreateDataset(r.Context(), ds); err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusCreated, ds)
}

type createBenchmarkRequest struct {
	UserID        string `json:"user_id"`
	EnvironmentID string `json:"environment_id"`
	ModelID       string `json:"model_id"`
	Name          string `json:"name"`
	Dataset       string `json:"dataset"`
	BatchSizes    []int  `json:"batch_sizes"`
}

// handleCreateBenchmark godoc
// @Summary      Create benchmark
// @Description  Spaces in the name are replaced with underscores
// @Tags         Benchmarks
// @Accept       json
// @Produce      json
// @Param        request  body      createBenchmarkRequest  true  "Benchmark"
// @Success      201      {object}  store.Benchmark
// @Failure      400      {object}  error.ErrorResponse
// @Failure      403      {object}  error.ErrorResponse
// @Failure      404      {object}  error.ErrorResponse
// @Router       /v1/benchmarks [post]
func (s *Server) handleCreateBenchmark(w http.ResponseWriter, r *http.Request) {
	var req createBenchmarkRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
		return
	}
	b := &store.Benchmark{
		UserID:        req.UserID,
		EnvironmentID: req.EnvironmentID,
		ModelID:       req.ModelID,
		Name:          req.Name,
		Dataset:       req.Dataset,
		BatchSizes:    req.BatchSizes,
	}
	if err := s.svc.CreateBenchmark(r.Context(), b); err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusCreated, b)
}

// handleRunBenchmark godoc
// @Summary      Run benchmark
// @Description  Dispatches the benchmark to its environment and waits for the result
// @Tags         Benchmarks
// @Produce      json
// @Param        benchmarkID  path      string  true  "Benchmark ID"
// @Success      200          {object}  store.Experiment
// @Failure      404          {object}  error.ErrorResponse
// @Router       /v1/benchmarks/{benchmarkID}/experiment [post]
func (s *Server) handleRunBenchmark(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBenchmark(r.Context(), chi.URLParam(r, "benchmarkID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	unlock, err := s.lockEnvironmentHost(r.Context(), b.EnvironmentID)
	if err != nil {
		respondErr(w, err)
		return
	}
	defer unlock()

	exp, err := s.svc.RunBenchmark(r.Context(), b.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, exp)
}

// handleListBenchmarkExperiments godoc
// @Summary      List benchmark runs
// @Tags         Benchmarks
// @Produce      json
// @Param        benchmarkID  path      string  true  "Benchmark ID"
// @Success      200          {object}  map[string]interface{}
// @Router       /v1/benchmarks/{benchmarkID}/experiments [get]
func (s *Server) handleListBenchmarkExperiments(w http.ResponseWriter, r *http.Request) {
	s.listExperiments(w, r, store.ExperimentBenchmark, chi.URLParam(r, "benchmarkID"))
}

type createFineTuningRequest struct {
	UserID        string `json:"user_id"`
	EnvironmentID string `json:"environment_id"`
	ModelID       string `json:"model_id"`
	DatasetID     string `json:"dataset_id"`
	Name          string `json:"name"`
}

// handleCreateFineTuning godoc
// @Summary      Create fine-tuning job
// @Tags         Fine-tuning
// @Accept       json
// @Produce      json
// @Param        request  body      createFineTuningRequest  true  "Fine-tuning job"
// @Success      201      {object}  store.FineTuning
// @Failure      400      {object}  error.ErrorResponse
// @Failure      403      {object}  error.ErrorResponse
// @Failure      404      {object}  error.ErrorResponse
// @Router       /v1/fine-tunings [post]
func (s *Server) handleCreateFineTuning(w http.ResponseWriter, r *http.Request) {
	var req createFineTuningRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
		return
	}
	ft := &store.FineTuning{
		UserID:        req.UserID,
		EnvironmentID: req.EnvironmentID,
		ModelID:       req.ModelID,
		DatasetID:     req.DatasetID,
		Name:          req.Name,
	}
	if err := s.svc.CreateFineTuning(r.Context(), ft); err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusCreated, ft)
}

// handleRunFineTune godoc
// @Summary      Run fine-tuning job
// @Description  Body is optional; omitted options take their defaults
// @Tags         Fine-tuning
// @Accept       json
// @Produce      json
// @Param        fineTuningID  path      string                true   "Fine-tuning ID"
// @Param        request       body      jobs.FineTuneOptions  false  "Options"
// @Success      200           {object}  store.Experiment
// @Failure      400           {object}  error.ErrorResponse
// @Failure      404           {object}  error.ErrorResponse
// @Router       /v1/fine-tunings/{fineTuningID}/experiment [post]
func (s *Server) handleRunFineTune(w http.ResponseWriter, r *http.Request) {
	opts := jobs.DefaultFineTuneOptions()
	if r.ContentLength != 0 {
		if err := serverJSON.DecodeJSON(r.Context(), r, &opts); err != nil {
			respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
			return
		}
	}

	ft, err := s.store.GetFineTuning(r.Context(), chi.URLParam(r, "fineTuningID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	unlock, err := s.lockEnvironmentHost(r.Context(), ft.EnvironmentID)
	if err != nil {
		respondErr(w, err)
		return
	}
	defer unlock()

	exp, err := s.svc.RunFineTune(r.Context(), ft.ID, opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, exp)
}

// handleListFineTuneExperiments godoc
// @Summary      List fine-tuning runs
// @Tags         Fine-tuning
// @Produce      json
// @Param        fineTuningID  path      string  true  "Fine-tuning ID"
// @Success      200           {object}  map[string]interface{}
// @Router       /v1/fine-tunings/{fineTuningID}/experiments [get]
func (s *Server) handleListFineTuneExperiments(w http.ResponseWriter, r *http.Request) {
	s.listExperiments(w, r, store.ExperimentFineTune, chi.URLParam(r, "fineTuningID"))
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request, typ store.ExperimentType, jobID string) {
	exps, err := s.store.ListExperiments(r.Context(), typ, jobID)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"experiments": exps,
		"count":       len(exps),
	})
}
