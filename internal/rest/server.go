package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	scalar "github.com/MarceloPetrucio/go-scalar-api-reference"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flapmax/measure-remote/internal/config"
	serverJSON "github.com/flapmax/measure-remote/internal/json"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/provision"
	"github.com/flapmax/measure-remote/internal/store"
)

// Provisioner is the domain surface the handlers drive.
type Provisioner interface {
	Provision(ctx context.Context, req provision.CreateEnvironmentRequest) (*store.Environment, error)
	CreateDataset(ctx context.Context, ds *store.Dataset) error
	CreateBenchmark(ctx context.Context, b *store.Benchmark) error
	CreateFineTuning(ctx context.Context, ft *store.FineTuning) error
	RunBenchmark(ctx context.Context, benchmarkID string) (*store.Experiment, error)
	RunFineTune(ctx context.Context, fineTuningID string, opts jobs.FineTuneOptions) (*store.Experiment, error)
	OpenVPNSession(ctx context.Context, files map[string][]byte) (string, error)
	ActivateSession(ctx context.Context, sessionID string) (string, error)
	CloseSession(ctx context.Context, sessionID string)
}

type Server struct {
	Router      *chi.Mux
	store       store.Store
	cfg         *config.Config
	svc         Provisioner
	logger      *slog.Logger
	openapiYAML []byte

	// hostLocks serializes provisioning, dispatch and deletion per hostname.
	hostLocks *keyedMutex
}

func NewServer(st store.Store, cfg *config.Config, svc Provisioner, openapiYAML []byte) *Server {
	s := &Server{
		store:       st,
		cfg:         cfg,
		svc:         svc,
		logger:      slog.Default().With("component", "rest"),
		openapiYAML: openapiYAML,
		hostLocks:   newKeyedMutex(),
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	trustedNets := parseCIDRs(s.cfg.Server.TrustedProxies, s.logger)
	// Provisioning and job runs hold a host for minutes; keep clients from piling them up.
	heavy := rateLimitByIP(0.2, 5, trustedNets)

	r.Get("/v1/health", s.handleHealth)

	r.Get("/v1/docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(s.openapiYAML)
	})

	if s.cfg.Server.EnableDocs {
		r.Get("/v1/docs", func(w http.ResponseWriter, r *http.Request) {
			html, err := scalar.ApiReferenceHTML(&scalar.Options{
				SpecURL: "/v1/docs/openapi.yaml",
				CustomOptions: scalar.CustomOptions{
					PageTitle: "Measure Remote API Reference",
				},
				DarkMode: true,
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintln(w, html)
		})
	}

	r.Route("/v1/environments", func(r chi.Router) {
		r.With(heavy).Post("/", s.handleCreateEnvironment)
		r.Get("/", s.handleListEnvironments)
		r.Route("/{environmentID}", func(r chi.Router) {
			r.Get("/", s.handleGetEnvironment)
			r.Delete("/", s.handleDeleteEnvironment)
			r.Get("/logs", s.handleListEnvironmentLogs)
		})
	})

	r.Post("/v1/datasets", s.handleCreateDataset)

	r.Route("/v1/benchmarks", func(r chi.Router) {
		r.Post("/", s.handleCreateBenchmark)
		r.With(heavy).Post("/{benchmarkID}/experiment", s.handleRunBenchmark)
		r.Get("/{benchmarkID}/experiments", s.handleListBenchmarkExperiments)
	})

	r.Route("/v1/fine-tunings", func(r chi.Router) {
		r.Post("/", s.handleCreateFineTuning)
		r.With(heavy).Post("/{fineTuningID}/experiment", s.handleRunFineTune)
		r.Get("/{fineTuningID}/experiments", s.handleListFineTuneExperiments)
	})

	r.Route("/v1/vpn/sessions", func(r chi.Router) {
		r.With(heavy).Post("/", s.handleCreateVPNSession)
		r.With(heavy).Post("/{sessionID}/activate", s.handleActivateVPNSession)
		r.Delete("/{sessionID}", s.handleCloseVPNSession)
	})

	return r
}

// handleHealth godoc
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      503  {object}  error.ErrorResponse
// @Router       /v1/health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondErr(w, fmt.Errorf("store ping: %w", errUnavailable))
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
