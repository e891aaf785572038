package rest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flapmax/measure-remote/internal/hostconn"
	serverJSON "github.com/flapmax/measure-remote/internal/json"
	"github.com/flapmax/measure-remote/internal/provision"
)

// handleCreateEnvironment godoc
// @Summary      Register an environment
// @Description  Connects to the host, installs the container runtime and stores the environment
// @Tags         Environments
// @Accept       multipart/form-data
// @Produce      json
// @Param        user_id   formData  string  true   "Owner"
// @Param        name      formData  string  true   "Environment name"
// @Param        hostname  formData  string  true   "Host address"
// @Param        username  formData  string  true   "SSH user"
// @Param        password  formData  string  false  "SSH password"
// @Param        ssh_key   formData  file    false  "PEM private key"
// @Success      201  {object}  store.Environment
// @Failure      400  {object}  error.ErrorResponse
// @Failure      500  {object}  error.ErrorResponse
// @Router       /v1/environments [post]
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
		return
	}

	req := provision.CreateEnvironmentRequest{
		UserID:   r.FormValue("user_id"),
		Name:     strings.TrimSpace(r.FormValue("name")),
		Hostname: strings.TrimSpace(r.FormValue("hostname")),
		Username: strings.TrimSpace(r.FormValue("username")),
		Credential: hostconn.Credential{
			Password: r.FormValue("password"),
		},
	}

	file, _, err := r.FormFile("ssh_key")
	switch {
	case err == nil:
		key, rerr := io.ReadAll(file)
		_ = file.Close()
		if rerr != nil {
			respondErr(w, fmt.Errorf("%w: read ssh_key: %v", provision.ErrInvalidRequest, rerr))
			return
		}
		req.Credential.PrivateKey = key
	case !errors.Is(err, http.ErrMissingFile):
		respondErr(w, fmt.Errorf("%w: ssh_key: %v", provision.ErrInvalidRequest, err))
		return
	}

	unlock := s.hostLocks.Lock(hostKey(req.Hostname))
	defer unlock()

	env, err := s.svc.Provision(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusCreated, env)
}

// handleListEnvironments godoc
// @Summary      List environments
// @Tags         Environments
// @Produce      json
// @Param        user_id  query     string  true  "Owner"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Router       /v1/environments [get]
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondErr(w, fmt.Errorf("%w: user_id is required", provision.ErrInvalidRequest))
		return
	}
	envs, err := s.store.ListEnvironments(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"environments": envs,
		"count":        len(envs),
	})
}

// handleGetEnvironment godoc
// @Summary      Get environment
// @Tags         Environments
// @Produce      json
// @Param        environmentID  path      string  true  "Environment ID"
// @Success      200            {object}  store.Environment
// @Failure      404            {object}  error.ErrorResponse
// @Router       /v1/environments/{environmentID} [get]
func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.store.GetEnvironment(r.Context(), chi.URLParam(r, "environmentID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, env)
}

// handleDeleteEnvironment godoc
// @Summary      Delete environment
// @Description  Removes the environment and its stored credential
// @Tags         Environments
// @Param        environmentID  path  string  true  "Environment ID"
// @Success      204
// @Failure      404  {object}  error.ErrorResponse
// @Router       /v1/environments/{environmentID} [delete]
func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	environmentID := chi.URLParam(r, "environmentID")
	unlock, err := s.lockEnvironmentHost(r.Context(), environmentID)
	if err != nil {
		respondErr(w, err)
		return
	}
	defer unlock()

	if err := s.store.DeleteEnvironment(r.Context(), environmentID); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListEnvironmentLogs godoc
// @Summary      List container logs
// @Description  Job container output captured after each dispatch attempt
// @Tags         Environments
// @Produce      json
// @Param        environmentID  path      string  true  "Environment ID"
// @Success      200            {object}  map[string]interface{}
// @Failure      404            {object}  error.ErrorResponse
// @Router       /v1/environments/{environmentID}/logs [get]
func (s *Server) handleListEnvironmentLogs(w http.ResponseWriter, r *http.Request) {
	environmentID := chi.URLParam(r, "environmentID")
	if _, err := s.store.GetEnvironment(r.Context(), environmentID); err != nil {
		respondErr(w, err)
		return
	}
	logs, err := s.store.ListExperimentLogs(r.Context(), environmentID)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
