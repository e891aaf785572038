package rest

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	serverJSON "github.com/flapmax/measure-remote/internal/json"
	"github.com/flapmax/measure-remote/internal/provision"
)

// handleCreateVPNSession godoc
// @Summary      Open a VPN session
// @Description  Stores the uploaded OpenVPN config, certificates and keys. Every file part is kept under its file name.
// @Tags         VPN
// @Accept       multipart/form-data
// @Produce      json
// @Success      201  {object}  map[string]string
// @Failure      400  {object}  error.ErrorResponse
// @Failure      503  {object}  error.ErrorResponse
// @Router       /v1/vpn/sessions [post]
func (s *Server) handleCreateVPNSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		respondErr(w, fmt.Errorf("%w: %v", provision.ErrInvalidRequest, err))
		return
	}

	files := make(map[string][]byte)
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				respondErr(w, fmt.Errorf("%w: %s: %v", provision.ErrInvalidRequest, field, err))
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				respondErr(w, fmt.Errorf("%w: %s: %v", provision.ErrInvalidRequest, field, err))
				return
			}
			files[filepath.Base(fh.Filename)] = data
		}
	}
	if len(files) == 0 {
		respondErr(w, fmt.Errorf("%w: no files uploaded", provision.ErrInvalidRequest))
		return
	}

	sessionID, err := s.svc.OpenVPNSession(r.Context(), files)
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

// handleActivateVPNSession godoc
// @Summary      Activate a VPN session
// @Description  Starts the tunnel, waits until it is ready and returns its address
// @Tags         VPN
// @Produce      json
// @Param        sessionID  path      string  true  "Session ID"
// @Success      200        {object}  map[string]string
// @Failure      400        {object}  error.ErrorResponse
// @Failure      404        {object}  error.ErrorResponse
// @Failure      504        {object}  error.ErrorResponse
// @Router       /v1/vpn/sessions/{sessionID}/activate [post]
func (s *Server) handleActivateVPNSession(w http.ResponseWriter, r *http.Request) {
	ip, err := s.svc.ActivateSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]string{"ip": ip})
}

// handleCloseVPNSession godoc
// @Summary      Close a VPN session
// @Tags         VPN
// @Param        sessionID  path  string  true  "Session ID"
// @Success      204
// @Router       /v1/vpn/sessions/{sessionID} [delete]
func (s *Server) handleCloseVPNSession(w http.ResponseWriter, r *http.Request) {
	s.svc.CloseSession(r.Context(), chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}
