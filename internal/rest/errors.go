package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/flapmax/measure-remote/internal/bootstrap"
	serverError "github.com/flapmax/measure-remote/internal/error"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/provision"
	"github.com/flapmax/measure-remote/internal/store"
	"github.com/flapmax/measure-remote/internal/vpn"
)

var errUnavailable = errors.New("service unavailable")

// errorMessages maps domain failures to a status and a message safe to show
// clients. Order matters: the first match wins.
var errorMessages = []struct {
	err    error
	status int
	msg    string
}{
	{provision.ErrEnvironmentExists, http.StatusBadRequest, "Environment already exists"},
	{hostconn.ErrNoCredential, http.StatusBadRequest, "Requires a private key or password."},
	{hostconn.ErrAuthentication, http.StatusBadRequest, "There was an error authenticating with the host. Please check credentials and try again."},
	{hostconn.ErrHostUnreachable, http.StatusBadRequest, "The provided host does not appear to exist or is not accessible."},
	{hostconn.ErrPrivilegeSetup, http.StatusInternalServerError, "Sudoer entry failed."},
	{hostconn.ErrUnsupportedOS, http.StatusInternalServerError, "Environment OS not supported"},
	{hostconn.ErrConnection, http.StatusInternalServerError, "There was an error connecting with the host."},
	{bootstrap.ErrBootstrap, http.StatusInternalServerError, "Environment setup failed."},
	{provision.ErrDuplicateName, http.StatusForbidden, "A job with this name already exists."},
	{jobs.ErrUnknownModel, http.StatusBadRequest, "model id is invalid"},
	{provision.ErrVPNDisabled, http.StatusServiceUnavailable, "VPN sessions are disabled."},
	{vpn.ErrSessionNotFound, http.StatusNotFound, "VPN session not found."},
	{vpn.ErrInvalidFileName, http.StatusBadRequest, "Invalid VPN file name."},
	{vpn.ErrTunnelReadinessTimeout, http.StatusGatewayTimeout, "OpenVPN tunnel did not come up in time."},
	{vpn.ErrTunnelFailed, http.StatusBadRequest, "OpenVPN tunnel failed. Check credentials."},
	{vpn.ErrNoAddress, http.StatusBadGateway, "VPN session has no address."},
	{store.ErrNotFound, http.StatusNotFound, "Not found."},
	{store.ErrAlreadyExists, http.StatusConflict, "Already exists."},
	{store.ErrInvalid, http.StatusBadRequest, "Invalid data."},
	{errUnavailable, http.StatusServiceUnavailable, "Service unavailable."},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "The host did not respond in time."},
}

// respondErr writes the mapped response for err. Validation failures carry
// their message as details; everything else hides the internal error.
func respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, provision.ErrInvalidRequest) {
		serverError.RespondErrorDetails(w, http.StatusBadRequest, "Invalid request.", err.Error())
		return
	}
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			serverError.RespondErrorMsg(w, m.status, m.msg, err)
			return
		}
	}
	serverError.RespondError(w, http.StatusInternalServerError, err)
}
