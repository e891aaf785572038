package provision

import (
	"context"

	"github.com/flapmax/measure-remote/internal/telemetry"
)

// OpenVPNSession stores the uploaded OpenVPN files as a new session.
func (s *Service) OpenVPNSession(ctx context.Context, files map[string][]byte) (string, error) {
	if s.sessions == nil {
		return "", ErrVPNDisabled
	}
	sessionID, err := s.sessions.CreateSession(ctx, files)
	if err != nil {
		return "", err
	}
	s.telemetry.Track("", telemetry.EventVPNSessionOpened, map[string]any{"session_id": sessionID, "files": len(files)})
	return sessionID, nil
}

// ActivateSession brings the tunnel up and returns the session address.
func (s *Service) ActivateSession(ctx context.Context, sessionID string) (string, error) {
	if s.sessions == nil {
		return "", ErrVPNDisabled
	}
	return s.sessions.Activate(ctx, sessionID)
}

// CloseSession tears a session down. Failures are logged by the session manager.
func (s *Service) CloseSession(ctx context.Context, sessionID string) {
	if s.sessions == nil {
		return
	}
	s.sessions.StopSession(ctx, sessionID)
	s.telemetry.Track("", telemetry.EventVPNSessionClosed, map[string]any{"session_id": sessionID})
}
