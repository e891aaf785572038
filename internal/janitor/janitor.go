// Package janitor closes VPN sessions that have outlived their TTL.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/flapmax/measure-remote/internal/vpn"
)

// SessionLister reports the open sessions.
type SessionLister interface {
	List() []vpn.Info
}

// CloseFunc is called to close an expired session.
type CloseFunc func(ctx context.Context, sessionID string)

// Janitor periodically closes expired sessions.
type Janitor struct {
	sessions SessionLister
	closeFn  CloseFunc
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
}

// New creates a new Janitor service.
func New(sessions SessionLister, closeFn CloseFunc, ttl time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		sessions: sessions,
		closeFn:  closeFn,
		logger:   logger.With("component", "janitor"),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Start runs the cleanup loop. It blocks until the context is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting janitor",
		"interval", interval,
		"session_ttl", j.ttl,
	)

	// Run once immediately
	j.cleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

// cleanup closes every session older than the TTL. A zero TTL disables reaping.
func (j *Janitor) cleanup(ctx context.Context) int {
	if j.ttl <= 0 {
		return 0
	}
	now := j.now()
	closed := 0
	for _, s := range j.sessions.List() {
		age := now.Sub(s.CreatedAt)
		if age < j.ttl {
			continue
		}
		if ctx.Err() != nil {
			return closed
		}
		j.logger.Info("closing expired session",
			"session_id", s.ID,
			"created_at", s.CreatedAt,
			"age", age,
			"active", s.Active,
		)
		j.closeFn(ctx, s.ID)
		closed++
	}
	if closed > 0 {
		j.logger.Info("closed expired sessions", "count", closed)
	}
	return closed
}
