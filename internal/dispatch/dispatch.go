// Package dispatch runs one job against a host's job container: restart the
// container, POST the payload with retries on connectivity failures, and
// capture the container logs after every attempt.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/flapmax/measure-remote/internal/container"
)

// ErrTransient marks a connection-level failure that is worth another attempt.
var ErrTransient = errors.New("dispatch: transient connectivity failure")

// StartFailedMessage is the Response of a dispatch whose container never came up.
const StartFailedMessage = "failed to start job container"

// RejectedError is a non-2xx answer from the job container.
type RejectedError struct {
	Status int
	Detail any
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dispatch: rejected with status %d: %v", e.Status, e.Detail)
}

// Lifecycle controls the job container on the target host.
type Lifecycle interface {
	Start(ctx context.Context, kind container.Kind) error
	Stop(ctx context.Context, kind container.Kind) error
	Logs(ctx context.Context, kind container.Kind, since time.Time) ([]string, error)
}

// LogSink receives the container logs captured after each attempt.
type LogSink interface {
	CaptureLogs(ctx context.Context, req Request, attempt int, lines []string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(ctx context.Context, req Request, attempt int, lines []string)

func (f LogSinkFunc) CaptureLogs(ctx context.Context, req Request, attempt int, lines []string) {
	f(ctx, req, attempt, lines)
}

// Request is one job invocation. Payload must not be modified after Dispatch
// is called.
type Request struct {
	Host     string
	Port     int
	Endpoint string
	Kind     container.Kind
	Payload  map[string]any
}

// URL is the job container endpoint the payload is POSTed to.
func (r Request) URL() string {
	return fmt.Sprintf("http://%s/%s", net.JoinHostPort(r.Host, fmt.Sprint(r.Port)), strings.TrimPrefix(r.Endpoint, "/"))
}

// Result is the single outcome of a dispatch.
type Result struct {
	Response     any  `json:"response"`
	IsSuccessful bool `json:"is_successful"`
}

// Config tunes the retry loop.
type Config struct {
	Attempts     int
	RetryBackoff time.Duration
	LogDelay     time.Duration
	// RequestTimeout bounds one HTTP attempt. Zero means no limit.
	RequestTimeout time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		Attempts:     5,
		RetryBackoff: 60 * time.Second,
		LogDelay:     15 * time.Second,
	}
}

// Orchestrator dispatches jobs. It is safe for concurrent use against
// different hosts; callers serialize dispatches to the same host.
type Orchestrator struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	client := resty.New().
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}
	return &Orchestrator{
		cfg:    cfg,
		http:   client,
		logger: logger.With("component", "dispatch"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch restarts the job container and POSTs the payload until a terminal
// answer arrives or attempts run out. Exhaustion yields a nil Response.
func (o *Orchestrator) Dispatch(ctx context.Context, lc Lifecycle, sink LogSink, req Request) Result {
	log := o.logger.With("host", req.Host, "endpoint", req.Endpoint)

	if err := lc.Stop(ctx, req.Kind); err != nil {
		log.Debug("pre-dispatch stop", "error", err)
	}
	if err := lc.Start(ctx, req.Kind); err != nil {
		log.Error("job container did not start", "error", err)
		return Result{Response: StartFailedMessage}
	}
	started := o.now()

	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			log.Warn("dispatch cancelled", "attempt", attempt, "error", err)
			o.stop(context.WithoutCancel(ctx), lc, req, log)
			return Result{Response: fmt.Sprintf("dispatch cancelled: %v", err)}
		}

		res, retry := o.attempt(ctx, lc, sink, req, attempt, started, log)
		if !retry {
			return res
		}
		if attempt < o.cfg.Attempts {
			if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
				log.Warn("backoff interrupted", "attempt", attempt, "error", err)
			}
		}
	}

	log.Error("dispatch attempts exhausted", "attempts", o.cfg.Attempts)
	return Result{}
}

// attempt performs one POST. The deferred block always captures logs and,
// once no further attempt will follow, stops the container.
func (o *Orchestrator) attempt(ctx context.Context, lc Lifecycle, sink LogSink, req Request, n int, started time.Time, log *slog.Logger) (res Result, retry bool) {
	log = log.With("attempt", n)

	defer func() {
		if err := o.sleep(ctx, o.cfg.LogDelay); err != nil {
			log.Debug("log delay interrupted", "error", err)
		}
		cctx := context.WithoutCancel(ctx)
		lines, err := lc.Logs(cctx, req.Kind, started)
		if err != nil {
			log.Warn("log capture failed", "error", err)
		} else if sink != nil {
			sink.CaptureLogs(cctx, req, n, lines)
		}
		if !retry || n == o.cfg.Attempts {
			o.stop(cctx, lc, req, log)
		}
	}()

	body, status, err := o.post(ctx, req)
	switch {
	case err == nil && status >= 200 && status < 300:
		log.Info("job accepted", "status", status)
		return Result{Response: decodeBody(body), IsSuccessful: true}, false
	case err == nil:
		rej := &RejectedError{Status: status, Detail: rejectionDetail(body)}
		log.Warn("job rejected", "status", status, "error", rej)
		return Result{Response: rej.Detail}, false
	case errors.Is(err, ErrTransient):
		log.Warn("job container unreachable", "error", err)
		return Result{}, true
	default:
		log.Error("job request failed", "error", err)
		return Result{Response: err.Error()}, false
	}
}

func (o *Orchestrator) post(ctx context.Context, req Request) ([]byte, int, error) {
	resp, err := o.http.R().
		SetContext(context.WithoutCancel(ctx)).
		SetBody(req.Payload).
		Post(req.URL())
	if err != nil {
		if isTransient(err) {
			return nil, 0, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return nil, 0, err
	}
	return resp.Body(), resp.StatusCode(), nil
}

func (o *Orchestrator) stop(ctx context.Context, lc Lifecycle, req Request, log *slog.Logger) {
	if err := lc.Stop(ctx, req.Kind); err != nil {
		log.Warn("job container stop failed", "error", err)
	}
}

func isTransient(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func decodeBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// rejectionDetail prefers the detail field, then the whole JSON body, then
// the raw text.
func rejectionDetail(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	if m, ok := v.(map[string]any); ok {
		if d, ok := m["detail"]; ok {
			return d
		}
	}
	return v
}
