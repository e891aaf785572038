package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapmax/measure-remote/internal/container"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	since    []time.Time
}

func (f *fakeLifecycle) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Every call fails on a cancelled context without reaching the host, the way
// the SSH transport kills the remote command.
func (f *fakeLifecycle) Start(ctx context.Context, _ container.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("start")
	return f.startErr
}

func (f *fakeLifecycle) Stop(ctx context.Context, _ container.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("stop")
	return nil
}

func (f *fakeLifecycle) Logs(ctx context.Context, _ container.Kind, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.record("logs")
	f.since = append(f.since, since)
	return []string{"epoch 1 done"}, nil
}

type countingSink struct {
	attempts []int
}

func (s *countingSink) CaptureLogs(_ context.Context, _ Request, attempt int, lines []string) {
	s.attempts = append(s.attempts, attempt)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var refused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *[]time.Duration) {
	t.Helper()
	o := New(DefaultConfig(), nil)
	var slept []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return start }
	return o, &slept
}

func serverRequest(t *testing.T, srv *httptest.Server) Request {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Request{
		Host:     u.Hostname(),
		Port:     port,
		Endpoint: "benchmark",
		Kind:     container.KindBenchmark,
		Payload:  map[string]any{"user_id": "u-1", "batch_sizes": []int{1, 8}},
	}
}

func TestDispatchSucceedsAfterTransientFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/benchmark", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"latency_ms": 12.5}`)
	}))
	defer srv.Close()

	o, slept := newTestOrchestrator(t)
	base := http.DefaultTransport
	calls := 0
	o.http.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls < 5 {
			return nil, refused
		}
		return base.RoundTrip(r)
	}))

	lc := &fakeLifecycle{}
	sink := &countingSink{}
	res := o.Dispatch(context.Background(), lc, sink, serverRequest(t, srv))

	assert.True(t, res.IsSuccessful)
	assert.Equal(t, map[string]any{"latency_ms": 12.5}, res.Response)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, sink.attempts)
	assert.Equal(t, []string{
		"stop", "start",
		"logs", "logs", "logs", "logs",
		"logs", "stop",
	}, lc.calls)

	// log delay after every attempt, backoff only between attempts
	var backoffs, delays int
	for _, d := range *slept {
		switch d {
		case 60 * time.Second:
			backoffs++
		case 15 * time.Second:
			delays++
		}
	}
	assert.Equal(t, 4, backoffs)
	assert.Equal(t, 5, delays)
	for _, s := range lc.since {
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), s)
	}
}

func TestDispatchRejectedIsTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail": "model not found"}`)
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	lc := &fakeLifecycle{}
	sink := &countingSink{}
	res := o.Dispatch(context.Background(), lc, sink, serverRequest(t, srv))

	assert.False(t, res.IsSuccessful)
	assert.Equal(t, "model not found", res.Response)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{1}, sink.attempts)
	assert.Equal(t, []string{"stop", "start", "logs", "stop"}, lc.calls)
}

func TestDispatchExhausted(t *testing.T) {
	o, slept := newTestOrchestrator(t)
	calls := 0
	o.http.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, refused
	}))

	sink := &countingSink{}
	res := o.Dispatch(context.Background(), &fakeLifecycle{}, sink, Request{Host: "10.0.0.1", Port: 4000, Endpoint: "benchmark", Kind: container.KindBenchmark})

	assert.False(t, res.IsSuccessful)
	assert.Nil(t, res.Response)
	assert.Equal(t, 5, calls)
	assert.Len(t, sink.attempts, 5)
	assert.Len(t, *slept, 9, "5 log delays and 4 backoffs")
}

func TestDispatchStartFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.http.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request may be sent when the container did not start")
		return nil, nil
	}))

	lc := &fakeLifecycle{startErr: container.ErrCommandFailed}
	res := o.Dispatch(context.Background(), lc, nil, Request{Host: "h", Port: 4000, Endpoint: "benchmark", Kind: container.KindBenchmark})

	assert.False(t, res.IsSuccessful)
	assert.Equal(t, StartFailedMessage, res.Response)
	assert.Equal(t, []string{"stop", "start"}, lc.calls)
}

func TestDispatchNonTransientErrorIsTerminal(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	calls := 0
	o.http.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("tls: handshake failure")
	}))

	res := o.Dispatch(context.Background(), &fakeLifecycle{}, nil, Request{Host: "h", Port: 4000, Endpoint: "benchmark"})
	assert.False(t, res.IsSuccessful)
	assert.Contains(t, res.Response, "tls: handshake failure")
	assert.Equal(t, 1, calls)
}

func TestDispatchCancelledBetweenAttempts(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	o.http.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		cancel()
		return nil, refused
	}))

	lc := &fakeLifecycle{}
	sink := &countingSink{}
	res := o.Dispatch(ctx, lc, sink, Request{Host: "h", Port: 4000, Endpoint: "benchmark"})

	assert.False(t, res.IsSuccessful)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{1}, sink.attempts, "logs are still captured for the attempt in flight")
	assert.Equal(t, []string{"stop", "start", "logs", "stop"}, lc.calls, "the container is stopped even though ctx is done")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&url.Error{Op: "Post", URL: "http://h", Err: refused}))
	assert.True(t, isTransient(syscall.ECONNRESET))
	assert.True(t, isTransient(&url.Error{Op: "Post", URL: "http://h", Err: io.EOF}))
	assert.True(t, isTransient(io.ErrUnexpectedEOF))
	assert.False(t, isTransient(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("i/o timeout")}))
	assert.False(t, isTransient(errors.New("x509: certificate signed by unknown authority")))
}

func TestRejectionDetail(t *testing.T) {
	assert.Equal(t, "bad batch", rejectionDetail([]byte(`{"detail":"bad batch"}`)))
	assert.Equal(t, map[string]any{"error": "boom"}, rejectionDetail([]byte(`{"error":"boom"}`)))
	assert.Equal(t, []any{"a"}, rejectionDetail([]byte(`["a"]`)))
	assert.Equal(t, "Internal Server Error", rejectionDetail([]byte("Internal Server Error")))
}

func TestRequestURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:4000/fine-tune/image-classification",
		Request{Host: "10.0.0.1", Port: 4000, Endpoint: "/fine-tune/image-classification"}.URL())
	assert.Equal(t, "http://[fe80::1]:4000/benchmark", Request{Host: "fe80::1", Port: 4000, Endpoint: "benchmark"}.URL())
}
