package rest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limitedHandler(rps float64, burst int, trusted []*net.IPNet) http.Handler {
	return rateLimitByIP(rps, burst, trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remote string, headers map[string]string) int {
	req := httptest.NewRequest("POST", "/v1/environments", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitByIP_Burst(t *testing.T) {
	h := limitedHandler(0.001, 3, nil)
	for i := 0; i < 3; i++ {
		if code := hit(h, "192.168.1.1:1234", nil); code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, code)
		}
	}
	if code := hit(h, "192.168.1.1:1234", nil); code != http.StatusTooManyRequests {
		t.Fatalf("over burst: got %d, want 429", code)
	}
	if code := hit(h, "192.168.1.2:1234", nil); code != http.StatusOK {
		t.Fatalf("other client: got %d, want 200", code)
	}
}

func TestRateLimitByIP_ForwardingHeaders(t *testing.T) {
	_, proxyNet, _ := net.ParseCIDR("10.0.0.0/8")

	t.Run("ignored from untrusted peer", func(t *testing.T) {
		h := limitedHandler(0.001, 1, nil)
		hit(h, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "1.2.3.4"})
		code := hit(h, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "5.6.7.8"})
		if code != http.StatusTooManyRequests {
			t.Fatalf("spoofed header bypassed limit: got %d", code)
		}
	})

	t.Run("forwarded-for from trusted proxy", func(t *testing.T) {
		h := limitedHandler(0.001, 1, []*net.IPNet{proxyNet})
		hit(h, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "203.0.113.50, 10.0.0.1"})
		code := hit(h, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "203.0.113.51"})
		if code != http.StatusOK {
			t.Fatalf("distinct client behind proxy: got %d", code)
		}
	})

	t.Run("real-ip wins over forwarded-for", func(t *testing.T) {
		h := limitedHandler(0.001, 1, []*net.IPNet{proxyNet})
		hit(h, "10.0.0.1:9999", map[string]string{"X-Real-IP": "203.0.113.50", "X-Forwarded-For": "203.0.113.99"})
		code := hit(h, "10.0.0.1:9999", map[string]string{"X-Real-IP": "203.0.113.50", "X-Forwarded-For": "203.0.113.98"})
		if code != http.StatusTooManyRequests {
			t.Fatalf("same real ip: got %d", code)
		}
	})
}

func TestLimiterSetSweep(t *testing.T) {
	set := newLimiterSet(1, 1)
	start := time.Now()
	set.allow("1.1.1.1", start)
	set.allow("2.2.2.2", start.Add(limiterIdleTTL))

	set.sweep(start.Add(limiterIdleTTL + time.Second))

	if _, ok := set.clients["1.1.1.1"]; ok {
		t.Fatal("expected idle client to be swept")
	}
	if _, ok := set.clients["2.2.2.2"]; !ok {
		t.Fatal("expected recent client to be kept")
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := parseCIDRs([]string{"10.0.0.0/8", "192.168.1.1", "not-an-ip", "::1"}, nil)
	if len(nets) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(nets))
	}
	if ones, bits := nets[1].Mask.Size(); ones != 32 || bits != 32 {
		t.Fatalf("expected bare IPv4 to be /32, got /%d of %d", ones, bits)
	}
	if ones, _ := nets[2].Mask.Size(); ones != 128 {
		t.Fatalf("expected bare IPv6 to be /128, got /%d", ones)
	}
}
