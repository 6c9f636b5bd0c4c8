package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/photos/cat.jpg", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAllowsWithinLimit(t *testing.T) {
	l := New(5, time.Minute, 0)
	defer l.Close()
	h := l.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		if rec := request(h, "10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(2, time.Minute, 0)
	defer l.Close()
	h := l.Middleware(okHandler())

	request(h, "10.0.0.1:1234")
	request(h, "10.0.0.1:1234")
	rec := request(h, "10.0.0.1:1234")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "Too many requests" {
		t.Errorf("error = %q", body.Error)
	}
	// One token per 30s.
	if body.RetryAfter < 1 || body.RetryAfter > 30 {
		t.Errorf("retry_after = %d, want 1..30", body.RetryAfter)
	}
	if got := rec.Header().Get("Retry-After"); got != strconv.Itoa(body.RetryAfter) {
		t.Errorf("Retry-After = %q, body says %d", got, body.RetryAfter)
	}
}

func TestMiddlewareSeparatesClients(t *testing.T) {
	l := New(1, time.Minute, 0)
	defer l.Close()
	h := l.Middleware(okHandler())

	if rec := request(h, "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("first client: %d", rec.Code)
	}
	if rec := request(h, "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("second client: %d", rec.Code)
	}
	if rec := request(h, "10.0.0.1:2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client again: %d, want 429", rec.Code)
	}
	if l.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", l.Clients())
	}
}

func TestRejectedRequestsDoNotConsumeTokens(t *testing.T) {
	l := New(1, 100*time.Millisecond, 1)
	defer l.Close()

	if ok, _ := l.Allow("c"); !ok {
		t.Fatal("first request rejected")
	}
	for i := 0; i < 5; i++ {
		if ok, wait := l.Allow("c"); ok || wait <= 0 {
			t.Fatalf("attempt %d: ok=%v wait=%v", i, ok, wait)
		}
	}
	time.Sleep(150 * time.Millisecond)
	if ok, _ := l.Allow("c"); !ok {
		t.Error("token was not refilled after the window")
	}
}

func TestEvictIdle(t *testing.T) {
	l := New(10, time.Minute, 0)
	defer l.Close()
	l.Allow("a")
	l.Allow("b")

	l.evictIdle(time.Now().Add(-time.Hour))
	if l.Clients() != 2 {
		t.Fatalf("evicted active clients: %d left", l.Clients())
	}
	l.evictIdle(time.Now().Add(time.Second))
	if l.Clients() != 0 {
		t.Errorf("idle clients kept: %d", l.Clients())
	}
}

func TestClientAddr(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", "192.168.1.5"})
	if err != nil {
		t.Fatalf("ParseProxies: %v", err)
	}
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		trusted bool
		want    string
	}{
		{"remote addr", nil, "192.0.2.1:5555", true, "192.0.2.1"},
		{"no port", nil, "192.0.2.9", true, "192.0.2.9"},
		{"forwarded via proxy", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.1:80", true, "203.0.113.7"},
		{"skips trusted hops", map[string]string{"X-Forwarded-For": "198.51.100.9, 203.0.113.7, 10.1.2.3"}, "10.0.0.1:80", true, "203.0.113.7"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.9.9.9, 10.1.2.3"}, "10.0.0.1:80", true, "10.9.9.9"},
		{"real ip via proxy", map[string]string{"X-Real-IP": "198.51.100.2"}, "192.168.1.5:80", true, "198.51.100.2"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.2"}, "10.0.0.1:80", true, "203.0.113.7"},
		{"untrusted peer ignores forwarded", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "198.51.100.50:80", true, "198.51.100.50"},
		{"untrusted peer ignores real ip", map[string]string{"X-Real-IP": "203.0.113.7"}, "198.51.100.50:80", true, "198.51.100.50"},
		{"no proxies configured", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.1:80", false, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			var trusted []netip.Prefix
			if tt.trusted {
				trusted = proxies
			}
			if got := ClientAddr(req, trusted); got != tt.want {
				t.Errorf("ClientAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpoofedForwardedForIsIgnored(t *testing.T) {
	l := New(2, time.Minute, 0)
	defer l.Close()
	h := l.Middleware(okHandler())

	limited := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/photos/cat.jpg", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 48 {
		t.Errorf("limited = %d, want 48", limited)
	}
	if n := l.Clients(); n != 1 {
		t.Errorf("tracked clients = %d, want 1", n)
	}
}

func TestTrustedProxyKeysByForwardedClient(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseProxies: %v", err)
	}
	l := New(1, time.Minute, 0, WithTrustedProxies(proxies))
	defer l.Close()
	h := l.Middleware(okHandler())

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/photos/cat.jpg", nil)
		req.RemoteAddr = "10.0.0.2:4000"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first client status = %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Errorf("second client behind the same proxy status = %d", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Errorf("repeat client status = %d, want 429", code)
	}
}

func TestParseProxies(t *testing.T) {
	got, err := ParseProxies([]string{"10.0.0.0/8", " 192.168.1.5 ", "", "::1", "172.16.3.4/12"})
	if err != nil {
		t.Fatalf("ParseProxies: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.5/32", "::1/128", "172.16.0.0/12"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, bad := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := ParseProxies([]string{bad}); err == nil {
			t.Errorf("ParseProxies(%q) should fail", bad)
		}
	}
}
