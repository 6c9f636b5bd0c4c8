package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi"},
		{"/", "/"},
		{"", "/"},
		{"/photos", "/{bucket}"},
		{"/photos/", "/{bucket}"}, // trailing slash, no path
		{"/photos/cat.jpg", "/{bucket}/{path}"},
		{"/photos/2024/05/cat.jpg", "/{bucket}/{path}"},
		{"/photos/300x0/cat.jpg", "/{bucket}/{size}/{path}"},
		{"/photos/100x100!/a/b/cat.jpg", "/{bucket}/{size}/{path}"},
		{"/photos/100x100%21/cat.jpg", "/{bucket}/{size}/{path}"},
		{"/photos/300x0", "/{bucket}/{path}"}, // size-like token is the object itself
		{"/photos/300xabc/cat.jpg", "/{bucket}/{path}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/{bucket}/{size}/{path}").Observe(2048)
	BytesSentTotal.Add(2048)
	TransformDuration.WithLabelValues("fit").Observe(0.2)
	CoalescedTotal.Inc()
	RateLimitClients.Set(3)

	before := testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("durable", "hit"))
	CacheLookupsTotal.WithLabelValues("durable", "hit").Inc()
	if got := testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("durable", "hit")); got != before+1 {
		t.Errorf("durable hit counter = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(PersistFailuresTotal.WithLabelValues("catalog"))
	PersistFailuresTotal.WithLabelValues("catalog").Inc()
	if got := testutil.ToFloat64(PersistFailuresTotal.WithLabelValues("catalog")); got != before+1 {
		t.Errorf("catalog persist failures = %v, want %v", got, before+1)
	}
}
