// Package server implements the pixcache HTTP server and image route dispatcher.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixcache/pixcache/internal/config"
	pxerr "github.com/pixcache/pixcache/internal/errors"
	"github.com/pixcache/pixcache/internal/logging"
	"github.com/pixcache/pixcache/internal/pipeline"
	"github.com/pixcache/pixcache/internal/ratelimit"
	"github.com/pixcache/pixcache/internal/response"
	"github.com/pixcache/pixcache/internal/sizespec"
)

// Images is the pipeline surface the server dispatches to.
type Images interface {
	GetOriginal(ctx context.Context, bucket, objectPath string) (response.Image, error)
	GetDerivative(ctx context.Context, bucket, objectPath, sizeToken string) (response.Image, error)
	Probe(ctx context.Context) map[string]error
}

var _ Images = (*pipeline.Service)(nil)

// Server is the pixcache HTTP server. Image requests are routed through a
// catch-all dispatcher; system endpoints are registered through Huma.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	images     Images
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the liveness endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the liveness endpoint.
type HealthOutput struct {
	Body HealthBody
}

// CheckResult is the status of one backing store.
type CheckResult struct {
	Status string `json:"status" example:"ok" doc:"ok or error"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// ReadyBody is the JSON body returned by the readiness endpoint.
type ReadyBody struct {
	Status string                 `json:"status" example:"ok" doc:"ok when every check passes"`
	Checks map[string]CheckResult `json:"checks,omitempty" doc:"Per-store results"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Status int
	Body   ReadyBody
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimiter enforces limiter on image routes.
func WithRateLimiter(limiter *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// New creates a Server serving images and wires up all routes.
func New(cfg *config.Config, images Images, opts ...Option) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("pixcache image API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		images: images,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "server")

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = requestLogger(s.logger)(handler)
	handler = commonHeaders(handler)
	if config.Enabled(s.cfg.Observability.Metrics) {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. System routes are
// registered first; the image catch-all /* is registered last.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Description: "Returns ok while the process is serving requests.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if config.Enabled(s.cfg.Observability.HealthCheck) {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-readyz",
			Method:      http.MethodGet,
			Path:        "/readyz",
			Summary:     "Readiness check",
			Description: "Checks the object store and the ephemeral store.",
			Tags:        []string{"System"},
		}, s.ready)
	}

	if config.Enabled(s.cfg.Observability.Metrics) {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	images := s.router.With(corsMiddleware(s.cfg.Server.CORSOrigin))
	if s.limiter != nil {
		images = images.With(s.limiter.Middleware)
	}
	images.HandleFunc("/*", s.dispatch)
}

func (s *Server) ready(ctx context.Context, input *struct{}) (*ReadyOutput, error) {
	out := &ReadyOutput{
		Status: http.StatusOK,
		Body:   ReadyBody{Status: "ok", Checks: map[string]CheckResult{}},
	}
	for name, err := range s.images.Probe(ctx) {
		if err != nil {
			s.logger.Warn("Readiness check failed", "check", name, "error", err)
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "error"
			out.Body.Checks[name] = CheckResult{Status: "error", Error: err.Error()}
			continue
		}
		out.Body.Checks[name] = CheckResult{Status: "ok"}
	}
	return out, nil
}

// parsePath splits an image path into bucket and the remainder.
// Returns ("", "") for "/", ("bucket", "") for "/{bucket}", and
// ("bucket", "rest/of/path") otherwise.
func parsePath(path string) (bucket, rest string) {
	path = strings.TrimPrefix(path, "/")
	bucket, rest, _ = strings.Cut(path, "/")
	return bucket, rest
}

// splitSize detects a leading size segment in rest. It reports the size
// token and object path when rest looks like "{size}/{path}".
func splitSize(rest string) (size, objectPath string, ok bool) {
	size, objectPath, found := strings.Cut(rest, "/")
	if !found || objectPath == "" || !sizespec.Match(size) {
		return "", "", false
	}
	return size, objectPath, true
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// dispatch serves GET and HEAD for originals and derivatives:
//
//	/{bucket}/{size}/{path...}  derivative
//	/{bucket}/{path...}         original
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "only GET and HEAD are supported")
		return
	}

	bucket, rest := parsePath(r.URL.Path)
	if bucket == "" || rest == "" || hasDotSegment(rest) {
		s.writeError(w, r, pxerr.ErrNotFound)
		return
	}

	var (
		img response.Image
		err error
	)
	if size, objectPath, ok := splitSize(rest); ok {
		img, err = s.images.GetDerivative(r.Context(), bucket, objectPath, size)
	} else {
		img, err = s.images.GetOriginal(r.Context(), bucket, rest)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	response.Write(w, r, img)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders a pipeline error with the status of its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := pxerr.StatusOf(err)
	switch kind := pxerr.KindOf(err); {
	case kind == pxerr.KindCanceled:
		s.logger.Debug("Request canceled by client", "method", r.Method, "path", r.URL.Path, "error", err)
	case kind == pxerr.KindTimeout:
		s.logger.Warn("Request timed out", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	case status >= http.StatusInternalServerError:
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	default:
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSONError(w, r, status, string(pxerr.KindOf(err)), pxerr.MessageOf(err))
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}
