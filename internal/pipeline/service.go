package pipeline

import (
	"context"

	"github.com/pixcache/pixcache/internal/response"
	"github.com/pixcache/pixcache/internal/sizespec"
)

// Service is the request-facing surface: it parses size tokens, runs the
// orchestrator and labels the result for the HTTP layer.
type Service struct {
	orch   *Orchestrator
	parser *sizespec.Parser
}

// NewService returns a Service accepting sizes up to maxDimension.
func NewService(orch *Orchestrator, maxDimension int) *Service {
	return &Service{orch: orch, parser: sizespec.NewParser(maxDimension)}
}

// Orchestrator returns the underlying orchestrator.
func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// GetOriginal returns the unmodified object with a content type inferred
// from its path.
func (s *Service) GetOriginal(ctx context.Context, bucket, objectPath string) (response.Image, error) {
	data, err := s.orch.FetchOriginal(ctx, bucket, objectPath)
	if err != nil {
		return response.Image{}, err
	}
	return response.Image{
		Body:        data,
		ContentType: response.ContentTypeFor(objectPath, data),
		ETag:        response.ETag(data, ""),
	}, nil
}

// GetDerivative parses sizeToken and returns the derivative at that size.
func (s *Service) GetDerivative(ctx context.Context, bucket, objectPath, sizeToken string) (response.Image, error) {
	spec, err := s.parser.Parse(sizeToken)
	if err != nil {
		return response.Image{}, err
	}
	data, err := s.orch.FetchDerivative(ctx, bucket, objectPath, &spec)
	if err != nil {
		return response.Image{}, err
	}
	return response.Image{
		Body:        data,
		ContentType: s.orch.engine.ContentType(),
		ETag:        response.ETag(data, spec.String()),
	}, nil
}

// Ready reports whether the backing stores are reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.orch.Ready(ctx)
}

// Probe reports the health of each backing store.
func (s *Service) Probe(ctx context.Context) map[string]error {
	return s.orch.Probe(ctx)
}
