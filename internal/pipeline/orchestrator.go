// Package pipeline resolves image requests against the ephemeral store, the
// durable preview store and the original, transforming on a full miss and
// persisting the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/catalog"
	pxerr "github.com/pixcache/pixcache/internal/errors"
	"github.com/pixcache/pixcache/internal/geometry"
	"github.com/pixcache/pixcache/internal/logging"
	"github.com/pixcache/pixcache/internal/metrics"
	"github.com/pixcache/pixcache/internal/preview"
	"github.com/pixcache/pixcache/internal/response"
	"github.com/pixcache/pixcache/internal/sizespec"
	"github.com/pixcache/pixcache/internal/storage"
	"github.com/pixcache/pixcache/internal/transform"
)

// Persistence tiers, used as metric labels.
const (
	tierEphemeral = "ephemeral"
	tierDurable   = "durable"
	tierCatalog   = "catalog"
)

// Options configures an Orchestrator. Store, Engine and Deriver are
// required; Cache and Catalog default to no-op implementations.
type Options struct {
	Store   storage.Backend
	Cache   cache.Store
	Catalog catalog.Store
	Engine  *transform.Engine
	Deriver *preview.Deriver
	// TTL is the lifetime of ephemeral entries.
	TTL time.Duration
	// Coalesce collapses concurrent misses for the same derivative.
	Coalesce bool
	Logger   *slog.Logger
}

// Orchestrator runs the read-through lookup for originals and derivatives.
// It is safe for concurrent use.
type Orchestrator struct {
	store    storage.Backend
	cache    cache.Store
	catalog  catalog.Store
	engine   *transform.Engine
	deriver  *preview.Deriver
	ttl      time.Duration
	coalesce bool
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator returns an Orchestrator for opts.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: object store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: transform engine is required")
	}
	if opts.Deriver == nil {
		opts.Deriver = preview.NewDeriver("", opts.Engine.Format().Ext(), "")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopStore{}
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.NopStore{}
	}
	return &Orchestrator{
		store:    opts.Store,
		cache:    opts.Cache,
		catalog:  opts.Catalog,
		engine:   opts.Engine,
		deriver:  opts.Deriver,
		ttl:      opts.TTL,
		coalesce: opts.Coalesce,
		logger:   logging.Component(opts.Logger, "pipeline"),
		now:      time.Now,
	}, nil
}

// FetchOriginal reads an original from the object store. Originals are
// never cached.
func (o *Orchestrator) FetchOriginal(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	data, err := o.store.GetObject(ctx, bucket, objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, pxerr.Wrap(pxerr.KindNotFound, err, "%s/%s does not exist", bucket, objectPath)
		}
		return nil, pxerr.Wrap(pxerr.KindStorageError, err, "reading %s/%s", bucket, objectPath)
	}
	return data, nil
}

// FetchDerivative returns the encoded derivative of bucket/objectPath at
// spec, or the original when spec is nil. Lookups go ephemeral store,
// durable preview, then transform. A transformed result is persisted to
// both tiers and the catalog on a best-effort basis.
func (o *Orchestrator) FetchDerivative(ctx context.Context, bucket, objectPath string, spec *sizespec.SizeSpec) ([]byte, error) {
	if spec == nil {
		return o.FetchOriginal(ctx, bucket, objectPath)
	}

	key := o.deriver.CacheKey(bucket, objectPath, spec)
	if data, ok := o.lookupEphemeral(ctx, key); ok {
		return data, nil
	}

	previewPath := o.deriver.Path(objectPath, *spec)
	if data, ok := o.lookupDurable(ctx, bucket, previewPath); ok {
		return data, nil
	}

	if !o.coalesce {
		return o.generate(ctx, bucket, objectPath, *spec, key)
	}

	// The shared transform runs detached from any one caller, so a caller
	// that goes away only abandons its own wait.
	ch := o.group.DoChan(key, func() (any, error) {
		return o.generate(context.WithoutCancel(ctx), bucket, objectPath, *spec, key)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s/%s at %s: %w", bucket, objectPath, spec, ctx.Err())
	case res := <-ch:
		if res.Shared {
			metrics.CoalescedTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (o *Orchestrator) lookupEphemeral(ctx context.Context, key string) ([]byte, bool) {
	data, err := o.cache.Get(ctx, key)
	switch {
	case err == nil:
		metrics.CacheLookupsTotal.WithLabelValues(tierEphemeral, "hit").Inc()
		return data, true
	case errors.Is(err, cache.ErrMiss):
		metrics.CacheLookupsTotal.WithLabelValues(tierEphemeral, "miss").Inc()
	default:
		metrics.CacheLookupsTotal.WithLabelValues(tierEphemeral, "error").Inc()
		o.logger.Warn("Ephemeral lookup failed", "key", key, "error", err)
	}
	return nil, false
}

func (o *Orchestrator) lookupDurable(ctx context.Context, bucket, previewPath string) ([]byte, bool) {
	data, err := o.store.GetObject(ctx, bucket, previewPath)
	switch {
	case err == nil:
		metrics.CacheLookupsTotal.WithLabelValues(tierDurable, "hit").Inc()
		return data, true
	case errors.Is(err, storage.ErrNotFound):
		metrics.CacheLookupsTotal.WithLabelValues(tierDurable, "miss").Inc()
	default:
		metrics.CacheLookupsTotal.WithLabelValues(tierDurable, "error").Inc()
		o.logger.Warn("Durable preview lookup failed", "bucket", bucket, "path", previewPath, "error", err)
	}
	return nil, false
}

// generate transforms the original and persists the result.
func (o *Orchestrator) generate(ctx context.Context, bucket, objectPath string, spec sizespec.SizeSpec, key string) ([]byte, error) {
	original, err := o.FetchOriginal(ctx, bucket, objectPath)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	img, err := o.engine.Decode(original)
	if err != nil {
		metrics.TransformsTotal.WithLabelValues("none", "decode_error").Inc()
		return nil, err
	}

	b := img.Bounds()
	plan, err := geometry.Resolve(spec, b.Dx(), b.Dy())
	if err != nil {
		metrics.TransformsTotal.WithLabelValues("none", "transform_error").Inc()
		return nil, pxerr.Wrap(pxerr.KindTransformError, err, "resolving %s for %dx%d", spec, b.Dx(), b.Dy())
	}
	mode := plan.Mode.String()

	data, err := o.engine.Render(ctx, img, plan)
	if err != nil {
		metrics.TransformsTotal.WithLabelValues(mode, "transform_error").Inc()
		return nil, err
	}
	metrics.TransformsTotal.WithLabelValues(mode, "success").Inc()
	metrics.TransformDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	o.logger.Debug("Generated derivative",
		"bucket", bucket, "path", objectPath, "size", spec.String(),
		"width", plan.Width, "height", plan.Height, "mode", mode, "bytes", len(data))

	o.persist(ctx, bucket, objectPath, spec, key, data)
	return data, nil
}

// persist writes a fresh derivative to the durable store, the ephemeral
// store and the catalog. Failures are logged and counted, never returned.
func (o *Orchestrator) persist(ctx context.Context, bucket, objectPath string, spec sizespec.SizeSpec, key string, data []byte) {
	previewPath := o.deriver.Path(objectPath, spec)
	durableOK := true

	if err := o.store.EnsureDirectory(ctx, bucket, o.deriver.Dir(objectPath, spec)); err != nil {
		durableOK = false
		o.persistFailed(tierDurable, bucket, previewPath, err)
	} else if err := o.store.PutObject(ctx, bucket, previewPath, data); err != nil {
		durableOK = false
		o.persistFailed(tierDurable, bucket, previewPath, err)
	}

	if err := o.cache.Put(ctx, key, data, o.ttl); err != nil {
		o.persistFailed(tierEphemeral, bucket, previewPath, err)
	}

	if !durableOK {
		return
	}
	rec := &catalog.Record{
		Bucket:      bucket,
		ObjectPath:  objectPath,
		Size:        spec.String(),
		PreviewPath: previewPath,
		Bytes:       int64(len(data)),
		ETag:        response.ETag(data, spec.String()),
		CreatedAt:   o.now().UTC(),
	}
	if err := o.catalog.Put(ctx, rec); err != nil {
		o.persistFailed(tierCatalog, bucket, previewPath, err)
	}
}

func (o *Orchestrator) persistFailed(tier, bucket, previewPath string, err error) {
	metrics.PersistFailuresTotal.WithLabelValues(tier).Inc()
	o.logger.Warn("Failed to persist preview", "tier", tier, "bucket", bucket, "path", previewPath, "error", err)
}

// PurgePreviews removes every catalogued preview of bucket/objectPath from
// the durable store, the ephemeral store and the catalog, returning how
// many were purged. Previews written while the catalog was disabled are
// not found.
func (o *Orchestrator) PurgePreviews(ctx context.Context, bucket, objectPath string) (int, error) {
	records, err := o.catalog.ListForObject(ctx, bucket, objectPath)
	if err != nil {
		return 0, pxerr.Wrap(pxerr.KindStorageError, err, "listing previews of %s/%s", bucket, objectPath)
	}

	purged := 0
	for _, rec := range records {
		if err := o.store.DeleteObject(ctx, bucket, rec.PreviewPath); err != nil {
			return purged, pxerr.Wrap(pxerr.KindStorageError, err, "deleting %s/%s", bucket, rec.PreviewPath)
		}
		if spec, err := sizespec.Parse(rec.Size); err == nil {
			if err := o.cache.Delete(ctx, o.deriver.CacheKey(bucket, objectPath, &spec)); err != nil {
				o.logger.Warn("Failed to evict ephemeral entry", "bucket", bucket, "path", objectPath, "size", rec.Size, "error", err)
			}
		}
		if err := o.catalog.Delete(ctx, bucket, objectPath, rec.Size); err != nil {
			return purged, pxerr.Wrap(pxerr.KindStorageError, err, "removing catalog record %s/%s@%s", bucket, objectPath, rec.Size)
		}
		purged++
	}
	o.logger.Info("Purged previews", "bucket", bucket, "path", objectPath, "count", purged)
	return purged, nil
}

// Probe checks the object store and the ephemeral store, returning each
// one's error keyed by name. A nil value means healthy.
func (o *Orchestrator) Probe(ctx context.Context) map[string]error {
	return map[string]error{
		"storage": o.store.HealthCheck(ctx),
		"cache":   o.cache.Ping(ctx),
	}
}

// Ready returns the first failing Probe check.
func (o *Orchestrator) Ready(ctx context.Context) error {
	checks := o.Probe(ctx)
	for _, name := range []string{"storage", "cache"} {
		if err := checks[name]; err != nil {
			return pxerr.Wrap(pxerr.KindStorageError, err, "%s unavailable", name)
		}
	}
	return nil
}
