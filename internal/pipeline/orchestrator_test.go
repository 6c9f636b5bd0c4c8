package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/catalog"
	pxerr "github.com/pixcache/pixcache/internal/errors"
	"github.com/pixcache/pixcache/internal/metrics"
	"github.com/pixcache/pixcache/internal/preview"
	"github.com/pixcache/pixcache/internal/sizespec"
	"github.com/pixcache/pixcache/internal/storage"
	"github.com/pixcache/pixcache/internal/transform"
)

// countingBackend wraps a Backend, counting reads and optionally failing
// writes or blocking reads of one key.
type countingBackend struct {
	storage.Backend
	gets     sync.Map // key -> *int64
	failPuts bool
	failGets error
	blockKey string
	unblock  chan struct{}
}

func (b *countingBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	n, _ := b.gets.LoadOrStore(key, new(int64))
	atomic.AddInt64(n.(*int64), 1)
	if b.blockKey == key && b.unblock != nil {
		<-b.unblock
	}
	if b.failGets != nil {
		return nil, b.failGets
	}
	return b.Backend.GetObject(ctx, bucket, key)
}

func (b *countingBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if b.failPuts {
		return errors.New("disk full")
	}
	return b.Backend.PutObject(ctx, bucket, key, data)
}

func (b *countingBackend) getsOf(key string) int64 {
	n, ok := b.gets.Load(key)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(n.(*int64))
}

// failingCache errors on every call.
type failingCache struct{ cache.NoopStore }

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingCache) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	backend *countingBackend
	cache   *cache.MemoryStore
	catalog *catalog.MemoryStore
	orch    *Orchestrator
	deriver *preview.Deriver
}

func newFixture(t *testing.T, coalesce bool) *fixture {
	t.Helper()
	engine, err := transform.NewEngine(transform.Options{Format: transform.FormatJPEG, Filter: "linear"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	mem, err := cache.NewMemoryStore(64)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	f := &fixture{
		backend: &countingBackend{Backend: storage.NewMemoryBackend()},
		cache:   mem,
		catalog: catalog.NewMemoryStore(),
		deriver: preview.NewDeriver("previews", engine.Format().Ext(), "test:"),
	}
	f.orch, err = NewOrchestrator(Options{
		Store:    f.backend,
		Cache:    f.cache,
		Catalog:  f.catalog,
		Engine:   engine,
		Deriver:  f.deriver,
		TTL:      time.Hour,
		Coalesce: coalesce,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if err := f.backend.Backend.PutObject(context.Background(), "photos", "cats/tom.png", testPNG(t, 120, 80)); err != nil {
		t.Fatalf("seeding original: %v", err)
	}
	return f
}

func mustSpec(t *testing.T, token string) *sizespec.SizeSpec {
	t.Helper()
	s, err := sizespec.Parse(token)
	if err != nil {
		t.Fatalf("Parse(%q): %v", token, err)
	}
	return &s
}

func dims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestFetchDerivativeGeometry(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		token        string
		wantW, wantH int
	}{
		{"30x0", 30, 20},
		{"0x40", 60, 40},
		{"60x60", 60, 40},
		{"500x500", 120, 80},
		{"50x50!", 50, 50},
		{"10x40!", 10, 40},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			data, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", mustSpec(t, tt.token))
			if err != nil {
				t.Fatalf("FetchDerivative: %v", err)
			}
			w, h := dims(t, data)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("got %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestFetchDerivativeIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	spec := mustSpec(t, "30x0")

	first, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", spec)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", spec)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("second fetch returned different bytes")
	}
	if n := f.backend.getsOf("cats/tom.png"); n != 1 {
		t.Errorf("original read %d times, want 1", n)
	}

	// Persisted to both tiers and the catalog.
	previewPath := f.deriver.Path("cats/tom.png", *spec)
	stored, err := f.backend.Backend.GetObject(ctx, "photos", previewPath)
	if err != nil || !bytes.Equal(stored, first) {
		t.Errorf("durable preview = %d bytes, err %v", len(stored), err)
	}
	if ok, _ := f.cache.Has(ctx, f.deriver.CacheKey("photos", "cats/tom.png", spec)); !ok {
		t.Error("ephemeral entry missing")
	}
	rec, err := f.catalog.Get(ctx, "photos", "cats/tom.png", "30x0")
	if err != nil || rec == nil {
		t.Fatalf("catalog record = %v, err %v", rec, err)
	}
	if rec.PreviewPath != previewPath || rec.Bytes != int64(len(first)) {
		t.Errorf("catalog record = %+v", rec)
	}
	if !strings.HasPrefix(rec.ETag, `"`) {
		t.Errorf("catalog ETag = %q", rec.ETag)
	}
}

func TestFetchDerivativeFallsBackToDurable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	spec := mustSpec(t, "100x100!")

	first, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", spec)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	key := f.deriver.CacheKey("photos", "cats/tom.png", spec)
	if err := f.cache.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	second, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", spec)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("durable fallback returned different bytes")
	}
	if n := f.backend.getsOf("cats/tom.png"); n != 1 {
		t.Errorf("original read %d times, want 1", n)
	}
	if ok, _ := f.cache.Has(ctx, key); ok {
		t.Error("durable hit repopulated the ephemeral store")
	}
}

func TestFetchDerivativePersistFailureStillServes(t *testing.T) {
	f := newFixture(t, false)
	f.backend.failPuts = true
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.PersistFailuresTotal.WithLabelValues("durable"))
	data, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", mustSpec(t, "30x0"))
	if err != nil {
		t.Fatalf("FetchDerivative: %v", err)
	}
	if w, h := dims(t, data); w != 30 || h != 20 {
		t.Errorf("got %dx%d, want 30x20", w, h)
	}
	if got := testutil.ToFloat64(metrics.PersistFailuresTotal.WithLabelValues("durable")) - before; got != 1 {
		t.Errorf("durable persist failures = %v, want 1", got)
	}
	if rec, _ := f.catalog.Get(ctx, "photos", "cats/tom.png", "30x0"); rec != nil {
		t.Error("catalog recorded a preview that was never written")
	}
}

func TestFetchDerivativeEphemeralErrorsAreMisses(t *testing.T) {
	engine, err := transform.NewEngine(transform.Options{Format: transform.FormatJPEG})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	backend := storage.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.PutObject(ctx, "b", "a.png", testPNG(t, 40, 40)); err != nil {
		t.Fatal(err)
	}
	orch, err := NewOrchestrator(Options{Store: backend, Cache: failingCache{}, Engine: engine})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	data, err := orch.FetchDerivative(ctx, "b", "a.png", mustSpec(t, "20x20"))
	if err != nil {
		t.Fatalf("FetchDerivative: %v", err)
	}
	if w, h := dims(t, data); w != 20 || h != 20 {
		t.Errorf("got %dx%d, want 20x20", w, h)
	}
}

func TestFetchDerivativeErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.backend.Backend.PutObject(ctx, "photos", "notes.txt", []byte("not an image")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want pxerr.Kind
	}{
		{"missing original", "cats/missing.png", pxerr.KindNotFound},
		{"undecodable original", "notes.txt", pxerr.KindDecodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.FetchDerivative(ctx, "photos", tt.path, mustSpec(t, "30x30"))
			if got := pxerr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestFetchOriginalStorageError(t *testing.T) {
	f := newFixture(t, false)
	f.backend.failGets = errors.New("connection reset")

	_, err := f.orch.FetchOriginal(context.Background(), "photos", "cats/tom.png")
	if !errors.Is(err, pxerr.ErrStorage) {
		t.Errorf("err = %v, want StorageError", err)
	}
}

func TestFetchDerivativeNilSpecReturnsOriginal(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	data, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", nil)
	if err != nil {
		t.Fatalf("FetchDerivative: %v", err)
	}
	want, _ := f.backend.Backend.GetObject(ctx, "photos", "cats/tom.png")
	if !bytes.Equal(data, want) {
		t.Error("nil spec did not return the original bytes")
	}
	if f.cache.Len() != 0 {
		t.Error("original was cached")
	}
}

func TestFetchDerivativeCoalesces(t *testing.T) {
	f := newFixture(t, true)
	f.backend.blockKey = "cats/tom.png"
	f.backend.unblock = make(chan struct{})
	ctx := context.Background()
	spec := mustSpec(t, "30x0")
	previewPath := f.deriver.Path("cats/tom.png", *spec)

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", spec)
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.backend.getsOf(previewPath) < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.backend.unblock)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(results[i], results[0]) {
			t.Errorf("request %d returned different bytes", i)
		}
	}
	if got := f.backend.getsOf("cats/tom.png"); got != 1 {
		t.Errorf("original read %d times, want 1", got)
	}
}

func TestFetchDerivativeCanceledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t, true)
	f.backend.blockKey = "cats/tom.png"
	f.backend.unblock = make(chan struct{})
	spec := mustSpec(t, "30x0")
	previewPath := f.deriver.Path("cats/tom.png", *spec)

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.orch.FetchDerivative(leaderCtx, "photos", "cats/tom.png", spec)
		leaderErr <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.backend.getsOf("cats/tom.png") < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		data []byte
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		data, err := f.orch.FetchDerivative(context.Background(), "photos", "cats/tom.png", spec)
		follower <- result{data, err}
	}()
	for f.backend.getsOf(previewPath) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("leader err = %v, want context.Canceled", err)
		}
		if pxerr.KindOf(err) != pxerr.KindCanceled {
			t.Errorf("leader kind = %s, want RequestCanceled", pxerr.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller kept waiting for the shared transform")
	}

	close(f.backend.unblock)
	select {
	case res := <-follower:
		if res.err != nil {
			t.Fatalf("follower err = %v", res.err)
		}
		if w, h := dims(t, res.data); w != 30 || h != 20 {
			t.Errorf("follower got %dx%d, want 30x20", w, h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower never returned")
	}
	if got := f.backend.getsOf("cats/tom.png"); got != 1 {
		t.Errorf("original read %d times, want 1", got)
	}
	// The abandoned transform still persisted its result.
	if _, err := f.backend.Backend.GetObject(context.Background(), "photos", previewPath); err != nil {
		t.Errorf("durable preview missing: %v", err)
	}
}

func TestPurgePreviews(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, token := range []string{"30x0", "50x50!"} {
		if _, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", mustSpec(t, token)); err != nil {
			t.Fatalf("FetchDerivative(%s): %v", token, err)
		}
	}

	n, err := f.orch.PurgePreviews(ctx, "photos", "cats/tom.png")
	if err != nil {
		t.Fatalf("PurgePreviews: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	keys, err := f.backend.ListObjects(ctx, "photos", "previews/")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("previews left behind: %v", keys)
	}
	if f.cache.Len() != 0 {
		t.Errorf("ephemeral entries left: %d", f.cache.Len())
	}
	recs, _ := f.catalog.ListForObject(ctx, "photos", "cats/tom.png")
	if len(recs) != 0 {
		t.Errorf("catalog records left: %v", recs)
	}
	if ok, _ := f.backend.ObjectExists(ctx, "photos", "cats/tom.png"); !ok {
		t.Error("purge removed the original")
	}

	// A later request regenerates.
	if _, err := f.orch.FetchDerivative(ctx, "photos", "cats/tom.png", mustSpec(t, "30x0")); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got := f.backend.getsOf("cats/tom.png"); got != 3 {
		t.Errorf("original read %d times, want 3", got)
	}
}

func TestReady(t *testing.T) {
	f := newFixture(t, false)
	if err := f.orch.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
}

func TestNewOrchestratorRequiresStoreAndEngine(t *testing.T) {
	if _, err := NewOrchestrator(Options{}); err == nil {
		t.Error("expected error without a store")
	}
	if _, err := NewOrchestrator(Options{Store: storage.NewMemoryBackend()}); err == nil {
		t.Error("expected error without an engine")
	}
}
