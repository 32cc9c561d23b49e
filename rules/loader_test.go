package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const flatModel = `{
	"name": "flat",
	"version": "1",
	"inputs": {"units": "double"},
	"rules": [{"id": "all", "outputs": {"charge": "units * 2.0"}}]
}`

const flatModelV2 = `{
	"name": "flat",
	"version": "2",
	"inputs": {"units": "double"},
	"rules": [{"id": "all", "outputs": {"charge": "units * 3.0"}}]
}`

// TestNewLoaderPolicies verifies policy defaults and rejection of unknown policies
func TestNewLoaderPolicies(t *testing.T) {
	source := NewInMemoryModelSource([]byte(flatModel))

	l, err := NewLoader(source, "", nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}
	if l.Policy() != PolicyReload {
		t.Errorf("expected default policy reload, got %q", l.Policy())
	}
	if l.Source() != source {
		t.Error("Source() should return the configured source")
	}

	if _, err := NewLoader(source, "sometimes", nil); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := NewLoader(nil, PolicyReload, nil); err == nil {
		t.Error("expected error for nil source")
	}
}

// TestLoaderReloadPolicy verifies that every Load reads the source and sees edits
func TestLoaderReloadPolicy(t *testing.T) {
	source := NewInMemoryModelSource([]byte(flatModel))
	l, err := NewLoader(source, PolicyReload, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	source.Set([]byte(flatModelV2))
	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if m.Version != "2" {
		t.Errorf("expected version 2, got %q", m.Version)
	}
	if source.Reads() != 2 {
		t.Errorf("expected 2 reads, got %d", source.Reads())
	}
}

// TestLoaderCachePolicy verifies reuse until invalidation
func TestLoaderCachePolicy(t *testing.T) {
	source := NewInMemoryModelSource([]byte(flatModel))
	l, err := NewLoader(source, PolicyCache, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	first, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	source.Set([]byte(flatModelV2))

	second, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if second != first || source.Reads() != 1 {
		t.Errorf("expected cached model and 1 read, got version %q and %d reads", second.Version, source.Reads())
	}

	l.Invalidate()
	third, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if third.Version != "2" {
		t.Errorf("expected version 2 after invalidation, got %q", third.Version)
	}
}

// TestLoaderFailuresAreModelLoadErrors verifies that every failure mode is wrapped
func TestLoaderFailuresAreModelLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"source error", nil},
		{"invalid json", []byte(`{"name": `)},
		{"invalid structure", []byte(`{"name": "x", "inputs": {"a": "int"}, "rules": []}`)},
		{"expression does not compile", []byte(`{"name": "x", "inputs": {"a": "int"}, "rules": [{"id": "r", "when": "a >", "outputs": {"o": "a"}}]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLoader(NewInMemoryModelSource(tt.data), PolicyCache, nil)
			if err != nil {
				t.Fatalf("NewLoader() failed: %v", err)
			}

			_, err = l.Load(context.Background())
			var loadErr *ModelLoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected *ModelLoadError, got %v", err)
			}
			if loadErr.Source != "memory" {
				t.Errorf("expected source memory, got %q", loadErr.Source)
			}
		})
	}
}

// TestLoaderFailureNotCached verifies that a failed load is retried on the next call
func TestLoaderFailureNotCached(t *testing.T) {
	source := NewInMemoryModelSource(nil)
	l, err := NewLoader(source, PolicyCache, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("expected error for empty source")
	}
	source.Set([]byte(flatModel))
	if _, err := l.Load(context.Background()); err != nil {
		t.Errorf("expected recovery once the source is fixed, got %v", err)
	}
}

// TestLoaderConcurrentLoads verifies that concurrent loads all receive a model
func TestLoaderConcurrentLoads(t *testing.T) {
	l, err := NewLoader(NewInMemoryModelSource([]byte(flatModel)), PolicyCache, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Load(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Load() failed: %v", err)
	}
}

// TestInMemoryModelCacheTTL verifies expiry against an injected clock
func TestInMemoryModelCacheTTL(t *testing.T) {
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	c := NewInMemoryModelCache(CacheConfig{TTL: time.Minute})
	c.now = func() time.Time { return now }

	if c.IsValid() || c.Get() != nil {
		t.Fatal("expected empty cache to be invalid")
	}

	m := validModel()
	c.Set(m)
	if c.Get() != m {
		t.Fatal("expected cached model")
	}

	now = now.Add(2 * time.Minute)
	if c.IsValid() || c.Get() != nil {
		t.Error("expected cache to expire after TTL")
	}

	c.Set(m)
	c.Invalidate()
	if c.Get() != nil {
		t.Error("expected nil after Invalidate")
	}
}

// TestInMemoryModelCacheNoTTL verifies that a zero TTL never expires
func TestInMemoryModelCacheNoTTL(t *testing.T) {
	now := time.Now()
	c := NewInMemoryModelCache(DefaultCacheConfig())
	c.now = func() time.Time { return now }

	c.Set(validModel())
	now = now.Add(24 * time.Hour)
	if !c.IsValid() {
		t.Error("expected cache without TTL to stay valid")
	}
}

// gatedSource snapshots the document when Fetch starts and then holds the
// first Fetch until release is closed
type gatedSource struct {
	*InMemoryModelSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSource(data string) *gatedSource {
	return &gatedSource{
		InMemoryModelSource: NewInMemoryModelSource([]byte(data)),
		entered:             make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (s *gatedSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := s.InMemoryModelSource.Fetch(ctx)
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return data, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TestLoaderInvalidateDuringRead verifies that a read started before
// Invalidate does not leave its older model in the cache
func TestLoaderInvalidateDuringRead(t *testing.T) {
	source := newGatedSource(flatModel)
	l, err := NewLoader(source, PolicyCache, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	first := make(chan *DecisionModel, 1)
	go func() {
		m, err := l.Load(context.Background())
		if err != nil {
			t.Errorf("Load() failed: %v", err)
		}
		first <- m
	}()

	<-source.entered
	source.Set([]byte(flatModelV2))
	l.Invalidate()
	close(source.release)

	if m := <-first; m != nil && m.Version != "1" {
		t.Errorf("expected in-flight load to return version 1, got %q", m.Version)
	}

	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if m.Version != "2" {
		t.Errorf("expected version 2 after invalidation, got %q", m.Version)
	}
}

// TestLoaderCancelledCallerDoesNotFailOthers verifies that one caller
// giving up leaves a shared read running for the others
func TestLoaderCancelledCallerDoesNotFailOthers(t *testing.T) {
	source := newGatedSource(flatModel)
	l, err := NewLoader(source, PolicyReload, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx)
		errA <- err
	}()
	<-source.entered

	type result struct {
		m   *DecisionModel
		err error
	}
	resB := make(chan result, 1)
	go func() {
		m, err := l.Load(context.Background())
		resB <- result{m, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	err = <-errA
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ModelLoadError wrapping context.Canceled, got %v", err)
	}

	close(source.release)
	b := <-resB
	if b.err != nil {
		t.Fatalf("Load() failed: %v", b.err)
	}
	if b.m.Version != "1" {
		t.Errorf("expected version 1, got %q", b.m.Version)
	}
}

// TestLoaderPreparesEngine verifies that a loaded model carries its compiled engine
func TestLoaderPreparesEngine(t *testing.T) {
	l, err := NewLoader(NewInMemoryModelSource([]byte(flatModel)), PolicyReload, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}
	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	a, err := PreparedEngine(m)
	if err != nil {
		t.Fatalf("PreparedEngine() failed: %v", err)
	}
	b, err := PreparedEngine(m)
	if err != nil {
		t.Fatalf("PreparedEngine() failed: %v", err)
	}
	if a != b {
		t.Error("expected the engine compiled at load time to be reused")
	}

	parsed, err := ParseModel([]byte(flatModel))
	if err != nil {
		t.Fatalf("ParseModel() failed: %v", err)
	}
	c, err := PreparedEngine(parsed)
	if err != nil {
		t.Fatalf("PreparedEngine() failed: %v", err)
	}
	d, err := PreparedEngine(parsed)
	if err != nil {
		t.Fatalf("PreparedEngine() failed: %v", err)
	}
	if c == d {
		t.Error("expected a fresh engine for a model that was not loaded")
	}
}
