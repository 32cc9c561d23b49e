package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader turns a ModelSource into validated decision models, applying the
// configured cache policy.
type Loader struct {
	source ModelSource
	policy CachePolicy
	cache  ModelCache
	group  singleflight.Group

	// gen counts invalidations. A read stores its model in the cache only
	// if no invalidation happened while it was in flight.
	mu  sync.Mutex
	gen uint64
}

// NewLoader creates a loader. cache is only consulted under PolicyCache and
// may be nil, in which case an InMemoryModelCache with default settings is used.
func NewLoader(source ModelSource, policy CachePolicy, cache ModelCache) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("model source is required")
	}
	switch policy {
	case PolicyReload, PolicyCache:
	case "":
		policy = PolicyReload
	default:
		return nil, fmt.Errorf("unknown cache policy %q", policy)
	}
	if cache == nil {
		cache = NewInMemoryModelCache(DefaultCacheConfig())
	}
	return &Loader{
		source: source,
		policy: policy,
		cache:  cache,
	}, nil
}

// Load returns the current decision model. Every failure is a *ModelLoadError.
// Concurrent misses share one read of the source; a caller whose ctx ends
// stops waiting without failing the others.
func (l *Loader) Load(ctx context.Context) (*DecisionModel, error) {
	if l.policy == PolicyCache {
		if m := l.cache.Get(); m != nil {
			return m, nil
		}
	}

	gen := l.generation()
	ch := l.group.DoChan("load-"+strconv.FormatUint(gen, 10), func() (any, error) {
		m, err := l.read(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if l.policy == PolicyCache {
			l.storeIfCurrent(gen, m)
		}
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DecisionModel), nil
	case <-ctx.Done():
		return nil, &ModelLoadError{Source: l.source.Describe(), Err: ctx.Err()}
	}
}

func (l *Loader) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *Loader) storeIfCurrent(gen uint64, m *DecisionModel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == l.gen {
		l.cache.Set(m)
	}
}

func (l *Loader) read(ctx context.Context) (*DecisionModel, error) {
	data, err := l.source.Fetch(ctx)
	if err != nil {
		return nil, &ModelLoadError{Source: l.source.Describe(), Err: err}
	}

	m, err := ParseModel(data)
	if err != nil {
		return nil, &ModelLoadError{Source: l.source.Describe(), Err: err}
	}

	// expressions that do not compile make the artifact unusable
	en, err := NewEngine(m)
	if err != nil {
		return nil, &ModelLoadError{Source: l.source.Describe(), Err: err}
	}
	m.prepared = en
	return m, nil
}

// Invalidate drops the cached model so the next Load reads the source. A
// read already in flight is not cached and later loads do not join it.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.cache.Invalidate()
}

// Policy returns the loader's cache policy
func (l *Loader) Policy() CachePolicy {
	return l.policy
}

// Source returns the underlying model source
func (l *Loader) Source() ModelSource {
	return l.source
}
