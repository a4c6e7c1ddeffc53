package adapter

import (
	"net/http"
	"sync"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/types"
)

// Factory constructs an adapter for an endpoint and runtime kind.
type Factory func(endpoint string, kind types.RuntimeType, client *http.Client) Adapter

// Pool is the process-wide adapter registry keyed by endpoint and runtime
// kind. Construction is single-flight under the pool lock; there is no
// eviction, container lifetimes dominate process lifetime.
type Pool struct {
	mu       sync.Mutex
	adapters map[poolKey]Adapter
	client   *http.Client
	factory  Factory
}

type poolKey struct {
	endpoint string
	kind     types.RuntimeType
}

// NewPool builds a pool over a shared bounded HTTP client.
func NewPool(cfg config.RuntimeHTTPConfig) *Pool {
	return &Pool{
		adapters: make(map[poolKey]Adapter),
		client:   NewHTTPClient(cfg),
		factory:  defaultFactory,
	}
}

// NewPoolWithFactory builds a pool with a caller-supplied factory, used by
// tests to substitute adapters.
func NewPoolWithFactory(cfg config.RuntimeHTTPConfig, factory Factory) *Pool {
	p := NewPool(cfg)
	p.factory = factory
	return p
}

func defaultFactory(endpoint string, kind types.RuntimeType, client *http.Client) Adapter {
	if kind == types.RuntimeTypeBrowser {
		return NewBrowserAdapter(endpoint, client)
	}
	return NewCodeAdapter(endpoint, client)
}

// Get returns the shared adapter for endpoint and kind, constructing it on
// first use.
func (p *Pool) Get(endpoint string, kind types.RuntimeType) Adapter {
	key := poolKey{endpoint: endpoint, kind: kind}

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[key]; ok {
		return a
	}
	a := p.factory(endpoint, kind, p.client)
	p.adapters[key] = a
	return a
}

// Size reports the number of constructed adapters.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}
