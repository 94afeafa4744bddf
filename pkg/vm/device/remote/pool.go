package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/lanevm/pkg/vm/device"
)

// Pool errors.
var (
	ErrNoHealthyEndpoints = errors.New("no healthy device endpoints available")
	ErrPoolClosed         = errors.New("pool is closed")
)

// Default pool settings.
const (
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)

// endpoint is one device server in the pool.
type endpoint struct {
	client    *Client
	healthy   atomic.Bool
	failCount atomic.Int32
	lastCheck atomic.Int64 // Unix nano timestamp
}

// Pool spreads kernels over several device servers. Each kernel is prepared
// on one healthy endpoint (round robin) and every launch of that kernel goes
// to the same endpoint. Endpoints that fail at the transport level are
// marked unhealthy until a health check succeeds.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*endpoint
	nextIndex atomic.Uint64

	healthCheckPeriod time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	onHealthChange func(endpoint string, healthy bool)
}

// NewPool creates a pool over the given clients.
func NewPool(clients ...*Client) *Pool {
	p := &Pool{healthCheckPeriod: DefaultHealthCheckPeriod}
	for _, c := range clients {
		p.Add(c)
	}
	return p
}

// DialPool dials every endpoint with the default client configuration.
func DialPool(endpoints []string) (*Pool, error) {
	p := NewPool()
	for _, addr := range endpoints {
		c, err := Dial(DefaultConfig(addr))
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Add(c)
	}
	return p, nil
}

// SetHealthCheckPeriod sets the interval between health checks.
// Must be called before Start().
func (p *Pool) SetHealthCheckPeriod(period time.Duration) {
	p.healthCheckPeriod = period
}

// SetOnHealthChange sets a callback invoked when an endpoint changes state.
func (p *Pool) SetOnHealthChange(callback func(endpoint string, healthy bool)) {
	p.onHealthChange = callback
}

// Add appends a client. New endpoints start healthy.
func (p *Pool) Add(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := &endpoint{client: c}
	ep.healthy.Store(true)
	p.endpoints = append(p.endpoints, ep)
}

// Name implements device.Backend.
func (p *Pool) Name() string {
	return "remote-pool"
}

// Start launches the background health checker.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.healthLoop(ctx)
}

// Close stops health checks and closes every client.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.RLock()
	defer p.mu.RUnlock()
	var errs []error
	for _, ep := range p.endpoints {
		if err := ep.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the healthy and total endpoint counts.
func (p *Pool) Stats() (healthy, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			healthy++
		}
	}
	return healthy, len(p.endpoints)
}

// pick returns the next healthy endpoint and its index.
func (p *Pool) pick() (*endpoint, int, error) {
	if p.closed.Load() {
		return nil, -1, ErrPoolClosed
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.endpoints)
	start := int(p.nextIndex.Add(1) - 1)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if p.endpoints[idx].healthy.Load() {
			return p.endpoints[idx], idx, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: %v", device.ErrBackendUnavailable, ErrNoHealthyEndpoints)
}

func (p *Pool) at(idx int) (*endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx < 0 || idx >= len(p.endpoints) {
		return nil, fmt.Errorf("%w: unknown endpoint %d", device.ErrLaunchFailure, idx)
	}
	return p.endpoints[idx], nil
}

func (p *Pool) setHealth(ep *endpoint, healthy bool) {
	if ep.healthy.Swap(healthy) == healthy {
		return
	}
	if healthy {
		ep.failCount.Store(0)
		log.Infof("Device endpoint %s is healthy", ep.client.Endpoint())
	} else {
		log.Warningf("Device endpoint %s marked unhealthy", ep.client.Endpoint())
	}
	if p.onHealthChange != nil {
		p.onHealthChange(ep.client.Endpoint(), healthy)
	}
}

// observe marks an endpoint unhealthy after a transport failure.
func (p *Pool) observe(ep *endpoint, err error) {
	if err != nil && errors.Is(err, device.ErrBackendUnavailable) {
		ep.failCount.Add(1)
		p.setHealth(ep, false)
	}
}

// Pool handles are "<endpoint index>/<server handle>".
func poolHandle(idx int, h device.Handle) device.Handle {
	return device.Handle{ID: strconv.Itoa(idx) + "/" + h.ID, Backend: "remote-pool"}
}

func splitHandle(h device.Handle) (int, device.Handle, error) {
	idxStr, id, ok := strings.Cut(h.ID, "/")
	if !ok {
		return 0, device.Handle{}, fmt.Errorf("%w: malformed pool handle %q", device.ErrLaunchFailure, h.ID)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, device.Handle{}, fmt.Errorf("%w: malformed pool handle %q", device.ErrLaunchFailure, h.ID)
	}
	return idx, device.Handle{ID: id}, nil
}

// Prepare implements device.Backend.
func (p *Pool) Prepare(ctx context.Context, k device.Kernel) (device.Handle, error) {
	ep, idx, err := p.pick()
	if err != nil {
		return device.Handle{}, err
	}
	h, err := ep.client.Prepare(ctx, k)
	p.observe(ep, err)
	if err != nil {
		return device.Handle{}, err
	}
	return poolHandle(idx, h), nil
}

// Execute implements device.Backend.
func (p *Pool) Execute(ctx context.Context, h device.Handle, l device.Launch) (*device.Completion, error) {
	idx, inner, err := splitHandle(h)
	if err != nil {
		return nil, err
	}
	ep, err := p.at(idx)
	if err != nil {
		return nil, err
	}
	c, err := ep.client.Execute(ctx, inner, l)
	p.observe(ep, err)
	return c, err
}

// Release implements device.Backend.
func (p *Pool) Release(h device.Handle) error {
	idx, inner, err := splitHandle(h)
	if err != nil {
		return err
	}
	ep, err := p.at(idx)
	if err != nil {
		return err
	}
	return ep.client.Release(inner)
}

// CheckHealth queries every endpoint once and updates its state.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.RLock()
	eps := make([]*endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
			defer cancel()
			_, err := ep.client.Info(cctx)
			ep.lastCheck.Store(time.Now().UnixNano())
			if err != nil {
				ep.failCount.Add(1)
			}
			p.setHealth(ep, err == nil)
		}(ep)
	}
	wg.Wait()
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	p.CheckHealth(ctx)
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}
