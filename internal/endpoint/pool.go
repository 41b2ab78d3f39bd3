package endpoint

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
)

// ProbeFunc checks one endpoint and reports the outcome back to the pool
type ProbeFunc func(ctx context.Context, ep *Endpoint) error

type Options struct {
	DemotionStreak        int
	MaxLatency            time.Duration // weight given to endpoints never measured
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectBudget       time.Duration
	Logger                *logging.Logger
	Now                   func() time.Time
	Rand                  func() float64 // uniform in [0,1)
}

// ReconnectStatus describes the current or last reconnection sequence
type ReconnectStatus struct {
	Active    bool          `json:"active"`
	Attempts  int           `json:"attempts"`
	LastDelay time.Duration `json:"last_delay_ns"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}

var errNoHealthyEndpoint = errors.New("no healthy endpoint")

// Pool owns the endpoint records. It is safe for concurrent use.
type Pool struct {
	endpoints []*Endpoint
	opts      Options
	log       *logging.Logger

	probeMu sync.RWMutex
	probe   ProbeFunc

	reconnects   singleflight.Group
	reconnecting atomic.Bool
	statusMu     sync.Mutex
	status       ReconnectStatus

	skew      atomic.Int64
	outOfSync atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool builds a pool where every endpoint starts Healthy and unmeasured
func NewPool(urls []string, opts Options) (*Pool, error) {
	if len(urls) == 0 {
		return nil, clienterr.New(clienterr.KindInvalidConfig, "at least one endpoint is required")
	}
	if opts.DemotionStreak < 1 {
		opts.DemotionStreak = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	seen := make(map[string]bool, len(urls))
	endpoints := make([]*Endpoint, 0, len(urls))
	for i, url := range urls {
		if seen[url] {
			return nil, clienterr.New(clienterr.KindInvalidConfig, "duplicate endpoint %q", url)
		}
		seen[url] = true
		endpoints = append(endpoints, &Endpoint{URL: url, index: i})
		metrics.SetEndpointHealth(url, int(Healthy))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		endpoints: endpoints,
		opts:      opts,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close stops any background reconnection
func (p *Pool) Close() {
	p.cancel()
}

// Endpoints returns every endpoint in configuration order
func (p *Pool) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Lookup finds an endpoint by URL
func (p *Pool) Lookup(url string) (*Endpoint, bool) {
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return ep, true
		}
	}
	return nil, false
}

func (p *Pool) Snapshot() []State {
	states := make([]State, len(p.endpoints))
	for i, ep := range p.endpoints {
		states[i] = ep.State()
	}
	return states
}

// HealthyCount returns how many endpoints are currently Healthy
func (p *Pool) HealthyCount() int {
	n := 0
	for _, ep := range p.endpoints {
		if ep.Health() == Healthy {
			n++
		}
	}
	return n
}

// SetProbe registers the function used by reconnection sequences
func (p *Pool) SetProbe(fn ProbeFunc) {
	p.probeMu.Lock()
	p.probe = fn
	p.probeMu.Unlock()
}

func (p *Pool) probeFunc() ProbeFunc {
	p.probeMu.RLock()
	defer p.probeMu.RUnlock()
	return p.probe
}

type candidate struct {
	ep    *Endpoint
	state State
	key   float64
}

// Select returns up to n distinct endpoints. Healthy endpoints come first,
// ordered by a latency weighted random draw, then Degraded ones. When every
// endpoint is Unreachable the least recently failed are returned and a
// background reconnection is started.
func (p *Pool) Select(n int) []*Endpoint {
	if n <= 0 {
		return nil
	}
	var healthy, degraded, unreachable []candidate
	for _, ep := range p.endpoints {
		c := candidate{ep: ep, state: ep.State()}
		switch c.state.Health {
		case Healthy:
			healthy = append(healthy, c)
		case Degraded:
			degraded = append(degraded, c)
		default:
			unreachable = append(unreachable, c)
		}
	}

	picked := p.weightedOrder(healthy)
	if len(picked) < n {
		picked = append(picked, p.weightedOrder(degraded)...)
	}
	if len(picked) == 0 {
		sort.SliceStable(unreachable, func(i, j int) bool {
			return unreachable[i].state.LastFailure.Before(unreachable[j].state.LastFailure)
		})
		picked = unreachable
		p.reconnectInBackground()
	}
	if len(picked) > n {
		picked = picked[:n]
	}

	out := make([]*Endpoint, len(picked))
	for i, c := range picked {
		out[i] = c.ep
	}
	return out
}

// weightedOrder draws a random permutation where faster endpoints tend to come
// first. Each endpoint gets key u^(1/w) with w the inverse of its latency.
func (p *Pool) weightedOrder(cs []candidate) []candidate {
	for i := range cs {
		latency := cs[i].state.Latency
		if !cs[i].state.HasLatency {
			latency = p.opts.MaxLatency
		}
		if latency < time.Millisecond {
			latency = time.Millisecond
		}
		weight := 1 / latency.Seconds()
		cs[i].key = math.Pow(p.opts.Rand(), 1/weight)
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].key > cs[j].key })
	return cs
}

// ReportOutcome records a request result against an endpoint. A failure
// demotes a Healthy endpoint at once and a Degraded one after DemotionStreak
// consecutive failures. A success promotes by one step.
func (p *Pool) ReportOutcome(ep *Endpoint, ok bool) {
	before := ep.Health()
	after := ep.recordOutcome(ok, p.opts.DemotionStreak, p.opts.Now())
	p.healthChanged(ep, before, after)
}

// Degrade demotes a Healthy endpoint without counting a failure. Used when an
// endpoint answers but too slowly.
func (p *Pool) Degrade(ep *Endpoint) {
	before := ep.Health()
	after := ep.degrade()
	p.healthChanged(ep, before, after)
}

// RecordLatency stores the last measured round trip
func (p *Pool) RecordLatency(ep *Endpoint, d time.Duration) {
	ep.recordLatency(d)
}

func (p *Pool) healthChanged(ep *Endpoint, before, after Health) {
	metrics.SetEndpointHealth(ep.URL, int(after))
	if before != after {
		p.log.Plain().WithEndpoint(ep.URL).
			WithField("from", before.String()).
			WithField("to", after.String()).
			Info("endpoint health changed")
	}
}

// SetClockSkew stores the last measured skew and whether it is over the threshold
func (p *Pool) SetClockSkew(skew time.Duration, outOfSync bool) {
	p.skew.Store(int64(skew))
	p.outOfSync.Store(outOfSync)
	metrics.SetClockSkew(skew)
}

func (p *Pool) ClockSkew() (time.Duration, bool) {
	return time.Duration(p.skew.Load()), p.outOfSync.Load()
}

func (p *Pool) ReconnectStatus() ReconnectStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

// Reconnect waits until at least one endpoint is Healthy, probing all of
// them with exponential backoff. Concurrent callers share one sequence; a
// caller giving up does not stop it.
func (p *Pool) Reconnect(ctx context.Context) error {
	ch := p.reconnects.DoChan("reconnect", func() (any, error) {
		return nil, p.reconnect(p.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "waiting for endpoint reconnection")
	}
}

func (p *Pool) reconnectInBackground() {
	if !p.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.reconnecting.Store(false)
		if err := p.Reconnect(p.ctx); err != nil {
			p.log.Plain().WithError(err).Warn("background reconnection failed")
		}
	}()
}

func (p *Pool) reconnect(ctx context.Context) error {
	if p.HealthyCount() > 0 {
		return nil
	}
	probe := p.probeFunc()
	if probe == nil {
		return clienterr.New(clienterr.KindWebsocketConnect, "no probe registered")
	}

	p.statusMu.Lock()
	p.status = ReconnectStatus{Active: true, StartedAt: p.opts.Now()}
	p.statusMu.Unlock()
	defer func() {
		p.statusMu.Lock()
		p.status.Active = false
		p.statusMu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.ReconnectInitialDelay
	b.MaxInterval = p.opts.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	operation := func() (struct{}, error) {
		p.statusMu.Lock()
		p.status.Attempts++
		p.statusMu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, ep := range p.endpoints {
			g.Go(func() error {
				// probe failures are recorded against the endpoint, not returned
				_ = probe(gctx, ep)
				return nil
			})
		}
		_ = g.Wait()
		if p.HealthyCount() > 0 {
			return struct{}{}, nil
		}
		return struct{}{}, errNoHealthyEndpoint
	}
	notify := func(err error, next time.Duration) {
		p.statusMu.Lock()
		p.status.LastDelay = next
		p.statusMu.Unlock()
		p.log.Plain().WithField("next_delay", next.String()).WithError(err).Debug("reconnection attempt failed")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.opts.ReconnectBudget),
		backoff.WithNotify(notify),
	)
	if err != nil {
		status := p.ReconnectStatus()
		return clienterr.Wrap(clienterr.KindWebsocketConnect, err,
			"no endpoint became healthy after %d attempts within %s", status.Attempts, p.opts.ReconnectBudget)
	}
	p.log.Plain().Info("endpoint pool reconnected")
	return nil
}
