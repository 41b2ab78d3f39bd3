// Package prober measures endpoint latency and clock skew on a fixed
// interval and feeds the results back into the endpoint pool.
package prober

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
	"github.com/austindbirch/tonharbor/internal/tracing"
	"github.com/austindbirch/tonharbor/internal/transport"
)

type Config struct {
	Interval           time.Duration
	MaxLatency         time.Duration
	OutOfSyncThreshold time.Duration
	QueryTimeout       time.Duration
}

// Result is one endpoint's measurement
type Result struct {
	Endpoint string        `json:"endpoint"`
	Latency  time.Duration `json:"latency_ns"`
	Skew     time.Duration `json:"skew_ns"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Summary aggregates one probing round
type Summary struct {
	Results   []Result      `json:"results"`
	Skew      time.Duration `json:"skew_ns"` // median over answering endpoints
	OutOfSync bool          `json:"out_of_sync"`
	Answered  int           `json:"answered"`
}

type Prober struct {
	pool      *endpoint.Pool
	transport transport.Transport
	cfg       Config
	log       *logging.Logger
	now       func() time.Time

	mu   sync.Mutex
	last Summary
}

// New builds a prober and registers it as the pool's reconnection probe
func New(pool *endpoint.Pool, t transport.Transport, cfg Config, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.Default()
	}
	p := &Prober{
		pool:      pool,
		transport: t,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
	pool.SetProbe(func(ctx context.Context, ep *endpoint.Endpoint) error {
		_, err := p.ProbeEndpoint(ctx, ep)
		return err
	})
	return p
}

// Run probes immediately and then every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeEndpoint measures one endpoint and reports the outcome to the pool.
// An answer slower than MaxLatency degrades the endpoint without counting a
// failure.
func (p *Prober) ProbeEndpoint(ctx context.Context, ep *endpoint.Endpoint) (Result, error) {
	if p.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
	}

	sent := p.now()
	ledgerTime, err := transport.ServerTime(ctx, p.transport, ep.URL)
	rtt := p.now().Sub(sent)
	if err != nil {
		p.pool.ReportOutcome(ep, false)
		p.log.WithContext(ctx).WithEndpoint(ep.URL).WithError(err).Warn("endpoint probe failed")
		return Result{Endpoint: ep.URL, Err: err, Error: err.Error()}, err
	}

	p.pool.RecordLatency(ep, rtt)
	metrics.ObserveProbeLatency(ep.URL, rtt)
	if rtt > p.cfg.MaxLatency {
		p.pool.Degrade(ep)
		p.log.WithContext(ctx).WithEndpoint(ep.URL).
			WithField("latency_ms", rtt.Milliseconds()).
			Warn("endpoint latency above maximum")
	} else {
		p.pool.ReportOutcome(ep, true)
	}

	// the ledger clock is compared with the local clock at the midpoint of the round trip
	skew := ledgerTime.Sub(sent.Add(rtt / 2))
	return Result{Endpoint: ep.URL, Latency: rtt, Skew: skew}, nil
}

// ProbeAll probes every endpoint concurrently and updates the pool's clock
// skew. The pool is flagged out of sync when more than half of the answering
// endpoints disagree with the local clock by more than the threshold.
func (p *Prober) ProbeAll(ctx context.Context) Summary {
	ctx, span := tracing.StartSpan(ctx, "prober.round")
	defer span.End()

	eps := p.pool.Endpoints()
	results := make([]Result, len(eps))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range eps {
		g.Go(func() error {
			// failures are already reported to the pool
			results[i], _ = p.ProbeEndpoint(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summarize(results, p.cfg.OutOfSyncThreshold)
	if summary.Answered > 0 {
		p.pool.SetClockSkew(summary.Skew, summary.OutOfSync)
	}
	span.SetAttributes(
		attribute.Int("answered", summary.Answered),
		attribute.Int64("skew_ms", summary.Skew.Milliseconds()),
		attribute.Bool("out_of_sync", summary.OutOfSync),
	)
	if summary.OutOfSync {
		p.log.WithContext(ctx).WithField("skew_ms", summary.Skew.Milliseconds()).Warn("local clock out of sync with endpoints")
	}

	p.mu.Lock()
	p.last = summary
	p.mu.Unlock()
	return summary
}

// Last returns the most recent round's summary
func (p *Prober) Last() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Summarize applies the majority rule to one round of results
func Summarize(results []Result, threshold time.Duration) Summary {
	var skews []time.Duration
	over := 0
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		skews = append(skews, r.Skew)
		if abs(r.Skew) > threshold {
			over++
		}
	}
	s := Summary{Results: results, Answered: len(skews)}
	if len(skews) == 0 {
		return s
	}
	sort.Slice(skews, func(i, j int) bool { return skews[i] < skews[j] })
	s.Skew = skews[len(skews)/2]
	s.OutOfSync = over*2 > len(skews)
	return s
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
