// Package client assembles the delivery runtime: endpoint pool, latency
// prober, BOC cache, app request correlator and message pipeline.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/tonharbor/internal/appreq"
	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/delivery"
	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/prober"
	"github.com/austindbirch/tonharbor/internal/tracing"
	"github.com/austindbirch/tonharbor/internal/transport"
)

// Options wires the collaborators. Everything is optional: the default
// transport is GraphQL over HTTP, and without a Dispatcher host signed
// messages fail with app_request_failed.
type Options struct {
	Transport   transport.Transport
	Store       boc.Store
	Dispatcher  appreq.Dispatcher
	Executor    delivery.Executor
	DeadLetters delivery.DeadLetterSink
	Logger      *logging.Logger
	Clock       delivery.Clock
	Instance    string // stamped on app requests, see appreq.WithInstance
}

type Client struct {
	cfg        config.Network
	log        *logging.Logger
	pool       *endpoint.Pool
	transport  transport.Transport
	prober     *prober.Prober
	cache      *boc.Cache
	correlator *appreq.Correlator
	pipeline   *delivery.Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

var errNoDispatcher = clienterr.New(clienterr.KindAppRequestFailed, "no host dispatcher configured")

// New validates cfg and builds the runtime. Invalid settings fail here with
// invalid_config and are never clamped.
func New(cfg config.Network, cacheCapacity int64, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	pool, err := endpoint.NewPool(cfg.Endpoints, endpoint.Options{
		DemotionStreak:        cfg.DemotionStreak,
		MaxLatency:            cfg.MaxLatency,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		ReconnectBudget:       cfg.ReconnectBudget,
		Logger:                log,
	})
	if err != nil {
		return nil, err
	}

	t := opts.Transport
	if t == nil {
		httpOpts := []transport.HTTPOption{
			transport.WithPollInterval(cfg.SubscriptionPollInterval),
			transport.WithLogger(log),
		}
		if cfg.AccessKey != "" {
			httpOpts = append(httpOpts, transport.WithTokenSource(auth.NewAccessKeySigner(cfg.AccessKey, "tonharbor", 0)))
		}
		t = transport.NewHTTP(httpOpts...)
	}

	cacheOpts := []boc.Option{boc.WithLogger(log)}
	if opts.Store != nil {
		cacheOpts = append(cacheOpts, boc.WithStore(opts.Store))
	}
	cache, err := boc.New(cacheCapacity, cacheOpts...)
	if err != nil {
		pool.Close()
		return nil, err
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = appreq.DispatcherFunc(func(context.Context, appreq.Request) error { return errNoDispatcher })
	}

	pipelineOpts := []delivery.Option{delivery.WithLogger(log)}
	if opts.Executor != nil {
		pipelineOpts = append(pipelineOpts, delivery.WithExecutor(opts.Executor))
	}
	if opts.DeadLetters != nil {
		pipelineOpts = append(pipelineOpts, delivery.WithDeadLetters(opts.DeadLetters))
	}
	if opts.Clock != nil {
		pipelineOpts = append(pipelineOpts, delivery.WithClock(opts.Clock))
	}
	pipeline, err := delivery.New(pool, t, cache, delivery.ConfigFrom(cfg), pipelineOpts...)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		transport: t,
		prober: prober.New(pool, t, prober.Config{
			Interval:           cfg.LatencyProbeInterval,
			MaxLatency:         cfg.MaxLatency,
			OutOfSyncThreshold: cfg.OutOfSyncThreshold,
			QueryTimeout:       cfg.QueryTimeout,
		}, log),
		cache:      cache,
		correlator: appreq.New(dispatcher, log, appreq.WithInstance(opts.Instance)),
		pipeline:   pipeline,
	}, nil
}

// Start launches the latency prober. It is a no-op when already running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running.Add(1)
	go func() {
		defer c.running.Done()
		c.prober.Run(ctx)
	}()
}

// Close stops the prober and any background reconnection
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.running.Wait()
	c.pool.Close()
}

// Submit delivers one message. It blocks until a terminal outcome or ctx
// is done.
func (c *Client) Submit(ctx context.Context, s delivery.Submission) (*delivery.Result, error) {
	return c.pipeline.Submit(ctx, s)
}

// ResolveAppRequest hands the host's answer to the waiting delivery
func (c *Client) ResolveAppRequest(id uint32, outcome appreq.Outcome) error {
	return c.correlator.Resolve(id, outcome)
}

// SubmitJob runs a queued job to completion and describes the outcome.
// Jobs with a SignRequest are signed by the host every round; the job's
// message is then the body to sign.
func (c *Client) SubmitJob(ctx context.Context, job delivery.Job) delivery.JobResult {
	ctx = tracing.ExtractHeaders(ctx, job.TraceHeaders)

	res := delivery.JobResult{JobID: job.JobID}
	finish := func(err error) delivery.JobResult {
		res.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		if err != nil {
			res.Status = string(clienterr.KindOf(err))
			if res.Status == "" {
				res.Status = string(clienterr.KindTransport)
			}
			res.Error = err.Error()
		}
		return res
	}

	message, err := c.cache.Resolve(ctx, job.Message)
	if err != nil {
		return finish(err)
	}

	var source delivery.MessageSource = delivery.Static(message)
	if len(job.SignRequest) > 0 {
		source = delivery.EnvelopeSource(message, job.SignRequest, c.correlator, c.cfg.AppRequestTimeout)
	}

	out, err := c.Submit(ctx, delivery.Submission{
		JobID:        job.JobID,
		Source:       source,
		Address:      job.Address,
		AccountState: job.AccountState,
		Emulation:    job.Emulation,
		Observer: func(ev delivery.Event) {
			res.MessageID = ev.MessageID
			if ev.State == delivery.StateBroadcasting {
				res.Rounds = ev.Round + 1
			}
		},
	})
	if err != nil {
		return finish(err)
	}
	res.Status = string(delivery.StateConfirmed)
	res.MessageID = out.MessageID
	res.TransactionID = out.Transaction.ID
	res.TransactionKey = out.TransactionKey
	res.OutMessageKeys = out.OutMessageKeys
	res.Rounds = out.Rounds
	return finish(nil)
}

// ProbeNow runs one probe round outside the regular schedule
func (c *Client) ProbeNow(ctx context.Context) prober.Summary {
	return c.prober.ProbeAll(ctx)
}

func (c *Client) Pool() *endpoint.Pool           { return c.pool }
func (c *Client) Cache() *boc.Cache              { return c.cache }
func (c *Client) Correlator() *appreq.Correlator { return c.correlator }
func (c *Client) Prober() *prober.Prober         { return c.prober }
func (c *Client) Transport() transport.Transport { return c.transport }
func (c *Client) Config() config.Network         { return c.cfg }
