// Package delivery sends messages through the endpoint pool and tracks them
// to a terminal outcome, retrying expired messages with growing windows.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
	"github.com/austindbirch/tonharbor/internal/tracing"
	"github.com/austindbirch/tonharbor/internal/transport"
)

type State string

const (
	StateCreated              State = "created"
	StateBroadcasting         State = "broadcasting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateExpired              State = "expired"
	StateRetrying             State = "retrying"
	StateFailed               State = "failed"
)

// Event is reported to an Observer on every state change
type Event struct {
	State     State
	MessageID string
	Round     int           // zero based broadcast round
	Window    time.Duration // expiration window of the round
	Endpoints []string      // endpoints that accepted the broadcast
	Err       error
}

// Observer is called synchronously from Submit, in state order
type Observer func(Event)

// DeadLetterSink receives terminal failures
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Clock is injectable so tests can watch wait windows without sleeping
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	RetriesCount         int
	ExpirationTimeout    time.Duration
	GrowFactor           float64
	ProcessingTimeout    time.Duration
	SendingEndpointCount int
}

// ConfigFrom picks the delivery settings out of the network configuration
func ConfigFrom(n config.Network) Config {
	return Config{
		RetriesCount:         n.MessageRetriesCount,
		ExpirationTimeout:    n.MessageExpirationTimeout,
		GrowFactor:           n.ExpirationTimeoutGrowFactor,
		ProcessingTimeout:    n.MessageProcessingTimeout,
		SendingEndpointCount: n.SendingEndpointCount,
	}
}

func (c Config) validate() error {
	switch {
	case c.RetriesCount < 0:
		return clienterr.New(clienterr.KindInvalidConfig, "retries count must not be negative")
	case c.ExpirationTimeout <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "expiration timeout must be positive")
	case c.GrowFactor < 1:
		return clienterr.New(clienterr.KindInvalidConfig, "grow factor must be >= 1")
	case c.SendingEndpointCount < 1:
		return clienterr.New(clienterr.KindInvalidConfig, "sending endpoint count must be at least 1")
	}
	return nil
}

// Submission is one message to deliver
type Submission struct {
	JobID  string
	Source MessageSource
	// Address and AccountState feed emulation when Emulation is unknown.
	// AccountState is a boc cache reference or base64.
	Address      string
	AccountState string
	Emulation    EmulationStatus
	Observer     Observer
}

// Result is a confirmed delivery
type Result struct {
	MessageID      string                `json:"message_id"`
	Transaction    transport.Transaction `json:"transaction"`
	TransactionKey string                `json:"transaction_key,omitempty"`
	OutMessageKeys []string              `json:"out_message_keys,omitempty"`
	Endpoint       string                `json:"endpoint"`
	Rounds         int                   `json:"rounds"`
	Retries        int                   `json:"retries"`
	Windows        []time.Duration       `json:"windows"`
}

// PendingMessage is the per-submit state owned by one Submit call
type PendingMessage struct {
	Message   Message
	Retries   int
	Window    time.Duration
	Windows   []time.Duration
	Emulation EmulationStatus
	emulated  bool
}

type Pipeline struct {
	pool        *endpoint.Pool
	transport   transport.Transport
	cache       *boc.Cache
	executor    Executor
	deadLetters DeadLetterSink
	cfg         Config
	log         *logging.Logger
	clock       Clock
}

type Option func(*Pipeline)

func WithExecutor(e Executor) Option         { return func(p *Pipeline) { p.executor = e } }
func WithDeadLetters(s DeadLetterSink) Option { return func(p *Pipeline) { p.deadLetters = s } }
func WithLogger(l *logging.Logger) Option     { return func(p *Pipeline) { p.log = l } }
func WithClock(c Clock) Option                { return func(p *Pipeline) { p.clock = c } }

func New(pool *endpoint.Pool, t transport.Transport, cache *boc.Cache, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		pool:      pool,
		transport: t,
		cache:     cache,
		cfg:       cfg,
		log:       logging.Default(),
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Submit delivers one message and blocks until it is confirmed, fails
// terminally or ctx is done. Broadcast rounds never overlap.
func (p *Pipeline) Submit(ctx context.Context, s Submission) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.submit", attribute.String("job_id", s.JobID))
	defer span.End()

	started := p.clock.Now()
	observe := func(ev Event) {
		tracing.AddSpanEvent(ctx, "delivery."+string(ev.State), attribute.Int("round", ev.Round))
		if s.Observer != nil {
			s.Observer(ev)
		}
	}
	pm := &PendingMessage{Emulation: s.Emulation}
	observe(Event{State: StateCreated})

	res, err := p.run(ctx, s, pm, observe)
	rounds := len(pm.Windows)
	last := max(rounds-1, 0)
	if err != nil {
		kind := clienterr.KindOf(err)
		if kind == "" {
			kind = clienterr.KindTransport
		}
		tracing.SetSpanError(ctx, err)
		metrics.RecordSubmit(string(kind), p.clock.Now().Sub(started))
		observe(Event{State: StateFailed, MessageID: pm.Message.ID, Round: last, Window: pm.Window, Err: err})
		p.log.WithContext(ctx).WithMessage(pm.Message.ID).WithRound(rounds).WithError(err).Warn("message delivery failed")
		if kind != clienterr.KindCanceled {
			p.deadLetter(ctx, s, pm, kind, err)
		}
		return nil, err
	}

	metrics.RecordSubmit(string(StateConfirmed), p.clock.Now().Sub(started))
	span.SetAttributes(attribute.String("message_id", res.MessageID), attribute.Int("rounds", res.Rounds))
	observe(Event{State: StateConfirmed, MessageID: res.MessageID, Round: last, Window: pm.Window, Endpoints: []string{res.Endpoint}})
	p.log.WithContext(ctx).WithMessage(res.MessageID).WithEndpoint(res.Endpoint).
		WithRound(res.Rounds).Info("message confirmed")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, s Submission, pm *PendingMessage, observe Observer) (*Result, error) {
	if s.Source == nil {
		return nil, clienterr.New(clienterr.KindInvalidConfig, "submission has no message source")
	}

	for round := 0; ; round++ {
		if skew, outOfSync := p.pool.ClockSkew(); outOfSync {
			return nil, clienterr.New(clienterr.KindClockOutOfSync,
				"the local clock is %s away from the endpoints' ledger time, which exceeds the tolerated threshold. Synchronize your device time with internet time",
				skew.Round(time.Millisecond))
		}

		pm.Window = ExpirationWindow(p.cfg.ExpirationTimeout, p.cfg.GrowFactor, pm.Retries)
		msg, err := s.Source.Build(ctx, p.clock.Now().Add(pm.Window))
		if err != nil {
			return nil, err
		}
		pm.Message = msg
		if !msg.ExpireAt.IsZero() && !msg.ExpireAt.After(p.clock.Now()) {
			return nil, clienterr.New(clienterr.KindMessageExpired, "message %s expired at %s before it could be sent",
				msg.ID, msg.ExpireAt.Format(time.RFC3339))
		}

		pm.Windows = append(pm.Windows, pm.Window)
		metrics.RecordBroadcastRound()
		observe(Event{State: StateBroadcasting, MessageID: msg.ID, Round: round, Window: pm.Window})

		accepted, err := p.broadcast(ctx, msg, round+1)
		if err != nil {
			return nil, err
		}
		urls := make([]string, len(accepted))
		for i, ep := range accepted {
			urls[i] = ep.URL
		}
		observe(Event{State: StateAwaitingConfirmation, MessageID: msg.ID, Round: round, Window: pm.Window, Endpoints: urls})

		bound := waitBound(p.clock.Now(), msg.ExpireAt, pm.Window, p.cfg.ProcessingTimeout)
		out := p.await(ctx, msg, accepted, bound)
		switch {
		case out.err != nil:
			return nil, out.err
		case out.status != nil && out.status.Transaction != nil:
			return p.confirm(ctx, pm, out), nil
		case out.status != nil && out.status.Rejection != nil:
			rej := out.status.Rejection
			return nil, clienterr.New(clienterr.KindMessageRejected, "message %s rejected by %s: %s", msg.ID, out.endpoint, rej.Reason).
				WithData(rej)
		}

		observe(Event{State: StateExpired, MessageID: msg.ID, Round: round, Window: pm.Window})
		status := p.emulationStatus(ctx, s, pm)
		if !Retryable(status, pm.Retries, p.cfg.RetriesCount) {
			return nil, clienterr.New(clienterr.KindMessageExpired,
				"message %s was not confirmed after %d rounds (emulation %q)", msg.ID, round+1, statusName(status))
		}
		pm.Retries++
		metrics.RecordRetry("expired")
		p.log.WithContext(ctx).WithMessage(msg.ID).WithRound(round+1).
			WithField("emulation", statusName(status)).Info("message expired, broadcasting again")
		observe(Event{State: StateRetrying, MessageID: msg.ID, Round: round, Window: pm.Window})
	}
}

func statusName(s EmulationStatus) string {
	if s == EmulationUnknown {
		return "unknown"
	}
	return string(s)
}

// broadcast sends msg to SendingEndpointCount endpoints at once. If none
// accepts it waits for the pool to reconnect and tries once more.
func (p *Pipeline) broadcast(ctx context.Context, msg Message, round int) ([]*endpoint.Endpoint, error) {
	accepted, lastErr := p.sendRound(ctx, msg, round)
	if len(accepted) > 0 {
		return accepted, nil
	}
	if ctx.Err() != nil {
		return nil, clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "broadcasting message %s", msg.ID)
	}
	if err := p.pool.Reconnect(ctx); err != nil {
		return nil, err
	}
	accepted, lastErr = p.sendRound(ctx, msg, round)
	if len(accepted) > 0 {
		return accepted, nil
	}
	if ctx.Err() != nil {
		return nil, clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "broadcasting message %s", msg.ID)
	}
	return nil, clienterr.Wrap(clienterr.KindTransport, lastErr, "no endpoint accepted message %s", msg.ID)
}

func (p *Pipeline) sendRound(ctx context.Context, msg Message, round int) ([]*endpoint.Endpoint, error) {
	targets := p.pool.Select(p.cfg.SendingEndpointCount)
	if len(targets) == 0 {
		return nil, errors.New("no endpoints available")
	}

	var (
		mu       sync.Mutex
		accepted []*endpoint.Endpoint
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range targets {
		g.Go(func() error {
			err := transport.PostMessage(gctx, p.transport, ep.URL, msg.ID, msg.Boc, msg.ExpireAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					p.pool.ReportOutcome(ep, false)
				}
				lastErr = err
				p.log.WithContext(ctx).WithMessage(msg.ID).WithEndpoint(ep.URL).WithRound(round).WithError(err).Warn("broadcast to endpoint failed")
				return nil
			}
			p.pool.ReportOutcome(ep, true)
			accepted = append(accepted, ep)
			return nil
		})
	}
	_ = g.Wait()
	return accepted, lastErr
}

type awaitOutcome struct {
	status   *transport.MessageStatus
	endpoint string
	err      error
}

type streamItem struct {
	ep *endpoint.Endpoint
	ev transport.Event
}

// await listens on the accepting endpoints until one reports the message's
// fate or bound elapses. A broken stream is replaced by a subscription on
// another endpoint. A nil status with no error means the round expired.
func (p *Pipeline) await(ctx context.Context, msg Message, accepted []*endpoint.Endpoint, bound time.Duration) awaitOutcome {
	expired := p.clock.After(bound)

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	items := make(chan streamItem)
	tried := make(map[string]bool)
	subscribe := func(ep *endpoint.Endpoint) bool {
		tried[ep.URL] = true
		events, err := p.transport.Subscribe(wctx, ep.URL, transport.MessageStatusTopic(msg.ID))
		if err != nil {
			if wctx.Err() == nil {
				p.pool.ReportOutcome(ep, false)
			}
			p.log.WithContext(ctx).WithMessage(msg.ID).WithEndpoint(ep.URL).WithError(err).Warn("subscription failed")
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				select {
				case items <- streamItem{ep: ep, ev: ev}:
				case <-wctx.Done():
					return
				}
				if ev.Err != nil {
					return
				}
			}
			select {
			case items <- streamItem{ep: ep, ev: transport.Event{Err: errors.New("subscription closed")}}:
			case <-wctx.Done():
			}
		}()
		return true
	}
	resubscribe := func() bool {
		for _, ep := range p.pool.Select(len(p.pool.Endpoints())) {
			if !tried[ep.URL] && subscribe(ep) {
				return true
			}
		}
		return false
	}

	active := 0
	for _, ep := range accepted {
		if subscribe(ep) {
			active++
		}
	}
	if active == 0 && resubscribe() {
		active++
	}

	for {
		select {
		case <-ctx.Done():
			return awaitOutcome{err: clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "awaiting message %s", msg.ID)}
		case <-expired:
			return awaitOutcome{}
		case it := <-items:
			if it.ev.Err != nil {
				active--
				if wctx.Err() == nil {
					p.pool.ReportOutcome(it.ep, false)
				}
				p.log.WithContext(ctx).WithMessage(msg.ID).WithEndpoint(it.ep.URL).WithError(it.ev.Err).Warn("subscription lost")
				if resubscribe() {
					active++
				}
				if active == 0 {
					p.log.WithContext(ctx).WithMessage(msg.ID).Warn("no live subscription left, waiting for expiry")
				}
				continue
			}
			status, err := transport.DecodeMessageStatus(it.ev.Data)
			if err != nil {
				p.log.WithContext(ctx).WithMessage(msg.ID).WithEndpoint(it.ep.URL).WithError(err).Warn("ignoring malformed status")
				continue
			}
			if status == nil {
				continue
			}
			return awaitOutcome{status: status, endpoint: it.ep.URL}
		}
	}
}

// confirm stores the transaction and its out messages in the boc cache
func (p *Pipeline) confirm(ctx context.Context, pm *PendingMessage, out awaitOutcome) *Result {
	tx := *out.status.Transaction
	res := &Result{
		MessageID:   pm.Message.ID,
		Transaction: tx,
		Endpoint:    out.endpoint,
		Rounds:      len(pm.Windows),
		Retries:     pm.Retries,
		Windows:     append([]time.Duration(nil), pm.Windows...),
	}
	if p.cache == nil {
		return res
	}
	res.TransactionKey = p.cacheBoc(ctx, pm.Message.ID, tx.Boc)
	for _, m := range tx.OutMessages {
		if key := p.cacheBoc(ctx, pm.Message.ID, m); key != "" {
			res.OutMessageKeys = append(res.OutMessageKeys, key)
		}
	}
	return res
}

func (p *Pipeline) cacheBoc(ctx context.Context, messageID, encoded string) string {
	if encoded == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		p.log.WithContext(ctx).WithMessage(messageID).WithError(err).Warn("transaction boc is not base64")
		return ""
	}
	key, err := p.cache.Put(ctx, raw, false)
	if err != nil {
		// the caller still gets the inline boc
		p.log.WithContext(ctx).WithMessage(messageID).WithError(err).Warn("boc not cached")
		return ""
	}
	return key
}

// emulationStatus returns the supplied status, or emulates once per submit
func (p *Pipeline) emulationStatus(ctx context.Context, s Submission, pm *PendingMessage) EmulationStatus {
	if pm.Emulation != EmulationUnknown || pm.emulated || p.executor == nil {
		return pm.Emulation
	}
	pm.emulated = true

	state, err := p.accountState(ctx, s)
	if err != nil {
		p.log.WithContext(ctx).WithMessage(pm.Message.ID).WithError(err).Warn("account state unavailable for emulation")
		return EmulationUnknown
	}
	res, err := p.executor.Emulate(ctx, pm.Message.Boc, state)
	if err != nil {
		p.log.WithContext(ctx).WithMessage(pm.Message.ID).WithError(err).Warn("emulation failed to run")
		return EmulationUnknown
	}
	pm.Emulation = res.Status
	return pm.Emulation
}

// accountState resolves the account through the cache and falls back to
// fetching it from an endpoint on a miss
func (p *Pipeline) accountState(ctx context.Context, s Submission) ([]byte, error) {
	if s.AccountState != "" && p.cache != nil {
		data, err := p.cache.Resolve(ctx, s.AccountState)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, clienterr.KindNotFound) || s.Address == "" {
			return nil, err
		}
	}
	if s.Address == "" {
		return nil, clienterr.New(clienterr.KindNotFound, "no account state or address to emulate against")
	}

	var lastErr error
	for _, ep := range p.pool.Select(p.cfg.SendingEndpointCount) {
		data, err := transport.AccountBoc(ctx, p.transport, ep.URL, s.Address)
		if err != nil {
			lastErr = err
			if !errors.Is(err, clienterr.KindNotFound) {
				p.pool.ReportOutcome(ep, false)
			}
			continue
		}
		if p.cache != nil {
			_, _ = p.cache.Put(ctx, data, false)
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = clienterr.New(clienterr.KindTransport, "no endpoint available to fetch account %s", s.Address)
	}
	return nil, lastErr
}

func (p *Pipeline) deadLetter(ctx context.Context, s Submission, pm *PendingMessage, kind clienterr.Kind, err error) {
	metrics.RecordDLQ(string(kind))
	if p.deadLetters == nil {
		return
	}
	var data any
	var cerr *clienterr.Error
	if errors.As(err, &cerr) {
		data = cerr.Data
	}
	dl := NewDeadLetter(s.JobID, pm.Message.ID, len(pm.Windows), string(kind), err.Error(), data)
	if dlErr := p.deadLetters.DeadLetter(ctx, dl); dlErr != nil {
		p.log.WithContext(ctx).WithMessage(pm.Message.ID).WithError(dlErr).Error("dead letter publish failed")
	}
}
