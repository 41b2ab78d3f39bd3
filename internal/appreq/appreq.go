// Package appreq correlates requests handed to the host application (signing,
// approvals) with the resolutions that come back asynchronously.
package appreq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
	"github.com/austindbirch/tonharbor/internal/tracing"
)

// Request is what the host receives. Relay is the instance that issued it;
// the host echoes it back so the answer reaches only that instance.
type Request struct {
	ID           uint32            `json:"app_request_id"`
	Relay        string            `json:"relay_id,omitempty"`
	Payload      json.RawMessage   `json:"request_data"`
	CreatedAt    time.Time         `json:"created_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Outcome is the host's answer. A non-empty Err marks a failed resolution.
type Outcome struct {
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

func Ok(result json.RawMessage) Outcome {
	return Outcome{Result: result}
}

func Fail(text string) Outcome {
	return Outcome{Err: text}
}

func (o Outcome) Failed() bool {
	return o.Err != ""
}

// Dispatcher hands a request to the host boundary
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

type DispatcherFunc func(ctx context.Context, req Request) error

func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Pending is a created request awaiting resolution
type Pending struct {
	ID uint32
	ch chan Outcome
}

// Correlator is safe for concurrent use. Ids are allocated monotonically,
// skip 0 and any id still pending after wrapping, and each id resolves at
// most once. Ids are only unique per instance.
type Correlator struct {
	dispatcher Dispatcher
	log        *logging.Logger
	now        func() time.Time
	instance   string

	mu      sync.Mutex
	lastID  uint32
	pending map[uint32]chan Outcome
}

type Option func(*Correlator)

// WithInstance names the process that owns the correlator
func WithInstance(id string) Option { return func(c *Correlator) { c.instance = id } }

func New(d Dispatcher, log *logging.Logger, opts ...Option) *Correlator {
	if log == nil {
		log = logging.Default()
	}
	c := &Correlator{
		dispatcher: d,
		log:        log,
		now:        time.Now,
		pending:    make(map[uint32]chan Outcome),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Instance returns the id set with WithInstance, or ""
func (c *Correlator) Instance() string {
	return c.instance
}

// Create allocates an id and a pending slot, then hands payload to the host.
// If the hand-off fails the slot is released.
func (c *Correlator) Create(ctx context.Context, payload any) (*Pending, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindAppRequestFailed, err, "encoding app request payload")
	}

	c.mu.Lock()
	id := c.nextID()
	p := &Pending{ID: id, ch: make(chan Outcome, 1)}
	c.pending[id] = p.ch
	c.mu.Unlock()
	metrics.AddPendingAppRequests(1)

	req := Request{
		ID:           id,
		Relay:        c.instance,
		Payload:      raw,
		CreatedAt:    c.now().UTC(),
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
	if err := c.dispatcher.Dispatch(ctx, req); err != nil {
		c.remove(id)
		return nil, clienterr.Wrap(clienterr.KindAppRequestFailed, err, "dispatching app request %d", id)
	}
	c.log.WithContext(ctx).WithRequest(id).Debug("app request dispatched")
	return p, nil
}

// nextID must be called with c.mu held
func (c *Correlator) nextID() uint32 {
	for {
		c.lastID++
		if _, busy := c.pending[c.lastID]; c.lastID != 0 && !busy {
			return c.lastID
		}
	}
}

// Resolve stores the outcome for id and wakes its waiter. Unknown, already
// resolved and abandoned ids are reported as no_such_request.
func (c *Correlator) Resolve(id uint32, outcome Outcome) error {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return clienterr.New(clienterr.KindNoSuchRequest, "app request %d is unknown or already resolved", id)
	}
	metrics.AddPendingAppRequests(-1)
	ch <- outcome // buffered, single send
	return nil
}

// Wait suspends until p is resolved, ctx is done or timeout elapses. A zero
// timeout waits only on ctx. On timeout or cancellation the slot is removed,
// so a late Resolve reports no_such_request.
func (c *Correlator) Wait(ctx context.Context, p *Pending, timeout time.Duration) (Outcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-p.ch:
		return o, nil
	case <-ctx.Done():
		if o, ok := c.abandon(p); ok {
			return o, nil
		}
		return Outcome{}, clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "app request %d abandoned", p.ID)
	case <-expired:
		if o, ok := c.abandon(p); ok {
			return o, nil
		}
		c.log.WithContext(ctx).WithRequest(p.ID).Warnf("app request timed out after %s", timeout)
		return Outcome{}, clienterr.New(clienterr.KindAppRequestTimeout, "app request %d not resolved within %s", p.ID, timeout)
	}
}

// Request is Create followed by Wait. A failed outcome becomes an
// app_request_failed error carrying the host's text.
func (c *Correlator) Request(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "appreq.request")
	defer span.End()

	p, err := c.Create(ctx, payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	outcome, err := c.Wait(ctx, p, timeout)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if outcome.Failed() {
		err := clienterr.New(clienterr.KindAppRequestFailed, "%s", outcome.Err)
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return outcome.Result, nil
}

// Pending returns the number of unresolved requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// abandon removes p's slot. If a resolution won the race its outcome is
// returned instead.
func (c *Correlator) abandon(p *Pending) (Outcome, bool) {
	if c.remove(p.ID) {
		return Outcome{}, false
	}
	// Resolve already claimed the slot and is about to send
	return <-p.ch, true
}

func (c *Correlator) remove(id uint32) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		metrics.AddPendingAppRequests(-1)
	}
	return ok
}
