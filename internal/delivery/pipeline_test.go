package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/austindbirch/tonharbor/internal/appreq"
	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/transport"
	"github.com/austindbirch/tonharbor/internal/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock records every wait. The n-th wait (1 based) fires at once when
// fire(n) is true and never otherwise.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
	fire  func(n int) bool
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	n := len(c.waits)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if c.fire != nil && c.fire(n) {
		ch <- time.Now()
	}
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func always(int) bool { return true }

type sinkRecorder struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (s *sinkRecorder) DeadLetter(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *sinkRecorder) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}

type harness struct {
	pool     *endpoint.Pool
	net      *transporttest.Fake
	cache    *boc.Cache
	clock    *fakeClock
	sink     *sinkRecorder
	pipeline *Pipeline
}

func testConfig() Config {
	return Config{
		RetriesCount:         2,
		ExpirationTimeout:    1000 * time.Millisecond,
		GrowFactor:           2.0,
		ProcessingTimeout:    10 * time.Second,
		SendingEndpointCount: 2,
	}
}

// newHarness wires a pipeline over fake endpoints that accept every post
// and whose subscriptions stay silent until the test says otherwise.
func newHarness(t *testing.T, cfg Config, urls []string, opts ...Option) *harness {
	t.Helper()
	pool, err := endpoint.NewPool(urls, endpoint.Options{
		DemotionStreak:        3,
		MaxLatency:            time.Second,
		ReconnectInitialDelay: time.Millisecond,
		ReconnectMaxDelay:     5 * time.Millisecond,
		ReconnectBudget:       time.Second,
		Logger:                logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(pool.Close)

	cache, err := boc.New(1<<20, boc.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("boc.New() error = %v", err)
	}

	h := &harness{
		pool:  pool,
		cache: cache,
		clock: &fakeClock{},
		sink:  &sinkRecorder{},
		net: &transporttest.Fake{
			QueryFunc: func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
				return transporttest.Data(map[string]any{"postRequests": []string{"ok"}}), nil
			},
			SubscribeFunc: func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
				return transporttest.Stream(ctx), nil
			},
		},
	}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithClock(h.clock),
		WithDeadLetters(h.sink),
	}, opts...)
	h.pipeline, err = New(pool, h.net, cache, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) posts() int {
	return len(h.net.Queries("postRequests"))
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func confirmedEvent() transport.Event {
	return transporttest.StatusEvent(transport.MessageStatus{Transaction: &transport.Transaction{
		ID:          "tx-1",
		Boc:         b64("transaction boc"),
		OutMessages: []string{b64("out message 1"), b64("out message 2")},
	}})
}

func rejectedEvent(replay bool) transport.Event {
	return transporttest.StatusEvent(transport.MessageStatus{Rejection: &transport.Rejection{
		Code:             52,
		Reason:           "replay protection",
		ReplayProtection: replay,
	}})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "negative retries", mutate: func(c *Config) { c.RetriesCount = -1 }},
		{name: "zero expiration", mutate: func(c *Config) { c.ExpirationTimeout = 0 }},
		{name: "shrinking windows", mutate: func(c *Config) { c.GrowFactor = 0.5 }},
		{name: "no fan-out", mutate: func(c *Config) { c.SendingEndpointCount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(nil, nil, nil, cfg); !errors.Is(err, clienterr.KindInvalidConfig) {
				t.Errorf("New() error = %v, want invalid_config", err)
			}
		})
	}
}

func TestSubmitEndToEndGrowingWindows(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b", "https://c"})
	h.clock.fire = func(n int) bool { return n <= 2 }
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		// two endpoints per round, the third round confirms
		if h.posts() >= 6 {
			return transporttest.Stream(ctx, confirmedEvent()), nil
		}
		return transporttest.Stream(ctx), nil
	}

	var states []State
	res, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
		Observer:  func(ev Event) { states = append(states, ev.State) },
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	wantWindows := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	gotWaits := h.clock.Waits()
	if len(gotWaits) != len(wantWindows) {
		t.Fatalf("observed waits = %v, want %v", gotWaits, wantWindows)
	}
	for i := range wantWindows {
		if gotWaits[i] != wantWindows[i] {
			t.Errorf("wait %d = %v, want %v", i, gotWaits[i], wantWindows[i])
		}
		if res.Windows[i] != wantWindows[i] {
			t.Errorf("result window %d = %v, want %v", i, res.Windows[i], wantWindows[i])
		}
	}
	if res.Rounds != 3 || res.Retries != 2 || res.Rounds != 1+res.Retries {
		t.Errorf("rounds = %d, retries = %d", res.Rounds, res.Retries)
	}
	if h.posts() != 6 {
		t.Errorf("posts = %d, want 6 (fan-out 2 over 3 rounds)", h.posts())
	}
	if res.MessageID != boc.Key([]byte("message boc")) {
		t.Errorf("MessageID = %s", res.MessageID)
	}

	wantStates := []State{
		StateCreated,
		StateBroadcasting, StateAwaitingConfirmation, StateExpired, StateRetrying,
		StateBroadcasting, StateAwaitingConfirmation, StateExpired, StateRetrying,
		StateBroadcasting, StateAwaitingConfirmation, StateConfirmed,
	}
	if strings.Join(stateNames(states), ",") != strings.Join(stateNames(wantStates), ",") {
		t.Errorf("states = %v\nwant     %v", states, wantStates)
	}

	txBoc, err := h.cache.Get(context.Background(), res.TransactionKey)
	if err != nil || string(txBoc) != "transaction boc" {
		t.Errorf("cached transaction = %q, %v", txBoc, err)
	}
	if len(res.OutMessageKeys) != 2 {
		t.Errorf("out message keys = %v", res.OutMessageKeys)
	}
	if len(h.sink.Letters()) != 0 {
		t.Errorf("dead letters on success: %v", h.sink.Letters())
	}
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestRejectionIsNeverRetried(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b", "https://c"})
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		return transporttest.Stream(ctx, rejectedEvent(true)), nil
	}

	_, err := h.pipeline.Submit(context.Background(), Submission{
		JobID:     "job-1",
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
	})
	if !errors.Is(err, clienterr.KindMessageRejected) {
		t.Fatalf("Submit() error = %v, want message_rejected", err)
	}
	var cerr *clienterr.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error is not a clienterr.Error: %T", err)
	}
	if rej, ok := cerr.Data.(*transport.Rejection); !ok || !rej.ReplayProtection {
		t.Errorf("error data = %#v, want the rejection", cerr.Data)
	}
	if h.posts() != 2 {
		t.Errorf("posts = %d, want a single round", h.posts())
	}

	letters := h.sink.Letters()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Reason != string(clienterr.KindMessageRejected) || letters[0].JobID != "job-1" || letters[0].Rounds != 1 {
		t.Errorf("dead letter = %+v", letters[0])
	}
}

func TestExpiryRetryDecision(t *testing.T) {
	tests := []struct {
		name       string
		emulation  EmulationStatus
		wantRounds int
	}{
		{name: "emulation succeeded retries to the limit", emulation: EmulationSucceeded, wantRounds: 3},
		{name: "replay rejected retries to the limit", emulation: EmulationReplayRejected, wantRounds: 3},
		{name: "emulation failed is terminal", emulation: EmulationFailed, wantRounds: 1},
		{name: "unknown emulation is terminal", emulation: EmulationUnknown, wantRounds: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), []string{"https://a", "https://b"})
			h.clock.fire = always

			_, err := h.pipeline.Submit(context.Background(), Submission{
				Source:    Static([]byte("message boc")),
				Emulation: tt.emulation,
			})
			if !errors.Is(err, clienterr.KindMessageExpired) {
				t.Fatalf("Submit() error = %v, want message_expired", err)
			}
			if got := len(h.clock.Waits()); got != tt.wantRounds {
				t.Errorf("rounds = %d, want %d", got, tt.wantRounds)
			}
			if h.posts() != 2*tt.wantRounds {
				t.Errorf("posts = %d, want %d", h.posts(), 2*tt.wantRounds)
			}
		})
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRoundLogsCarryRoundNumber(t *testing.T) {
	var buf safeBuffer
	log := logging.New("test")
	log.SetOutput(&buf)

	h := newHarness(t, testConfig(), []string{"https://a"}, WithLogger(log))
	h.clock.fire = always
	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
	})
	if !errors.Is(err, clienterr.KindMessageExpired) {
		t.Fatalf("Submit() error = %v, want message_expired", err)
	}

	var retried []int
	failedRound := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e logging.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		switch e.Message {
		case "message expired, broadcasting again":
			retried = append(retried, e.Round)
		case "message delivery failed":
			failedRound = e.Round
		}
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("retry log rounds = %v, want [1 2]", retried)
	}
	if failedRound != 3 {
		t.Errorf("failure logged at round %d, want 3", failedRound)
	}
}

func TestOutOfSyncGuardBlocksBroadcast(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a"})
	h.pool.SetClockSkew(20*time.Second, true)

	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
	})
	if !errors.Is(err, clienterr.KindClockOutOfSync) {
		t.Fatalf("Submit() error = %v, want clock_out_of_sync", err)
	}
	if !strings.Contains(err.Error(), "Synchronize your device time with internet time") {
		t.Errorf("error text = %q", err)
	}
	if h.posts() != 0 {
		t.Errorf("posts = %d, want none under known skew", h.posts())
	}
}

func TestBroadcastToleratesPartialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.SendingEndpointCount = 3
	h := newHarness(t, cfg, []string{"https://a", "https://b", "https://c"})
	h.net.QueryFunc = func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
		if ep == "https://a" {
			return nil, errors.New("connection reset")
		}
		return transporttest.Data(map[string]any{"postRequests": []string{"ok"}}), nil
	}
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		return transporttest.Stream(ctx, confirmedEvent()), nil
	}

	var accepted []string
	res, err := h.pipeline.Submit(context.Background(), Submission{
		Source: Static([]byte("message boc")),
		Observer: func(ev Event) {
			if ev.State == StateAwaitingConfirmation {
				accepted = ev.Endpoints
			}
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Endpoint == "https://a" {
		t.Error("confirmation attributed to the failing endpoint")
	}
	if len(accepted) != 2 {
		t.Errorf("accepted = %v, want b and c", accepted)
	}
	ep, _ := h.pool.Lookup("https://a")
	if ep.Health() != endpoint.Degraded {
		t.Errorf("failing endpoint health = %v, want degraded", ep.Health())
	}
}

func TestBroadcastReconnectsWhenNobodyAccepts(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"})
	h.pool.SetProbe(func(ctx context.Context, ep *endpoint.Endpoint) error {
		h.pool.ReportOutcome(ep, true)
		return nil
	})
	var calls atomic.Int32
	h.net.QueryFunc = func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("503 service unavailable")
		}
		return transporttest.Data(map[string]any{"postRequests": []string{"ok"}}), nil
	}
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		return transporttest.Stream(ctx, confirmedEvent()), nil
	}

	res, err := h.pipeline.Submit(context.Background(), Submission{Source: Static([]byte("message boc"))})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1 (reconnect is not a retry)", res.Rounds)
	}
	if h.posts() != 4 {
		t.Errorf("posts = %d, want 4", h.posts())
	}
}

func TestBroadcastFailsWhenReconnectionFails(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"})
	h.net.QueryFunc = func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
		return nil, errors.New("connection refused")
	}

	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
	})
	// no probe is registered so the reconnection gives up at once
	if !errors.Is(err, clienterr.KindWebsocketConnect) {
		t.Fatalf("Submit() error = %v, want websocket_connect", err)
	}
	if len(h.sink.Letters()) != 1 {
		t.Errorf("dead letters = %d, want 1", len(h.sink.Letters()))
	}
}

func TestLostSubscriptionMovesToAnotherEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.SendingEndpointCount = 1
	h := newHarness(t, cfg, []string{"https://a", "https://b", "https://c"})
	var subs atomic.Int32
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		if subs.Add(1) == 1 {
			return transporttest.Stream(ctx, transport.Event{Err: errors.New("stream reset")}), nil
		}
		return transporttest.Stream(ctx, confirmedEvent()), nil
	}

	res, err := h.pipeline.Submit(context.Background(), Submission{Source: Static([]byte("message boc"))})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	calls := h.net.Subscriptions()
	if len(calls) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(calls))
	}
	if calls[0].Endpoint == calls[1].Endpoint {
		t.Errorf("resubscribed to the same endpoint %s", calls[0].Endpoint)
	}
	if res.Endpoint != calls[1].Endpoint {
		t.Errorf("confirmed by %s, want %s", res.Endpoint, calls[1].Endpoint)
	}
	if calls[0].Request.Variables["id"] != res.MessageID {
		t.Errorf("subscription topic = %v", calls[0].Request.Variables)
	}
}

func TestCancelWhileAwaiting(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"})
	ctx, cancel := context.WithCancel(context.Background())

	var last State
	go func() {
		for len(h.net.Subscriptions()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := h.pipeline.Submit(ctx, Submission{
		Source:    Static([]byte("message boc")),
		Emulation: EmulationSucceeded,
		Observer:  func(ev Event) { last = ev.State },
	})
	if !errors.Is(err, clienterr.KindCanceled) {
		t.Fatalf("Submit() error = %v, want canceled", err)
	}
	if last != StateFailed {
		t.Errorf("last state = %s, want failed", last)
	}
	if len(h.sink.Letters()) != 0 {
		t.Errorf("cancellation was dead lettered: %v", h.sink.Letters())
	}
}

func TestCancelAbandonsAppRequest(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a"})
	dispatched := make(chan uint32, 1)
	correlator := appreq.New(appreq.DispatcherFunc(func(ctx context.Context, req appreq.Request) error {
		dispatched <- req.ID
		return nil
	}), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Submit(ctx, Submission{
			Source:    EnvelopeSource([]byte("body"), nil, correlator, time.Minute),
			Emulation: EmulationSucceeded,
		})
		done <- err
	}()

	id := <-dispatched
	cancel()
	err := <-done
	if !errors.Is(err, clienterr.KindCanceled) {
		t.Fatalf("Submit() error = %v, want canceled", err)
	}
	if correlator.Pending() != 0 {
		t.Errorf("Pending() = %d after cancellation", correlator.Pending())
	}
	if err := correlator.Resolve(id, appreq.Ok(json.RawMessage(`"sig"`))); !errors.Is(err, clienterr.KindNoSuchRequest) {
		t.Errorf("Resolve() after abandon error = %v, want no_such_request", err)
	}
	if h.posts() != 0 {
		t.Errorf("posts = %d, want none", h.posts())
	}
}

func TestHostSignedMessageIsReencodedEachRound(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"})
	h.clock.fire = func(n int) bool { return n == 1 }

	var correlator *appreq.Correlator
	var requests []SignRequest
	var mu sync.Mutex
	correlator = appreq.New(appreq.DispatcherFunc(func(ctx context.Context, req appreq.Request) error {
		var sr SignRequest
		if err := json.Unmarshal(req.Payload, &sr); err != nil {
			return err
		}
		mu.Lock()
		requests = append(requests, sr)
		mu.Unlock()
		go correlator.Resolve(req.ID, appreq.Ok(json.RawMessage(`"signature-`+sr.DataToSign[:8]+`"`)))
		return nil
	}), logging.Discard())

	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		if h.posts() >= 4 {
			return transporttest.Stream(ctx, confirmedEvent()), nil
		}
		return transporttest.Stream(ctx), nil
	}

	var ids []string
	res, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    EnvelopeSource([]byte("body"), json.RawMessage(`{"wallet":"w1"}`), correlator, time.Second),
		Emulation: EmulationSucceeded,
		Observer: func(ev Event) {
			if ev.State == StateBroadcasting {
				ids = append(ids, ev.MessageID)
			}
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("sign requests = %d, want one per round", len(requests))
	}
	if requests[1].ExpireAt <= requests[0].ExpireAt {
		t.Errorf("second round expiration %d not later than first %d", requests[1].ExpireAt, requests[0].ExpireAt)
	}
	if string(requests[0].Context) != `{"wallet":"w1"}` {
		t.Errorf("sign context = %s", requests[0].Context)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("message ids per round = %v, want two distinct", ids)
	}
	if res.MessageID != ids[1] {
		t.Errorf("confirmed id %s, want last round's %s", res.MessageID, ids[1])
	}
}

func TestStaticExpiredMessageIsNotSent(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a"})
	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source:    StaticExpiring([]byte("old"), time.Now().Add(-time.Second)),
		Emulation: EmulationSucceeded,
	})
	if !errors.Is(err, clienterr.KindMessageExpired) {
		t.Fatalf("Submit() error = %v, want message_expired", err)
	}
	if h.posts() != 0 {
		t.Errorf("posts = %d, want none", h.posts())
	}
}

func TestStaticExpiringBoundsWaitByHeader(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"https://a"})
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		return transporttest.Stream(ctx, confirmedEvent()), nil
	}

	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source: StaticExpiring([]byte("fresh"), time.Now().Add(300*time.Millisecond)),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waits := h.clock.Waits()
	if len(waits) != 1 || waits[0] > 300*time.Millisecond || waits[0] <= 0 {
		t.Errorf("waits = %v, want one bounded by the header", waits)
	}
}

func TestEmulationRunsOncePerSubmit(t *testing.T) {
	var emulations atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, message, state []byte) (EmulationResult, error) {
		emulations.Add(1)
		if string(state) != "account state" {
			return EmulationResult{}, errors.New("unexpected account state " + string(state))
		}
		return EmulationResult{Status: EmulationSucceeded}, nil
	})
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"}, WithExecutor(exec))
	h.clock.fire = always
	h.net.QueryFunc = func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
		if transporttest.Is(req, "accounts") {
			return transporttest.Data(map[string]any{"accounts": []any{map[string]any{"boc": b64("account state")}}}), nil
		}
		return transporttest.Data(map[string]any{"postRequests": []string{"ok"}}), nil
	}

	_, err := h.pipeline.Submit(context.Background(), Submission{
		Source:  Static([]byte("message boc")),
		Address: "0:abc",
	})
	if !errors.Is(err, clienterr.KindMessageExpired) {
		t.Fatalf("Submit() error = %v, want message_expired after retries", err)
	}
	if got := emulations.Load(); got != 1 {
		t.Errorf("emulations = %d, want 1", got)
	}
	if got := len(h.clock.Waits()); got != 3 {
		t.Errorf("rounds = %d, want 3", got)
	}
	if _, err := h.cache.Get(context.Background(), boc.Key([]byte("account state"))); err != nil {
		t.Errorf("fetched account state not cached: %v", err)
	}
}

func TestEmulationUsesCachedAccountState(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, message, state []byte) (EmulationResult, error) {
		return EmulationResult{Status: EmulationReplayRejected}, nil
	})
	h := newHarness(t, testConfig(), []string{"https://a", "https://b"}, WithExecutor(exec))
	h.clock.fire = func(n int) bool { return n == 1 }
	key, _ := h.cache.Put(context.Background(), []byte("cached state"), true)
	h.net.SubscribeFunc = func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
		if h.posts() >= 4 {
			return transporttest.Stream(ctx, confirmedEvent()), nil
		}
		return transporttest.Stream(ctx), nil
	}

	res, err := h.pipeline.Submit(context.Background(), Submission{
		Source:       Static([]byte("message boc")),
		AccountState: boc.Ref(key),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Retries != 1 {
		t.Errorf("retries = %d, want 1", res.Retries)
	}
	if n := len(h.net.Queries("accounts")); n != 0 {
		t.Errorf("account fetched %d times despite cache hit", n)
	}
}

func TestExpirationWindow(t *testing.T) {
	tests := []struct {
		base  time.Duration
		grow  float64
		retry int
		want  time.Duration
	}{
		{base: time.Second, grow: 2, retry: 0, want: time.Second},
		{base: time.Second, grow: 2, retry: 1, want: 2 * time.Second},
		{base: time.Second, grow: 2, retry: 2, want: 4 * time.Second},
		{base: 40 * time.Second, grow: 1.5, retry: 1, want: 60 * time.Second},
		{base: 40 * time.Second, grow: 1.5, retry: 2, want: 90 * time.Second},
		{base: 40 * time.Second, grow: 1, retry: 5, want: 40 * time.Second},
		{base: 60 * time.Second, grow: 2, retry: 11, want: MaxExpirationWindow},
		{base: 60 * time.Second, grow: 2, retry: 40, want: MaxExpirationWindow},
		{base: 60 * time.Second, grow: 10, retry: 400, want: MaxExpirationWindow},
	}
	for _, tt := range tests {
		if got := ExpirationWindow(tt.base, tt.grow, tt.retry); got != tt.want {
			t.Errorf("ExpirationWindow(%v, %v, %d) = %v, want %v", tt.base, tt.grow, tt.retry, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		status  EmulationStatus
		retries int
		want    bool
	}{
		{status: EmulationSucceeded, retries: 0, want: true},
		{status: EmulationReplayRejected, retries: 4, want: true},
		{status: EmulationSucceeded, retries: 5, want: false},
		{status: EmulationFailed, retries: 0, want: false},
		{status: EmulationUnknown, retries: 0, want: false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.status, tt.retries, 5); got != tt.want {
			t.Errorf("Retryable(%q, %d, 5) = %v, want %v", tt.status, tt.retries, got, tt.want)
		}
	}
}

func TestWaitBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name       string
		expireAt   time.Time
		window     time.Duration
		processing time.Duration
		want       time.Duration
	}{
		{name: "window below processing", window: time.Second, processing: 40 * time.Second, want: time.Second},
		{name: "processing caps window", window: 90 * time.Second, processing: 40 * time.Second, want: 40 * time.Second},
		{name: "header wins over window", expireAt: now.Add(5 * time.Second), window: time.Minute, processing: 40 * time.Second, want: 5 * time.Second},
		{name: "past header", expireAt: now.Add(-time.Second), window: time.Minute, processing: 40 * time.Second, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := waitBound(now, tt.expireAt, tt.window, tt.processing); got != tt.want {
				t.Errorf("waitBound() = %v, want %v", got, tt.want)
			}
		})
	}
}
