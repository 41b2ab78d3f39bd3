package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/tonharbor/internal/appreq"
	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/client"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/delivery"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
	"github.com/austindbirch/tonharbor/internal/transport"
	"github.com/austindbirch/tonharbor/internal/transport/transporttest"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, body)
	return nil
}

type fakeResults struct {
	mu      sync.Mutex
	results []delivery.JobResult
}

func (r *fakeResults) Publish(_ context.Context, res delivery.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

type delegate struct {
	finished, requeued, touched int
}

func (d *delegate) OnFinish(*nsq.Message)                       { d.finished++ }
func (d *delegate) OnRequeue(*nsq.Message, time.Duration, bool) { d.requeued++ }
func (d *delegate) OnTouch(*nsq.Message)                        { d.touched++ }

func nsqMessage(body []byte) (*nsq.Message, *delegate) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &delegate{}
	m.Delegate = d
	return m, d
}

// ledger accepts every message and confirms it on the first status poll
func ledger() *transporttest.Fake {
	return &transporttest.Fake{
		QueryFunc: func(ctx context.Context, ep string, req transport.Request) (*transport.Response, error) {
			if transporttest.Is(req, "info") {
				return transporttest.Data(map[string]any{"info": map[string]any{"time": time.Now().UnixMilli()}}), nil
			}
			return transporttest.Data(map[string]any{"postRequests": []string{"ok"}}), nil
		},
		SubscribeFunc: func(ctx context.Context, ep string, topic transport.Request) (<-chan transport.Event, error) {
			return transporttest.Stream(ctx, transporttest.StatusEvent(transport.MessageStatus{
				Transaction: &transport.Transaction{ID: "tx-1", Boc: base64.StdEncoding.EncodeToString([]byte("tx"))},
			})), nil
		},
	}
}

const testRelayID = "relay-test"

func newServer(t *testing.T) (*server, *fakePublisher, *fakeResults) {
	t.Helper()
	n := config.DefaultNetwork()
	n.Endpoints = []string{"https://a", "https://b", "https://c"}
	c, err := client.New(n, 1<<20, client.Options{
		Transport:  ledger(),
		Dispatcher: appreq.DispatcherFunc(func(context.Context, appreq.Request) error { return nil }),
		Logger:     logging.Discard(),
		Instance:   testRelayID,
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(c.Close)

	pub := &fakePublisher{}
	res := &fakeResults{}
	return &server{
		ctx:     context.Background(),
		client:  c,
		jobs:    pub,
		topic:   "messages",
		results: res,
		log:     logging.Discard(),
		now:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, pub, res
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzAndMetrics(t *testing.T) {
	s, _, _ := newServer(t)
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	h := s.routes(reg, nil, nil)

	if w := do(t, h, "GET", "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", w.Code)
	}
	w := do(t, h, "GET", "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", w.Code)
	}
}

func TestEndpointsRoute(t *testing.T) {
	s, _, _ := newServer(t)
	w := do(t, s.routes(nil, nil, nil), "GET", "/v1/endpoints", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/endpoints = %d", w.Code)
	}
	var got endpointsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Endpoints) != 3 || got.Endpoints[0].URL != "https://a" {
		t.Errorf("endpoints = %+v", got.Endpoints)
	}
	if got.Cache.CapacityBytes != 1<<20 {
		t.Errorf("cache = %+v", got.Cache)
	}
	if got.RelayID != testRelayID {
		t.Errorf("relay_id = %q, want %q", got.RelayID, testRelayID)
	}
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name               string
		body               string
		publishErr         error
		expectedStatusCode int
		expectedJobID      string
	}{
		{name: "bad json", body: "{", expectedStatusCode: http.StatusBadRequest},
		{name: "no message", body: `{"job_id":"j"}`, expectedStatusCode: http.StatusBadRequest},
		{name: "job id kept", body: `{"job_id":"j-1","message":"bXNn"}`, expectedStatusCode: http.StatusAccepted, expectedJobID: "j-1"},
		{name: "job id generated", body: `{"message":"bXNn"}`, expectedStatusCode: http.StatusAccepted},
		{name: "queue down", body: `{"message":"bXNn"}`, publishErr: errors.New("nsqd down"), expectedStatusCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pub, _ := newServer(t)
			pub.err = tt.publishErr

			w := do(t, s.routes(nil, nil, nil), "POST", "/v1/messages", tt.body, "")
			if w.Code != tt.expectedStatusCode {
				t.Fatalf("POST /v1/messages = %d, want %d (%s)", w.Code, tt.expectedStatusCode, w.Body.String())
			}
			if w.Code != http.StatusAccepted {
				return
			}
			if len(pub.msgs) != 1 {
				t.Fatalf("published %d jobs, want 1", len(pub.msgs))
			}
			var job delivery.Job
			if err := json.Unmarshal(pub.msgs[0], &job); err != nil {
				t.Fatal(err)
			}
			if tt.expectedJobID != "" && job.JobID != tt.expectedJobID {
				t.Errorf("JobID = %q, want %q", job.JobID, tt.expectedJobID)
			}
			if tt.expectedJobID == "" {
				if _, err := uuid.Parse(job.JobID); err != nil {
					t.Errorf("generated JobID %q is not a uuid", job.JobID)
				}
			}
			if job.PublishedAt != "2026-01-02T03:04:05Z" || job.Message != "bXNn" {
				t.Errorf("job = %+v", job)
			}
		})
	}
}

func TestPutBoc(t *testing.T) {
	s, _, _ := newServer(t)
	h := s.routes(nil, nil, nil)

	w := do(t, h, "POST", "/v1/bocs", `{"boc":"`+base64.StdEncoding.EncodeToString([]byte("cell"))+`","pin":true}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /v1/bocs = %d (%s)", w.Code, w.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["ref"] != "*"+got["key"] {
		t.Errorf("ref = %q, key = %q", got["ref"], got["key"])
	}
	if data, err := s.client.Cache().Resolve(context.Background(), got["ref"]); err != nil || string(data) != "cell" {
		t.Errorf("Resolve(ref) = %q, %v", data, err)
	}

	for _, body := range []string{`{"boc":"%%%"}`, `{"boc":""}`, `[`} {
		if w := do(t, h, "POST", "/v1/bocs", body, ""); w.Code != http.StatusBadRequest {
			t.Errorf("POST /v1/bocs %s = %d, want 400", body, w.Code)
		}
	}
}

func TestUnpinBocMakesEntryEvictable(t *testing.T) {
	s, _, _ := newServer(t)
	h := s.routes(nil, nil, nil)
	put := func(data []byte, pin bool) *httptest.ResponseRecorder {
		body, _ := json.Marshal(putBocRequest{Boc: base64.StdEncoding.EncodeToString(data), Pin: pin})
		return do(t, h, "POST", "/v1/bocs", string(body), "")
	}

	// two of these do not fit in the 1 MiB cache together
	pinned := []byte(strings.Repeat("a", 600<<10))
	other := []byte(strings.Repeat("b", 600<<10))

	w := put(pinned, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("pinned POST /v1/bocs = %d (%s)", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if w := put(other, false); w.Code != http.StatusBadRequest {
		t.Fatalf("insert over pinned data = %d, want 400", w.Code)
	}

	if w := do(t, h, "DELETE", "/v1/bocs/"+created["key"]+"/pin", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE pin = %d (%s)", w.Code, w.Body.String())
	}
	if st := s.client.Cache().Stats(); st.Pinned != 0 || st.PinnedBytes != 0 {
		t.Errorf("stats after unpin = %+v", st)
	}

	if w := put(other, false); w.Code != http.StatusCreated {
		t.Fatalf("insert after unpin = %d (%s)", w.Code, w.Body.String())
	}
	if _, err := s.client.Cache().Get(context.Background(), created["key"]); !errors.Is(err, clienterr.KindNotFound) {
		t.Errorf("unpinned entry still cached, Get() error = %v", err)
	}

	if w := do(t, h, "DELETE", "/v1/bocs/nope/pin", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown pin = %d, want 404", w.Code)
	}
}

func TestResolveRoute(t *testing.T) {
	s, _, _ := newServer(t)
	h := s.routes(nil, nil, nil)
	corr := s.client.Correlator()

	p, err := corr.Create(context.Background(), "sign this")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name               string
		path               string
		body               string
		expectedStatusCode int
	}{
		{name: "not a number", path: "/v1/app-requests/abc/resolve", body: `{}`, expectedStatusCode: http.StatusBadRequest},
		{name: "zero id", path: "/v1/app-requests/0/resolve", body: `{}`, expectedStatusCode: http.StatusBadRequest},
		{name: "unknown id", path: "/v1/app-requests/999/resolve", body: `{"relay_id":"relay-test","result":1}`, expectedStatusCode: http.StatusNotFound},
		{name: "other relay", path: "/v1/app-requests/" + itoa(p.ID) + "/resolve", body: `{"relay_id":"relay-other","result":"forged"}`, expectedStatusCode: http.StatusMisdirectedRequest},
		{name: "relay not named", path: "/v1/app-requests/" + itoa(p.ID) + "/resolve", body: `{"result":"forged"}`, expectedStatusCode: http.StatusMisdirectedRequest},
		{name: "pending request", path: "/v1/app-requests/" + itoa(p.ID) + "/resolve", body: `{"relay_id":"relay-test","result":"sig"}`, expectedStatusCode: http.StatusNoContent},
		{name: "already resolved", path: "/v1/app-requests/" + itoa(p.ID) + "/resolve", body: `{"relay_id":"relay-test","result":"sig"}`, expectedStatusCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, "POST", tt.path, tt.body, ""); w.Code != tt.expectedStatusCode {
				t.Errorf("POST %s = %d, want %d (%s)", tt.path, w.Code, tt.expectedStatusCode, w.Body.String())
			}
		})
	}

	out, err := corr.Wait(context.Background(), p, time.Second)
	if err != nil || string(out.Result) != `"sig"` {
		t.Errorf("Wait() = %+v, %v", out, err)
	}
}

func itoa(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func signingKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestAuthProtectsAPI(t *testing.T) {
	key, pubPEM := signingKey(t)
	validator, err := newValidator(context.Background(), config.Auth{PublicKeyPEM: pubPEM, Issuer: "tonharbor", Audience: "tonharbor-relay"})
	if err != nil || validator == nil {
		t.Fatalf("newValidator() = %v, %v", validator, err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":    "tonharbor",
		"aud":    "tonharbor-relay",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"app_id": "wallet-1",
	}).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	s, _, _ := newServer(t)
	h := s.routes(nil, validator, nil)

	tests := []struct {
		name               string
		path               string
		token              string
		expectedStatusCode int
	}{
		{name: "health is open", path: "/healthz", expectedStatusCode: http.StatusOK},
		{name: "api without token", path: "/v1/endpoints", expectedStatusCode: http.StatusUnauthorized},
		{name: "api with bad token", path: "/v1/endpoints", token: "nope", expectedStatusCode: http.StatusUnauthorized},
		{name: "api with token", path: "/v1/endpoints", token: token, expectedStatusCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, "GET", tt.path, "", tt.token); w.Code != tt.expectedStatusCode {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.expectedStatusCode)
			}
		})
	}
}

func TestNewValidator(t *testing.T) {
	key, pubPEM := signingKey(t)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
			Kty: "RSA",
			Use: "sig",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	tests := []struct {
		name        string
		cfg         config.Auth
		expectNil   bool
		expectError bool
	}{
		{name: "disabled", cfg: config.Auth{}, expectNil: true},
		{name: "pem", cfg: config.Auth{PublicKeyPEM: pubPEM}},
		{name: "bad pem", cfg: config.Auth{PublicKeyPEM: "garbage"}, expectNil: true, expectError: true},
		{name: "jwks", cfg: config.Auth{JWKSURL: jwks.URL, KeyID: "k1"}},
		{name: "jwks unknown kid", cfg: config.Auth{JWKSURL: jwks.URL, KeyID: "k2"}, expectNil: true, expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := newValidator(context.Background(), tt.cfg)
			if (err != nil) != tt.expectError {
				t.Errorf("newValidator() error = %v, expectError %v", err, tt.expectError)
			}
			if (v == nil) != tt.expectNil {
				t.Errorf("newValidator() = %v, expectNil %v", v, tt.expectNil)
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	s, _, results := newServer(t)

	body, _ := json.Marshal(delivery.Job{JobID: "job-1", Message: base64.StdEncoding.EncodeToString([]byte("m"))})
	m, d := nsqMessage(body)
	if err := s.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d", d.finished, d.requeued)
	}
	if len(results.results) != 1 || results.results[0].Status != "confirmed" || results.results[0].JobID != "job-1" {
		t.Errorf("results = %+v", results.results)
	}
}

func TestHandleMessageAssignsJobID(t *testing.T) {
	s, _, results := newServer(t)

	body, _ := json.Marshal(delivery.Job{Message: "%%%"})
	m, _ := nsqMessage(body)
	_ = s.HandleMessage(m)

	if len(results.results) != 1 {
		t.Fatalf("results = %+v", results.results)
	}
	got := results.results[0]
	if _, err := uuid.Parse(got.JobID); err != nil {
		t.Errorf("JobID = %q, want a uuid", got.JobID)
	}
	if got.Status != string(clienterr.KindInvalidBocCacheInsert) {
		t.Errorf("Status = %q", got.Status)
	}
}

func TestHandleMessageBadPayload(t *testing.T) {
	s, _, results := newServer(t)
	m, d := nsqMessage([]byte("not json"))
	if err := s.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if d.finished != 1 || len(results.results) != 0 {
		t.Errorf("finished = %d, results = %d", d.finished, len(results.results))
	}
}

func TestKeepAliveTouches(t *testing.T) {
	s := &server{touch: time.Millisecond}
	m, d := nsqMessage(nil)
	stop := s.keepAlive(m)
	time.Sleep(20 * time.Millisecond)
	stop()
	if d.touched == 0 {
		t.Error("message was never touched")
	}

	s.touch = 0
	s.keepAlive(m)()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind clienterr.Kind
		want int
	}{
		{clienterr.KindNoSuchRequest, http.StatusNotFound},
		{clienterr.KindNotFound, http.StatusNotFound},
		{clienterr.KindInvalidBocCacheInsert, http.StatusBadRequest},
		{clienterr.KindCanceled, http.StatusRequestTimeout},
		{clienterr.KindTransport, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.kind); got != tt.want {
			t.Errorf("statusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestOpenStoreNone(t *testing.T) {
	store, deps, closeStore, err := openStore(context.Background(), config.Config{Cache: config.Cache{Store: "none"}})
	if err != nil || store != nil || deps == nil {
		t.Errorf("openStore(none) = %v, %v, %v", store, deps, err)
	}
	closeStore()
}

func TestResponseChannel(t *testing.T) {
	tests := []struct {
		relayID string
		want    string
	}{
		{relayID: "0b7c5a52-6d0e-4c1f-9d7e-3f1b2a4c5d6e", want: "relay-0b7c5a52-6d0e-4c1f-9d7e-3f1b2a4c5d6e#ephemeral"},
		{relayID: "host:1/a", want: "relay-host_1_a#ephemeral"},
		{relayID: strings.Repeat("x", 80), want: "relay-" + strings.Repeat("x", 48) + "#ephemeral"},
	}
	for _, tt := range tests {
		got := responseChannel(tt.relayID)
		if got != tt.want {
			t.Errorf("responseChannel(%q) = %q, want %q", tt.relayID, got, tt.want)
		}
		if len(got) > 64 {
			t.Errorf("responseChannel(%q) is %d characters, nsqd allows 64", tt.relayID, len(got))
		}
	}
	if responseChannel("a") == responseChannel("b") {
		t.Error("relays on one host must not share a response channel")
	}
}

func TestDrainJobs(t *testing.T) {
	t.Run("jobs finish within grace", func(t *testing.T) {
		stopped := make(chan int)
		canceled := false
		ok := drainJobs(func() { close(stopped) }, stopped, time.Second, func() { canceled = true })
		if !ok || canceled {
			t.Errorf("drainJobs() = %v, canceled = %v; want clean drain", ok, canceled)
		}
	})

	t.Run("slow jobs are canceled", func(t *testing.T) {
		submitCtx, cancel := context.WithCancel(context.Background())
		stopped := make(chan int)
		// an in-flight delivery that only ends once its context is canceled
		go func() {
			<-submitCtx.Done()
			close(stopped)
		}()

		start := time.Now()
		ok := drainJobs(func() {}, stopped, 20*time.Millisecond, cancel)
		if ok {
			t.Error("drainJobs() = true, want false after cancel")
		}
		if submitCtx.Err() == nil {
			t.Error("submit context not canceled")
		}
		if time.Since(start) > time.Second {
			t.Errorf("drain took %s", time.Since(start))
		}
	})
}
