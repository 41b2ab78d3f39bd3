package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/logging"
)

type staticToken string

func (s staticToken) Token(string) (string, error) { return string(s), nil }

// graphqlServer answers every request with handler's result
func graphqlServer(t *testing.T, handler func(req Request, r *http.Request) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		status, body := handler(req, r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHTTP(opts ...HTTPOption) *HTTP {
	opts = append([]HTTPOption{WithLogger(logging.Discard()), WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewHTTP(opts...)
}

func TestGraphQLURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://node.example", want: "https://node.example/graphql"},
		{in: "https://node.example/", want: "https://node.example/graphql"},
		{in: "https://node.example/graphql", want: "https://node.example/graphql"},
	}
	for _, tt := range tests {
		if got := GraphQLURL(tt.in); got != tt.want {
			t.Errorf("GraphQLURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuerySendsDocumentAndAuth(t *testing.T) {
	var gotAuth, gotQuery string
	srv := graphqlServer(t, func(req Request, r *http.Request) (int, any) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = req.Query
		return http.StatusOK, map[string]any{"data": map[string]any{"info": map[string]any{"time": 1700000000123}}}
	})

	h := newTestHTTP(WithTokenSource(staticToken("tok")))
	got, err := ServerTime(context.Background(), h, srv.URL)
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if want := time.UnixMilli(1700000000123); !got.Equal(want) {
		t.Errorf("ServerTime() = %v, want %v", got, want)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != serverTimeQuery {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   clienterr.Kind
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", want: clienterr.KindTransport},
		{name: "graphql errors", status: http.StatusOK, body: map[string]any{"errors": []any{map[string]any{"message": "boom"}}}, want: clienterr.KindTransport},
		{name: "malformed", status: http.StatusOK, body: "not an object", want: clienterr.KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := graphqlServer(t, func(Request, *http.Request) (int, any) { return tt.status, tt.body })
			_, err := newTestHTTP().Query(context.Background(), srv.URL, Request{Query: "query{x}"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Query() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestQueryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestHTTP().Query(context.Background(), url, Request{Query: "query{x}"})
	if !errors.Is(err, clienterr.KindTransport) {
		t.Errorf("Query() error = %v, want transport", err)
	}
}

func TestPostMessageEncodesBody(t *testing.T) {
	var vars map[string]any
	srv := graphqlServer(t, func(req Request, r *http.Request) (int, any) {
		vars = req.Variables
		return http.StatusOK, map[string]any{"data": map[string]any{"postRequests": []string{"m1"}}}
	})

	expire := time.UnixMilli(1700000040000)
	if err := PostMessage(context.Background(), newTestHTTP(), srv.URL, "m1", []byte("boc"), expire); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	reqs, _ := vars["requests"].([]any)
	if len(reqs) != 1 {
		t.Fatalf("requests = %v", vars)
	}
	first := reqs[0].(map[string]any)
	if first["id"] != "m1" || first["body"] != base64.StdEncoding.EncodeToString([]byte("boc")) {
		t.Errorf("request = %v", first)
	}
	if first["expireAt"] != float64(1700000040000) {
		t.Errorf("expireAt = %v", first["expireAt"])
	}
}

func TestAccountBoc(t *testing.T) {
	srv := graphqlServer(t, func(req Request, r *http.Request) (int, any) {
		if req.Variables["address"] == "0:missing" {
			return http.StatusOK, map[string]any{"data": map[string]any{"accounts": []any{}}}
		}
		return http.StatusOK, map[string]any{"data": map[string]any{"accounts": []any{
			map[string]any{"boc": base64.StdEncoding.EncodeToString([]byte("state"))},
		}}}
	})
	h := newTestHTTP()

	got, err := AccountBoc(context.Background(), h, srv.URL, "0:abc")
	if err != nil || string(got) != "state" {
		t.Errorf("AccountBoc() = %q, %v", got, err)
	}
	if _, err := AccountBoc(context.Background(), h, srv.URL, "0:missing"); !errors.Is(err, clienterr.KindNotFound) {
		t.Errorf("AccountBoc(missing) error = %v, want not_found", err)
	}
}

func TestSubscribePollsUntilData(t *testing.T) {
	var polls atomic.Int32
	srv := graphqlServer(t, func(req Request, r *http.Request) (int, any) {
		if !strings.HasPrefix(req.Query, "query") {
			t.Errorf("subscription sent as %q", req.Query[:20])
		}
		n := polls.Add(1)
		if n < 3 {
			return http.StatusOK, map[string]any{"data": map[string]any{"messageStatus": nil}}
		}
		return http.StatusOK, map[string]any{"data": map[string]any{"messageStatus": map[string]any{
			"transaction": map[string]any{"id": "tx1", "boc": "dHg="},
		}}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := newTestHTTP().Subscribe(ctx, srv.URL, MessageStatusTopic("m1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("event error = %v", ev.Err)
		}
		status, err := DecodeMessageStatus(ev.Data)
		if err != nil || status == nil || status.Transaction.ID != "tx1" {
			t.Errorf("DecodeMessageStatus() = %+v, %v", status, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	// identical results are not re-emitted
	select {
	case ev, ok := <-events:
		if ok {
			t.Errorf("duplicate event %s", ev.Data)
		}
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	for range events {
	}
}

func TestSubscribeFailsFastOnDeadEndpoint(t *testing.T) {
	srv := graphqlServer(t, func(Request, *http.Request) (int, any) {
		return http.StatusServiceUnavailable, "down"
	})
	_, err := newTestHTTP().Subscribe(context.Background(), srv.URL, MessageStatusTopic("m1"))
	if !errors.Is(err, clienterr.KindTransport) {
		t.Errorf("Subscribe() error = %v, want transport", err)
	}
}

func TestSubscribeReportsStreamFailure(t *testing.T) {
	var polls atomic.Int32
	srv := graphqlServer(t, func(Request, *http.Request) (int, any) {
		if polls.Add(1) == 1 {
			return http.StatusOK, map[string]any{"data": map[string]any{"messageStatus": nil}}
		}
		return http.StatusInternalServerError, "crashed"
	})

	events, err := newTestHTTP().Subscribe(context.Background(), srv.URL, MessageStatusTopic("m1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ev, ok := <-events
	if !ok || ev.Err == nil {
		t.Fatalf("expected an error event, got %+v (open=%v)", ev, ok)
	}
	if _, ok := <-events; ok {
		t.Error("stream not closed after error")
	}
}

func TestDecodeMessageStatus(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantNil    bool
		wantReplay bool
		wantErr    bool
	}{
		{name: "null status", data: `{"messageStatus":null}`, wantNil: true},
		{name: "empty status", data: `{"messageStatus":{}}`, wantNil: true},
		{name: "replay rejection", data: `{"messageStatus":{"rejection":{"code":52,"reason":"replay","replay_protection":true}}}`, wantReplay: true},
		{name: "garbage", data: `[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessageStatus(json.RawMessage(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeMessageStatus() error = %v", err)
			}
			if tt.wantErr {
				return
			}
			if (got == nil) != tt.wantNil {
				t.Fatalf("DecodeMessageStatus() = %+v", got)
			}
			if got != nil && got.Rejection.ReplayProtection != tt.wantReplay {
				t.Errorf("replay protection = %v", got.Rejection.ReplayProtection)
			}
		})
	}
}
