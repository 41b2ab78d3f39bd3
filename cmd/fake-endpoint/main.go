// Command fake-endpoint is a stand-in ledger endpoint for local runs. It
// answers the GraphQL documents the relay sends, with knobs for clock skew,
// latency, flaky submission, late confirmation and rejection.
package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/transport"
)

type settings struct {
	Skew         time.Duration // added to the reported ledger time
	Latency      time.Duration // delay before every answer
	FailFirstN   int           // first N postRequests fail with 500
	ConfirmAfter int           // status polls answered empty before confirming
	RejectCode   int           // non-zero rejects every message with this code
	AccessKey    string        // require bearer tokens signed with this key
	PublicURL    string        // audience expected in bearer tokens
}

type posted struct {
	body     string
	expireAt int64 // unix ms, zero when unset
	polls    int
}

type ledger struct {
	cfg settings
	log *logging.Logger
	now func() time.Time

	mu       sync.Mutex
	posts    int
	messages map[string]*posted
	accounts map[string]string // address -> base64 boc
}

func newLedger(cfg settings, log *logging.Logger) *ledger {
	return &ledger{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		messages: make(map[string]*posted),
		accounts: make(map[string]string),
	}
}

func (l *ledger) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Post("/graphql", l.handleGraphQL)
	return r
}

func (l *ledger) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	if l.cfg.Latency > 0 {
		select {
		case <-time.After(l.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	if l.cfg.AccessKey != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := auth.VerifyAccessToken(l.cfg.AccessKey, l.cfg.PublicURL, token); err != nil {
			l.log.Plain().WithError(err).Warn("rejecting request with bad access token")
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
	}

	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	switch q := req.Query; {
	case strings.Contains(q, "postRequests"):
		l.postRequests(w, req)
	case strings.Contains(q, "messageStatus"):
		l.messageStatus(w, req)
	case strings.Contains(q, "accounts"):
		l.account(w, req)
	case strings.Contains(q, "info"):
		writeData(w, map[string]any{"info": map[string]any{"time": l.now().Add(l.cfg.Skew).UnixMilli()}})
	default:
		writeJSON(w, transport.Response{Errors: []transport.GraphQLError{{Message: "unsupported operation"}}})
	}
}

func (l *ledger) postRequests(w http.ResponseWriter, req transport.Request) {
	l.mu.Lock()
	l.posts++
	n := l.posts
	l.mu.Unlock()
	if n <= l.cfg.FailFirstN {
		l.log.Plain().Infof("FAILING postRequests (%d/%d)", n, l.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	list, _ := req.Variables["requests"].([]any)
	ids := make([]string, 0, len(list))
	now := l.now().UnixMilli()
	for _, item := range list {
		m, _ := item.(map[string]any)
		id, _ := m["id"].(string)
		body, _ := m["body"].(string)
		if id == "" || body == "" {
			writeJSON(w, transport.Response{Errors: []transport.GraphQLError{{Message: "request needs id and body"}}})
			return
		}
		var expireAt int64
		if v, ok := m["expireAt"].(float64); ok {
			expireAt = int64(v)
		}
		if expireAt != 0 && expireAt < now {
			writeJSON(w, transport.Response{Errors: []transport.GraphQLError{{Message: "message expired"}}})
			return
		}
		l.mu.Lock()
		if _, seen := l.messages[id]; !seen {
			l.messages[id] = &posted{body: body, expireAt: expireAt}
		}
		l.mu.Unlock()
		ids = append(ids, id)
	}
	l.log.Plain().WithMessage(strings.Join(ids, ",")).Info("accepted messages")
	writeData(w, map[string]any{"postRequests": ids})
}

func (l *ledger) messageStatus(w http.ResponseWriter, req transport.Request) {
	id, _ := req.Variables["id"].(string)

	l.mu.Lock()
	msg, ok := l.messages[id]
	if ok {
		msg.polls++
	}
	l.mu.Unlock()

	if !ok || msg.polls <= l.cfg.ConfirmAfter {
		writeData(w, map[string]any{"messageStatus": nil})
		return
	}
	if l.cfg.RejectCode != 0 {
		writeData(w, map[string]any{"messageStatus": transport.MessageStatus{
			Rejection: &transport.Rejection{Code: l.cfg.RejectCode, Reason: "rejected by fake endpoint"},
		}})
		return
	}
	writeData(w, map[string]any{"messageStatus": transport.MessageStatus{
		Transaction: &transport.Transaction{
			ID:          "tx-" + id,
			Boc:         base64.StdEncoding.EncodeToString([]byte("transaction:" + id)),
			OutMessages: []string{},
		},
	}})
}

func (l *ledger) account(w http.ResponseWriter, req transport.Request) {
	address, _ := req.Variables["address"].(string)
	l.mu.Lock()
	boc, ok := l.accounts[address]
	l.mu.Unlock()
	if !ok {
		boc = base64.StdEncoding.EncodeToString([]byte("account:" + address))
	}
	writeData(w, map[string]any{"accounts": []map[string]string{{"boc": boc}}})
}

func writeData(w http.ResponseWriter, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, transport.Response{Data: raw})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func settingsFromEnv() (settings, string) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" {
		publicURL = "http://localhost:" + port
	}
	return settings{
		Skew:         envDuration("CLOCK_SKEW", 0),
		Latency:      envDuration("LATENCY", 0),
		FailFirstN:   envInt("FAIL_FIRST_N", 0),
		ConfirmAfter: envInt("CONFIRM_AFTER_POLLS", 1),
		RejectCode:   envInt("REJECT_CODE", 0),
		AccessKey:    os.Getenv("ACCESS_KEY"),
		PublicURL:    publicURL,
	}, ":" + port
}

func main() {
	logger := logging.New("tonharbor-fake-endpoint")
	cfg, addr := settingsFromEnv()

	logger.Plain().WithFields(map[string]any{
		"addr":          addr,
		"skew":          cfg.Skew.String(),
		"fail_first_n":  cfg.FailFirstN,
		"confirm_after": cfg.ConfirmAfter,
	}).Info("fake-endpoint listening")
	if err := http.ListenAndServe(addr, newLedger(cfg, logger).routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-endpoint failed")
	}
}
