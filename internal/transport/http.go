package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/tracing"
)

// TokenSource issues bearer tokens for an endpoint
type TokenSource interface {
	Token(endpoint string) (string, error)
}

// HTTP is a Transport speaking GraphQL over HTTP POST. Subscriptions are
// served by re-issuing the subscription document as a query every poll
// interval and emitting each distinct non-empty result.
type HTTP struct {
	client       *http.Client
	tokens       TokenSource
	pollInterval time.Duration
	log          *logging.Logger
}

type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func WithTokenSource(ts TokenSource) HTTPOption {
	return func(h *HTTP) { h.tokens = ts }
}

func WithPollInterval(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.pollInterval = d }
}

func WithLogger(l *logging.Logger) HTTPOption {
	return func(h *HTTP) { h.log = l }
}

func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:       &http.Client{Timeout: 60 * time.Second},
		pollInterval: time.Second,
		log:          logging.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GraphQLURL returns the GraphQL route of an endpoint
func GraphQLURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(endpoint, "/graphql") {
		return endpoint
	}
	return endpoint + "/graphql"
}

func (h *HTTP) Query(ctx context.Context, endpoint string, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "transport.query", attribute.String("endpoint", endpoint))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "encoding request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, GraphQLURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "building request for %s", endpoint)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range tracing.InjectHeaders(ctx) {
		httpReq.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}
	if h.tokens != nil {
		token, err := h.tokens.Token(endpoint)
		if err != nil {
			return nil, clienterr.Wrap(clienterr.KindTransport, err, "issuing access token for %s", endpoint)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if ctx.Err() != nil {
			return nil, clienterr.Wrap(clienterr.KindCanceled, ctx.Err(), "query to %s", endpoint)
		}
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "query to %s", endpoint)
	}
	defer resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := clienterr.New(clienterr.KindTransport, "%s returned %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(snippet))
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "malformed response from %s", endpoint)
	}
	if len(out.Errors) > 0 {
		err := clienterr.New(clienterr.KindTransport, "%s: %s", endpoint, joinErrors(out.Errors)).WithData(out.Errors)
		tracing.SetSpanError(ctx, err)
		return &out, err
	}
	return &out, nil
}

func (h *HTTP) Subscribe(ctx context.Context, endpoint string, topic Request) (<-chan Event, error) {
	poll := Request{
		Query:     strings.Replace(topic.Query, "subscription", "query", 1),
		Variables: topic.Variables,
	}
	// the first poll runs synchronously so a dead endpoint fails the subscribe
	first, err := h.Query(ctx, endpoint, poll)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 1)
	go func() {
		defer close(events)
		var last []byte
		emit := func(resp *Response) bool {
			if !hasData(resp.Data) || bytes.Equal(resp.Data, last) {
				return true
			}
			last = append(last[:0], resp.Data...)
			select {
			case events <- Event{Data: resp.Data}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit(first) {
			return
		}

		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			resp, err := h.Query(ctx, endpoint, poll)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.log.WithContext(ctx).WithEndpoint(endpoint).WithError(err).Debug("subscription poll failed")
				select {
				case events <- Event{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !emit(resp) {
				return
			}
		}
	}()
	return events, nil
}

// hasData reports whether any top level field of a GraphQL data object is
// non-null
func hasData(data json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, v := range fields {
		if !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return true
		}
	}
	return false
}
