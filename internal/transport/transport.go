// Package transport is the request/subscribe layer between the runtime and
// node-access endpoints. Endpoints speak GraphQL.
package transport

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is a GraphQL document with its variables. Subscription topics use
// the same shape.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// Event is one item of a subscription stream. A non-nil Err ends the stream.
type Event struct {
	Data json.RawMessage
	Err  error
}

// Transport issues queries and opens subscriptions against one endpoint at a
// time. Implementations must be safe for concurrent use.
type Transport interface {
	Query(ctx context.Context, endpoint string, req Request) (*Response, error)
	// Subscribe streams events until ctx is done or the stream fails. The
	// channel is closed when the stream ends.
	Subscribe(ctx context.Context, endpoint string, topic Request) (<-chan Event, error)
}

func joinErrors(errs []GraphQLError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}
