// Package transporttest provides a programmable in-memory Transport.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/austindbirch/tonharbor/internal/transport"
)

type Call struct {
	Endpoint string
	Request  transport.Request
}

// Fake records every call and delegates to the configured hooks. A nil hook
// fails the call.
type Fake struct {
	QueryFunc     func(ctx context.Context, endpoint string, req transport.Request) (*transport.Response, error)
	SubscribeFunc func(ctx context.Context, endpoint string, topic transport.Request) (<-chan transport.Event, error)

	mu            sync.Mutex
	queries       []Call
	subscriptions []Call
}

var errNoHook = errors.New("transporttest: no hook configured")

func (f *Fake) Query(ctx context.Context, endpoint string, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.queries = append(f.queries, Call{Endpoint: endpoint, Request: req})
	fn := f.QueryFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, errNoHook
	}
	return fn(ctx, endpoint, req)
}

func (f *Fake) Subscribe(ctx context.Context, endpoint string, topic transport.Request) (<-chan transport.Event, error) {
	f.mu.Lock()
	f.subscriptions = append(f.subscriptions, Call{Endpoint: endpoint, Request: topic})
	fn := f.SubscribeFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, errNoHook
	}
	return fn(ctx, endpoint, topic)
}

// Queries returns the recorded queries whose document contains name
func (f *Fake) Queries(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.queries {
		if strings.Contains(c.Request.Query, name) {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Subscriptions() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.subscriptions))
	copy(out, f.subscriptions)
	return out
}

// Is reports whether req is the operation name (e.g. "postRequests")
func Is(req transport.Request, name string) bool {
	return strings.Contains(req.Query, name)
}

// Data wraps v as the data of a successful response
func Data(v any) *transport.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &transport.Response{Data: raw}
}

// Stream emits events in order and then holds the stream open until ctx is
// done, like a live subscription with nothing more to say.
func Stream(ctx context.Context, events ...transport.Event) <-chan transport.Event {
	ch := make(chan transport.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch
}

// StatusEvent builds a messageStatus event
func StatusEvent(status transport.MessageStatus) transport.Event {
	raw, err := json.Marshal(map[string]any{"messageStatus": status})
	if err != nil {
		panic(err)
	}
	return transport.Event{Data: raw}
}
