package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/tonharbor/internal/endpoint"
)

// Pinger is a backing dependency such as the BOC store database
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK           bool            `json:"ok"`
	Message      string          `json:"message,omitempty"`
	Endpoints    int             `json:"endpoints"`
	Reachable    int             `json:"reachable"`
	Healthy      int             `json:"healthy"`
	ClockSkewMs  int64           `json:"clock_skew_ms"`
	OutOfSync    bool            `json:"out_of_sync,omitempty"`
	Dependencies map[string]bool `json:"dependencies,omitempty"`
}

// Check reports whether the relay can deliver: some endpoint is reachable,
// the clock agrees with the ledger and every dependency answers
func Check(ctx context.Context, pool *endpoint.Pool, deps map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok"}

	if pool != nil {
		for _, s := range pool.Snapshot() {
			st.Endpoints++
			if s.Health != endpoint.Unreachable {
				st.Reachable++
			}
			if s.Health == endpoint.Healthy {
				st.Healthy++
			}
		}
		skew, outOfSync := pool.ClockSkew()
		st.ClockSkewMs = skew.Milliseconds()
		st.OutOfSync = outOfSync
		switch {
		case st.Reachable == 0:
			st.OK = false
			st.Message = "no reachable endpoint"
		case outOfSync:
			st.OK = false
			st.Message = "clock out of sync"
		}
	}

	if len(deps) > 0 {
		st.Dependencies = make(map[string]bool, len(deps))
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pctx, cancel := context.WithTimeout(ctx, time.Second)
			err := deps[name].Ping(pctx)
			cancel()
			st.Dependencies[name] = err == nil
			if err != nil && st.OK {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(pool *endpoint.Pool, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), pool, deps)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Sync copies the outcome of Check into a gRPC health server under the
// overall ("") service and service
func Sync(ctx context.Context, hs *health.Server, service string, pool *endpoint.Pool, deps map[string]Pinger) Status {
	st := Check(ctx, pool, deps)
	serving := healthpb.HealthCheckResponse_SERVING
	if !st.OK {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", serving)
	if service != "" {
		hs.SetServingStatus(service, serving)
	}
	return st
}

// Watch runs Sync every interval until ctx is done
func Watch(ctx context.Context, hs *health.Server, service string, pool *endpoint.Pool, deps map[string]Pinger, interval time.Duration) {
	Sync(ctx, hs, service, pool, deps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sync(ctx, hs, service, pool, deps)
		}
	}
}
