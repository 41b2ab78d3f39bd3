package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/client"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/delivery"
	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/health"
	"github.com/austindbirch/tonharbor/internal/hostbus"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/prober"
	"github.com/austindbirch/tonharbor/internal/tracing"
)

// ResultPublisher is satisfied by *hostbus.Results
type ResultPublisher interface {
	Publish(ctx context.Context, res delivery.JobResult) error
}

type server struct {
	ctx     context.Context
	client  *client.Client
	jobs    hostbus.Publisher
	topic   string
	results ResultPublisher
	log     *logging.Logger
	touch   time.Duration // how often in-flight jobs are touched on nsqd
	now     func() time.Time
}

// HandleMessage runs one submit job to a terminal outcome and publishes the
// result. Jobs are never requeued: a second run would broadcast again.
func (s *server) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			s.log.Plain().Warn("job had no response, finishing")
			m.Finish()
		}
	}()

	var job delivery.Job
	if err := json.Unmarshal(m.Body, &job); err != nil {
		s.log.Plain().WithError(err).Error("bad job payload")
		m.Finish()
		return nil
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}

	stop := s.keepAlive(m)
	res := s.client.SubmitJob(s.ctx, job)
	stop()

	entry := s.log.Plain().WithFields(map[string]any{
		"job_id": res.JobID,
		"status": res.Status,
		"rounds": res.Rounds,
	}).WithMessage(res.MessageID)
	if res.Error != "" {
		entry.WithField("error", res.Error).Warn("job failed")
	} else {
		entry.Info("job confirmed")
	}

	if err := s.results.Publish(s.ctx, res); err != nil {
		s.log.Plain().WithError(err).WithField("job_id", res.JobID).Error("result publish failed")
	}
	m.Finish()
	return nil
}

// keepAlive touches m until the returned func is called so nsqd does not
// redeliver a job that is still waiting for confirmation
func (s *server) keepAlive(m *nsq.Message) func() {
	if s.touch <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.touch)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Touch()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (s *server) routes(reg *prometheus.Registry, validator *auth.JWTValidator, deps map[string]health.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health.HTTPHandler(s.client.Pool(), deps))
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		if validator != nil {
			r.Use(validator.HTTPMiddleware)
		}
		r.Get("/endpoints", s.endpoints)
		r.Post("/messages", s.enqueue)
		r.Post("/bocs", s.putBoc)
		r.Delete("/bocs/{key}/pin", s.unpinBoc)
		r.Post("/app-requests/{id}/resolve", s.resolve)
	})
	return r
}

type endpointsResponse struct {
	RelayID   string                  `json:"relay_id"`
	Endpoints []endpoint.State        `json:"endpoints"`
	Reconnect endpoint.ReconnectStatus `json:"reconnect"`
	Probe     prober.Summary          `json:"probe"`
	ClockSkew int64                   `json:"clock_skew_ms"`
	OutOfSync bool                    `json:"out_of_sync"`
	Cache     boc.Stats               `json:"cache"`
}

func (s *server) endpoints(w http.ResponseWriter, r *http.Request) {
	pool := s.client.Pool()
	skew, outOfSync := pool.ClockSkew()
	writeJSON(w, http.StatusOK, endpointsResponse{
		RelayID:   s.client.Correlator().Instance(),
		Endpoints: pool.Snapshot(),
		Reconnect: pool.ReconnectStatus(),
		Probe:     s.client.Prober().Last(),
		ClockSkew: skew.Milliseconds(),
		OutOfSync: outOfSync,
		Cache:     s.client.Cache().Stats(),
	})
}

// enqueue accepts a submit job over HTTP and queues it for the relays
func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var job delivery.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if job.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_job", "message is required")
		return
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.PublishedAt = s.now().UTC().Format(time.RFC3339)
	job.TraceHeaders = tracing.InjectHeaders(r.Context())

	body, err := json.Marshal(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if err := s.jobs.Publish(s.topic, body); err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("job publish failed")
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.JobID, "published_at": job.PublishedAt})
}

type putBocRequest struct {
	Boc string `json:"boc"` // base64
	Pin bool   `json:"pin"`
}

func (s *server) putBoc(w http.ResponseWriter, r *http.Request) {
	var req putBocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Boc)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, string(clienterr.KindInvalidBocCacheInsert), "boc must be non-empty base64")
		return
	}
	key, err := s.client.Cache().Put(r.Context(), data, req.Pin)
	if err != nil {
		writeClientError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key, "ref": boc.Ref(key)})
}

// unpinBoc releases a pin taken with POST /v1/bocs
func (s *server) unpinBoc(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.client.Cache().Unpin(key); err != nil {
		writeClientError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "app request id must be a positive integer")
		return
	}
	var res hostbus.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	// ids are per relay, so the answer must name the relay that asked
	if relay := s.client.Correlator().Instance(); !res.For(relay) {
		writeError(w, http.StatusMisdirectedRequest, "wrong_relay",
			fmt.Sprintf("answer to app request %d names relay %q, this is relay %q", id, res.Relay, relay))
		return
	}
	if err := s.client.ResolveAppRequest(uint32(id), res.Outcome()); err != nil {
		writeClientError(w, err)
		return
	}
	appID, _ := auth.AppIDFromContext(r.Context())
	s.log.WithContext(r.Context()).WithRequest(uint32(id)).WithField("app_id", appID).Info("app request resolved over http")
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(kind clienterr.Kind) int {
	switch kind {
	case clienterr.KindNoSuchRequest, clienterr.KindNotFound:
		return http.StatusNotFound
	case clienterr.KindInvalidBocCacheInsert, clienterr.KindInvalidConfig:
		return http.StatusBadRequest
	case clienterr.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeClientError(w http.ResponseWriter, err error) {
	kind := clienterr.KindOf(err)
	code := string(kind)
	var cerr *clienterr.Error
	if !errors.As(err, &cerr) {
		code = "internal"
	}
	writeError(w, statusFor(kind), code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
