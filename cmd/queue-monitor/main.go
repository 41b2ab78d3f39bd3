// Command queue-monitor exports NSQ backlog for the relay topics as
// Prometheus gauges. It polls nsqd's /stats endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/logging"
)

type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type monitor struct {
	statsURL string
	topics   map[string]bool
	relays   string // channel whose depth is the submit backlog
	jobs     string
	http     *http.Client

	backlog  prometheus.Gauge
	depth    *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTP string, q config.NSQ) *monitor {
	return &monitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json", nsqdHTTP),
		topics: map[string]bool{
			q.MessagesTopic:     true,
			q.ResultsTopic:      true,
			q.DLQTopic:          true,
			q.AppRequestsTopic:  true,
			q.AppResponsesTopic: true,
		},
		relays: q.RelayChannel,
		jobs:   q.MessagesTopic,
		http:   &http.Client{Timeout: 5 * time.Second},
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tonharbor_submit_backlog",
			Help: "Submit jobs waiting for a relay",
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tonharbor_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tonharbor_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.backlog, m.depth, m.inFlight)
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		if topic.TopicName == m.jobs && len(topic.Channels) == 0 {
			// no relay has subscribed yet, jobs sit on the topic
			m.backlog.Set(float64(topic.Depth))
		}
		for _, ch := range topic.Channels {
			if topic.TopicName == m.jobs && ch.ChannelName == m.relays {
				m.backlog.Set(float64(ch.Depth))
			}
			m.depth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.inFlight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			log.Plain().WithError(err).Warn("updating queue metrics failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	return r
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvSeconds(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func main() {
	logger := logging.New("tonharbor-queue-monitor")
	cfg := config.FromEnv()
	nsqdHTTP := getenv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getenv("PORT", "8084")
	interval := getenvSeconds("POLL_INTERVAL_SECONDS", 15)

	reg := prometheus.NewRegistry()
	m := newMonitor(nsqdHTTP, cfg.NSQ)
	m.register(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go m.run(ctx, interval, logger)

	srv := &http.Server{Addr: ":" + port, Handler: routes(reg)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     nsqdHTTP,
		"interval": interval.String(),
	}).Info("queue-monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("queue-monitor failed")
	}
}
