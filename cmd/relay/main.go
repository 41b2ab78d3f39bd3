package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/client"
	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/db"
	"github.com/austindbirch/tonharbor/internal/health"
	"github.com/austindbirch/tonharbor/internal/hostbus"
	"github.com/austindbirch/tonharbor/internal/kvstore"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
	"github.com/austindbirch/tonharbor/internal/tracing"
)

const (
	serviceName   = "tonharbor-relay"
	grpcService   = "tonharbor.Relay"
	touchInterval = 30 * time.Second
	drainTimeout  = 15 * time.Second // in-flight jobs get this long before they are canceled
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// BOC store
	store, deps, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("boc store setup failed")
	}
	defer closeStore()

	// NSQ producer shared by app requests, results and dead letters
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	deps["nsqd"] = health.PingFunc(func(context.Context) error { return producer.Ping() })

	relayID := cfg.RelayID
	if relayID == "" {
		relayID = uuid.NewString()
	}

	c, err := client.New(cfg.Network, cfg.Cache.CapacityBytes, client.Options{
		Store:       store,
		Dispatcher:  hostbus.NewDispatcher(producer, cfg.NSQ.AppRequestsTopic),
		DeadLetters: hostbus.NewDeadLetters(producer, cfg.NSQ.DLQTopic),
		Logger:      logger,
		Instance:    relayID,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("client setup failed")
	}
	defer c.Close()
	c.Start(ctx)

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("no JWT key configured, relay API is unauthenticated")
	}

	// deliveries get their own context so shutdown can cut them short
	submitCtx, cancelSubmits := context.WithCancel(ctx)
	defer cancelSubmits()

	srv := &server{
		ctx:     submitCtx,
		client:  c,
		jobs:    producer,
		topic:   cfg.NSQ.MessagesTopic,
		results: hostbus.NewResults(producer, cfg.NSQ.ResultsTopic),
		log:     logger,
		touch:   touchInterval,
		now:     time.Now,
	}

	// gRPC health server
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, grpcService, c.Pool(), deps, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("relay gRPC server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("relay gRPC server failed")
		}
	}()

	// HTTP API, health and metrics
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: srv.routes(reg, validator, deps)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relay HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	// NSQ consumers: submit jobs and host resolutions
	jobsConf := nsq.NewConfig()
	jobsConf.MaxInFlight = cfg.NSQ.MaxInFlight
	jobs, err := nsq.NewConsumer(cfg.NSQ.MessagesTopic, cfg.NSQ.RelayChannel, jobsConf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq job consumer creation failed")
	}
	jobs.AddConcurrentHandlers(srv, cfg.NSQ.MaxInFlight)

	// every relay needs every resolution, so each one gets an ephemeral channel
	responses, err := nsq.NewConsumer(cfg.NSQ.AppResponsesTopic, responseChannel(relayID), nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq response consumer creation failed")
	}
	responses.AddHandler(hostbus.ResolutionHandler(c.Correlator(), logger))

	for _, consumer := range []*nsq.Consumer{jobs, responses} {
		// Connecting directly to NSQD forces channel creation
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	logger.Plain().WithFields(map[string]any{
		"endpoints": len(cfg.Network.Endpoints),
		"relay_id":  relayID,
	}).Info("relay service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	if !drainJobs(jobs.Stop, jobs.StopChan, drainTimeout, cancelSubmits) {
		logger.Plain().Warnf("in-flight jobs canceled after %s", drainTimeout)
	}
	responses.Stop()
	<-responses.StopChan
	cancel()
	grpcSrv.GracefulStop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relay service stopped")
}

// openStore builds the persistent BOC store named by cfg.Cache.Store along
// with a health dependency for it. The returned map is never nil.
func openStore(ctx context.Context, cfg config.Config) (boc.Store, map[string]health.Pinger, func(), error) {
	deps := map[string]health.Pinger{}
	switch cfg.Cache.Store {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, nil, err
		}
		store := db.NewBocStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		deps["postgres"] = pool
		return store, deps, pool.Close, nil
	case "redis":
		rdb, err := kvstore.Connect(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			return nil, nil, nil, err
		}
		deps["redis"] = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		return kvstore.NewBocStore(rdb, cfg.Cache.RedisTTL), deps, func() { _ = rdb.Close() }, nil
	default:
		return nil, deps, func() {}, nil
	}
}

// newValidator loads the API verification key from PEM or JWKS. A nil
// validator with a nil error means auth is disabled.
func newValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	switch {
	case cfg.PublicKeyPEM != "":
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(fetchCtx, &http.Client{Timeout: 10 * time.Second}, cfg.JWKSURL, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
	default:
		return nil, nil
	}
}

// drainJobs stops job intake and waits for in-flight jobs. After grace the
// remaining deliveries are canceled, which ends them with a canceled result.
// It reports whether every job finished on its own.
func drainJobs(stop func(), stopped <-chan int, grace time.Duration, cancelSubmits context.CancelFunc) bool {
	stop()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-stopped:
		return true
	case <-timer.C:
		cancelSubmits()
		<-stopped
		return false
	}
}

var channelUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// responseChannel names the relay's private channel on the responses topic.
// nsqd limits channel names to 64 characters.
func responseChannel(relayID string) string {
	name := "relay-" + channelUnsafe.ReplaceAllString(relayID, "_")
	if len(name) > 54 {
		name = name[:54]
	}
	return name + "#ephemeral"
}
