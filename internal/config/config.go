package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/austindbirch/tonharbor/internal/clienterr"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr       string // e.g. nsqd:4150
	LookupHTTPAddr    string // e.g. http://nsqlookupd:4161
	MessagesTopic     string // submit jobs consumed by the relay
	ResultsTopic      string // delivery outcomes published by the relay
	DLQTopic          string // terminal failures
	AppRequestsTopic  string // app requests handed to the host
	AppResponsesTopic string // host resolutions
	RelayChannel      string // NSQ channel name for relays
	MaxInFlight       int    // concurrent submit jobs per relay
}

// Network holds everything the delivery runtime is built from
type Network struct {
	Endpoints                   []string
	AccessKey                   string        // HMAC secret for endpoint bearer tokens, empty disables auth
	MessageRetriesCount         int           // retries after the first broadcast round
	MessageExpirationTimeout    time.Duration // base expiration window
	ExpirationTimeoutGrowFactor float64       // window multiplier per retry
	MessageProcessingTimeout    time.Duration // upper bound of one confirmation wait
	OutOfSyncThreshold          time.Duration // must not exceed MessageProcessingTimeout/2
	SendingEndpointCount        int
	LatencyProbeInterval        time.Duration
	MaxLatency                  time.Duration
	DemotionStreak              int
	ReconnectInitialDelay       time.Duration
	ReconnectMaxDelay           time.Duration
	ReconnectBudget             time.Duration
	QueryTimeout                time.Duration
	SubscriptionPollInterval    time.Duration
	AppRequestTimeout           time.Duration
}

type Cache struct {
	CapacityBytes int64
	Store         string // none | postgres | redis
	RedisAddr     string
	RedisTTL      time.Duration // zero keeps entries forever
}

// Auth configures bearer token checks on the relay API. The key comes from
// PublicKeyPEM, or from JWKSURL when no PEM is set; with neither the API is
// open.
type Auth struct {
	PublicKeyPEM string
	JWKSURL      string
	KeyID        string
	Issuer       string
	Audience     string
}

type Config struct {
	AppName  string
	RelayID  string // empty means a random id per process
	HTTPPort string // :8080
	GRPCPort string // :50051
	DB       DB
	NSQ      NSQ
	Network  Network
	Cache    Cache
	Auth     Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseEndpoints splits a comma separated endpoint list, dropping blanks
func parseEndpoints(list string) []string {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	endpoints := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			endpoints = append(endpoints, part)
		}
	}
	return endpoints
}

// DefaultNetwork returns the network settings used when nothing is configured
func DefaultNetwork() Network {
	return Network{
		MessageRetriesCount:         5,
		MessageExpirationTimeout:    40 * time.Second,
		ExpirationTimeoutGrowFactor: 1.5,
		MessageProcessingTimeout:    40 * time.Second,
		OutOfSyncThreshold:          15 * time.Second,
		SendingEndpointCount:        2,
		LatencyProbeInterval:        60 * time.Second,
		MaxLatency:                  60 * time.Second,
		DemotionStreak:              3,
		ReconnectInitialDelay:       time.Second,
		ReconnectMaxDelay:           30 * time.Second,
		ReconnectBudget:             2 * time.Minute,
		QueryTimeout:                60 * time.Second,
		SubscriptionPollInterval:    time.Second,
		AppRequestTimeout:           5 * time.Minute,
	}
}

func FromEnv() Config {
	def := DefaultNetwork()
	return Config{
		AppName:  getenv("APP_NAME", "tonharbor"),
		RelayID:  getenv("RELAY_ID", ""),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "tonharbor"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			MessagesTopic:     getenv("NSQ_MESSAGES_TOPIC", "messages"),
			ResultsTopic:      getenv("NSQ_RESULTS_TOPIC", "message_results"),
			DLQTopic:          getenv("NSQ_DLQ_TOPIC", "messages_dlq"),
			AppRequestsTopic:  getenv("NSQ_APP_REQUESTS_TOPIC", "app_requests"),
			AppResponsesTopic: getenv("NSQ_APP_RESPONSES_TOPIC", "app_responses"),
			RelayChannel:      getenv("NSQ_RELAY_CHANNEL", "relays"),
			MaxInFlight:       getenvInt("NSQ_MAX_IN_FLIGHT", 64),
		},
		Network: Network{
			Endpoints:                   parseEndpoints(getenv("ENDPOINTS", "")),
			AccessKey:                   getenv("ACCESS_KEY", ""),
			MessageRetriesCount:         getenvInt("MESSAGE_RETRIES_COUNT", def.MessageRetriesCount),
			MessageExpirationTimeout:    getenvDuration("MESSAGE_EXPIRATION_TIMEOUT", def.MessageExpirationTimeout),
			ExpirationTimeoutGrowFactor: getenvFloat("EXPIRATION_TIMEOUT_GROW_FACTOR", def.ExpirationTimeoutGrowFactor),
			MessageProcessingTimeout:    getenvDuration("MESSAGE_PROCESSING_TIMEOUT", def.MessageProcessingTimeout),
			OutOfSyncThreshold:          getenvDuration("OUT_OF_SYNC_THRESHOLD", def.OutOfSyncThreshold),
			SendingEndpointCount:        getenvInt("SENDING_ENDPOINT_COUNT", def.SendingEndpointCount),
			LatencyProbeInterval:        getenvDuration("LATENCY_PROBE_INTERVAL", def.LatencyProbeInterval),
			MaxLatency:                  getenvDuration("MAX_LATENCY", def.MaxLatency),
			DemotionStreak:              getenvInt("DEMOTION_STREAK", def.DemotionStreak),
			ReconnectInitialDelay:       getenvDuration("RECONNECT_INITIAL_DELAY", def.ReconnectInitialDelay),
			ReconnectMaxDelay:           getenvDuration("RECONNECT_MAX_DELAY", def.ReconnectMaxDelay),
			ReconnectBudget:             getenvDuration("RECONNECT_BUDGET", def.ReconnectBudget),
			QueryTimeout:                getenvDuration("QUERY_TIMEOUT", def.QueryTimeout),
			SubscriptionPollInterval:    getenvDuration("SUBSCRIPTION_POLL_INTERVAL", def.SubscriptionPollInterval),
			AppRequestTimeout:           getenvDuration("APP_REQUEST_TIMEOUT", def.AppRequestTimeout),
		},
		Cache: Cache{
			CapacityBytes: getenvInt64("BOC_CACHE_CAPACITY", 10<<20),
			Store:         getenv("BOC_STORE", "none"),
			RedisAddr:     getenv("REDIS_ADDR", "redis:6379"),
			RedisTTL:      getenvDuration("BOC_REDIS_TTL", 24*time.Hour),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWKS_URL", ""),
			KeyID:        getenv("JWT_KEY_ID", "tonharbor-key-1"),
			Issuer:       getenv("JWT_ISSUER", "tonharbor"),
			Audience:     getenv("JWT_AUDIENCE", "tonharbor-relay"),
		},
	}
}

// FromViper builds the network settings from a viper instance. Keys are the
// snake_case names used in the tonctl config file.
func FromViper(v *viper.Viper) Network {
	def := DefaultNetwork()
	v.SetDefault("message_retries_count", def.MessageRetriesCount)
	v.SetDefault("message_expiration_timeout", def.MessageExpirationTimeout)
	v.SetDefault("expiration_timeout_grow_factor", def.ExpirationTimeoutGrowFactor)
	v.SetDefault("message_processing_timeout", def.MessageProcessingTimeout)
	v.SetDefault("out_of_sync_threshold", def.OutOfSyncThreshold)
	v.SetDefault("sending_endpoint_count", def.SendingEndpointCount)
	v.SetDefault("latency_probe_interval", def.LatencyProbeInterval)
	v.SetDefault("max_latency", def.MaxLatency)
	v.SetDefault("demotion_streak", def.DemotionStreak)
	v.SetDefault("reconnect_initial_delay", def.ReconnectInitialDelay)
	v.SetDefault("reconnect_max_delay", def.ReconnectMaxDelay)
	v.SetDefault("reconnect_budget", def.ReconnectBudget)
	v.SetDefault("query_timeout", def.QueryTimeout)
	v.SetDefault("subscription_poll_interval", def.SubscriptionPollInterval)
	v.SetDefault("app_request_timeout", def.AppRequestTimeout)

	// env vars and flags may arrive as one comma separated string
	endpoints := parseEndpoints(strings.Join(v.GetStringSlice("endpoints"), ","))
	return Network{
		Endpoints:                   endpoints,
		AccessKey:                   v.GetString("access_key"),
		MessageRetriesCount:         v.GetInt("message_retries_count"),
		MessageExpirationTimeout:    v.GetDuration("message_expiration_timeout"),
		ExpirationTimeoutGrowFactor: v.GetFloat64("expiration_timeout_grow_factor"),
		MessageProcessingTimeout:    v.GetDuration("message_processing_timeout"),
		OutOfSyncThreshold:          v.GetDuration("out_of_sync_threshold"),
		SendingEndpointCount:        v.GetInt("sending_endpoint_count"),
		LatencyProbeInterval:        v.GetDuration("latency_probe_interval"),
		MaxLatency:                  v.GetDuration("max_latency"),
		DemotionStreak:              v.GetInt("demotion_streak"),
		ReconnectInitialDelay:       v.GetDuration("reconnect_initial_delay"),
		ReconnectMaxDelay:           v.GetDuration("reconnect_max_delay"),
		ReconnectBudget:             v.GetDuration("reconnect_budget"),
		QueryTimeout:                v.GetDuration("query_timeout"),
		SubscriptionPollInterval:    v.GetDuration("subscription_poll_interval"),
		AppRequestTimeout:           v.GetDuration("app_request_timeout"),
	}
}

// Validate checks the relationships between network settings. Every
// violation is an invalid_config error; nothing is clamped.
func (n Network) Validate() error {
	switch {
	case len(n.Endpoints) == 0:
		return clienterr.New(clienterr.KindInvalidConfig, "at least one endpoint is required")
	case n.MessageRetriesCount < 0:
		return clienterr.New(clienterr.KindInvalidConfig, "message_retries_count must not be negative, got %d", n.MessageRetriesCount)
	case n.MessageExpirationTimeout <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "message_expiration_timeout must be positive")
	case n.ExpirationTimeoutGrowFactor < 1:
		return clienterr.New(clienterr.KindInvalidConfig, "expiration_timeout_grow_factor must be >= 1, got %g", n.ExpirationTimeoutGrowFactor)
	case n.MessageProcessingTimeout <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "message_processing_timeout must be positive")
	case n.OutOfSyncThreshold < 0:
		return clienterr.New(clienterr.KindInvalidConfig, "out_of_sync_threshold must not be negative")
	case n.OutOfSyncThreshold > n.MessageProcessingTimeout/2:
		return clienterr.New(clienterr.KindInvalidConfig,
			"out_of_sync_threshold (%s) must not exceed half of message_processing_timeout (%s)",
			n.OutOfSyncThreshold, n.MessageProcessingTimeout)
	case n.SendingEndpointCount < 1:
		return clienterr.New(clienterr.KindInvalidConfig, "sending_endpoint_count must be at least 1")
	case n.LatencyProbeInterval <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "latency_probe_interval must be positive")
	case n.MaxLatency <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "max_latency must be positive")
	case n.DemotionStreak < 1:
		return clienterr.New(clienterr.KindInvalidConfig, "demotion_streak must be at least 1")
	case n.ReconnectInitialDelay <= 0 || n.ReconnectMaxDelay < n.ReconnectInitialDelay:
		return clienterr.New(clienterr.KindInvalidConfig, "reconnect delays must satisfy 0 < initial <= max")
	case n.ReconnectBudget <= 0:
		return clienterr.New(clienterr.KindInvalidConfig, "reconnect_budget must be positive")
	}
	return nil
}

// Validate checks the whole configuration
func (c Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if c.Cache.CapacityBytes <= 0 {
		return clienterr.New(clienterr.KindInvalidConfig, "boc cache capacity must be positive")
	}
	switch c.Cache.Store {
	case "none", "postgres", "redis":
	default:
		return clienterr.New(clienterr.KindInvalidConfig, "unknown boc store %q", c.Cache.Store)
	}
	if c.NSQ.MaxInFlight < 1 {
		return clienterr.New(clienterr.KindInvalidConfig, "nsq max in flight must be at least 1")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
