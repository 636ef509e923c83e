// Package config describes tinycdpd's configuration, loaded from environment
// variables with DefaultConfig as the starting point.
package config

import "time"

const (
	defaultPort           = 8080
	defaultDecisionTTL    = 60 * time.Second
	defaultMetricsPrefix  = "tinycdp"
	defaultPrometheusPort = 9090
)

// Config describes the configuration for one tinycdpd instance.
type Config struct {
	Main        MainConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	DynamoDB    DynamoDBConfig
	Consul      ConsulConfig
	Definitions DefinitionsConfig
	Metrics     MetricsConfig
}

// MainConfig contains global listener/logging options.
type MainConfig struct {
	Port     int
	LogLevel string
}

// PostgresConfig configures the optional Postgres-backed Store. Used only if URL
// is non-empty; otherwise tinycdpd runs on the in-memory store.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the optional Redis read-through cache layered in front of
// UserTrait/UserSegment reads.
type RedisConfig struct {
	URL      string
	LocalTTL time.Duration
}

// DynamoDBConfig configures the optional DynamoDB event-log mirror.
type DynamoDBConfig struct {
	Enabled   bool
	TableName string
	Region    string
}

// ConsulConfig configures watching trait/segment/flag definitions in Consul KV for
// hot reload, instead of (or in addition to) the admin HTTP API.
type ConsulConfig struct {
	Address string
	Prefix  string
}

// DefinitionsConfig configures loading trait/segment/flag definitions from a local
// JSON file on startup and optionally watching it for changes.
type DefinitionsConfig struct {
	FilePath string
	Watch    bool
}

// MetricsConfig configures the optional opencensus exporters internal/metrics
// registers for the views it defines (request counts/latency, decision cache
// hit/miss, pipeline substep failures).
type MetricsConfig struct {
	PrometheusEnabled bool
	PrometheusPort    int
	Prefix            string
	Datadog           DatadogConfig
	Stackdriver       StackdriverConfig
}

// DatadogConfig configures the optional Datadog exporter, used only if Enabled.
type DatadogConfig struct {
	Enabled   bool
	StatsAddr string
	TraceAddr string
}

// StackdriverConfig configures the optional Google Cloud Monitoring (Stackdriver)
// exporter, used only if Enabled.
type StackdriverConfig struct {
	Enabled   bool
	ProjectID string
}

// DefaultConfig is the zero-configuration starting point: in-memory store, no
// caches, Prometheus disabled, decide cache TTL fixed at the spec's 60s.
var DefaultConfig = Config{
	Main: MainConfig{
		Port:     defaultPort,
		LogLevel: "info",
	},
	Metrics: MetricsConfig{
		PrometheusPort: defaultPrometheusPort,
		Prefix:         defaultMetricsPrefix,
	},
}

// DecisionTTL is not user-configurable; internal/decision.TTL is the single
// source of truth. Kept here only as a named constant for operators reading this
// package to find the value without chasing into internal/decision.
const DecisionTTL = defaultDecisionTTL
