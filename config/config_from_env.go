package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadFromEnvironment overlays environment variables onto a Config that should
// already be initialized from DefaultConfig.
func LoadFromEnvironment(c *Config) error {
	var errs []error

	maybeSetInt(&c.Main.Port, "PORT", &errs)
	maybeSetString(&c.Main.LogLevel, "LOG_LEVEL")

	maybeSetString(&c.Postgres.URL, "DATABASE_URL")
	maybeSetInt(&c.Postgres.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS", &errs)
	maybeSetDuration(&c.Postgres.ConnMaxLifetime, "DATABASE_CONN_MAX_LIFETIME", &errs)

	maybeSetString(&c.Redis.URL, "REDIS_URL")
	maybeSetDuration(&c.Redis.LocalTTL, "REDIS_LOCAL_TTL", &errs)

	maybeSetBool(&c.DynamoDB.Enabled, "DYNAMODB_ENABLED")
	maybeSetString(&c.DynamoDB.TableName, "DYNAMODB_TABLE_NAME")
	maybeSetString(&c.DynamoDB.Region, "DYNAMODB_REGION")

	maybeSetString(&c.Consul.Address, "CONSUL_ADDRESS")
	maybeSetString(&c.Consul.Prefix, "CONSUL_PREFIX")

	maybeSetString(&c.Definitions.FilePath, "DEFINITIONS_FILE")
	maybeSetBool(&c.Definitions.Watch, "DEFINITIONS_WATCH")

	maybeSetBool(&c.Metrics.PrometheusEnabled, "PROMETHEUS_ENABLED")
	maybeSetInt(&c.Metrics.PrometheusPort, "PROMETHEUS_PORT", &errs)
	maybeSetString(&c.Metrics.Prefix, "METRICS_PREFIX")
	maybeSetBool(&c.Metrics.Datadog.Enabled, "DATADOG_ENABLED")
	maybeSetString(&c.Metrics.Datadog.StatsAddr, "DATADOG_STATS_ADDR")
	maybeSetString(&c.Metrics.Datadog.TraceAddr, "DATADOG_TRACE_ADDR")
	maybeSetBool(&c.Metrics.Stackdriver.Enabled, "STACKDRIVER_ENABLED")
	maybeSetString(&c.Metrics.Stackdriver.ProjectID, "STACKDRIVER_PROJECT_ID")

	if len(errs) > 0 {
		return fmt.Errorf("config: %d error(s), first: %w", len(errs), errs[0])
	}
	return nil
}

func maybeSetString(dest *string, varname string) {
	if v, ok := os.LookupEnv(varname); ok {
		*dest = v
	}
}

func maybeSetBool(dest *bool, varname string) {
	if v, ok := os.LookupEnv(varname); ok {
		*dest = v == "1" || v == "true"
	}
}

func maybeSetInt(dest *int, varname string, errs *[]error) {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer: %w", varname, err))
		return
	}
	*dest = n
}

func maybeSetDuration(dest *time.Duration, varname string, errs *[]error) {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration: %w", varname, err))
		return
	}
	*dest = d
}
