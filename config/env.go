package config

import (
	"fmt"
	"strconv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEETWATCH_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from FLEETWATCH_* variables.
//
//	FLEETWATCH_CHECK_INTERVAL      heartbeat.check_interval
//	FLEETWATCH_FAILURE_THRESHOLD   heartbeat.failure_threshold
//	FLEETWATCH_LISTEN              http.listen
//	FLEETWATCH_STORE               store.backend
//	FLEETWATCH_STORE_PATH          store.path
//	FLEETWATCH_DATABASE_URL        store.postgres_dsn
//	FLEETWATCH_NATS_URL            nats.url
//	FLEETWATCH_LOG_LEVEL           log.level
//	FLEETWATCH_TRACING             telemetry.tracing
//	FLEETWATCH_OTLP_ENDPOINT       telemetry.endpoint
//	FLEETWATCH_RATE_LIMIT          ingest.rate_limit
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	durations := []struct {
		key string
		dst *Duration
	}{
		{"CHECK_INTERVAL", &cfg.Heartbeat.CheckInterval},
		{"FAILURE_THRESHOLD", &cfg.Heartbeat.FailureThreshold},
		{"SHUTDOWN_GRACE", &cfg.Shutdown.Grace},
	}
	for _, d := range durations {
		if v, ok := lookup(EnvPrefix + d.key); ok {
			if err := d.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
			}
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"LISTEN", &cfg.HTTP.Listen},
		{"STORE", &cfg.Store.Backend},
		{"STORE_PATH", &cfg.Store.Path},
		{"DATABASE_URL", &cfg.Store.PostgresDSN},
		{"NATS_URL", &cfg.NATS.URL},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"TRACING", &cfg.Telemetry.Tracing},
		{"OTLP_ENDPOINT", &cfg.Telemetry.Endpoint},
	}
	for _, s := range strs {
		if v, ok := lookup(EnvPrefix + s.key); ok {
			*s.dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		cfg.Ingest.RateLimit = f
	}
	return nil
}
