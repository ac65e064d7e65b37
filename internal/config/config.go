package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	DatabasePath    string
	PipelineEnabled bool

	Insights domain.InsightsConfig
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	pipelineEnabled, err := parseBool("PIPELINE_ENABLED", true)
	if err != nil {
		return nil, err
	}

	insights, err := loadInsights()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "climb-votes"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "climb-consensus"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "climb-insights"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
		DatabasePath:       sharedcfg.EnvOrDefault("DATABASE_PATH", "data/climbs.db"),
		PipelineEnabled:    pipelineEnabled,
		Insights:           insights,
	}

	if cfg.DatabasePath == "" {
		return nil, errors.New("DATABASE_PATH is required")
	}
	if cfg.PipelineEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaSourceTopic == "" {
			return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required")
		}
	}

	return cfg, nil
}

func loadInsights() (domain.InsightsConfig, error) {
	cfg := domain.DefaultInsightsConfig()

	ints := []struct {
		key string
		dst *int
	}{
		{"INSIGHTS_MIN_SESSIONS", &cfg.MinSessions},
		{"INSIGHTS_WEAKNESS_MIN_ROUTES", &cfg.WeaknessMinRoutes},
	}
	for _, f := range ints {
		if s := os.Getenv(f.key); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", f.key, err)
			}
			*f.dst = n
		}
	}

	percents := []struct {
		key string
		dst *float64
	}{
		{"INSIGHTS_COMFORT_MIN", &cfg.ComfortZoneMin},
		{"INSIGHTS_PROJECT_MIN", &cfg.ProjectZoneMin},
		{"INSIGHTS_PROJECT_MAX", &cfg.ProjectZoneMax},
		{"INSIGHTS_TOO_HARD_MAX", &cfg.TooHardMax},
		{"INSIGHTS_STRENGTH_MIN", &cfg.StrengthMin},
		{"INSIGHTS_WEAKNESS_MAX", &cfg.WeaknessMax},
	}
	for _, f := range percents {
		if s := os.Getenv(f.key); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", f.key, err)
			}
			*f.dst = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid insights thresholds: %w", err)
	}
	return cfg, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
