package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "HONEYGUARD_"

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
		cfg.Storage.Enabled = true
	}
	if v := env("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := env("REDIS_URL"); v != "" {
		cfg.Baseline.RedisURL = v
	}
	if v := env("NATS_URL"); v != "" {
		cfg.Notify.NATS.URL = v
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v := env("ES_ADDRESSES"); v != "" {
		cfg.Notify.Elasticsearch.Addresses = splitList(v)
	}
	if v := env("ES_USERNAME"); v != "" {
		cfg.Notify.Elasticsearch.Username = v
	}
	if v := env("ES_PASSWORD"); v != "" {
		cfg.Notify.Elasticsearch.Password = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
