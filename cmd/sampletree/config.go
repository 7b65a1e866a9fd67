package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	ServiceConfig struct {
		Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
		SentryDSN   string `env:"SENTRY_DSN"`
		Port        string `env:"PORT" env-default:"8080"`
		LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

		StorageBackend string `env:"STORAGE_BACKEND" env-default:"blob"`
		StorageURL     string `env:"STORAGE_URL" env-default:"mem://"`
		GCSBucket      string `env:"GCS_BUCKET" env-default:"sentry-sample-trees"`
		BadgerPath     string `env:"BADGER_PATH" env-default:"/var/lib/sampletree"`

		WindowDuration     time.Duration `env:"WINDOW_DURATION" env-default:"5m"`
		PersistConcurrency int           `env:"PERSIST_CONCURRENCY" env-default:"8"`
		NodesPerChunk      int           `env:"NODES_PER_CHUNK" env-default:"4096"`

		CacheMaxWeight    int           `env:"CACHE_MAX_WEIGHT" env-default:"50000000"`
		CacheMaxSummaries int           `env:"CACHE_MAX_SUMMARIES" env-default:"10000"`
		CacheIdleTimeout  time.Duration `env:"CACHE_IDLE_TIMEOUT" env-default:"10m"`
		CacheWaitTimeout  time.Duration `env:"CACHE_WAIT_TIMEOUT" env-default:"5s"`
		CacheLoadTimeout  time.Duration `env:"CACHE_LOAD_TIMEOUT" env-default:"1m"`

		KafkaBrokers      []string `env:"KAFKA_BROKERS" env-separator:","`
		WindowsKafkaTopic string   `env:"WINDOWS_KAFKA_TOPIC" env-default:"sample-tree-windows"`
	}
)

func readConfig() (ServiceConfig, error) {
	var config ServiceConfig
	if err := cleanenv.ReadEnv(&config); err != nil {
		return config, err
	}
	if config.WindowDuration < time.Second {
		return config, fmt.Errorf("WINDOW_DURATION should be at least a second, got %v", config.WindowDuration)
	}
	return config, nil
}
