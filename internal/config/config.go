// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	taskdomain "dispatchd/internal/domain/task"
)

// Config holds everything the dispatcher process needs at startup.
type Config struct {
	DatabaseURL string
	Port        string

	// WorkerCount is the size of the worker pool. Testing suppresses
	// workers and schema creation so tests can drive the queue directly.
	WorkerCount int
	Testing     bool

	// DispatchTimeout caps each outbound call. The 10s default is part of
	// the dispatch contract.
	DispatchTimeout time.Duration

	// ReaperInterval of zero disables the stale-task reaper (the default:
	// a crashed claim stays in processing). ReaperAfter is how long a
	// processing row may sit untouched before it is requeued.
	ReaperInterval time.Duration
	ReaperAfter    time.Duration

	// Downstreams maps each service to its base URL.
	Downstreams map[taskdomain.Service]string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("WORKER_COUNT", 5)
	v.SetDefault("DISPATCH_TIMEOUT", "10s")
	v.SetDefault("REAPER_INTERVAL", "0s")
	v.SetDefault("REAPER_AFTER", "10m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	cfg := &Config{
		DatabaseURL:     v.GetString("DATABASE_URL"),
		Port:            v.GetString("PORT"),
		WorkerCount:     v.GetInt("WORKER_COUNT"),
		Testing:         v.GetString("TESTING") == "1",
		DispatchTimeout: v.GetDuration("DISPATCH_TIMEOUT"),
		ReaperInterval:  v.GetDuration("REAPER_INTERVAL"),
		ReaperAfter:     v.GetDuration("REAPER_AFTER"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),
		Downstreams: map[taskdomain.Service]string{
			taskdomain.ServiceUser:    v.GetString("USERS_URL"),
			taskdomain.ServicePayment: v.GetString("PAYMENTS_URL"),
			taskdomain.ServiceFlight:  v.GetString("FLIGHTS_URL"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return cfg, nil
}
