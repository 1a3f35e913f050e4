// Package config loads process-wide configuration from the environment.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config describes the configuration shared by every binary in this
// module. Not every field is relevant to every binary; each composition
// root reads only the section it needs.
type Config struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	// PGDSN is DATABASE_URL per spec.md §6; kept under the teacher's own
	// field name since the env var itself is spelled out explicitly below.
	PGDSN string `envconfig:"DATABASE_URL"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Platform struct {
		APIID           int           `envconfig:"PLATFORM_API_ID"`
		APIHash         string        `envconfig:"PLATFORM_API_HASH"`
		GlobalRPS       float64       `envconfig:"PLATFORM_GLOBAL_RPS" default:"20"`
		FloodSleepLimit time.Duration `envconfig:"PLATFORM_FLOOD_SLEEP_LIMIT" default:"1200s"`
		DeepLinkHost    string        `envconfig:"PLATFORM_DEEPLINK_HOST" default:"t.me"`
	} `envconfig:""`

	Scheduler struct {
		PollInterval       time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"2s"`
		FullInfoStaleAfter time.Duration `envconfig:"SCHEDULER_FULLINFO_STALE_AFTER" default:"24h"`
	} `envconfig:""`

	History struct {
		PrimeLimit       int `envconfig:"HISTORY_PRIME_LIMIT" default:"100"`
		ArchaeologyLimit int `envconfig:"HISTORY_ARCHAEOLOGY_LIMIT" default:"500"`
		CatchupCeiling   int `envconfig:"HISTORY_CATCHUP_CEILING" default:"500"`
		CatchupFloor     int `envconfig:"HISTORY_CATCHUP_FLOOR" default:"1"`
	} `envconfig:""`

	ResolveCacheTTL time.Duration `envconfig:"RESOLVE_CACHE_TTL" default:"5m"`
}

// Load reads Config from the environment, terminating the process on a
// malformed value — the teacher's own config.Load does the same, since a
// bad env var at startup is never recoverable.
func Load() Config {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}
