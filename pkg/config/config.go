// Package config loads the runtime daemon's environment (cache size
// limits, worker pool size, request deadline): a .env file loaded with
// godotenv, then decoded into a typed struct with envdecode.
package config

import (
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every environment-sourced setting the daemon needs.
type Config struct {
	Port int `env:"LOAF_PORT,default=4271"`

	WorkerPoolSize int `env:"LOAF_WORKER_POOL_SIZE,default=8"`

	RequestDeadline time.Duration `env:"LOAF_REQUEST_DEADLINE,default=30s"`

	CacheCapacity      int `env:"LOAF_CACHE_CAPACITY,default=4096"`
	CacheHighWatermark int `env:"LOAF_CACHE_HIGH_WATERMARK_BYTES,default=67108864"`
	CacheLowWatermark  int `env:"LOAF_CACHE_LOW_WATERMARK_BYTES,default=50331648"`

	HeapCollectThreshold int `env:"LOAF_HEAP_COLLECT_THRESHOLD,default=100000"`
	HeapMaxAllocations   int `env:"LOAF_HEAP_MAX_ALLOCATIONS,default=1000000"`

	LogLevel string `env:"LOAF_LOG_LEVEL,default=info"`
}

// Load reads a .env file at path (if present — a missing file is not an
// error; the .env file is a development convenience rather than a hard
// requirement) and decodes the process environment into a Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
