package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Prefix is the environment variable prefix connection defaults are read
// under, e.g. BUNMAP_BUFFER_TIMEOUT=30s.
const Prefix = "BUNMAP_"

// Defaults are the connection tunables read from the environment.
type Defaults struct {
	BufferOps         bool
	BufferTimeout     time.Duration
	Strict            bool
	AutoIndex         bool
	PopulateCacheSize int
	IndexWorkers      int
	LogLevel          string
	LogFormat         string
}

// FromEnv reads connection defaults from BUNMAP_* environment variables and
// an optional .env file, falling back to built-ins.
func FromEnv() Defaults {
	v := viper.New()

	// Load from .env file if one exists; it is optional.
	v.SetConfigFile(".env")
	_ = v.ReadInConfig()

	v.SetDefault("buffer_ops", true)
	v.SetDefault("buffer_timeout", 10*time.Second)
	v.SetDefault("strict", true)
	v.SetDefault("auto_index", true)
	v.SetDefault("populate_cache_size", 0)
	v.SetDefault("index_workers", 2)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")

	// BUNMAP_BUFFER_TIMEOUT -> buffer_timeout
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]
		if !strings.HasPrefix(key, Prefix) {
			continue
		}
		propKey := strings.ToLower(strings.TrimPrefix(key, Prefix))
		if propKey == "" {
			continue
		}
		v.Set(propKey, value)
	}

	d := Defaults{
		BufferOps:         v.GetBool("buffer_ops"),
		BufferTimeout:     v.GetDuration("buffer_timeout"),
		Strict:            v.GetBool("strict"),
		AutoIndex:         v.GetBool("auto_index"),
		PopulateCacheSize: v.GetInt("populate_cache_size"),
		IndexWorkers:      v.GetInt("index_workers"),
		LogLevel:          strings.ToUpper(v.GetString("log_level")),
		LogFormat:         v.GetString("log_format"),
	}
	if d.IndexWorkers < 1 {
		d.IndexWorkers = 1
	}
	if d.BufferTimeout < 0 {
		d.BufferTimeout = 0
	}
	if d.PopulateCacheSize < 0 {
		d.PopulateCacheSize = 0
	}
	return d
}
