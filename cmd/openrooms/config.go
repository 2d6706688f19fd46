package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/openrooms/internal/dispatch"
	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/state"
	"github.com/rendis/openrooms/internal/tools"
)

// Config holds all openrooms server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	StateTTL          Duration `json:"state_ttl"`
	MaxExecutionTime  Duration `json:"max_execution_time"`
	LockTimeout       Duration `json:"lock_timeout"`
	LockRenewInterval Duration `json:"lock_renew_interval"`
	ToolTimeout       Duration `json:"tool_timeout"`

	PoolSize            int     `json:"pool_size"`
	DispatchRate        float64 `json:"dispatch_rate"`
	DispatchBurst       int     `json:"dispatch_burst"`
	DispatchMaxAttempts int     `json:"dispatch_max_attempts"`

	WorkflowsDir string `json:"workflows_dir"`

	OpenAIBaseURL string `json:"openai_base_url"`
	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIModel   string `json:"openai_model"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var (
	ErrInvalidListenAddr  = errors.New("listen address is required")
	ErrInvalidDBPath      = errors.New("database path is required")
	ErrInvalidRedisAddr   = errors.New("redis address is required")
	ErrInvalidPoolSize    = errors.New("pool size must be positive")
	ErrInvalidLockTimeout = errors.New("lock timeout must be positive")
	ErrInvalidLockRenew   = errors.New("lock renew interval must be shorter than the lock timeout")
	ErrInvalidMaxExecTime = errors.New("max execution time must be positive")
	ErrInvalidStateTTL    = errors.New("state ttl must be positive")
	ErrInvalidDispatch    = errors.New("dispatch rate and burst must be positive")
)

func defaultConfig() Config {
	return Config{
		ListenAddr:          ":4200",
		DBPath:              filepath.Join(openroomsDir(), "openrooms.db"),
		LogLevel:            "info",
		RedisAddr:           "localhost:6379",
		StateTTL:            Duration(state.DefaultStateTTL),
		MaxExecutionTime:    Duration(5 * time.Minute),
		LockTimeout:         Duration(30 * time.Second),
		LockRenewInterval:   Duration(10 * time.Second),
		ToolTimeout:         Duration(tools.DefaultTimeout),
		PoolSize:            engine.DefaultPoolSize,
		DispatchRate:        dispatch.DefaultRate,
		DispatchBurst:       dispatch.DefaultBurst,
		DispatchMaxAttempts: dispatch.DefaultMaxAttempts,
		OpenAIModel:         "gpt-4o-mini",
	}
}

func openroomsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openrooms"
	}
	return filepath.Join(home, ".openrooms")
}

func settingsPath() string {
	if v := os.Getenv("OPENROOMS_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(openroomsDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and the environment. A
// missing settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	loadEnvString("OPENROOMS_LISTEN_ADDR", &cfg.ListenAddr)
	loadEnvString("OPENROOMS_DB_PATH", &cfg.DBPath)
	loadEnvString("OPENROOMS_LOG_LEVEL", &cfg.LogLevel)
	loadEnvString("OPENROOMS_REDIS_ADDR", &cfg.RedisAddr)
	loadEnvString("OPENROOMS_REDIS_PASSWORD", &cfg.RedisPassword)
	loadEnvInt("OPENROOMS_REDIS_DB", &cfg.RedisDB)
	loadEnvDuration("OPENROOMS_STATE_TTL", &cfg.StateTTL)
	loadEnvDuration("OPENROOMS_MAX_EXECUTION_TIME", &cfg.MaxExecutionTime)
	loadEnvDuration("OPENROOMS_LOCK_TIMEOUT", &cfg.LockTimeout)
	loadEnvDuration("OPENROOMS_LOCK_RENEW_INTERVAL", &cfg.LockRenewInterval)
	loadEnvDuration("OPENROOMS_TOOL_TIMEOUT", &cfg.ToolTimeout)
	loadEnvInt("OPENROOMS_POOL_SIZE", &cfg.PoolSize)
	loadEnvFloat("OPENROOMS_DISPATCH_RATE", &cfg.DispatchRate)
	loadEnvInt("OPENROOMS_DISPATCH_BURST", &cfg.DispatchBurst)
	loadEnvInt("OPENROOMS_DISPATCH_MAX_ATTEMPTS", &cfg.DispatchMaxAttempts)
	loadEnvString("OPENROOMS_WORKFLOWS_DIR", &cfg.WorkflowsDir)
	loadEnvString("OPENROOMS_OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	loadEnvString("OPENROOMS_OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	loadEnvString("OPENROOMS_OPENAI_MODEL", &cfg.OpenAIModel)

	return cfg, nil
}

// Validate checks the configuration for values the server cannot start with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return ErrInvalidListenAddr
	case c.DBPath == "":
		return ErrInvalidDBPath
	case c.RedisAddr == "":
		return ErrInvalidRedisAddr
	case c.PoolSize <= 0:
		return ErrInvalidPoolSize
	case c.LockTimeout <= 0:
		return ErrInvalidLockTimeout
	case c.LockRenewInterval < 0 || (c.LockRenewInterval > 0 && c.LockRenewInterval >= c.LockTimeout):
		return ErrInvalidLockRenew
	case c.MaxExecutionTime <= 0:
		return ErrInvalidMaxExecTime
	case c.StateTTL <= 0:
		return ErrInvalidStateTTL
	case c.DispatchRate <= 0 || c.DispatchBurst <= 0:
		return ErrInvalidDispatch
	}
	return nil
}

func loadEnvString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func loadEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func loadEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func loadEnvDuration(key string, target *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}
