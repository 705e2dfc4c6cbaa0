package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go-simpler.org/env"
)

type config struct {
	Address  string `env:"SOCKETHOOK_ADDRESS" default:"0.0.0.0"`
	Port     int    `env:"SOCKETHOOK_PORT" default:"1234"`
	RedisURL string `env:"SOCKETHOOK_REDIS_URL"`

	// Websocket Origin headers must match this scheme://host[:port]; empty allows any.
	Origin string `env:"SOCKETHOOK_ORIGIN"`

	LogLevel  string `env:"SOCKETHOOK_LOG_LEVEL" default:"info"`
	LogFormat string `env:"SOCKETHOOK_LOG_FORMAT" default:"text"`

	HookRate  float64 `env:"SOCKETHOOK_HOOK_RATE" default:"0"`
	HookBurst int     `env:"SOCKETHOOK_HOOK_BURST" default:"50"`

	MetricsTick time.Duration `env:"SOCKETHOOK_METRICS_TICK" default:"60s"`
	StopTimeout time.Duration `env:"SOCKETHOOK_STOP_TIMEOUT" default:"10s"`
	KillTimeout time.Duration `env:"SOCKETHOOK_KILL_TIMEOUT" default:"1s"`
}

// loadConfig reads an optional .env file, then the environment, then args.
// Flags win over the environment.
func loadConfig(args []string) (*config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using environment variables")
	}

	var cfg config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	fs := flag.NewFlagSet("sockethook", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", cfg.Address, "network address to bind to")
	fs.StringVar(&cfg.Address, "a", cfg.Address, "shorthand for -address")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on for incoming requests")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "shorthand for -port")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis connection string for coordinating multiple instances")
	fs.StringVar(&cfg.RedisURL, "r", cfg.RedisURL, "shorthand for -redis")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "websocket server checks Origin headers against this scheme://host[:port]")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.Float64Var(&cfg.HookRate, "hook-rate", cfg.HookRate, "hook requests per second, 0 for unlimited")
	fs.IntVar(&cfg.HookBurst, "hook-burst", cfg.HookBurst, "hook request burst size")
	fs.DurationVar(&cfg.MetricsTick, "metrics.tick", cfg.MetricsTick, "metrics: duration between reports, 0 to disable")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "stop timeout")
	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "kill timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *config) error {
	if cfg.Address == "" || strings.ContainsAny(cfg.Address, " \t/") {
		return fmt.Errorf("invalid listen address %q", cfg.Address)
	}
	if strings.Contains(cfg.Address, ":") && net.ParseIP(cfg.Address) == nil {
		return fmt.Errorf("invalid listen address %q", cfg.Address)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid listen port %d, must be 1-65535", cfg.Port)
	}
	if cfg.RedisURL != "" {
		if _, err := redis.ParseURL(cfg.RedisURL); err != nil {
			return fmt.Errorf("invalid redis connection string: %w", err)
		}
	}
	if cfg.HookRate < 0 {
		return errors.New("hook rate must not be negative")
	}
	if cfg.HookRate > 0 && cfg.HookBurst < 1 {
		return errors.New("hook burst must be at least 1 when a hook rate is set")
	}
	return nil
}

func (cfg *config) listenAddr() string {
	return net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
}
