package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/joho/godotenv"
)

// Config is the relay configuration, read from the environment.
type Config struct {
	Port           string
	Room           RoomConfig
	ClientIPHeader string
	AllowedOrigins []string
	LogLevel       slog.Level
	LogFormat      string
}

// RoomConfig holds per-room limits and timers.
type RoomConfig struct {
	Limits                 admission.Limits
	MaxConcurrentTransfers int
	HeartbeatSweep         time.Duration
	RateLimitGC            time.Duration
	IdleTeardown           time.Duration
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Limits:                 admission.DefaultLimits(),
		MaxConcurrentTransfers: 1,
		HeartbeatSweep:         15 * time.Second,
		RateLimitGC:            60 * time.Second,
		IdleTeardown:           30 * time.Minute,
	}
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (Config, error) {
	// Load .env file (optional)
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using defaults/env vars")
	}

	cfg := Config{
		Port:           os.Getenv("PORT"),
		Room:           DefaultRoomConfig(),
		ClientIPHeader: os.Getenv("CLIENT_IP_HEADER"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}
	if cfg.Port == "" {
		cfg.Port = transport.DefaultServerPort
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	var err error
	if cfg.Room.Limits.MaxConnections, err = envInt("MAX_CONNECTIONS", cfg.Room.Limits.MaxConnections); err != nil {
		return cfg, err
	}
	if cfg.Room.Limits.MaxConnectionsPerIP, err = envInt("MAX_CONNECTIONS_PER_IP", cfg.Room.Limits.MaxConnectionsPerIP); err != nil {
		return cfg, err
	}
	if cfg.Room.MaxConcurrentTransfers, err = envInt("MAX_CONCURRENT_TRANSFERS", cfg.Room.MaxConcurrentTransfers); err != nil {
		return cfg, err
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			return cfg, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
	}
	return cfg, nil
}

// NewLogger builds the slog logger selected by LogFormat and LogLevel.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def, fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
