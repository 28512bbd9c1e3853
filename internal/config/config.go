package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AppConfig struct {
	BaseURL string
	WSURL   string

	PlayerID string

	PreferredColor string
	InitialMs      int64
	IncrementMs    int64

	QueuePollInterval time.Duration
	MoveTimeout       time.Duration
	HeartbeatInterval time.Duration

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	ReconnectMax  int

	RedisURL string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		PreferredColor:    "auto",
		InitialMs:         300_000,
		IncrementMs:       0,
		QueuePollInterval: 2500 * time.Millisecond,
		MoveTimeout:       10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ReconnectBase:     500 * time.Millisecond,
		ReconnectCap:      8 * time.Second,
		ReconnectMax:      0, // unlimited
	}

	cfg.BaseURL = strings.TrimSpace(os.Getenv("CHESSICA_BASE_URL"))
	cfg.WSURL = strings.TrimSpace(os.Getenv("CHESSICA_WS_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	cfg.PlayerID = strings.TrimSpace(os.Getenv("CHESSICA_PLAYER_ID"))
	if cfg.PlayerID == "" {
		cfg.PlayerID = uuid.NewString()
	}

	if v := strings.TrimSpace(os.Getenv("CHESSICA_COLOR")); v != "" {
		switch strings.ToLower(v) {
		case "white", "black", "auto":
			cfg.PreferredColor = strings.ToLower(v)
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHESSICA_INITIAL_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.InitialMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHESSICA_INCREMENT_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.IncrementMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHESSICA_QUEUE_POLL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueuePollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHESSICA_MOVE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MoveTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHESSICA_RECONNECT_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ReconnectMax = n
		}
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("CHESSICA_BASE_URL is required")
	}
	if cfg.WSURL == "" {
		return nil, errors.New("CHESSICA_WS_URL is required")
	}

	return cfg, nil
}
