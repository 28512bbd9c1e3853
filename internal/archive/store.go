package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/chessica-client-go/internal/obslog"
	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

const ttlRecord = 30 * 24 * time.Hour

// Record is the locally kept result of a finished game.
type Record struct {
	SessionID   string            `json:"session_id"`
	PlayerID    string            `json:"player_id"`
	PlayerColor chessicadto.Color `json:"player_color"`
	Result      string            `json:"result"`
	Winner      string            `json:"winner,omitempty"`
	Message     string            `json:"message,omitempty"`
	FinalFEN    string            `json:"final_fen"`
	MovesUCI    []string          `json:"moves_uci"`
	MovesSAN    []string          `json:"moves_san"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Store keeps finished-game records in Redis so a player can review recent
// games across client restarts. The session core writes to it on game over;
// the store is optional and the core runs without one.
type Store struct {
	rdb *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for game archive")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Save upserts a record and indexes it under the player.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if s == nil || s.rdb == nil || r == nil {
		return nil
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, recordKey(r.SessionID), raw, ttlRecord).Err(); err != nil {
		return err
	}
	if strings.TrimSpace(r.PlayerID) != "" {
		key := playerIdxKey(r.PlayerID)
		if err := s.rdb.SAdd(ctx, key, r.SessionID).Err(); err != nil {
			return err
		}
		_ = s.rdb.Expire(ctx, key, ttlRecord).Err()
	}
	obslog.L().Info("archive_saved",
		zap.String("session_id", r.SessionID),
		zap.String("result", r.Result),
		zap.Int("plies", len(r.MovesUCI)),
	)
	return nil
}

// Get returns the record for a session, or nil when absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Recent lists a player's finished games, newest first, up to limit.
func (s *Store) Recent(ctx context.Context, playerID string, limit int) ([]*Record, error) {
	ids, err := s.rdb.SMembers(ctx, playerIdxKey(playerID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*Record
	for _, id := range ids {
		r, gerr := s.Get(ctx, id)
		if gerr == nil && r != nil {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CompletedAt.After(list[j].CompletedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func recordKey(sessionID string) string { return "arch:game:" + strings.TrimSpace(sessionID) }
func playerIdxKey(playerID string) string {
	return "arch:index:player:" + strings.TrimSpace(playerID)
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
