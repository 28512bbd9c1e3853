package chessicadto

import "time"

// Session lifecycle states as reported by the authoritative store.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAbandoned = "abandoned"
)

// SessionDetail is the authoritative snapshot fetched on session load.
type SessionDetail struct {
	SessionID   string     `json:"session_id"`
	FEN         string     `json:"fen"`
	PlayerColor Color      `json:"player_color"`
	Clocks      ClockState `json:"clocks"`
	Moves       []string   `json:"moves"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// GameState is the server's board summary attached to move responses and
// stream frames.
type GameState struct {
	FEN        string `json:"fen"`
	MoveNumber int    `json:"move_number"`
	Turn       Color  `json:"turn"`
}
