package chessicadto

import "encoding/json"

// FrameType discriminates inbound stream frames.
type FrameType string

const (
	FramePlayerMove FrameType = "player_move"
	FrameGameOver   FrameType = "game_over"
	FrameStatus     FrameType = "status"
)

// StreamFrame is the envelope broadcast over the session stream. Payload is
// decoded per Type by the session core.
type StreamFrame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MovePayload is the payload of a player_move frame. Player identifies the
// mover, which lets a client recognize echoes of its own submissions.
type MovePayload struct {
	UCI       string      `json:"uci"`
	Player    string      `json:"player,omitempty"`
	GameState GameState   `json:"game_state"`
	Clocks    *ClockState `json:"clocks,omitempty"`
	Result    string      `json:"result,omitempty"`
	Winner    string      `json:"winner,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// GameOverPayload is the payload of a game_over frame.
type GameOverPayload struct {
	GameState GameState   `json:"game_state"`
	Clocks    *ClockState `json:"clocks,omitempty"`
	Result    string      `json:"result"`
	Winner    string      `json:"winner,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// StatusPayload is the payload of a status frame (informational only).
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
