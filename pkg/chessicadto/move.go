package chessicadto

import "time"

// MoveRequest is the body of a multiplayer move submission.
type MoveRequest struct {
	PlayerID string     `json:"player_id"`
	UCI      string     `json:"uci"`
	ClientTS time.Time  `json:"client_ts"`
	Clock    ClockState `json:"clock"`
}

// MoveResponse is the server's answer to a move submission. Result and Winner
// are set only when the move ended the game.
type MoveResponse struct {
	MoveUCI   string      `json:"move_uci"`
	GameState GameState   `json:"game_state"`
	Clocks    *ClockState `json:"clocks,omitempty"`
	Result    string      `json:"result,omitempty"`
	Winner    string      `json:"winner,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func (m *MoveResponse) Finished() bool { return m != nil && m.Result != "" }
