package chessicadto

// TimeControl is the requested clock configuration for a queue ticket.
type TimeControl struct {
	InitialMs   int64 `json:"initial_ms"`
	IncrementMs int64 `json:"increment_ms"`
}

// ClockState mirrors the server's clock slots. Multiplayer sessions reuse the
// single-player schema: player_ms is white's remaining time, engine_ms black's.
type ClockState struct {
	PlayerMs int64 `json:"player_ms"`
	EngineMs int64 `json:"engine_ms"`
}

func (c ClockState) WhiteMs() int64 { return c.PlayerMs }
func (c ClockState) BlackMs() int64 { return c.EngineMs }
