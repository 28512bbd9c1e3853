package chessicadto

// Color is a textual side preference or assignment.
type Color string

const (
	ColorWhite Color = "white"
	ColorBlack Color = "black"
	ColorAuto  Color = "auto"
)

// QueueTicket is the join-queue request body.
type QueueTicket struct {
	PlayerID    string      `json:"player_id"`
	Color       Color       `json:"color"`
	TimeControl TimeControl `json:"time_control"`
}

// Queue statuses returned by join and status-poll calls.
const (
	QueueStatusQueued  = "queued"
	QueueStatusMatched = "matched"
	QueueStatusNone    = "none"
)

// QueueStatus is the shared response shape of join, poll, and leave.
// SessionID and PlayerColor are set only when Status is "matched".
type QueueStatus struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	PlayerColor Color  `json:"player_color,omitempty"`
	OpponentID  string `json:"opponent_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (q *QueueStatus) Matched() bool { return q != nil && q.Status == QueueStatusMatched }
