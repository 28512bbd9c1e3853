package chessicadto

// DomainError carries a server rejection across the API boundary. Retryable
// distinguishes transient transport conditions from hard rejections.
type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "chessica api error"
}

// Well-known rejection codes mapped from HTTP statuses.
const (
	CodeIllegalMove    = "illegal_move"
	CodeNotYourTurn    = "not_your_turn"
	CodeSessionMissing = "session_not_found"
	CodeServerError    = "server_error"
)
