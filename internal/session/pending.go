package session

import (
	"time"

	"github.com/kapu/chessica-client-go/internal/mirror"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	// ErrNoSession reports an operation before LoadSession.
	ErrNoSession = staticErr("no active session")
	// ErrSessionOver reports a move proposed after the game ended.
	ErrSessionOver = staticErr("session is over")
	// ErrMovePending reports a second proposal while one is outstanding.
	// Outbound moves are strictly serialized.
	ErrMovePending = staticErr("a move is already pending")
	// ErrNotYourTurn reports a proposal when the opponent is to move.
	ErrNotYourTurn = staticErr("not your turn")
)

// PendingMove is the single optimistic move awaiting server confirmation,
// together with the mirror state captured before it was applied. Clearing it
// (confirmation) keeps the optimistic state; restoring the snapshot
// (rejection) undoes it bit for bit.
type PendingMove struct {
	UCI        string
	SAN        string
	Before     mirror.Snapshot
	ProposedAt time.Time
}
