package mirror

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	// ErrIllegalMove reports a move the local rules check refused.
	ErrIllegalMove = staticErr("illegal move")
)

// Mirror is the local copy of the game position and notation history. It has
// exactly one writer (the session core); every mutation updates the position
// and both history lists together, so history length always equals the ply
// count of the position.
type Mirror struct {
	game     *nchess.Game
	fen      string
	movesUCI []string
	movesSAN []string
}

// Snapshot is a restorable copy of the mirror taken before an optimistic
// apply.
type Snapshot struct {
	FEN      string
	MovesUCI []string
	MovesSAN []string
}

// New returns a mirror at the standard starting position.
func New() *Mirror {
	g := nchess.NewGame()
	return &Mirror{game: g, fen: g.FEN()}
}

// ResetAuthoritative replaces position and history wholesale from a server
// snapshot. The position is reconstructed by replaying the UCI history from
// the start position; fen, when non-empty, becomes the display FEN so the
// mirror never disagrees with the authoritative value.
func (m *Mirror) ResetAuthoritative(fen string, movesUCI []string) error {
	g := nchess.NewGame()
	san := make([]string, 0, len(movesUCI))
	uci := make([]string, 0, len(movesUCI))
	for _, raw := range movesUCI {
		mvStr := strings.ToLower(strings.TrimSpace(raw))
		pos := g.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, mvStr)
		if err != nil {
			return fmt.Errorf("replay %q: %w", raw, err)
		}
		if err := g.Move(mv, nil); err != nil {
			return fmt.Errorf("replay %q: %w", raw, err)
		}
		san = append(san, nchess.AlgebraicNotation{}.Encode(pos, mv))
		uci = append(uci, mvStr)
	}
	m.game = g
	m.movesUCI = uci
	m.movesSAN = san
	m.fen = g.FEN()
	if strings.TrimSpace(fen) != "" {
		m.fen = strings.TrimSpace(fen)
	}
	return nil
}

// ApplyUCI validates the move against the current position and applies it,
// appending to both history lists. Returns the SAN of the applied move.
func (m *Mirror) ApplyUCI(raw string) (string, error) {
	uci := strings.ToLower(strings.TrimSpace(raw))
	if uci == "" {
		return "", ErrIllegalMove
	}
	pos := m.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return "", ErrIllegalMove
	}
	if err := m.game.Move(mv, nil); err != nil {
		return "", ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	m.movesUCI = append(m.movesUCI, uci)
	m.movesSAN = append(m.movesSAN, san)
	m.fen = m.game.FEN()
	return san, nil
}

// SetFinal installs an authoritative final position after game over. History
// is kept as-is; only the display FEN moves.
func (m *Mirror) SetFinal(fen string) {
	if strings.TrimSpace(fen) != "" {
		m.fen = strings.TrimSpace(fen)
	}
}

// Take returns a restorable copy of the current state.
func (m *Mirror) Take() Snapshot {
	return Snapshot{
		FEN:      m.fen,
		MovesUCI: append([]string(nil), m.movesUCI...),
		MovesSAN: append([]string(nil), m.movesSAN...),
	}
}

// Restore rewinds the mirror to a snapshot taken earlier.
func (m *Mirror) Restore(s Snapshot) error {
	g := nchess.NewGame()
	for _, raw := range s.MovesUCI {
		pos := g.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, raw)
		if err != nil {
			return fmt.Errorf("restore %q: %w", raw, err)
		}
		if err := g.Move(mv, nil); err != nil {
			return fmt.Errorf("restore %q: %w", raw, err)
		}
	}
	m.game = g
	m.movesUCI = append([]string(nil), s.MovesUCI...)
	m.movesSAN = append([]string(nil), s.MovesSAN...)
	m.fen = s.FEN
	return nil
}

func (m *Mirror) FEN() string { return m.fen }

func (m *Mirror) Turn() chessicadto.Color {
	if m.game.Position().Turn() == nchess.White {
		return chessicadto.ColorWhite
	}
	return chessicadto.ColorBlack
}

// Ply is the number of half-moves played.
func (m *Mirror) Ply() int { return len(m.movesUCI) }

func (m *Mirror) MovesUCI() []string { return append([]string(nil), m.movesUCI...) }
func (m *Mirror) MovesSAN() []string { return append([]string(nil), m.movesSAN...) }

// LastUCI returns the most recent history entry, or "" for an empty history.
func (m *Mirror) LastUCI() string {
	if len(m.movesUCI) == 0 {
		return ""
	}
	return m.movesUCI[len(m.movesUCI)-1]
}

// MatchesTail reports whether uci equals the most recent history entry.
// Used to recognize stream echoes of moves already applied.
func (m *Mirror) MatchesTail(uci string) bool {
	last := m.LastUCI()
	return last != "" && last == strings.ToLower(strings.TrimSpace(uci))
}
