package clock

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

// Snapshot is an authoritative clock reading: remaining milliseconds for each
// side plus the wall-clock instant it was taken. It is replaced wholesale on
// every server update and never mutated in place, so estimation error cannot
// accumulate across moves.
type Snapshot struct {
	WhiteMs int64
	BlackMs int64
	TakenAt time.Time
}

// Estimate is a pair of live display values derived from a snapshot.
type Estimate struct {
	WhiteMs int64
	BlackMs int64
}

// Estimator projects live countdown values between authoritative snapshots.
// It only reads the snapshot; the owner (the session core) replaces it.
type Estimator struct {
	clock clockwork.Clock
	snap  Snapshot
	valid bool
}

func NewEstimator(clk clockwork.Clock) *Estimator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Estimator{clock: clk}
}

// SetBaseline installs a new authoritative snapshot, stamped now when TakenAt
// is zero.
func (e *Estimator) SetBaseline(s Snapshot) {
	if s.TakenAt.IsZero() {
		s.TakenAt = e.clock.Now()
	}
	e.snap = s
	e.valid = true
}

// SetFromClocks is SetBaseline from a wire ClockState.
func (e *Estimator) SetFromClocks(c chessicadto.ClockState) {
	e.SetBaseline(Snapshot{WhiteMs: c.WhiteMs(), BlackMs: c.BlackMs()})
}

// Estimate returns both remaining times with elapsed wall-clock time deducted
// from the side whose turn it is, floored at zero.
func (e *Estimator) Estimate(turn chessicadto.Color) Estimate {
	if !e.valid {
		return Estimate{}
	}
	elapsed := e.clock.Since(e.snap.TakenAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	est := Estimate{WhiteMs: e.snap.WhiteMs, BlackMs: e.snap.BlackMs}
	switch turn {
	case chessicadto.ColorWhite:
		est.WhiteMs = floorZero(est.WhiteMs - elapsed)
	case chessicadto.ColorBlack:
		est.BlackMs = floorZero(est.BlackMs - elapsed)
	}
	return est
}

func floorZero(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}
