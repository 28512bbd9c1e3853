package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chessica-client-go/internal/archive"
	"github.com/kapu/chessica-client-go/internal/clock"
	"github.com/kapu/chessica-client-go/internal/mirror"
	"github.com/kapu/chessica-client-go/internal/obslog"
	"github.com/kapu/chessica-client-go/internal/stream"
	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

// API is the server surface the core consumes.
type API interface {
	FetchSessionDetail(ctx context.Context, sessionID string) (*chessicadto.SessionDetail, error)
	SubmitMove(ctx context.Context, sessionID string, req *chessicadto.MoveRequest) (*chessicadto.MoveResponse, error)
	Resign(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error)
	OfferDraw(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error)
	Abort(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error)
}

// Stream is the push-connection surface the core drives.
type Stream interface {
	Connect(ctx context.Context, sessionID string) error
	OnFrame(h stream.FrameHandler)
	OnStateChange(h stream.StateHandler)
	Close(ctx context.Context) error
}

// NoticeFunc surfaces user-facing status events. Key addresses the message
// catalog; data feeds its template.
type NoticeFunc func(key string, data map[string]any)

// Core is the session synchronization core: the single writer to the local
// position mirror. Local proposals go through the optimistic-move path;
// remote moves arrive as stream frames; both meet in the reconciliation
// methods here, under one lock.
type Core struct {
	api      API
	stream   Stream
	clk      clockwork.Clock
	est      *clock.Estimator
	arch     *archive.Store
	playerID string
	notify   NoticeFunc

	moveTimeout time.Duration

	mu         sync.Mutex
	sessionID  string
	color      chessicadto.Color
	mirror     *mirror.Mirror
	pending    *PendingMove
	terminal   bool
	result     string
	winner     string
	endMessage string
	primed     bool
}

type Option func(*Core)

func WithClock(clk clockwork.Clock) Option {
	return func(c *Core) { c.clk = clk }
}

func WithArchive(s *archive.Store) Option {
	return func(c *Core) { c.arch = s }
}

func WithMoveTimeout(d time.Duration) Option {
	return func(c *Core) { c.moveTimeout = d }
}

// WithNotifier installs the status-event sink. The callback may run with the
// core's lock held and must not call back into the core.
func WithNotifier(n NoticeFunc) Option {
	return func(c *Core) { c.notify = n }
}

func NewCore(api API, st Stream, playerID string, opts ...Option) *Core {
	c := &Core{
		api:         api,
		stream:      st,
		playerID:    strings.TrimSpace(playerID),
		moveTimeout: 10 * time.Second,
		mirror:      mirror.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clk == nil {
		c.clk = clockwork.NewRealClock()
	}
	c.est = clock.NewEstimator(c.clk)
	if st != nil {
		st.OnFrame(c.handleFrame)
		st.OnStateChange(c.handleStreamState)
	}
	return c
}

// LoadSession fetches the authoritative snapshot, replaces the mirror and
// clock baseline wholesale, and opens the push stream. Any pending local
// state is discarded: after a reload the server is the only truth.
func (c *Core) LoadSession(ctx context.Context, sessionID string) error {
	detail, err := c.api.FetchSessionDetail(ctx, sessionID)
	if err != nil {
		c.emit("session.load_failed", nil)
		return err
	}

	c.mu.Lock()
	if err := c.mirror.ResetAuthoritative(detail.FEN, detail.Moves); err != nil {
		c.mu.Unlock()
		c.emit("session.load_failed", nil)
		return err
	}
	c.sessionID = strings.TrimSpace(sessionID)
	c.color = detail.PlayerColor
	c.pending = nil
	c.terminal = detail.Status != chessicadto.SessionActive
	c.result = ""
	c.winner = ""
	c.endMessage = ""
	c.primed = false
	c.est.SetFromClocks(detail.Clocks)
	c.mu.Unlock()

	obslog.L().Info("session_loaded",
		zap.String("session_id", sessionID),
		zap.String("color", string(detail.PlayerColor)),
		zap.Int("plies", len(detail.Moves)),
		zap.String("status", detail.Status),
	)

	if c.stream == nil {
		return nil
	}
	if err := c.stream.Connect(ctx, sessionID); err != nil {
		// the stream manager keeps retrying with backoff; the session is
		// usable meanwhile through the HTTP surface
		obslog.L().Warn("stream_connect_deferred", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// ProposeMove applies a local move optimistically and submits it. While the
// submission is outstanding no further proposals are accepted; the reply (or
// a stream echo, whichever lands first) confirms it, and any failure rolls
// the mirror back to the pre-move snapshot.
func (c *Core) ProposeMove(ctx context.Context, rawUCI string) (*chessicadto.MoveResponse, error) {
	uci := strings.ToLower(strings.TrimSpace(rawUCI))

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	if c.terminal {
		c.mu.Unlock()
		return nil, ErrSessionOver
	}
	if c.pending != nil {
		c.mu.Unlock()
		c.emit("move.pending", nil)
		return nil, ErrMovePending
	}
	if c.mirror.Turn() != c.color {
		c.mu.Unlock()
		c.emit("move.not_your_turn", nil)
		return nil, ErrNotYourTurn
	}

	before := c.mirror.Take()
	san, err := c.mirror.ApplyUCI(uci)
	if err != nil {
		c.mu.Unlock()
		c.emit("move.illegal", nil)
		return nil, err
	}
	c.pending = &PendingMove{UCI: uci, SAN: san, Before: before, ProposedAt: c.clk.Now()}
	est := c.est.Estimate(before2turn(before))
	sessionID := c.sessionID
	c.mu.Unlock()

	req := &chessicadto.MoveRequest{
		PlayerID: c.playerID,
		UCI:      uci,
		ClientTS: c.clk.Now(),
		Clock:    chessicadto.ClockState{PlayerMs: est.WhiteMs, EngineMs: est.BlackMs},
	}

	moveCtx, cancel := context.WithTimeout(ctx, c.moveTimeout)
	defer cancel()
	resp, err := c.api.SubmitMove(moveCtx, sessionID, req)
	if err != nil {
		c.rollback(uci, err)
		return nil, err
	}
	c.confirm(uci, resp)
	return resp, nil
}

// rollback restores the pre-move snapshot after a rejection, transport
// failure, or timeout. If a stream echo already confirmed the move, the
// pending entry is gone and the late failure is ignored.
func (c *Core) rollback(uci string, cause error) {
	c.mu.Lock()
	if c.pending == nil || c.pending.UCI != uci {
		c.mu.Unlock()
		obslog.L().Debug("late_move_failure_ignored", zap.String("uci", uci), zap.Error(cause))
		return
	}
	before := c.pending.Before
	c.pending = nil
	if err := c.mirror.Restore(before); err != nil {
		// history replay cannot fail for a snapshot we produced; resync if it does
		c.mu.Unlock()
		obslog.L().Error("rollback_failed", zap.String("uci", uci), zap.Error(err))
		go c.resync(context.Background())
		return
	}
	c.mu.Unlock()

	obslog.L().Warn("move_rolled_back", zap.String("uci", uci), zap.Error(cause))
	var derr *chessicadto.DomainError
	if errors.As(cause, &derr) {
		c.emit("move.rejected", map[string]any{"Reason": derr.Message})
		return
	}
	c.emit("move.failed", nil)
}

// confirm clears the pending entry on a success reply. The mirror already
// holds the optimistic state, so only clocks and a possible game end merge in.
func (c *Core) confirm(uci string, resp *chessicadto.MoveResponse) {
	c.mu.Lock()
	if c.pending != nil && c.pending.UCI == uci {
		c.pending = nil
	}
	if resp.Clocks != nil {
		c.est.SetFromClocks(*resp.Clocks)
	}
	if resp.Finished() {
		c.finishLocked(resp.GameState.FEN, resp.Result, resp.Winner, resp.Message)
	}
	c.mu.Unlock()
}

// Resign forfeits the game.
func (c *Core) Resign(ctx context.Context) error {
	return c.endSession(ctx, c.api.Resign, "game.resigned")
}

// OfferDraw ends the game as drawn by agreement.
func (c *Core) OfferDraw(ctx context.Context) error {
	return c.endSession(ctx, c.api.OfferDraw, "game.drawn")
}

// Abort abandons the game without a result.
func (c *Core) Abort(ctx context.Context) error {
	return c.endSession(ctx, c.api.Abort, "game.aborted")
}

// endSession runs one of the game-ending actions. They all land in the same
// terminal state: pending dropped, final position installed, archive written.
func (c *Core) endSession(ctx context.Context, call func(context.Context, string) (*chessicadto.MoveResponse, error), noticeKey string) error {
	c.mu.Lock()
	sessionID := c.sessionID
	terminal := c.terminal
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNoSession
	}
	if terminal {
		return ErrSessionOver
	}

	resp, err := call(ctx, sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = nil
	c.finishLocked(resp.GameState.FEN, resp.Result, resp.Winner, resp.Message)
	c.mu.Unlock()
	c.emit(noticeKey, nil)
	return nil
}

// Close abandons the session and its stream.
func (c *Core) Close(ctx context.Context) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.Close(ctx)
}

// handleFrame is the single entry point for inbound stream frames, dispatched
// in arrival order by the stream manager.
func (c *Core) handleFrame(f *chessicadto.StreamFrame) {
	switch f.Type {
	case chessicadto.FramePlayerMove:
		var p chessicadto.MovePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			obslog.L().Warn("move_frame_undecodable", zap.Error(err))
			return
		}
		c.onMoveFrame(&p)
	case chessicadto.FrameGameOver:
		var p chessicadto.GameOverPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			obslog.L().Warn("game_over_frame_undecodable", zap.Error(err))
			return
		}
		c.onGameOverFrame(&p)
	case chessicadto.FrameStatus:
		var p chessicadto.StatusPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			obslog.L().Warn("status_frame_undecodable", zap.Error(err))
			return
		}
		obslog.L().Info("session_status", zap.String("status", p.Status), zap.String("message", p.Message))
	default:
		obslog.L().Warn("unknown_frame_type", zap.String("type", string(f.Type)))
	}
}

// onMoveFrame reconciles an inbound move against local history. The server
// broadcasts every move to all participants, including the mover, so a frame
// matching the history tail is an echo of a move already applied here and is
// discarded; it still counts as confirmation for a matching pending move.
func (c *Core) onMoveFrame(p *chessicadto.MovePayload) {
	uci := strings.ToLower(strings.TrimSpace(p.UCI))

	c.mu.Lock()
	if c.mirror.MatchesTail(uci) {
		if c.pending != nil && c.pending.UCI == uci {
			c.pending = nil
			obslog.L().Debug("pending_confirmed_by_echo", zap.String("uci", uci))
		}
		if p.Clocks != nil {
			c.est.SetFromClocks(*p.Clocks)
		}
		if p.Result != "" && !c.terminal {
			c.finishLocked(p.GameState.FEN, p.Result, p.Winner, p.Message)
		}
		c.mu.Unlock()
		return
	}
	if c.terminal {
		c.mu.Unlock()
		return
	}

	if _, err := c.mirror.ApplyUCI(uci); err != nil {
		// the mirror drifted from the server; recover from an authoritative fetch
		c.mu.Unlock()
		obslog.L().Error("remote_move_rejected_locally", zap.String("uci", uci), zap.Error(err))
		go c.resync(context.Background())
		return
	}
	if p.Clocks != nil {
		c.est.SetFromClocks(*p.Clocks)
	}
	if p.Result != "" {
		c.finishLocked(p.GameState.FEN, p.Result, p.Winner, p.Message)
	}
	c.mu.Unlock()

	obslog.L().Info("remote_move_applied", zap.String("uci", uci), zap.String("player", p.Player))
}

func (c *Core) onGameOverFrame(p *chessicadto.GameOverPayload) {
	c.mu.Lock()
	if p.Clocks != nil {
		c.est.SetFromClocks(*p.Clocks)
	}
	fen := p.GameState.FEN
	c.finishLocked(fen, p.Result, p.Winner, p.Message)
	c.mu.Unlock()
}

// finishLocked marks the session terminal and installs the final position.
// Pending state is dropped without rollback: the end is authoritative.
func (c *Core) finishLocked(finalFEN, result, winner, message string) {
	if c.terminal {
		return
	}
	c.terminal = true
	c.result = result
	c.winner = winner
	c.endMessage = message
	c.pending = nil
	c.mirror.SetFinal(finalFEN)

	obslog.L().Info("session_over",
		zap.String("session_id", c.sessionID),
		zap.String("result", result),
		zap.String("winner", winner),
	)
	c.emit("game.over", map[string]any{"Message": message})

	if c.arch != nil {
		rec := &archive.Record{
			SessionID:   c.sessionID,
			PlayerID:    c.playerID,
			PlayerColor: c.color,
			Result:      result,
			Winner:      winner,
			Message:     message,
			FinalFEN:    c.mirror.FEN(),
			MovesUCI:    c.mirror.MovesUCI(),
			MovesSAN:    c.mirror.MovesSAN(),
			CompletedAt: c.clk.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.arch.Save(ctx, rec); err != nil {
				obslog.L().Warn("archive_save_failed", zap.String("session_id", rec.SessionID), zap.Error(err))
			}
		}()
	}
}

// handleStreamState re-fetches authoritative state after a reconnect: frames
// missed while disconnected are never replayed, the full snapshot is the
// catch-up path.
func (c *Core) handleStreamState(s stream.State) {
	switch s {
	case stream.StateOpen:
		c.mu.Lock()
		first := !c.primed
		c.primed = true
		loaded := c.sessionID != ""
		c.mu.Unlock()
		if loaded && !first {
			c.emit("session.connected", nil)
			go c.resync(context.Background())
		}
	case stream.StateConnecting:
		c.emit("session.reconnecting", nil)
	}
}

// resync replaces the mirror from a fresh authoritative snapshot. Pending
// state is discarded; anything in flight resolves against server truth.
func (c *Core) resync(ctx context.Context) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}

	detail, err := c.api.FetchSessionDetail(ctx, sessionID)
	if err != nil {
		obslog.L().Warn("resync_failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return
	}
	if err := c.mirror.ResetAuthoritative(detail.FEN, detail.Moves); err != nil {
		obslog.L().Error("resync_replay_failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.pending = nil
	c.est.SetFromClocks(detail.Clocks)
	if detail.Status != chessicadto.SessionActive && !c.terminal {
		c.terminal = true
	}
	obslog.L().Info("session_resynced", zap.String("session_id", sessionID), zap.Int("plies", len(detail.Moves)))
}

// --- read side ---

func (c *Core) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Core) Color() chessicadto.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.color
}

func (c *Core) FEN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.FEN()
}

func (c *Core) Turn() chessicadto.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.Turn()
}

func (c *Core) MovesSAN() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.MovesSAN()
}

func (c *Core) MovesUCI() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.MovesUCI()
}

func (c *Core) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Core) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Outcome returns result, winner, and end message once the session is over.
func (c *Core) Outcome() (string, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.winner, c.endMessage
}

// Clocks returns the live countdown estimate for display.
func (c *Core) Clocks() clock.Estimate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.est.Estimate(c.mirror.Turn())
}

func (c *Core) emit(key string, data map[string]any) {
	if c.notify != nil {
		c.notify(key, data)
	}
}

// before2turn derives whose clock was running from a pre-move snapshot: the
// FEN's side-to-move field.
func before2turn(s mirror.Snapshot) chessicadto.Color {
	fields := strings.Fields(s.FEN)
	if len(fields) > 1 && fields[1] == "b" {
		return chessicadto.ColorBlack
	}
	return chessicadto.ColorWhite
}
