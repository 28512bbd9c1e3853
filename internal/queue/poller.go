package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chessica-client-go/internal/obslog"
	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

// API is the queue surface of the server the poller consumes.
type API interface {
	JoinQueue(ctx context.Context, ticket *chessicadto.QueueTicket) (*chessicadto.QueueStatus, error)
	QueueStatus(ctx context.Context, playerID string) (*chessicadto.QueueStatus, error)
	LeaveQueue(ctx context.Context, playerID string) error
}

// MatchHandler receives the session hand-off. Invoked exactly once per Join.
type MatchHandler func(sessionID string, color chessicadto.Color)

// Poller joins the matchmaking queue and polls until matched or told to
// leave. A single transient poll failure is tolerated and retried on the
// next tick; polling stops only on match, an explicit Leave, or a "none"
// status (the server no longer knows the ticket).
type Poller struct {
	api      API
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticket  *chessicadto.QueueTicket
	handed  bool
	polling bool
	onGone  func()
}

func NewPoller(api API, clk clockwork.Clock, interval time.Duration) *Poller {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	return &Poller{api: api, clock: clk, interval: interval}
}

// OnTicketGone registers the callback fired when a poll reports "none": the
// server has forgotten the ticket and polling has stopped, so the owner must
// re-queue to keep looking. Register before Join.
func (p *Poller) OnTicketGone(h func()) {
	p.mu.Lock()
	p.onGone = h
	p.mu.Unlock()
}

// Join submits the ticket. An immediate match short-circuits polling and
// hands off synchronously; otherwise a poll loop starts in the background.
func (p *Poller) Join(ctx context.Context, ticket *chessicadto.QueueTicket, onMatched MatchHandler) error {
	status, err := p.api.JoinQueue(ctx, ticket)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ticket = ticket
	p.handed = false
	p.mu.Unlock()

	if status.Matched() {
		p.handOff(status, onMatched)
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.polling = true
	p.mu.Unlock()

	obslog.L().Info("queue_joined", zap.String("player_id", ticket.PlayerID), zap.String("status", status.Status))
	go p.pollLoop(pollCtx, ticket.PlayerID, onMatched)
	return nil
}

func (p *Poller) pollLoop(ctx context.Context, playerID string, onMatched MatchHandler) {
	defer p.stopPolling()
	t := p.clock.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}

		status, err := p.api.QueueStatus(ctx, playerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			obslog.L().Warn("queue_poll_failed", zap.String("player_id", playerID), zap.Error(err))
			continue
		}
		switch status.Status {
		case chessicadto.QueueStatusMatched:
			p.handOff(status, onMatched)
			return
		case chessicadto.QueueStatusNone:
			obslog.L().Info("queue_ticket_gone", zap.String("player_id", playerID))
			p.mu.Lock()
			gone := p.onGone
			p.mu.Unlock()
			if gone != nil {
				gone()
			}
			return
		}
	}
}

func (p *Poller) handOff(status *chessicadto.QueueStatus, onMatched MatchHandler) {
	p.mu.Lock()
	if p.handed {
		p.mu.Unlock()
		return
	}
	p.handed = true
	p.mu.Unlock()

	obslog.L().Info("queue_matched",
		zap.String("session_id", status.SessionID),
		zap.String("color", string(status.PlayerColor)),
	)
	if onMatched != nil {
		onMatched(status.SessionID, status.PlayerColor)
	}
}

func (p *Poller) stopPolling() {
	p.mu.Lock()
	p.polling = false
	p.mu.Unlock()
}

// Polling reports whether the background loop is still running.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

// Leave cancels polling and removes the ticket from the server queue.
func (p *Poller) Leave(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	ticket := p.ticket
	p.mu.Unlock()

	if ticket == nil {
		return nil
	}
	if err := p.api.LeaveQueue(ctx, ticket.PlayerID); err != nil {
		obslog.L().Warn("queue_leave_failed", zap.String("player_id", ticket.PlayerID), zap.Error(err))
		return err
	}
	obslog.L().Info("queue_left", zap.String("player_id", ticket.PlayerID))
	return nil
}
