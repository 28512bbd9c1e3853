package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

type scriptedAPI struct {
	joinResp *chessicadto.QueueStatus
	joinErr  error

	polls     atomic.Int32
	pollSeq   []*chessicadto.QueueStatus
	pollErrAt int32 // 1-based poll index that fails; 0 = never

	leaves atomic.Int32
}

func (s *scriptedAPI) JoinQueue(_ context.Context, _ *chessicadto.QueueTicket) (*chessicadto.QueueStatus, error) {
	return s.joinResp, s.joinErr
}

func (s *scriptedAPI) QueueStatus(_ context.Context, _ string) (*chessicadto.QueueStatus, error) {
	n := s.polls.Add(1)
	if s.pollErrAt != 0 && n == s.pollErrAt {
		return nil, errors.New("poll glitch")
	}
	idx := int(n) - 1
	if idx >= len(s.pollSeq) {
		idx = len(s.pollSeq) - 1
	}
	return s.pollSeq[idx], nil
}

func (s *scriptedAPI) LeaveQueue(_ context.Context, _ string) error {
	s.leaves.Add(1)
	return nil
}

func testTicket() *chessicadto.QueueTicket {
	return &chessicadto.QueueTicket{
		PlayerID:    "alice",
		Color:       chessicadto.ColorAuto,
		TimeControl: chessicadto.TimeControl{InitialMs: 300_000, IncrementMs: 0},
	}
}

func TestImmediateMatchShortCircuits(t *testing.T) {
	api := &scriptedAPI{joinResp: &chessicadto.QueueStatus{
		Status: chessicadto.QueueStatusMatched, SessionID: "sess_1", PlayerColor: chessicadto.ColorWhite,
	}}
	p := NewPoller(api, clockwork.NewRealClock(), 10*time.Millisecond)

	var hands atomic.Int32
	err := p.Join(context.Background(), testTicket(), func(sessionID string, color chessicadto.Color) {
		hands.Add(1)
		if sessionID != "sess_1" || color != chessicadto.ColorWhite {
			t.Errorf("unexpected hand-off: %s %s", sessionID, color)
		}
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if hands.Load() != 1 {
		t.Fatalf("expected one hand-off, got %d", hands.Load())
	}
	if p.Polling() {
		t.Fatalf("no poll loop should run after an immediate match")
	}
	if api.polls.Load() != 0 {
		t.Fatalf("status endpoint should not be hit: %d", api.polls.Load())
	}
}

func TestPollUntilMatchedHandsOffExactlyOnce(t *testing.T) {
	api := &scriptedAPI{
		joinResp: &chessicadto.QueueStatus{Status: chessicadto.QueueStatusQueued},
		pollSeq: []*chessicadto.QueueStatus{
			{Status: chessicadto.QueueStatusQueued},
			{Status: chessicadto.QueueStatusQueued},
			{Status: chessicadto.QueueStatusMatched, SessionID: "sess_1", PlayerColor: chessicadto.ColorWhite},
		},
	}
	p := NewPoller(api, clockwork.NewRealClock(), 5*time.Millisecond)

	var hands atomic.Int32
	done := make(chan struct{})
	err := p.Join(context.Background(), testTicket(), func(sessionID string, _ chessicadto.Color) {
		if hands.Add(1) == 1 {
			close(done)
		}
		if sessionID != "sess_1" {
			t.Errorf("unexpected session: %s", sessionID)
		}
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("never matched; polls=%d", api.polls.Load())
	}

	// the loop must stop after the match
	time.Sleep(50 * time.Millisecond)
	if p.Polling() {
		t.Fatalf("poller kept running after match")
	}
	settled := api.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if api.polls.Load() != settled {
		t.Fatalf("polling continued after match: %d -> %d", settled, api.polls.Load())
	}
	if hands.Load() != 1 {
		t.Fatalf("expected exactly one hand-off, got %d", hands.Load())
	}
}

func TestTransientPollFailureTolerated(t *testing.T) {
	api := &scriptedAPI{
		joinResp:  &chessicadto.QueueStatus{Status: chessicadto.QueueStatusQueued},
		pollErrAt: 1,
		pollSeq: []*chessicadto.QueueStatus{
			{Status: chessicadto.QueueStatusQueued},
			{Status: chessicadto.QueueStatusMatched, SessionID: "sess_2", PlayerColor: chessicadto.ColorBlack},
		},
	}
	p := NewPoller(api, clockwork.NewRealClock(), 5*time.Millisecond)

	done := make(chan struct{})
	err := p.Join(context.Background(), testTicket(), func(string, chessicadto.Color) { close(done) })
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poll failure was not tolerated; polls=%d", api.polls.Load())
	}
}

func TestTicketGoneStopsPollingAndNotifies(t *testing.T) {
	api := &scriptedAPI{
		joinResp: &chessicadto.QueueStatus{Status: chessicadto.QueueStatusQueued},
		pollSeq: []*chessicadto.QueueStatus{
			{Status: chessicadto.QueueStatusQueued},
			{Status: chessicadto.QueueStatusNone},
		},
	}
	p := NewPoller(api, clockwork.NewRealClock(), 5*time.Millisecond)

	gone := make(chan struct{})
	p.OnTicketGone(func() { close(gone) })

	if err := p.Join(context.Background(), testTicket(), func(string, chessicadto.Color) {
		t.Errorf("unexpected hand-off for a forgotten ticket")
	}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatalf("ticket-gone outcome never surfaced; polls=%d", api.polls.Load())
	}

	time.Sleep(20 * time.Millisecond)
	if p.Polling() {
		t.Fatalf("poller kept running after the server forgot the ticket")
	}
	settled := api.polls.Load()
	time.Sleep(30 * time.Millisecond)
	if api.polls.Load() != settled {
		t.Fatalf("polling continued after none status: %d -> %d", settled, api.polls.Load())
	}
}

func TestLeaveCancelsPollingAndRemovesTicket(t *testing.T) {
	api := &scriptedAPI{
		joinResp: &chessicadto.QueueStatus{Status: chessicadto.QueueStatusQueued},
		pollSeq:  []*chessicadto.QueueStatus{{Status: chessicadto.QueueStatusQueued}},
	}
	p := NewPoller(api, clockwork.NewRealClock(), 5*time.Millisecond)

	if err := p.Join(context.Background(), testTicket(), func(string, chessicadto.Color) {
		t.Errorf("unexpected hand-off")
	}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := p.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if api.leaves.Load() != 1 {
		t.Fatalf("expected queue removal request, got %d", api.leaves.Load())
	}

	time.Sleep(20 * time.Millisecond)
	settled := api.polls.Load()
	time.Sleep(30 * time.Millisecond)
	if api.polls.Load() != settled {
		t.Fatalf("polling continued after Leave: %d -> %d", settled, api.polls.Load())
	}
}
