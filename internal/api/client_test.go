package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

func TestJoinQueueDecodesMatched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/multiplayer/queue" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var ticket chessicadto.QueueTicket
		if err := json.NewDecoder(r.Body).Decode(&ticket); err != nil {
			t.Errorf("decode ticket: %v", err)
		}
		if ticket.PlayerID != "alice" {
			t.Errorf("unexpected player: %q", ticket.PlayerID)
		}
		_ = json.NewEncoder(w).Encode(chessicadto.QueueStatus{
			Status:      chessicadto.QueueStatusMatched,
			SessionID:   "sess_1",
			PlayerColor: chessicadto.ColorWhite,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(2*time.Second))
	status, err := c.JoinQueue(context.Background(), &chessicadto.QueueTicket{
		PlayerID:    "alice",
		Color:       chessicadto.ColorAuto,
		TimeControl: chessicadto.TimeControl{InitialMs: 300_000},
	})
	if err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if !status.Matched() || status.SessionID != "sess_1" || status.PlayerColor != chessicadto.ColorWhite {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSubmitMoveRejectionMapsAndDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Illegal move."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	_, err := c.SubmitMove(context.Background(), "sess_1", &chessicadto.MoveRequest{PlayerID: "alice", UCI: "e2e5"})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	var derr *chessicadto.DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if derr.Code != chessicadto.CodeIllegalMove || derr.Retryable {
		t.Fatalf("unexpected mapping: %+v", derr)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("move submission must not retry, saw %d calls", n)
	}
}

func TestQueueStatusRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(chessicadto.QueueStatus{Status: chessicadto.QueueStatusQueued})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	status, err := c.QueueStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("QueueStatus: %v", err)
	}
	if status.Status != chessicadto.QueueStatusQueued {
		t.Fatalf("unexpected status: %+v", status)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected one retry, saw %d calls", n)
	}
}

func TestFetchSessionDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess_9" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(chessicadto.SessionDetail{
			SessionID:   "sess_9",
			FEN:         "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
			PlayerColor: chessicadto.ColorBlack,
			Clocks:      chessicadto.ClockState{PlayerMs: 298_000, EngineMs: 300_000},
			Moves:       []string{"e2e4"},
			Status:      chessicadto.SessionActive,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	detail, err := c.FetchSessionDetail(context.Background(), "sess_9")
	if err != nil {
		t.Fatalf("FetchSessionDetail: %v", err)
	}
	if detail.PlayerColor != chessicadto.ColorBlack || len(detail.Moves) != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestEndSessionActionsHitTheirEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(chessicadto.MoveResponse{
			GameState: chessicadto.GameState{FEN: "final"},
			Result:    "draw",
			Winner:    "draw",
			Message:   "Game drawn by agreement.",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	if _, err := c.Resign(ctx, "sess_1"); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if resp, err := c.OfferDraw(ctx, "sess_1"); err != nil || resp.Result != "draw" {
		t.Fatalf("OfferDraw: %v %+v", err, resp)
	}
	if _, err := c.Abort(ctx, "sess_1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	want := []string{
		"/api/v1/multiplayer/sessions/sess_1/resign",
		"/api/v1/multiplayer/sessions/sess_1/draw",
		"/api/v1/multiplayer/sessions/sess_1/abort",
	}
	if len(paths) != len(want) {
		t.Fatalf("unexpected request count: %v", paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("request %d hit %s, want %s", i, paths[i], p)
		}
	}
}
