package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

// HeaderProvider allows injecting per-request headers (auth tokens, trace ids).
type HeaderProvider func() map[string]string

// Client talks to the Chessica REST surface. Snapshot and queue reads retry
// transient failures with backoff; move submission never retries, since the
// session core serializes moves and owns the rollback on failure.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSessionDetail loads the authoritative snapshot for a session.
func (c *Client) FetchSessionDetail(ctx context.Context, sessionID string) (*chessicadto.SessionDetail, error) {
	var detail chessicadto.SessionDetail
	path := "/api/v1/sessions/" + strings.TrimSpace(sessionID)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &detail, true); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SubmitMove posts a move for the session. Rejections come back as
// *chessicadto.DomainError.
func (c *Client) SubmitMove(ctx context.Context, sessionID string, req *chessicadto.MoveRequest) (*chessicadto.MoveResponse, error) {
	var resp chessicadto.MoveResponse
	path := "/api/v1/multiplayer/sessions/" + strings.TrimSpace(sessionID) + "/moves"
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resign forfeits the session for the calling player.
func (c *Client) Resign(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error) {
	return c.endSession(ctx, sessionID, "resign")
}

// OfferDraw ends the session as drawn by agreement.
func (c *Client) OfferDraw(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error) {
	return c.endSession(ctx, sessionID, "draw")
}

// Abort abandons the session without a result.
func (c *Client) Abort(ctx context.Context, sessionID string) (*chessicadto.MoveResponse, error) {
	return c.endSession(ctx, sessionID, "abort")
}

// endSession posts one of the game-ending actions. They share the move
// response shape and game-over semantics.
func (c *Client) endSession(ctx context.Context, sessionID, action string) (*chessicadto.MoveResponse, error) {
	var resp chessicadto.MoveResponse
	path := "/api/v1/multiplayer/sessions/" + strings.TrimSpace(sessionID) + "/" + action
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinQueue submits a matchmaking ticket. The response may already be matched.
func (c *Client) JoinQueue(ctx context.Context, ticket *chessicadto.QueueTicket) (*chessicadto.QueueStatus, error) {
	var status chessicadto.QueueStatus
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/v1/multiplayer/queue", ticket, &status, false); err != nil {
		return nil, err
	}
	return &status, nil
}

// QueueStatus polls the matchmaking state for a player.
func (c *Client) QueueStatus(ctx context.Context, playerID string) (*chessicadto.QueueStatus, error) {
	var status chessicadto.QueueStatus
	path := "/api/v1/multiplayer/queue/" + strings.TrimSpace(playerID)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &status, true); err != nil {
		return nil, err
	}
	return &status, nil
}

// LeaveQueue removes the player's ticket.
func (c *Client) LeaveQueue(ctx context.Context, playerID string) error {
	path := "/api/v1/multiplayer/queue/" + strings.TrimSpace(playerID)
	return c.doJSON(ctx, fasthttp.MethodDelete, path, nil, nil, false)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, retryDelay(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			derr := decodeError(status, resp.Body())
			if attempt == attempts || !retry || !derr.Retryable {
				return derr
			}
			lastErr = derr
			if sleepErr := sleepWithContext(ctx, retryDelay(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// decodeError maps an HTTP failure onto the rejection taxonomy. The server
// reports rejections as {"detail": "..."}.
func decodeError(status int, body []byte) *chessicadto.DomainError {
	msg := ""
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil {
		msg = detail.Detail
	}
	if msg == "" {
		msg = truncate(string(body), 256)
	}

	derr := &chessicadto.DomainError{Message: msg}
	switch {
	case status == fasthttp.StatusBadRequest:
		derr.Code = chessicadto.CodeIllegalMove
	case status == fasthttp.StatusForbidden:
		derr.Code = chessicadto.CodeNotYourTurn
	case status == fasthttp.StatusNotFound:
		derr.Code = chessicadto.CodeSessionMissing
	case status >= 500:
		derr.Code = chessicadto.CodeServerError
		derr.Retryable = true
	default:
		derr.Code = fmt.Sprintf("http_%d", status)
	}
	return derr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
