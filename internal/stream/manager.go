package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/kapu/chessica-client-go/internal/obslog"
	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// FrameHandler receives inbound frames in arrival order.
type FrameHandler func(frame *chessicadto.StreamFrame)

// StateHandler observes lifecycle transitions.
type StateHandler func(state State)

// link is one live websocket connection. A new link is created per dial so
// goroutines of a torn-down connection can never touch its successor.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the lifecycle of the single push connection for a session:
// connect, heartbeat, close, and reconnect with exponential backoff. Frames
// are dispatched synchronously from the read loop, so handlers see them in
// the order the server sent them.
type Manager struct {
	wsBase string

	mu         sync.Mutex
	sessionID  string
	current    *link
	state      State
	attempts   int
	pending    bool // a reconnect timer is armed
	abandoned  bool
	lifeCancel context.CancelFunc

	baseDelay    time.Duration
	capDelay     time.Duration
	maxAttempts  int // 0 = unlimited
	pingInterval time.Duration

	onFrame FrameHandler
	onState StateHandler
}

type Option func(*Manager)

func WithBackoff(base, cap time.Duration) Option {
	return func(m *Manager) { m.baseDelay, m.capDelay = base, cap }
}

func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

func NewManager(wsBase string, opts ...Option) *Manager {
	m := &Manager{
		wsBase:       strings.TrimRight(wsBase, "/"),
		state:        StateDisconnected,
		baseDelay:    500 * time.Millisecond,
		capDelay:     8 * time.Second,
		pingInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnFrame registers the frame sink. Must be set before Connect.
func (m *Manager) OnFrame(h FrameHandler) { m.onFrame = h }

// OnStateChange registers a lifecycle observer. Observers are notified
// asynchronously and must not assume ordering.
func (m *Manager) OnStateChange(h StateHandler) { m.onState = h }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the stream for a session, tearing down any existing
// connection first. A dial failure schedules a reconnect and is also
// returned so the first call can surface it. The manager reconnects for as
// long as the session lives, independent of the caller's context, which only
// bounds this initial attempt.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.sessionID = strings.TrimSpace(sessionID)
	m.abandoned = false
	if m.lifeCancel != nil {
		m.lifeCancel()
	}
	life, cancel := context.WithCancel(context.Background())
	m.lifeCancel = cancel
	m.teardownLocked(websocket.StatusGoingAway, "replaced")
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	return m.dial(ctx, life)
}

// dial performs one connection attempt. dialCtx bounds only this attempt;
// life is the session lifetime and drives the reconnect machinery.
func (m *Manager) dial(dialCtx, life context.Context) error {
	m.mu.Lock()
	url := m.streamURL()
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(dialCtx, 10*time.Second)
	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.abandoned || life.Err() != nil {
		// Close or a replacing Connect won the race; they own the state
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "abandoned")
		}
		return nil
	}
	if err != nil {
		obslog.L().Warn("stream_dial_failed", zap.String("session_id", m.sessionID), zap.Error(err))
		m.setStateLocked(StateDisconnected)
		m.scheduleReconnectLocked(life)
		return err
	}
	if m.current != nil {
		// a competing dial already established the link
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}

	lctx, lcancel := context.WithCancel(context.Background())
	l := &link{conn: conn, ctx: lctx, cancel: lcancel}
	m.current = l
	m.attempts = 0
	m.setStateLocked(StateOpen)
	obslog.L().Info("stream_open", zap.String("session_id", m.sessionID))

	go m.listen(life, l)
	go m.heartbeat(l)
	return nil
}

// listen reads frames until the connection dies. Unparseable frames are
// logged and dropped; they never close the connection.
func (m *Manager) listen(life context.Context, l *link) {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			m.lost(life, l, err)
			return
		}
		var frame chessicadto.StreamFrame
		if derr := json.Unmarshal(data, &frame); derr != nil || frame.Type == "" {
			obslog.L().Warn("stream_frame_dropped",
				zap.String("session_id", m.session()),
				zap.Int("bytes", len(data)),
				zap.Error(derr),
			)
			continue
		}
		if m.onFrame != nil {
			m.onFrame(&frame)
		}
	}
}

// heartbeat pings on a fixed interval while the link is alive. Send failures
// are swallowed; a dead connection is detected by the read loop.
func (m *Manager) heartbeat(l *link) {
	t := time.NewTicker(m.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(l.ctx, 3*time.Second)
			if err := l.conn.Ping(pctx); err != nil {
				obslog.L().Debug("stream_ping_failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// lost handles a dead connection. Stale links (already replaced) are ignored.
func (m *Manager) lost(life context.Context, l *link, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != l {
		return
	}
	m.current = nil
	l.cancel()
	_ = l.conn.Close(websocket.StatusGoingAway, "dead connection")
	m.setStateLocked(StateDisconnected)
	if m.abandoned {
		return
	}
	obslog.L().Warn("stream_lost", zap.String("session_id", m.sessionID), zap.Error(cause))
	m.scheduleReconnectLocked(life)
}

// scheduleReconnectLocked arms the single reconnect timer. The delay doubles
// per consecutive attempt and is capped; the counter resets on a successful
// open.
func (m *Manager) scheduleReconnectLocked(life context.Context) {
	if m.pending {
		return
	}
	if m.maxAttempts > 0 && m.attempts >= m.maxAttempts {
		obslog.L().Error("stream_reconnect_exhausted",
			zap.String("session_id", m.sessionID),
			zap.Int("attempts", m.attempts),
		)
		return
	}
	delay := backoffDelay(m.baseDelay, m.capDelay, m.attempts)
	m.attempts++
	m.pending = true
	obslog.L().Info("stream_reconnect_scheduled",
		zap.String("session_id", m.sessionID),
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
	)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-life.Done():
			m.mu.Lock()
			m.pending = false
			m.mu.Unlock()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		m.pending = false
		if m.abandoned || m.current != nil {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()
		_ = m.dial(life, life)
	}()
}

// Close abandons the session: the connection is shut down and no reconnect
// will fire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = true
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	if m.current == nil {
		m.setStateLocked(StateDisconnected)
		return nil
	}
	m.setStateLocked(StateClosing)
	m.teardownLocked(websocket.StatusNormalClosure, "close")
	m.setStateLocked(StateDisconnected)
	return nil
}

func (m *Manager) teardownLocked(code websocket.StatusCode, reason string) {
	if m.current == nil {
		return
	}
	l := m.current
	m.current = nil
	l.cancel()
	_ = l.conn.Close(code, reason)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		go m.onState(s)
	}
}

func (m *Manager) session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) streamURL() string {
	return m.wsBase + "/api/v1/sessions/" + m.sessionID + "/stream"
}

// backoffDelay computes the reconnect delay for the given attempt number
// (0-based): base, 2*base, 4*base, ... capped at cap.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
