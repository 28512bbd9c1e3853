package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kapu/chessica-client-go/internal/api"
	"github.com/kapu/chessica-client-go/internal/archive"
	appcfg "github.com/kapu/chessica-client-go/internal/config"
	"github.com/kapu/chessica-client-go/internal/msgcat"
	"github.com/kapu/chessica-client-go/internal/obslog"
	"github.com/kapu/chessica-client-go/internal/queue"
	"github.com/kapu/chessica-client-go/internal/session"
	"github.com/kapu/chessica-client-go/internal/stream"
	"github.com/kapu/chessica-client-go/pkg/chessicadto"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}

	cat, err := msgcat.New()
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	client := api.NewClient(cfg.BaseURL,
		api.WithTimeout(cfg.MoveTimeout),
	)

	ws := stream.NewManager(cfg.WSURL,
		stream.WithBackoff(cfg.ReconnectBase, cfg.ReconnectCap),
		stream.WithMaxAttempts(cfg.ReconnectMax),
		stream.WithPingInterval(cfg.HeartbeatInterval),
	)

	opts := []session.Option{
		session.WithMoveTimeout(cfg.MoveTimeout),
		session.WithNotifier(func(key string, data map[string]any) {
			fmt.Println(cat.MustRender(key, data))
		}),
	}
	if cfg.RedisURL != "" {
		store, err := archive.NewStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		opts = append(opts, session.WithArchive(store))
	}
	core := session.NewCore(client, ws, cfg.PlayerID, opts...)

	poller := queue.NewPoller(client, clockwork.NewRealClock(), cfg.QueuePollInterval)

	poller.OnTicketGone(func() {
		fmt.Println(cat.MustRender("queue.expired", nil))
	})

	fmt.Printf("chessica-cli: player %s\n", cfg.PlayerID)
	fmt.Println("commands: play | join <session-id> | move <uci> | board | draw | resign | abort | leave | quit")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	onMatched := func(sessionID string, color chessicadto.Color) {
		fmt.Println(cat.MustRender("queue.matched", map[string]any{
			"Color":     string(color),
			"SessionID": sessionID,
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := core.LoadSession(ctx, sessionID); err != nil {
			fmt.Println(cat.MustRender("session.load_failed", nil))
			return
		}
		printBoard(core)
	}

loop:
	for {
		select {
		case <-sigCh:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			parts := strings.Fields(strings.TrimSpace(line))
			if len(parts) == 0 {
				continue
			}
			cmd := strings.ToLower(parts[0])
			args := parts[1:]

			switch cmd {
			case "play":
				ticket := &chessicadto.QueueTicket{
					PlayerID: cfg.PlayerID,
					Color:    chessicadto.Color(cfg.PreferredColor),
					TimeControl: chessicadto.TimeControl{
						InitialMs:   cfg.InitialMs,
						IncrementMs: cfg.IncrementMs,
					},
				}
				if err := poller.Join(context.Background(), ticket, onMatched); err != nil {
					fmt.Println(cat.MustRender("queue.error", map[string]any{"Reason": err.Error()}))
					continue
				}
				if poller.Polling() {
					fmt.Println(cat.MustRender("queue.waiting", nil))
				}
			case "join":
				if len(args) < 1 {
					fmt.Println("usage: join <session-id>")
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err := core.LoadSession(ctx, args[0])
				cancel()
				if err != nil {
					fmt.Println(cat.MustRender("session.load_failed", nil))
					continue
				}
				printBoard(core)
			case "move":
				if len(args) < 1 {
					fmt.Println("usage: move <uci>  (e.g. move e2e4)")
					continue
				}
				handleMove(core, args[0])
			case "board":
				printBoard(core)
			case "resign":
				if err := core.Resign(context.Background()); err != nil {
					fmt.Printf("resign failed: %v\n", err)
				}
			case "draw":
				if err := core.OfferDraw(context.Background()); err != nil {
					fmt.Printf("draw failed: %v\n", err)
				}
			case "abort":
				if err := core.Abort(context.Background()); err != nil {
					fmt.Printf("abort failed: %v\n", err)
				}
			case "leave":
				if err := poller.Leave(context.Background()); err != nil {
					fmt.Printf("leave failed: %v\n", err)
				} else {
					fmt.Println(cat.MustRender("queue.left", nil))
				}
			case "quit", "exit":
				break loop
			default:
				// bare UCI is the common case mid-game
				if looksLikeUCI(cmd) {
					handleMove(core, cmd)
					continue
				}
				fmt.Println("unknown command; try: play, move <uci>, board, resign, leave, quit")
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if poller.Polling() {
		_ = poller.Leave(shutdownCtx)
	}
	_ = core.Close(shutdownCtx)
	obslog.Sync()
}

func handleMove(core *session.Core, uci string) {
	// rejections and rollbacks surface through the notifier; only the
	// no-session states need a direct print here
	_, err := core.ProposeMove(context.Background(), uci)
	switch {
	case errors.Is(err, session.ErrNoSession):
		fmt.Println("no active session; 'play' to queue or 'join <session-id>'")
	case errors.Is(err, session.ErrSessionOver):
		fmt.Println("the game is over")
	case err != nil:
		// already announced
	default:
		printBoard(core)
	}
}

func printBoard(core *session.Core) {
	if core.SessionID() == "" {
		fmt.Println("no active session")
		return
	}
	est := core.Clocks()
	fmt.Printf("fen: %s\n", core.FEN())
	if san := core.MovesSAN(); len(san) > 0 {
		fmt.Printf("moves: %s\n", strings.Join(san, " "))
	}
	fmt.Printf("clocks: white %s, black %s (%s to move)\n",
		fmtClock(est.WhiteMs), fmtClock(est.BlackMs), core.Turn())
}

func fmtClock(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}

func looksLikeUCI(s string) bool {
	if len(s) != 4 && len(s) != 5 {
		return false
	}
	ok := func(f, r byte) bool { return f >= 'a' && f <= 'h' && r >= '1' && r <= '8' }
	return ok(s[0], s[1]) && ok(s[2], s[3])
}
