package asrpool

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"anytalk-daemon/pkg/errs"
)

// backoff is the connection maintainer's retry delay after a dial failure.
var backoff = 3 * time.Second

// debounce is the pause after a spare is consumed, before the maintainer
// starts dialing its replacement. Heuristic, per spec §9 Open Question
// (iii).
var debounce = 100 * time.Millisecond

// Dial opens and authenticates one WebSocket connection to the ASR
// endpoint selected by cfg.Mode, setting the four X-Api-* headers exactly
// as pkg/volc/request/header.go does for the v3 bigmodel protocol.
func Dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	return dialURL(ctx, cfg.URL(), cfg)
}

// dialURL is Dial with the endpoint URL factored out, so tests can point it
// at a local WebSocket server instead of the real ASR endpoint.
func dialURL(ctx context.Context, url string, cfg Config) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Api-App-Key", cfg.AppID)
	header.Set("X-Api-Access-Key", cfg.AccessToken)
	header.Set("X-Api-Resource-Id", cfg.ResourceID)
	header.Set("X-Api-Connect-Id", uuid.New().String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &errs.WebSocketError{Msg: "dial failed", Err: err}
	}
	return conn, nil
}

// Pool maintains at most one spare, pre-authenticated WebSocket. At most
// one spare exists at a time; Take atomically removes and returns it,
// notifying the maintainer so it can start dialing the next one.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	dial   func(context.Context, Config) (*websocket.Conn, error)

	mu    sync.Mutex
	spare *websocket.Conn

	consumed chan struct{}
}

// New constructs a Pool. Run must be started in its own goroutine for the
// spare to ever become populated.
func New(cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		dial:     Dial,
		consumed: make(chan struct{}, 1),
	}
}

// Take atomically removes and returns the current spare, or nil if none is
// present. A successful take fires the consumed notification exactly once.
func (p *Pool) Take() *websocket.Conn {
	p.mu.Lock()
	conn := p.spare
	p.spare = nil
	p.mu.Unlock()

	if conn != nil {
		select {
		case p.consumed <- struct{}{}:
		default:
		}
	}
	return conn
}

func (p *Pool) hasSpare() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spare != nil
}

// HasSpare reports whether a spare connection is currently available,
// without consuming it. Used by the client handler to decide whether to
// greet a new connection with status:connected.
func (p *Pool) HasSpare() bool { return p.hasSpare() }

func (p *Pool) install(conn *websocket.Conn) {
	p.mu.Lock()
	p.spare = conn
	p.mu.Unlock()
}

// Run is the maintainer loop: while no spare is present, dial and install
// one, retrying with a fixed backoff on failure; once a spare is present,
// wait for it to be consumed (plus a debounce) before looping. It runs
// until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !p.hasSpare() {
			p.logger.Debug("asrpool: dialing spare connection")
			conn, err := p.dial(ctx, p.cfg)
			if err != nil {
				p.logger.Warn("asrpool: pre-connection failed, retrying", "err", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			p.logger.Info("asrpool: spare connection ready")
			p.install(conn)
		}

		select {
		case <-p.consumed:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(debounce):
		case <-ctx.Done():
			return
		}
	}
}
