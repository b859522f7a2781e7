// Package ipc implements the per-client command/event loop over the local
// Unix-domain socket: it owns session lifecycle transitions and
// coordinates the audio controller (pkg/audio), the connection pool
// (pkg/asrpool), and the session runner (pkg/session).
//
// Grounded on original_source/anytalk-daemon/src/ipc.rs's handle_client
// (the tokio::select! command/event loop and its start/stop/cancel state
// machine), generalized from tokio tasks to goroutines and from an mpsc
// channel to Go's native select.
package ipc

import (
	"bufio"
	"context"
	"log/slog"
	"net"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"anytalk-daemon/pkg/asrpool"
	"anytalk-daemon/pkg/audio"
	"anytalk-daemon/pkg/session"
	"anytalk-daemon/pkg/wire"
)

// Pool is the subset of *asrpool.Pool the handler needs: peek at and take
// the hot spare. Narrowed to an interface so tests can drive on-demand
// dial/no-spare scenarios without a real network connection.
type Pool interface {
	HasSpare() bool
	Take() *websocket.Conn
}

// outboundQueueCapacity matches the Rust implementation's
// mpsc::channel::<String>(32) response queue.
const outboundQueueCapacity = 32

// audioQueueCapacity is the bounded per-session audio queue (~3.2s at
// 200ms/chunk), per spec §5 backpressure.
const audioQueueCapacity = 16

// sessionHandle tracks one session's cancellation and completion.
type sessionHandle struct {
	cancel context.CancelFunc
	runner *session.Runner
	queue  *audio.RevocableQueue
}

// Handler drives one client connection's command/event loop.
type Handler struct {
	conn   net.Conn
	pool   Pool
	audio  *audio.Controller
	cfg    asrpool.Config
	logger *slog.Logger
	dial   func(context.Context, asrpool.Config) (*websocket.Conn, error)

	active   *sessionHandle
	draining *sessionHandle

	outboundMsgs chan outboundMsg
}

type outboundMsg struct {
	event      wire.ServerEvent
	doneHandle *sessionHandle
}

// NewHandler constructs a Handler for one accepted client connection.
func NewHandler(conn net.Conn, pool Pool, audioController *audio.Controller, cfg asrpool.Config, logger *slog.Logger) *Handler {
	return &Handler{
		conn:         conn,
		pool:         pool,
		audio:        audioController,
		cfg:          cfg,
		logger:       logger,
		dial:         asrpool.Dial,
		outboundMsgs: make(chan outboundMsg, outboundQueueCapacity+2),
	}
}

// Serve runs the command/event loop until the client disconnects, a fatal
// read/write error occurs, or ctx is canceled. It always clears the audio
// routing target on return, so the capture device is never left bound to a
// closed queue.
func (h *Handler) Serve(ctx context.Context) {
	defer h.conn.Close()
	defer h.audio.ClearTarget()

	writer := bufio.NewWriter(h.conn)

	if h.pool.HasSpare() {
		if err := writeEvent(writer, wire.Status(wire.StateConnected)); err != nil {
			return
		}
	}

	commands := make(chan wire.ClientCommand)
	go h.readCommands(commands)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if !h.handleCommand(ctx, cmd, writer) {
				return
			}

		case msg := <-h.outboundMsgs:
			if msg.doneHandle != nil {
				if !h.handleSessionDone(msg.doneHandle, writer) {
					return
				}
				continue
			}
			if err := writeEvent(writer, msg.event); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readCommands(out chan<- wire.ClientCommand) {
	defer close(out)
	scanner := bufio.NewScanner(h.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd wire.ClientCommand
		if err := sonic.Unmarshal(line, &cmd); err != nil {
			cmd = wire.ClientCommand{Type: ""}
		}
		out <- cmd
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("ipc: client read error", "err", err)
	}
}

func writeEvent(writer *bufio.Writer, ev wire.ServerEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

// handleCommand dispatches one client command. It reports whether the
// handler should keep serving.
func (h *Handler) handleCommand(ctx context.Context, cmd wire.ClientCommand, writer *bufio.Writer) bool {
	switch cmd.Type {
	case wire.CmdStart:
		return h.doStart(ctx, writer)
	case wire.CmdStop:
		return h.doStop(writer)
	case wire.CmdCancel:
		return h.doCancel(writer)
	default:
		return writeEvent(writer, wire.ErrorEvent("unknown message")) == nil
	}
}

func (h *Handler) doStart(ctx context.Context, writer *bufio.Writer) bool {
	if h.draining != nil {
		h.abort(h.draining)
		h.draining = nil
	}
	if h.active != nil {
		h.audio.ClearTarget()
		h.abort(h.active)
		h.active = nil
	}

	conn := h.pool.Take()
	if conn == nil {
		if err := writeEvent(writer, wire.Status(wire.StateConnecting)); err != nil {
			return false
		}
		dialed, err := h.dial(ctx, h.cfg)
		if err != nil {
			h.logger.Warn("ipc: on-demand dial failed", "err", err)
			return writeEvent(writer, wire.ErrorEvent(err.Error())) == nil
		}
		conn = dialed
	}

	queue := audio.NewRevocableQueue(audioQueueCapacity)
	h.audio.SetTarget(queue)

	sessCtx, cancel := context.WithCancel(ctx)
	sessEvents := make(chan wire.ServerEvent, outboundQueueCapacity)
	runner := session.New(conn, queue.Chan(), sessEvents, h.cfg.Mode, h.logger)
	handle := &sessionHandle{cancel: cancel, runner: runner, queue: queue}
	h.active = handle

	go func() {
		defer close(sessEvents)
		runner.Run(sessCtx)
	}()
	go h.forward(sessEvents, handle)

	return writeEvent(writer, wire.Status(wire.StateRecording)) == nil
}

func (h *Handler) doStop(writer *bufio.Writer) bool {
	h.audio.ClearTarget()

	if h.active == nil {
		return writeEvent(writer, wire.Status(wire.StateIdle)) == nil
	}

	// Revoking (not hard-aborting) the queue lets the runner observe the
	// closure, send its trailing last=true audio frame, and keep running
	// to await the server's trailing finals.
	h.active.queue.Revoke()

	if h.draining != nil {
		h.abort(h.draining)
	}
	h.draining = h.active
	h.active = nil
	return true
}

func (h *Handler) doCancel(writer *bufio.Writer) bool {
	h.audio.ClearTarget()

	if h.active != nil {
		h.abort(h.active)
		h.active = nil
	}
	if h.draining != nil {
		h.abort(h.draining)
		h.draining = nil
	}

	return writeEvent(writer, wire.Status(wire.StateIdle)) == nil
}

func (h *Handler) abort(s *sessionHandle) {
	s.cancel()
	s.runner.Abort()
	s.queue.Revoke()
}

// forward relays one session's events to the handler's single outbound
// queue, followed by a completion marker once the session's event channel
// is fully drained and closed. Because all of a session's own sends happen
// strictly before its wrapper goroutine closes sessEvents, the completion
// marker is always observed after every event that session produced.
func (h *Handler) forward(sessEvents <-chan wire.ServerEvent, handle *sessionHandle) {
	for ev := range sessEvents {
		h.outboundMsgs <- outboundMsg{event: ev}
	}
	h.outboundMsgs <- outboundMsg{doneHandle: handle}
}

// handleSessionDone processes one session's completion marker: if the
// handle is still the tracked active or draining session, clear it and
// emit status:idle. A handle that was already superseded by abort (e.g. a
// restart) is a no-op — its residual completion is simply swallowed.
func (h *Handler) handleSessionDone(handle *sessionHandle, writer *bufio.Writer) bool {
	switch {
	case h.active == handle:
		h.active = nil
	case h.draining == handle:
		h.draining = nil
	default:
		return true
	}
	return writeEvent(writer, wire.Status(wire.StateIdle)) == nil
}
