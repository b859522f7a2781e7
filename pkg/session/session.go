// Package session drives one recognition session: initial handshake,
// forwarding audio frames, decoding responses, and emitting transcript
// events, until the session terminates.
//
// Grounded on original_source/anytalk-daemon/src/asr.rs's run_session (the
// tokio::select! duplex loop) and on asr-eval's pkg/volc/client/client.go,
// which runs the same kind of send/recv goroutine pair against this wire
// protocol, generalized here into one cooperative select loop per Go
// idiom instead of two goroutines racing on the same connection.
package session

import (
	"context"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"anytalk-daemon/pkg/aggregator"
	"anytalk-daemon/pkg/protocol"
	"anytalk-daemon/pkg/wire"
)

// Conn is the subset of *websocket.Conn the runner needs. Narrowed to an
// interface so tests can drive the duplex loop against an in-process fake
// instead of a real network socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type initialRequest struct {
	User    userFields    `json:"user"`
	Audio   audioFields   `json:"audio"`
	Request requestFields `json:"request"`
}

type userFields struct {
	UID string `json:"uid"`
}

type audioFields struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language,omitempty"`
}

type requestFields struct {
	ModelName  string `json:"model_name"`
	EnableITN  bool   `json:"enable_itn"`
	EnablePunc bool   `json:"enable_punc"`
	EnableDDC  bool   `json:"enable_ddc"`
	EnableWord bool   `json:"enable_word"`
	ResType    string `json:"res_type"`
	NBest      int    `json:"nbest"`
	UseVAD     bool   `json:"use_vad"`
}

func buildInitialRequest(mode string) ([]byte, error) {
	req := initialRequest{
		User: userFields{UID: "anytalk"},
		Audio: audioFields{
			Format:  "pcm",
			Rate:    16000,
			Bits:    16,
			Channel: 1,
		},
		Request: requestFields{
			ModelName:  "bigmodel",
			EnableITN:  true,
			EnablePunc: true,
			EnableDDC:  false,
			EnableWord: false,
			ResType:    "full",
			NBest:      1,
			UseVAD:     true,
		},
	}
	if mode == "nostream" {
		req.Audio.Language = "zh-CN"
	}
	return sonic.Marshal(req)
}

// Runner drives one recognition session to completion. Run is synchronous;
// callers spawn it in its own goroutine and observe termination by Run
// returning.
type Runner struct {
	conn    Conn
	inbound <-chan []byte
	outbound chan<- wire.ServerEvent
	mode    string
	agg     *aggregator.Aggregator
	logger  *slog.Logger
}

// New constructs a Runner. inbound is the session's audio chunk queue
// (producer: pkg/audio); outbound is the response queue consumed by the
// client handler (pkg/ipc).
func New(conn Conn, inbound <-chan []byte, outbound chan<- wire.ServerEvent, mode string, logger *slog.Logger) *Runner {
	return &Runner{
		conn:     conn,
		inbound:  inbound,
		outbound: outbound,
		mode:     mode,
		agg:      aggregator.New(mode),
		logger:   logger,
	}
}

// Abort hard-cancels the session by closing the underlying connection,
// unblocking any pending read so Run returns promptly. Safe to call
// concurrently with Run; safe to call more than once.
func (r *Runner) Abort() {
	r.conn.Close()
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

// Run sends the initial handshake and then drives the duplex loop until
// termination: a server final frame, an error frame, connection close, a
// read error, or ctx cancellation. It always closes the connection before
// returning.
func (r *Runner) Run(ctx context.Context) {
	defer r.conn.Close()

	initial, err := buildInitialRequest(r.mode)
	if err != nil {
		r.logger.Error("session: failed to build initial request", "err", err)
		return
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, protocol.BuildFullClientRequest(initial)); err != nil {
		r.logger.Warn("session: failed to send initial request", "err", err)
		return
	}

	readCh := make(chan readResult, 1)
	go r.pumpReads(readCh)

	inbound := r.inbound

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-inbound:
			if !ok {
				frame := protocol.BuildAudioOnlyRequest(nil, true)
				if err := r.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					r.logger.Warn("session: failed to send trailing audio frame", "err", err)
				}
				inbound = nil
				continue
			}
			frame := protocol.BuildAudioOnlyRequest(chunk, false)
			if err := r.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				r.logger.Warn("session: failed to send audio chunk", "err", err)
				inbound = nil
			}

		case res, ok := <-readCh:
			if !ok {
				return
			}
			if res.err != nil {
				if !websocket.IsCloseError(res.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					r.logger.Debug("session: websocket ended", "err", res.err)
				}
				return
			}
			if res.messageType != websocket.BinaryMessage {
				continue
			}
			if r.handleServerMessage(res.data) {
				return
			}
		}
	}
}

// handleServerMessage decodes one binary server message and emits the
// events it produces. It reports whether the session should terminate.
func (r *Runner) handleServerMessage(data []byte) (terminate bool) {
	msg := protocol.ParseServerMessage(data)
	switch msg.Kind {
	case protocol.KindError:
		r.outbound <- wire.ErrorEvent(msg.ErrorMsg)
		return true

	case protocol.KindResponse:
		for _, ev := range r.agg.Feed(msg.JSONText) {
			if ev.Final {
				r.outbound <- wire.Final(ev.Text)
			} else {
				r.outbound <- wire.Partial(ev.Text)
			}
		}
		return msg.Flags == protocol.FlagFinalServerFrame

	default:
		return false
	}
}

func (r *Runner) pumpReads(out chan<- readResult) {
	for {
		mt, data, err := r.conn.ReadMessage()
		out <- readResult{messageType: mt, data: data, err: err}
		if err != nil {
			close(out)
			return
		}
	}
}
