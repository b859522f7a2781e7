// Package audio owns the daemon's single persistent microphone capture
// stream and dynamically routes captured samples through the resampler
// (pkg/resample) to whichever session is currently active.
//
// Grounded on original_source/anytalk-daemon/src/audio.rs (the Rust cpal
// callback that must never block) and on the gordonklaus/portaudio
// callback-based capture pattern used elsewhere in the retrieved corpus
// (e.g. the VocaGlyph audio service) for the concrete device binding.
package audio

import (
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"anytalk-daemon/pkg/errs"
	"anytalk-daemon/pkg/resample"
)

// Target is where a completed audio chunk is delivered: a non-blocking,
// bounded sink. The audio callback must never block, so delivery always
// uses a try-send semantics; a full or closed target silently drops the
// chunk.
type Target interface {
	// TrySend attempts to deliver chunk without blocking. It reports
	// whether the chunk was accepted.
	TrySend(chunk []byte) bool
}

// ChanTarget adapts a buffered byte-slice channel to Target.
type ChanTarget chan []byte

func (c ChanTarget) TrySend(chunk []byte) bool {
	select {
	case c <- chunk:
		return true
	default:
		return false
	}
}

// RevocableQueue is a bounded chunk queue that can be safely revoked
// (closed) concurrently with the real-time audio callback's sends.
// TrySend and Revoke share a mutex, so a send attempted concurrently with
// a revoke either completes before the close or observes the queue as
// already closed and returns false — it never races the channel's own
// close, which Go does not allow a concurrent send to survive even inside
// a select with a default case.
//
// The session runner (pkg/session) consumes Chan() directly and relies on
// the ordinary Go receive-from-closed-channel signal for "routing
// revoked", per spec §4.6.
type RevocableQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewRevocableQueue constructs a queue with the given buffer capacity.
func NewRevocableQueue(capacity int) *RevocableQueue {
	return &RevocableQueue{ch: make(chan []byte, capacity)}
}

func (q *RevocableQueue) TrySend(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- chunk:
		return true
	default:
		return false
	}
}

// Revoke closes the queue. Idempotent and safe to call at any time,
// including concurrently with TrySend.
func (q *RevocableQueue) Revoke() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Chan returns the receive side, for the session runner to consume.
func (q *RevocableQueue) Chan() <-chan []byte { return q.ch }

// SampleFormat identifies the raw sample encoding a capture callback
// receives, mirroring the cpal SampleFormat match in the source audio
// pipeline. Only F32 is exercised by the concrete PortAudio backend below
// (which always negotiates a float32 stream), but all three are
// independently implemented and tested since a future backend (or a
// device that only offers int16/uint16) may need them.
type SampleFormat int

const (
	SampleFormatF32 SampleFormat = iota
	SampleFormatI16
	SampleFormatU16
)

// ConvertSamples converts one callback buffer of raw samples, in the given
// format, to i16. It is the pure conversion step from spec §4.3 bullet 2,
// kept independent of the PortAudio stream so it is directly testable.
func ConvertSamples(format SampleFormat, f32 []float32, i16in []int16, u16in []uint16) ([]int16, error) {
	switch format {
	case SampleFormatF32:
		out := make([]int16, len(f32))
		for i, s := range f32 {
			v := clampF32(s, -1, 1) * 32767
			out[i] = int16(roundF32(v))
		}
		return out, nil
	case SampleFormatI16:
		out := make([]int16, len(i16in))
		copy(out, i16in)
		return out, nil
	case SampleFormatU16:
		out := make([]int16, len(u16in))
		for i, s := range u16in {
			out[i] = int16(int32(s) - 32768)
		}
		return out, nil
	default:
		return nil, &errs.AudioDeviceError{Msg: "unsupported sample format"}
	}
}

func clampF32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundF32(v float32) float32 {
	if v >= 0 {
		return float32(int64(v + 0.5))
	}
	return float32(int64(v - 0.5))
}

// Controller is the shared, thread-safe routing handle between the
// real-time capture callback (producer) and client handlers (which
// install/revoke a session's inbound queue as the current target).
//
// The critical section held by SetTarget/ClearTarget/currentTarget is a
// short pointer swap only: it is never held across a channel send/receive
// or any other suspension point, per the concurrency model in spec §5.
type Controller struct {
	mu     sync.Mutex
	target Target
	logger *slog.Logger
}

// NewController constructs a Controller with no routing target.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger}
}

// SetTarget idempotently installs tgt as the current routing target,
// overwriting (without notifying) any previous target.
func (c *Controller) SetTarget(tgt Target) {
	c.mu.Lock()
	c.target = tgt
	c.mu.Unlock()
}

// ClearTarget idempotently removes the current routing target.
func (c *Controller) ClearTarget() {
	c.mu.Lock()
	c.target = nil
	c.mu.Unlock()
}

func (c *Controller) currentTarget() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Stream owns the PortAudio input stream and the per-callback pipeline
// state (resampler, downmix, chunker). None of that state is observed by
// any other goroutine: PortAudio invokes the callback serially on its own
// thread, matching the "thread-local to the audio callback" discipline
// from spec §5.
type Stream struct {
	stream     *portaudio.Stream
	controller *Controller
	logger     *slog.Logger
}

// Start opens the default input device and begins capture for the
// process's lifetime. Failure (no device, unsupported config) is fatal to
// the daemon per spec §7.
func Start(logger *slog.Logger) (*Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &errs.AudioDeviceError{Msg: "portaudio init failed", Err: err}
	}

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		portaudio.Terminate()
		return nil, &errs.AudioDeviceError{Msg: "no default host API", Err: err}
	}
	if host.DefaultInputDevice == nil {
		portaudio.Terminate()
		return nil, &errs.AudioDeviceError{Msg: "no default input device"}
	}
	device := host.DefaultInputDevice
	inRate := int(device.DefaultSampleRate)
	channels := device.MaxInputChannels
	if channels < 1 {
		channels = 1
	}

	logger.Info("audio: using default input device", "name", device.Name, "rate", inRate, "channels", channels)

	controller := NewController(logger)
	resampler := resample.NewStreamer(inRate, resample.TargetRate)
	chunker := resample.NewChunker()

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(inRate),
		FramesPerBuffer: portaudio.FramesPerBufferUnspecified,
	}

	callback := func(in []float32) {
		onFrames(controller, resampler, chunker, channels, in, logger)
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		portaudio.Terminate()
		return nil, &errs.AudioDeviceError{Msg: "failed to open input stream", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &errs.AudioDeviceError{Msg: "failed to start input stream", Err: err}
	}

	logger.Info("audio: capture stream started")
	return &Stream{stream: stream, controller: controller, logger: logger}, nil
}

// Controller exposes the routing handle for client handlers to install or
// revoke a session's inbound queue.
func (s *Stream) Controller() *Controller { return s.controller }

// Close stops capture and releases PortAudio. Called once at daemon
// shutdown.
func (s *Stream) Close() error {
	if err := s.stream.Stop(); err != nil {
		s.logger.Warn("audio: stop stream error", "err", err)
	}
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}

// onFrames runs on PortAudio's capture thread. It must never block: the
// target lookup takes a short lock, and chunk delivery is a non-blocking
// try-send.
func onFrames(controller *Controller, resampler *resample.Streamer, chunker *resample.Chunker, channels int, in []float32, logger *slog.Logger) {
	tgt := controller.currentTarget()
	if tgt == nil {
		chunker.Reset()
		return
	}

	i16, err := ConvertSamples(SampleFormatF32, in, nil, nil)
	if err != nil {
		// Unreachable for the F32 backend, but kept so the dispatch stays
		// exhaustive if a future backend adds formats.
		logger.Error("audio: sample conversion failed", "err", err)
		return
	}

	mono := resample.Downmix(i16, channels)
	resampled := resampler.Process(mono)
	for _, chunk := range chunker.Push(resampled) {
		if !tgt.TrySend(chunk) {
			// Queue full or closed: drop the chunk to preserve the
			// real-time guarantee, per spec §4.3.
		}
	}
}
