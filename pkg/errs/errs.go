// Package errs defines the daemon's closed set of error kinds.
//
// Each kind is a plain struct. The kinds that carry an underlying cause
// (AudioDeviceError, WebSocketError, LocalIOError) expose it through
// Unwrap, so callers can still errors.Is/errors.As through to it; the
// other kinds carry no cause. There is no error framework here.
package errs

import "fmt"

// AudioDeviceError covers missing input devices, unsupported sample
// formats, and driver-level failures.
type AudioDeviceError struct {
	Msg string
	Err error
}

func (e *AudioDeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio device: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("audio device: %s", e.Msg)
}

func (e *AudioDeviceError) Unwrap() error { return e.Err }

// ConfigError covers missing or invalid startup configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s", e.Msg) }

// WebSocketError covers dial, handshake, TLS, and I/O failures talking to
// the ASR endpoint.
type WebSocketError struct {
	Msg string
	Err error
}

func (e *WebSocketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("websocket: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("websocket: %s", e.Msg)
}

func (e *WebSocketError) Unwrap() error { return e.Err }

// ProtocolError covers malformed wire frames. Defined for completeness of
// the error taxonomy; nothing constructs it, since the decode path always
// downgrades a malformed frame to an ignored "unknown" frame.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Msg) }

// LocalIOError covers read/write failures on the local client socket.
type LocalIOError struct {
	Msg string
	Err error
}

func (e *LocalIOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("local io: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("local io: %s", e.Msg)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// ServerError is an ERROR_RESPONSE frame from the ASR server, carrying its
// code and message verbatim.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
