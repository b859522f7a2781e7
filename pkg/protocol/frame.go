// Package protocol implements the binary framing codec for the ASR wire
// protocol: request encoding and response parsing on top of WebSocket
// binary messages.
//
// The wire layout and constants follow the Doubao/Volcengine bigmodel
// streaming protocol, the same one asr-eval's pkg/volc/legacy client
// speaks, generalized here from that one-shot gzip+JSON client into the
// persistent, uncompressed streaming variant this daemon uses.
package protocol

import "encoding/binary"

// ProtocolVersion and HeaderSize4B are the only version/header-size nibble
// values this daemon ever emits or accepts.
const (
	ProtocolVersion = 0b0001
	HeaderSize4B    = 0b0001
)

// Message types.
const (
	MsgFullClientRequest  = 0x1
	MsgAudioOnlyRequest   = 0x2
	MsgFullServerResponse = 0x9
	MsgErrorResponse      = 0xF
)

// Message-type-specific flags.
const (
	FlagNoSequence       = 0x0
	FlagLastNoSequence   = 0x2
	FlagFinalServerFrame = 0b0011
)

// Serialization types.
const (
	SerializationNone = 0x0
	SerializationJSON = 0x1
)

// Compression types.
const (
	CompressionNone = 0x0
)

func buildHeader(messageType, flags, serialization, compression byte) [4]byte {
	return [4]byte{
		(ProtocolVersion << 4) | HeaderSize4B,
		(messageType << 4) | flags,
		(serialization << 4) | compression,
		0x00,
	}
}

// BuildFullClientRequest encodes a FULL_CLIENT_REQUEST frame carrying a
// UTF-8 JSON payload: a 4-byte header, a big-endian u32 length, then the
// payload bytes.
func BuildFullClientRequest(jsonText []byte) []byte {
	header := buildHeader(MsgFullClientRequest, FlagNoSequence, SerializationJSON, CompressionNone)
	out := make([]byte, 0, 4+4+len(jsonText))
	out = append(out, header[:]...)
	out = appendU32BE(out, uint32(len(jsonText)))
	out = append(out, jsonText...)
	return out
}

// BuildAudioOnlyRequest encodes an AUDIO_ONLY_REQUEST frame carrying raw
// PCM bytes (length may be zero, used for the trailing "last" frame).
func BuildAudioOnlyRequest(pcm []byte, last bool) []byte {
	flags := byte(FlagNoSequence)
	if last {
		flags = FlagLastNoSequence
	}
	header := buildHeader(MsgAudioOnlyRequest, flags, SerializationNone, CompressionNone)
	out := make([]byte, 0, 4+4+len(pcm))
	out = append(out, header[:]...)
	out = appendU32BE(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

func appendU32BE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// Kind classifies a parsed server message.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse
	KindError
)

// ServerMessage is the decoded form of one server-sent binary WebSocket
// message.
type ServerMessage struct {
	Kind      Kind
	Flags     byte
	JSONText  string
	ErrorCode uint32
	ErrorMsg  string
}

// ParseServerMessage decodes one server binary frame. It never panics or
// returns an error: malformed or truncated input always yields
// KindUnknown, which callers treat as a no-op. This matches
// original_source/anytalk-daemon/src/protocol.rs's parse_server_message
// exactly, including the shared assumption that the 8-byte pre-payload
// region (4 bytes reserved/sequence + 4 bytes big-endian length) has the
// same shape for both FULL_SERVER_RESPONSE and ERROR_RESPONSE.
func ParseServerMessage(data []byte) ServerMessage {
	if len(data) < 4 {
		return ServerMessage{Kind: KindUnknown}
	}

	b0, b1 := data[0], data[1]
	version := (b0 >> 4) & 0xF
	headerSize4 := b0 & 0xF
	if version != ProtocolVersion || headerSize4 != HeaderSize4B {
		return ServerMessage{Kind: KindUnknown}
	}

	messageType := (b1 >> 4) & 0xF
	flags := b1 & 0xF

	switch messageType {
	case MsgFullServerResponse:
		if len(data) < 12 {
			return ServerMessage{Kind: KindUnknown, Flags: flags}
		}
		payloadSize := binary.BigEndian.Uint32(data[8:12])
		if uint64(len(data)) < uint64(12)+uint64(payloadSize) {
			return ServerMessage{Kind: KindUnknown, Flags: flags}
		}
		payload := data[12 : 12+payloadSize]
		return ServerMessage{
			Kind:     KindResponse,
			Flags:    flags,
			JSONText: lossyUTF8(payload),
		}

	case MsgErrorResponse:
		if len(data) < 12 {
			return ServerMessage{Kind: KindUnknown, Flags: flags}
		}
		code := binary.BigEndian.Uint32(data[4:8])
		msgSize := binary.BigEndian.Uint32(data[8:12])
		if uint64(len(data)) < uint64(12)+uint64(msgSize) {
			return ServerMessage{Kind: KindUnknown, Flags: flags}
		}
		msg := data[12 : 12+msgSize]
		return ServerMessage{
			Kind:      KindError,
			Flags:     flags,
			ErrorCode: code,
			ErrorMsg:  lossyUTF8(msg),
		}

	default:
		return ServerMessage{Kind: KindUnknown, Flags: flags}
	}
}

// lossyUTF8 decodes b as UTF-8, substituting the replacement character for
// invalid sequences rather than failing — the daemon never crashes a
// session on a malformed server payload.
func lossyUTF8(b []byte) string {
	return string([]rune(string(b)))
}
