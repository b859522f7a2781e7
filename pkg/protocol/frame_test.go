package protocol

import (
	"encoding/binary"
	"testing"
)

func TestBuildFullClientRequest(t *testing.T) {
	payload := []byte(`{"test":"value"}`)
	msg := BuildFullClientRequest(payload)

	if len(msg) != 8+len(payload) {
		t.Fatalf("len = %d, want %d", len(msg), 8+len(payload))
	}
	if msg[0] != 0x11 || msg[1] != 0x10 || msg[2] != 0x10 || msg[3] != 0x00 {
		t.Fatalf("header = % x, want 11 10 10 00", msg[:4])
	}
	gotLen := binary.BigEndian.Uint32(msg[4:8])
	if int(gotLen) != len(payload) {
		t.Fatalf("length field = %d, want %d", gotLen, len(payload))
	}
	if string(msg[8:]) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestBuildAudioOnlyRequest(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}

	notLast := BuildAudioOnlyRequest(pcm, false)
	if notLast[1] != 0x20 {
		t.Fatalf("byte 1 = %#x, want 0x20", notLast[1])
	}

	last := BuildAudioOnlyRequest(pcm, true)
	if last[1] != 0x22 {
		t.Fatalf("byte 1 = %#x, want 0x22", last[1])
	}

	empty := BuildAudioOnlyRequest(nil, true)
	if len(empty) != 8 {
		t.Fatalf("empty last frame len = %d, want 8", len(empty))
	}
}

func TestParseServerMessageTooShort(t *testing.T) {
	for n := 0; n < 4; n++ {
		got := ParseServerMessage(make([]byte, n))
		if got.Kind != KindUnknown {
			t.Fatalf("len %d: kind = %v, want unknown", n, got.Kind)
		}
	}
}

func TestParseServerMessageBadVersion(t *testing.T) {
	data := []byte{0x21, 0x90, 0x10, 0x00}
	got := ParseServerMessage(data)
	if got.Kind != KindUnknown {
		t.Fatalf("kind = %v, want unknown", got.Kind)
	}
}

func TestParseServerMessageBadHeaderSize(t *testing.T) {
	data := []byte{0x12, 0x90, 0x10, 0x00}
	got := ParseServerMessage(data)
	if got.Kind != KindUnknown {
		t.Fatalf("kind = %v, want unknown", got.Kind)
	}
}

func buildResponseFrame(flags byte, payload []byte) []byte {
	out := []byte{0x11, (MsgFullServerResponse << 4) | flags, 0x10, 0x00}
	out = append(out, 0, 0, 0, 0) // reserved/sequence
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

func TestParseServerMessageResponseRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"result"}`)
	data := buildResponseFrame(0, payload)

	got := ParseServerMessage(data)
	if got.Kind != KindResponse {
		t.Fatalf("kind = %v, want response", got.Kind)
	}
	if got.JSONText != string(payload) {
		t.Fatalf("json text = %q, want %q", got.JSONText, string(payload))
	}
}

func TestParseServerMessageResponseFlags(t *testing.T) {
	data := buildResponseFrame(0b0011, []byte(`{}`))
	got := ParseServerMessage(data)
	if got.Flags != 0b0011 {
		t.Fatalf("flags = %b, want 0b0011", got.Flags)
	}
}

func TestParseServerMessageTruncatedNeverPanics(t *testing.T) {
	full := buildResponseFrame(0, []byte(`{"result":{"text":"hello world"}}`))
	for n := 0; n <= len(full); n++ {
		got := ParseServerMessage(full[:n])
		_ = got // must not panic for any prefix length
	}
}

func buildErrorFrame(code uint32, msg []byte) []byte {
	out := []byte{0x11, MsgErrorResponse << 4, 0x10, 0x00}
	var codeBuf, lenBuf [4]byte
	binary.BigEndian.PutUint32(codeBuf[:], code)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	out = append(out, codeBuf[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, msg...)
	return out
}

func TestParseServerMessageError(t *testing.T) {
	data := buildErrorFrame(42, []byte("bad"))
	got := ParseServerMessage(data)
	if got.Kind != KindError {
		t.Fatalf("kind = %v, want error", got.Kind)
	}
	if got.ErrorCode != 42 || got.ErrorMsg != "bad" {
		t.Fatalf("got code=%d msg=%q, want code=42 msg=bad", got.ErrorCode, got.ErrorMsg)
	}
}

func TestParseServerMessageUnknownType(t *testing.T) {
	// SERVER_ACK (0b1011) is not FULL_SERVER_RESPONSE or ERROR_RESPONSE.
	data := []byte{0x11, 0b1011 << 4, 0x10, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	got := ParseServerMessage(data)
	if got.Kind != KindUnknown {
		t.Fatalf("kind = %v, want unknown", got.Kind)
	}
}

func TestParseServerMessageLossyUTF8(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 'h', 'i'}
	data := buildResponseFrame(0, invalid)
	got := ParseServerMessage(data)
	if got.Kind != KindResponse {
		t.Fatalf("kind = %v, want response", got.Kind)
	}
	if got.JSONText == "" {
		t.Fatalf("expected non-empty lossy-decoded text")
	}
}
