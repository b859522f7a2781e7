package resample

import "testing"

func TestPassThroughWhenRatesMatch(t *testing.T) {
	s := NewStreamer(16000, 16000)
	in := []int16{1, 2, 3, -4, 32000}
	out := s.Process(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestEmptyInputIsIdempotent(t *testing.T) {
	s := NewStreamer(44100, 16000)
	out := s.Process(nil)
	if len(out) != 0 {
		t.Fatalf("len = %d, want 0", len(out))
	}
	if s.pos != 0 || len(s.tail) != 0 {
		t.Fatalf("state mutated by empty input: pos=%v tail=%v", s.pos, s.tail)
	}
}

func TestLengthConvergesToExpectedRatio(t *testing.T) {
	const inRate, outRate = 44100, 16000
	s := NewStreamer(inRate, outRate)

	total := 0
	n := 0
	// Feed in irregular chunk sizes to stress the continuity boundary.
	for n < 441000 {
		size := 97 + (n % 50)
		chunk := make([]int16, size)
		for i := range chunk {
			chunk[i] = int16((n + i) % 1000)
		}
		out := s.Process(chunk)
		total += len(out)
		n += size
	}

	want := int(float64(n) * float64(outRate) / float64(inRate))
	diff := total - want
	if diff < -2 || diff > 2 {
		t.Fatalf("total output = %d, want within ~2 of %d (n=%d)", total, want, n)
	}
}

func TestContinuityAcrossSplit(t *testing.T) {
	const inRate, outRate = 48000, 16000
	full := make([]int16, 5000)
	for i := range full {
		full[i] = int16(i % 2000)
	}

	whole := NewStreamer(inRate, outRate).Process(full)

	split := NewStreamer(inRate, outRate)
	a := split.Process(full[:3000])
	b := split.Process(full[3000:])
	chunked := append(a, b...)

	if len(chunked) < len(whole)-2 || len(chunked) > len(whole)+2 {
		t.Fatalf("chunked len = %d, whole len = %d", len(chunked), len(whole))
	}
	n := len(chunked)
	if len(whole) < n {
		n = len(whole)
	}
	for i := 0; i < n; i++ {
		d := int(chunked[i]) - int(whole[i])
		if d < -1 || d > 1 {
			t.Fatalf("sample %d differs by %d: chunked=%d whole=%d", i, d, chunked[i], whole[i])
		}
	}
}

func TestDownmixMono(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Downmix(in, 1)
	if len(out) != 3 || out[0] != 1 || out[2] != 3 {
		t.Fatalf("mono passthrough mismatch: %v", out)
	}
}

func TestDownmixStereo(t *testing.T) {
	in := []int16{10, 20, -10, -20}
	out := Downmix(in, 2)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0] != 15 || out[1] != -15 {
		t.Fatalf("got %v, want [15 -15]", out)
	}
}

func TestChunkerDrainsExactChunks(t *testing.T) {
	c := NewChunker()
	samples := make([]int16, ChunkSamples+100)
	for i := range samples {
		samples[i] = int16(i)
	}
	chunks := c.Push(samples)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if len(chunks[0]) != ChunkSamples*2 {
		t.Fatalf("chunk byte len = %d, want %d", len(chunks[0]), ChunkSamples*2)
	}
	if len(c.buf) != 100 {
		t.Fatalf("remaining buffered = %d, want 100", len(c.buf))
	}
}

func TestChunkerResetDiscardsPartial(t *testing.T) {
	c := NewChunker()
	c.Push(make([]int16, 100))
	c.Reset()
	if len(c.buf) != 0 {
		t.Fatalf("buf len = %d after reset, want 0", len(c.buf))
	}
}

func TestInt16ToLEBytesRoundTrip(t *testing.T) {
	samples := []int16{1, -1, 32767, -32768, 0}
	b := int16ToLEBytes(samples)
	if len(b) != len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(b), len(samples)*2)
	}
	for i, s := range samples {
		got := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		if got != s {
			t.Fatalf("sample %d: got %d, want %d", i, got, s)
		}
	}
}
