// Package resample implements streaming linear-interpolation rate
// conversion, mono downmix, and fixed-size chunking for the audio
// pipeline, grounded on original_source/anytalk-daemon/src/audio.rs's
// StreamingResampler and its push_samples/chunking helpers.
package resample

import "math"

// ChunkSamples is 200ms of audio at 16kHz mono: the fixed chunk size the
// daemon hands off to a session's inbound queue.
const ChunkSamples = 16000 * 200 / 1000

// TargetRate is the sample rate the ASR endpoint expects.
const TargetRate = 16000

// Streamer holds the resampler's continuity state between calls to
// Process: the fractional read position and the retained tail of already
// consumed input needed to interpolate across call boundaries.
type Streamer struct {
	inRate, outRate int
	pos             float64
	tail            []int16
}

// NewStreamer constructs a resampler converting from inRate to outRate.
func NewStreamer(inRate, outRate int) *Streamer {
	return &Streamer{inRate: inRate, outRate: outRate}
}

// Process resamples input, returning as many output samples as can be
// produced with the current tail. Calling Process repeatedly on
// consecutive slices of one logical stream is continuous to within ±1 LSB
// per sample of calling Process once on the concatenation.
func (s *Streamer) Process(input []int16) []int16 {
	if s.inRate == s.outRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}
	if len(input) == 0 {
		return nil
	}

	merged := make([]int16, 0, len(s.tail)+len(input))
	merged = append(merged, s.tail...)
	merged = append(merged, input...)

	step := float64(s.inRate) / float64(s.outRate)
	var out []int16
	for {
		i0 := int(math.Floor(s.pos))
		i1 := i0 + 1
		if i1 >= len(merged) {
			break
		}
		frac := s.pos - float64(i0)
		v0, v1 := float64(merged[i0]), float64(merged[i1])
		v := v0*(1-frac) + v1*frac
		v = math.Round(clamp(v, -32768, 32767))
		out = append(out, int16(v))
		s.pos += step
	}

	base := int(math.Floor(s.pos))
	keepFrom := base - 1
	if keepFrom < 0 {
		keepFrom = 0
	}
	s.tail = append([]int16(nil), merged[keepFrom:]...)
	s.pos -= float64(keepFrom)

	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Downmix averages interleaved multi-channel frames down to mono,
// accumulating in int32 to avoid overflow before truncating back to
// int16. A channel count of 1 (or 0) returns the input unchanged.
func Downmix(input []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}
	mono := make([]int16, 0, len(input)/channels)
	for i := 0; i+channels <= len(input); i += channels {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(input[i+c])
		}
		mono = append(mono, int16(sum/int32(channels)))
	}
	return mono
}

// Chunker accumulates resampled mono samples and drains fixed-size chunks,
// serialized little-endian, as soon as enough samples have accumulated.
type Chunker struct {
	buf []int16
}

// NewChunker constructs an empty chunk accumulator.
func NewChunker() *Chunker { return &Chunker{} }

// Push appends samples and returns zero or more complete little-endian PCM
// chunks of ChunkSamples samples (2*ChunkSamples bytes) each.
func (c *Chunker) Push(samples []int16) [][]byte {
	c.buf = append(c.buf, samples...)
	var chunks [][]byte
	for len(c.buf) >= ChunkSamples {
		chunk := c.buf[:ChunkSamples]
		chunks = append(chunks, int16ToLEBytes(chunk))
		c.buf = append([]int16(nil), c.buf[ChunkSamples:]...)
	}
	return chunks
}

// Reset discards any partially accumulated samples, used when audio
// routing is revoked so stale audio never leaks into the next session.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}

func int16ToLEBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
