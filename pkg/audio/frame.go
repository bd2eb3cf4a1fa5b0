package audio

import "time"

// AudioFrame is a fixed-size PCM16 mono buffer captured at SampleRate.
// Immutable after capture.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Timestamp  time.Time
}

// AudioSegment is a finite sequence of AudioFrames concatenated in capture
// order. It owns its raw bytes.
type AudioSegment struct {
	sampleRate int
	data       []byte
}

// NewAudioSegment starts an empty segment at the given sample rate.
func NewAudioSegment(sampleRate int) *AudioSegment {
	return &AudioSegment{sampleRate: sampleRate}
}

// Append concatenates one frame's PCM bytes onto the segment.
func (s *AudioSegment) Append(f AudioFrame) {
	s.data = append(s.data, f.Data...)
}

// AppendBytes concatenates raw PCM16 bytes directly, for callers that
// already have a merged buffer rather than individual frames.
func (s *AudioSegment) AppendBytes(pcm []byte) {
	s.data = append(s.data, pcm...)
}

// Bytes returns the segment's raw PCM16 mono bytes.
func (s *AudioSegment) Bytes() []byte {
	return s.data
}

// SampleRate returns the segment's sample rate.
func (s *AudioSegment) SampleRate() int {
	return s.sampleRate
}

// Duration is the PCM16 mono playback duration of the accumulated bytes.
func (s *AudioSegment) Duration() time.Duration {
	if s.sampleRate <= 0 {
		return 0
	}
	nSamples := len(s.data) / 2
	seconds := float64(nSamples) / float64(s.sampleRate)
	return time.Duration(seconds * float64(time.Second))
}

// Len reports the number of raw bytes accumulated so far.
func (s *AudioSegment) Len() int {
	return len(s.data)
}
