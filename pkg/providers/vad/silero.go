// Package vad provides an ONNX-backed alternative to the orchestrator's
// default RMS voice activity detector.
package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/duetline/duetline/pkg/orchestrator"
)

const windowSizeInSamples = 512

// Config configures the Silero detector.
type Config struct {
	ModelPath            string
	SampleRate           int
	Threshold            float64
	MinSilenceDurationMs int
	SpeechPadMs          int
}

// SileroVAD wraps streamer45/silero-vad-go's ONNX speech detector behind
// orchestrator.VADProvider, selected in place of RMSVAD via
// VAD_BACKEND=silero.
type SileroVAD struct {
	mu       sync.Mutex
	detector *speech.Detector
	cfg      Config

	isSpeaking bool
}

// New loads the ONNX model at cfg.ModelPath and configures the detector.
func New(cfg Config) (*SileroVAD, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.MinSilenceDurationMs <= 0 {
		cfg.MinSilenceDurationMs = 350
	}
	if cfg.SpeechPadMs <= 0 {
		cfg.SpeechPadMs = 200
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		WindowSize:           windowSizeInSamples,
		Threshold:            float32(cfg.Threshold),
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero vad: %w", err)
	}

	return &SileroVAD{detector: detector, cfg: cfg}, nil
}

// pcm16ToFloat32 converts little-endian signed 16-bit PCM samples to the
// normalized float32 samples the ONNX model expects.
func pcm16ToFloat32(chunk []byte) []float32 {
	n := len(chunk) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(chunk[2*i]) | (int16(chunk[2*i+1]) << 8)
		out[i] = float32(sample) / 32768.0
	}
	return out
}

func (v *SileroVAD) Process(chunk []byte) (*orchestrator.VADEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	segments, err := v.detector.Detect(pcm16ToFloat32(chunk))
	if err != nil {
		return nil, fmt.Errorf("silero vad: detect: %w", err)
	}
	if err := v.detector.Reset(); err != nil {
		return nil, fmt.Errorf("silero vad: reset: %w", err)
	}

	now := time.Now().UnixMilli()

	if len(segments) == 0 {
		if v.isSpeaking {
			v.isSpeaking = false
			return &orchestrator.VADEvent{Type: orchestrator.VADSpeechEnd, Timestamp: now}, nil
		}
		return &orchestrator.VADEvent{Type: orchestrator.VADSilence, Timestamp: now}, nil
	}

	if !v.isSpeaking {
		v.isSpeaking = true
		return &orchestrator.VADEvent{Type: orchestrator.VADSpeechStart, Timestamp: now}, nil
	}
	return nil, nil
}

func (v *SileroVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.isSpeaking = false
	v.detector.Reset()
}

func (v *SileroVAD) Clone() orchestrator.VADProvider {
	clone, err := New(v.cfg)
	if err != nil {
		return v
	}
	return clone
}

func (v *SileroVAD) Name() string {
	return "silero_vad"
}

// Close releases the underlying ONNX runtime session.
func (v *SileroVAD) Close() error {
	return v.detector.Destroy()
}
