package vad

import (
	"os"
	"testing"

	"github.com/duetline/duetline/pkg/orchestrator"
)

func TestPcm16ToFloat32(t *testing.T) {
	// int16(32767) and int16(-32768), little-endian.
	chunk := []byte{0xFF, 0x7F, 0x00, 0x80}
	samples := pcm16ToFloat32(chunk)

	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if diff := samples[0] - 0.999969482; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected ~1.0 for max positive sample, got %v", samples[0])
	}
	if samples[1] != -1.0 {
		t.Errorf("expected -1.0 for max negative sample, got %v", samples[1])
	}
}

func requireModel(t *testing.T) string {
	t.Helper()
	path := os.Getenv("SILERO_VAD_MODEL_PATH")
	if path == "" {
		t.Skip("SILERO_VAD_MODEL_PATH not set; skipping silero model-dependent test")
	}
	return path
}

func TestSileroVAD_ImplementsVADProvider(t *testing.T) {
	var _ orchestrator.VADProvider = (*SileroVAD)(nil)
}

func TestSileroVAD_DetectsSilenceOnEmptyChunk(t *testing.T) {
	path := requireModel(t)

	v, err := New(Config{ModelPath: path, SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer v.Close()

	event, err := v.Process(make([]byte, 1024))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || event.Type != orchestrator.VADSilence {
		t.Errorf("expected silence event for an all-zero chunk, got %+v", event)
	}
}
