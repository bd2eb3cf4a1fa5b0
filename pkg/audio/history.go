package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/duetline/duetline/pkg/orchestrator"
)

// AudioHistory accumulates per-reply PCM chunks into a merge buffer and, at
// each reply boundary, either discards the merge (too short to be worth
// keeping) or encodes it to MP3 and attaches the resulting path to the
// session's last assistant turn.
type AudioHistory struct {
	mu          sync.Mutex
	cacheDir    string
	sampleRate  int
	minDuration time.Duration
	ffmpegPath  string
	logger      orchestrator.Logger

	segment *AudioSegment
	pathCh  chan string
}

// NewAudioHistory verifies ffmpeg is on PATH and ensures cacheDir exists.
func NewAudioHistory(cacheDir string, sampleRate int, minSpeechDurationSeconds float64, logger orchestrator.Logger) (*AudioHistory, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("audio history: ffmpeg not found in PATH: %w", err)
	}
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("audio history: create cache dir: %w", err)
	}

	return &AudioHistory{
		cacheDir:    cacheDir,
		sampleRate:  sampleRate,
		minDuration: time.Duration(minSpeechDurationSeconds * float64(time.Second)),
		ffmpegPath:  ffmpegPath,
		logger:      logger,
		segment:     NewAudioSegment(sampleRate),
		pathCh:      make(chan string, 1),
	}, nil
}

// Append adds one more chunk of spoken PCM audio to the in-progress
// reply's merge buffer.
func (h *AudioHistory) Append(pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.segment.AppendBytes(pcm)
}

// Finish closes out the current reply. If the merged audio is shorter than
// the configured threshold it is discarded and an empty-string sentinel is
// published on Paths() in place of a real path; otherwise it is encoded to
// MP3, attached to the session's last assistant turn, and published.
func (h *AudioHistory) Finish(ctx context.Context, session *orchestrator.ConversationSession) {
	h.mu.Lock()
	segment := h.segment
	h.segment = NewAudioSegment(h.sampleRate)
	h.mu.Unlock()

	if segment.Len() == 0 || segment.Duration() < h.minDuration {
		h.publish("")
		return
	}

	path, err := h.encode(ctx, segment)
	if err != nil {
		h.logger.Warn("audio history encode failed", "error", err)
		return
	}

	if session != nil {
		session.AttachAudioToLastAssistantTurn(path)
	}
	h.publish(path)
}

func (h *AudioHistory) publish(path string) {
	select {
	case h.pathCh <- path:
		return
	default:
	}
	select {
	case <-h.pathCh:
	default:
	}
	h.pathCh <- path
}

// Paths returns the single-slot handoff channel UI consumers can drain for
// the most recently persisted reply's audio path.
func (h *AudioHistory) Paths() <-chan string {
	return h.pathCh
}

func (h *AudioHistory) encode(ctx context.Context, segment *AudioSegment) (string, error) {
	name := time.Now().UTC().Format("20060102T150405.000000Z") + ".mp3"
	outputPath := filepath.Join(h.cacheDir, name)

	cmd := exec.CommandContext(ctx, h.ffmpegPath,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", segment.SampleRate()),
		"-ac", "1",
		"-i", "pipe:0",
		"-f", "mp3",
		"-y",
		outputPath,
	)
	cmd.Stdin = bytes.NewReader(segment.Bytes())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg encode failed: %w (%s)", err, stderr.String())
	}
	return outputPath, nil
}
