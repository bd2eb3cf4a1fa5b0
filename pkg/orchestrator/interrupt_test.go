package orchestrator

import (
	"context"
	"errors"
	"testing"
)

func TestInterruptWatcher_DetectsExitExpression(t *testing.T) {
	stt := &MockSTTProvider{transcribeResult: "okay that's fine goodbye now"}
	w := NewInterruptWatcher(stt, []string{"stop"}, []string{"goodbye"}, nil)

	cancel, exit, err := w.Check(context.Background(), InterruptCheck{
		AssistantText:         "okay that's fine",
		UserAudioDuringSpeech: []byte{0x01, 0x02},
	}, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancel {
		t.Error("expected cancel=false when an exit expression matched")
	}
	if !exit {
		t.Error("expected exit=true for a leading exit expression")
	}
}

func TestInterruptWatcher_DetectsCancelExpression(t *testing.T) {
	stt := &MockSTTProvider{transcribeResult: "wait please stop talking"}
	w := NewInterruptWatcher(stt, []string{"stop"}, []string{"goodbye"}, nil)

	cancel, exit, err := w.Check(context.Background(), InterruptCheck{
		AssistantText:         "",
		UserAudioDuringSpeech: []byte{0x01, 0x02},
	}, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exit {
		t.Error("expected exit=false when no exit expression matched")
	}
	if !cancel {
		t.Error("expected cancel=true for a contained cancel expression")
	}
}

func TestInterruptWatcher_SubtractsAssistantsOwnWords(t *testing.T) {
	// The mic picked up only the assistant's own leaked speech (no real
	// barge-in words survive the diff), so neither phrase should fire even
	// though "stop" appears in the assistant's text itself.
	stt := &MockSTTProvider{transcribeResult: "please stop worrying"}
	w := NewInterruptWatcher(stt, []string{"stop"}, []string{"goodbye"}, nil)

	cancel, exit, err := w.Check(context.Background(), InterruptCheck{
		AssistantText:         "please stop worrying",
		UserAudioDuringSpeech: []byte{0x01, 0x02},
	}, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancel || exit {
		t.Errorf("expected no phrase match once assistant's own words are subtracted, got cancel=%v exit=%v", cancel, exit)
	}
}

func TestInterruptWatcher_EmptyAudioIsNoOp(t *testing.T) {
	stt := &MockSTTProvider{transcribeResult: "goodbye"}
	w := NewInterruptWatcher(stt, nil, []string{"goodbye"}, nil)

	cancel, exit, err := w.Check(context.Background(), InterruptCheck{}, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancel || exit {
		t.Error("expected no detection when no audio was captured")
	}
}

func TestInterruptWatcher_PropagatesTranscribeError(t *testing.T) {
	wantErr := errors.New("stt unavailable")
	stt := &MockSTTProvider{transcribeErr: wantErr}
	w := NewInterruptWatcher(stt, nil, []string{"goodbye"}, nil)

	_, _, err := w.Check(context.Background(), InterruptCheck{
		UserAudioDuringSpeech: []byte{0x01},
	}, "en")
	if !errors.Is(err, wantErr) {
		t.Errorf("expected transcribe error to propagate, got %v", err)
	}
}

func TestNormalizeAlphanumeric(t *testing.T) {
	got := normalizeAlphanumeric("  Hello,   World! 123  ")
	if want := "hello world 123"; got != want {
		t.Errorf("normalizeAlphanumeric() = %q, want %q", got, want)
	}
}

func TestStringDifference(t *testing.T) {
	got := stringDifference("please stop worrying", "please stop worrying about goodbye")
	if want := "about goodbye"; got != want {
		t.Errorf("stringDifference() = %q, want %q", got, want)
	}
}
