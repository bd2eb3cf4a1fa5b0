package audio

import "testing"

func TestPlayback_FillDrainsInOrder(t *testing.T) {
	p := NewPlayback()
	p.Enqueue([]byte{1, 2, 3, 4})

	out := make([]byte, 2)
	p.fill(out)
	if !bytesEqual(out, []byte{1, 2}) {
		t.Errorf("expected first fill [1 2], got %v", out)
	}

	p.fill(out)
	if !bytesEqual(out, []byte{3, 4}) {
		t.Errorf("expected second fill [3 4], got %v", out)
	}
}

func TestPlayback_FillZeroPadsWhenQueueShorterThanBuffer(t *testing.T) {
	p := NewPlayback()
	p.Enqueue([]byte{9})

	out := make([]byte, 4)
	p.fill(out)
	if !bytesEqual(out, []byte{9, 0, 0, 0}) {
		t.Errorf("expected [9 0 0 0], got %v", out)
	}
}

func TestPlayback_ClearDiscardsQueuedAudio(t *testing.T) {
	p := NewPlayback()
	p.Enqueue([]byte{1, 2, 3})
	p.Clear()

	if p.Pending() != 0 {
		t.Errorf("expected 0 pending bytes after Clear, got %d", p.Pending())
	}

	out := make([]byte, 3)
	p.fill(out)
	if !bytesEqual(out, []byte{0, 0, 0}) {
		t.Errorf("expected silence after Clear, got %v", out)
	}
}

func TestPlayback_PendingReflectsQueueLength(t *testing.T) {
	p := NewPlayback()
	if p.Pending() != 0 {
		t.Errorf("expected 0 pending initially, got %d", p.Pending())
	}
	p.Enqueue([]byte{1, 2, 3, 4, 5})
	if p.Pending() != 5 {
		t.Errorf("expected 5 pending, got %d", p.Pending())
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
