package orchestrator

import (
	"context"
	"strings"
	"unicode"
)

// InterruptCheck is one unit of work for the InterruptWatcher: the
// assistant's spoken text and the audio captured concurrently with it.
type InterruptCheck struct {
	AssistantText        string
	UserAudioDuringSpeech []byte
}

// InterruptWatcher runs STT on audio captured while the assistant was
// speaking, subtracts the assistant's own (leaked) words from the
// transcript, and matches what's left against configured cancel/exit
// phrases.
type InterruptWatcher struct {
	stt               STTProvider
	cancelExpressions []string
	exitExpressions   []string
	logger            Logger
}

func NewInterruptWatcher(stt STTProvider, cancelExpressions, exitExpressions []string, logger Logger) *InterruptWatcher {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &InterruptWatcher{
		stt:               stt,
		cancelExpressions: cancelExpressions,
		exitExpressions:   exitExpressions,
		logger:            logger,
	}
}

// Check transcribes the captured audio and reports whether a cancel and/or
// exit expression was detected in the words attributable to the user.
func (w *InterruptWatcher) Check(ctx context.Context, check InterruptCheck, lang Language) (cancel bool, exit bool, err error) {
	if len(check.UserAudioDuringSpeech) == 0 {
		return false, false, nil
	}

	result, err := w.stt.Transcribe(ctx, check.UserAudioDuringSpeech, lang)
	if err != nil {
		return false, false, err
	}

	recognized := normalizeAlphanumeric(result.Text)
	assistant := normalizeAlphanumeric(check.AssistantText)
	userWords := strings.TrimSpace(stringDifference(assistant, recognized))

	if userWords == "" {
		return false, false, nil
	}

	w.logger.Debug("detected user words during assistant speech", "words", userWords)

	for _, expr := range w.exitExpressions {
		if strings.HasPrefix(userWords, normalizeAlphanumeric(expr)) {
			return false, true, nil
		}
	}
	for _, expr := range w.cancelExpressions {
		if strings.Contains(userWords, normalizeAlphanumeric(expr)) {
			return true, false, nil
		}
	}
	return false, false, nil
}

// normalizeAlphanumeric lowercases s and strips everything but letters,
// digits, and single spaces between words.
func normalizeAlphanumeric(s string) string {
	var b strings.Builder
	prevSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// stringDifference returns the words of s2 not accounted for by s1, in the
// order they appear in s2 — the tokens left over after removing the
// assistant's own (leaked) words from what was actually recognized.
func stringDifference(s1, s2 string) string {
	have := make(map[string]int)
	for _, w := range strings.Fields(s1) {
		have[w]++
	}
	var out []string
	for _, w := range strings.Fields(s2) {
		if have[w] > 0 {
			have[w]--
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}
