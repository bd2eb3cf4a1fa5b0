package orchestrator

import (
	"errors"
	"strconv"
)

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrAudioDeviceUnavailable is fatal to a session: the capture/playback
	// device could not be opened after exhausting retries.
	ErrAudioDeviceUnavailable = errors.New("audio device unavailable")

	// ErrAudioDecode marks a malformed audio segment; the segment is
	// skipped, the session continues.
	ErrAudioDecode = errors.New("audio segment could not be decoded")

	// Transient error sentinels. The bundled STT, LLM and TTS adapters do
	// not retry and do not wrap their errors in these or in the *Fatal
	// sentinels below; they return plain transport and status errors.
	ErrSttTransient = errors.New("speech-to-text request failed transiently")
	ErrTtsTransient = errors.New("text-to-speech request failed transiently")
	ErrLlmTransient = errors.New("language model request failed transiently")

	// Fatal errors abort the current turn; the orchestrator returns to
	// Listening and surfaces a user-visible message.
	ErrSttFatal = errors.New("speech-to-text request failed")
	ErrTtsFatal = errors.New("text-to-speech request failed")
	ErrLlmFatal = errors.New("language model request failed")

	// ErrHistoryPersist is logged and swallowed: the turn still appears in
	// text history without an attached audio file.
	ErrHistoryPersist = errors.New("audio history persistence failed")

	// ErrLedgerPersist is logged and swallowed: token accounting is
	// best-effort and never blocks a turn.
	ErrLedgerPersist = errors.New("token ledger persistence failed")
)

// AudioDeviceError wraps ErrAudioDeviceUnavailable with the number of open
// attempts made and the last underlying cause.
type AudioDeviceError struct {
	Attempts int
	Cause    error
}

func (e *AudioDeviceError) Error() string {
	return "audio device unavailable after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Cause.Error()
}

func (e *AudioDeviceError) Unwrap() error {
	return ErrAudioDeviceUnavailable
}
