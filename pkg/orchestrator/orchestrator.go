package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TokenAccountant is the subset of pkg/ledger.Ledger the orchestrator needs,
// kept as an interface here so this package never imports pkg/ledger (and
// so tests can stub it without a SQLite file).
type TokenAccountant interface {
	Insert(model string, nInput, nOutput int) error
}

type Orchestrator struct {
	stt              STTProvider
	llm              LLMProvider
	llmStream        StreamingLLMProvider
	tts              TTSProvider
	vad              VADProvider
	interruptWatcher *InterruptWatcher
	ledger           TokenAccountant
	config           Config
	logger           Logger
	mu               sync.RWMutex
}

func New(stt STTProvider, llm LLMProvider, tts TTSProvider, config Config) *Orchestrator {
	return NewWithLogger(stt, llm, tts, nil, config, &NoOpLogger{})
}

func NewWithVAD(stt STTProvider, llm LLMProvider, tts TTSProvider, vad VADProvider, config Config) *Orchestrator {
	return NewWithLogger(stt, llm, tts, vad, config, &NoOpLogger{})
}

func NewWithLogger(stt STTProvider, llm LLMProvider, tts TTSProvider, vad VADProvider, config Config, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	o := &Orchestrator{
		stt:    stt,
		llm:    llm,
		tts:    tts,
		vad:    vad,
		config: config,
		logger: logger,
	}
	if streaming, ok := llm.(StreamingLLMProvider); ok {
		o.llmStream = streaming
	} else if llm != nil {
		o.llmStream = NewBatchAsStream(llm)
	}
	if rmsVAD, ok := vad.(*RMSVAD); ok {
		if config.InactivityTimeoutSeconds > 0 {
			rmsVAD.SetInactivityTimeout(time.Duration(config.InactivityTimeoutSeconds * float64(time.Second)))
		}
		if config.SpeechLikelihoodThreshold > 0 {
			rmsVAD.SetSpeechLikelihoodThreshold(config.SpeechLikelihoodThreshold)
		}
	}
	return o
}

// SetInterruptWatcher attaches the textual-diff barge-in watcher. Nil
// disables it; the amplitude-based echo guard in ManagedStream still runs
// either way.
func (o *Orchestrator) SetInterruptWatcher(w *InterruptWatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interruptWatcher = w
}

// SetTokenLedger attaches the token-cost accumulator. Nil disables
// accounting entirely (best-effort: a nil ledger never blocks a turn).
func (o *Orchestrator) SetTokenLedger(l TokenAccountant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ledger = l
}

func (o *Orchestrator) PushAudio(sessionID string, chunk []byte) (*VADEvent, error) {
	if o.vad == nil {
		return nil, fmt.Errorf("VAD provider not configured")
	}
	return o.vad.Process(chunk)
}

func (o *Orchestrator) ProcessAudio(ctx context.Context, session *ConversationSession, audioData []byte) (string, []byte, error) {
	transcript, err := o.Transcribe(ctx, audioData, session.GetCurrentLanguage())
	if err != nil {
		return "", nil, fmt.Errorf("transcription failed: %w", err)
	}

	if strings.TrimSpace(transcript) == "" {
		o.logger.Warn("empty transcription received", "sessionID", session.ID)
		return "", nil, ErrEmptyTranscription
	}

	o.logger.Info("transcription completed", "sessionID", session.ID, "length", len(transcript))
	session.AddMessage("user", transcript)

	response, err := o.GenerateResponse(ctx, session)
	if err != nil {
		o.logger.Error("LLM generation failed", "sessionID", session.ID, "error", err)
		return transcript, nil, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}

	o.logger.Info("LLM response generated", "sessionID", session.ID, "length", len(response))
	session.AddMessage("assistant", response)

	audioBytes, err := o.Synthesize(ctx, response, session.GetCurrentVoice(), session.GetCurrentLanguage())
	if err != nil {
		o.logger.Error("TTS synthesis failed", "sessionID", session.ID, "error", err)
		return transcript, nil, fmt.Errorf("%w: %v", ErrTTSFailed, err)
	}

	o.logger.Info("TTS synthesis completed", "sessionID", session.ID, "audioSize", len(audioBytes))
	return transcript, audioBytes, nil
}

func (o *Orchestrator) ProcessAudioStream(ctx context.Context, session *ConversationSession, audioData []byte, onAudioChunk func([]byte) error) (string, error) {
	transcript, err := o.Transcribe(ctx, audioData, session.GetCurrentLanguage())
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	if strings.TrimSpace(transcript) == "" {
		o.logger.Warn("empty transcription received", "sessionID", session.ID)
		return "", ErrEmptyTranscription
	}

	o.logger.Info("transcription completed", "sessionID", session.ID, "length", len(transcript))
	session.AddMessage("user", transcript)

	response, err := o.GenerateResponse(ctx, session)
	if err != nil {
		o.logger.Error("LLM generation failed", "sessionID", session.ID, "error", err)
		return transcript, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}

	o.logger.Info("LLM response generated", "sessionID", session.ID, "length", len(response))
	session.AddMessage("assistant", response)

	err = o.SynthesizeStream(ctx, response, session.GetCurrentVoice(), session.GetCurrentLanguage(), onAudioChunk)
	if err != nil {
		o.logger.Error("TTS streaming failed", "sessionID", session.ID, "error", err)
		return transcript, fmt.Errorf("%w: %v", ErrTTSFailed, err)
	}

	o.logger.Info("TTS streaming completed", "sessionID", session.ID)
	return transcript, nil
}

// Transcribe runs STT on one audio segment and returns just the text,
// discarding the detected language (see TranscribeDetailed for both).
func (o *Orchestrator) Transcribe(ctx context.Context, audioData []byte, lang Language) (string, error) {
	result, err := o.stt.Transcribe(ctx, audioData, lang)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// TranscribeDetailed runs STT and returns the full result, including any
// language the provider detected.
func (o *Orchestrator) TranscribeDetailed(ctx context.Context, audioData []byte, lang Language) (SttResult, error) {
	return o.stt.Transcribe(ctx, audioData, lang)
}

func (o *Orchestrator) GenerateResponse(ctx context.Context, session *ConversationSession) (string, error) {
	messages := session.GetContextCopy()
	response, err := o.llm.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	o.recordTokenUsage(messages, response)
	return response, nil
}

// StreamResponse submits the conversation to the streaming LLM path,
// reporting token usage once the returned channel is drained or abandoned.
// The caller is responsible for abandoning (ceasing to read) on interrupt.
func (o *Orchestrator) StreamResponse(ctx context.Context, session *ConversationSession) (<-chan ReplyChunk, error) {
	o.mu.RLock()
	streamer := o.llmStream
	o.mu.RUnlock()
	if streamer == nil {
		return nil, ErrNilProvider
	}
	messages := session.GetContextCopy()
	chunks, err := streamer.Stream(ctx, messages)
	if err != nil {
		return nil, err
	}

	out := make(chan ReplyChunk, 8)
	go func() {
		defer close(out)
		var accumulated strings.Builder
		for chunk := range chunks {
			accumulated.WriteString(chunk.Content)
			select {
			case out <- chunk:
			case <-ctx.Done():
				// still record partial usage below before returning
			}
		}
		o.recordTokenUsage(messages, accumulated.String())
	}()
	return out, nil
}

// recordTokenUsage estimates input/output token counts and reports them to
// the ledger. Estimation (chars/4) mirrors the spirit of computing counts
// independently of the provider response — no pure-Go BPE tokenizer is
// available in this module's dependency set — rather than trusting a
// provider-specific usage field that not every adapter surfaces uniformly.
func (o *Orchestrator) recordTokenUsage(messages []Message, response string) {
	o.mu.RLock()
	ledger := o.ledger
	model := o.config.Model
	o.mu.RUnlock()
	if ledger == nil {
		return
	}
	var inputChars int
	for _, m := range messages {
		inputChars += len(m.Content)
	}
	nIn := estimateTokens(inputChars)
	nOut := estimateTokens(len(response))
	if err := ledger.Insert(model, nIn, nOut); err != nil {
		o.logger.Warn("token ledger insert failed", "error", err)
	}
}

func estimateTokens(nChars int) int {
	if nChars == 0 {
		return 0
	}
	tokens := nChars / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func (o *Orchestrator) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return o.tts.Synthesize(ctx, text, voice, lang)
}

func (o *Orchestrator) SynthesizeStream(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	return o.tts.StreamSynthesize(ctx, text, voice, lang, onChunk)
}

func (o *Orchestrator) HandleInterruption(session *ConversationSession) {
	o.logger.Info("conversation interrupted", "sessionID", session.ID)
}

func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

func (o *Orchestrator) GetInterruptWatcher() *InterruptWatcher {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.interruptWatcher
}

func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"stt": o.stt.Name(),
		"llm": o.llm.Name(),
		"tts": o.tts.Name(),
	}
}

func (o *Orchestrator) NewSessionWithDefaults(userID string) *ConversationSession {
	session := NewConversationSession(userID)
	session.MaxMessages = o.config.MaxContextMessages
	session.CurrentVoice = o.config.VoiceStyle
	session.CurrentLanguage = o.config.Language
	return session
}

func (o *Orchestrator) SetSystemPrompt(session *ConversationSession, prompt string) {
	session.AddMessage("system", prompt)
}

func (o *Orchestrator) SetVoice(session *ConversationSession, voice Voice) {
	session.CurrentVoice = voice
}

func (o *Orchestrator) SetLanguage(session *ConversationSession, lang Language) {
	session.CurrentLanguage = lang
}

func (o *Orchestrator) ResetSession(session *ConversationSession) {
	session.ClearContext()
}

func (o *Orchestrator) NewManagedStream(ctx context.Context, session *ConversationSession) *ManagedStream {
	return NewManagedStream(ctx, o, session)
}
