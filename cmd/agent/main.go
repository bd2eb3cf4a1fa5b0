package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duetline/duetline/pkg/audio"
	"github.com/duetline/duetline/pkg/ledger"
	"github.com/duetline/duetline/pkg/logging"
	"github.com/duetline/duetline/pkg/orchestrator"
	llmProvider "github.com/duetline/duetline/pkg/providers/llm"
	sttProvider "github.com/duetline/duetline/pkg/providers/stt"
	ttsProvider "github.com/duetline/duetline/pkg/providers/tts"
	vadProvider "github.com/duetline/duetline/pkg/providers/vad"
)

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvStringList reads a comma-separated list, trimming blanks from each
// item, falling back to the given default when the variable is unset.
func getEnvStringList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger := logging.New(&logging.Config{Level: logLevelFromEnv()})

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "groq"
	}
	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEs
	}

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	// Every remaining configuration field gets an env var, falling back to
	// the coded default in DefaultConfig() when unset.
	config := orchestrator.DefaultConfig()
	config.Language = lang
	config.SampleRate = getEnvInt("SAMPLE_RATE", config.SampleRate)
	config.Channels = getEnvInt("CHANNELS", config.Channels)
	config.FrameDurationMs = getEnvInt("FRAME_DURATION_MS", config.FrameDurationMs)
	config.VadAggressiveness = getEnvInt("VAD_AGGRESSIVENESS", config.VadAggressiveness)
	config.InactivityTimeoutSeconds = getEnvFloat("INACTIVITY_TIMEOUT_SECONDS", config.InactivityTimeoutSeconds)
	config.SpeechLikelihoodThreshold = getEnvFloat("SPEECH_LIKELIHOOD_THRESHOLD", config.SpeechLikelihoodThreshold)
	config.MinSpeechDurationSeconds = getEnvFloat("MIN_SPEECH_DURATION_SECONDS", config.MinSpeechDurationSeconds)
	config.MinPromptDurationSeconds = getEnvFloat("MIN_PROMPT_DURATION_SECONDS", config.MinPromptDurationSeconds)
	config.ReplyOnlyAsText = getEnvBool("REPLY_ONLY_AS_TEXT", config.ReplyOnlyAsText)
	config.SkipInitialGreeting = getEnvBool("SKIP_INITIAL_GREETING", config.SkipInitialGreeting)
	config.CancelExpressions = getEnvStringList("CANCEL_EXPRESSIONS", config.CancelExpressions)
	config.ExitExpressions = getEnvStringList("EXIT_EXPRESSIONS", config.ExitExpressions)
	config.AudioCacheDir = getEnvString("AUDIO_CACHE_DIR", config.AudioCacheDir)
	config.TokenUsageDBPath = getEnvString("TOKEN_USAGE_DB_PATH", config.TokenUsageDBPath)

	// STT Selection
	var stt orchestrator.STTProvider
	switch sttProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai STT")
		}
		stt = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		if deepgramKey == "" {
			log.Fatal("Error: DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		if assemblyKey == "" {
			log.Fatal("Error: ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq STT")
		}
		groqModel := os.Getenv("GROQ_STT_MODEL")
		if groqModel == "" {
			groqModel = "whisper-large-v3-turbo"
		}
		stt = sttProvider.NewGroqSTT(groqKey, groqModel)
	}

	// Set sample rate if supported
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(config.SampleRate)
	}

	// LLM Selection
	var llm orchestrator.LLMProvider
	var llmModel string
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai LLM")
		}
		llmModel = "gpt-4o"
		llm = llmProvider.NewOpenAILLM(openaiKey, llmModel)
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llmModel = "claude-3-5-sonnet-20241022"
		llm = llmProvider.NewAnthropicLLM(anthropicKey, llmModel)
	case "google":
		if googleKey == "" {
			log.Fatal("Error: GOOGLE_API_KEY must be set for google LLM")
		}
		llmModel = "gemini-1.5-flash"
		llm = llmProvider.NewGoogleLLM(googleKey, llmModel)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq LLM")
		}
		llmModel = "llama-3.3-70b-versatile"
		llm = llmProvider.NewGroqLLM(groqKey, llmModel)
	}

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=Lokutor\n", sttProviderName, llmProviderName)
	fmt.Printf("Sample Rate: %dHz | Language: %s\n", config.SampleRate, lang)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	var vad orchestrator.VADProvider = orchestrator.NewRMSVAD(0.02, 500*time.Millisecond)
	if backend := os.Getenv("VAD_BACKEND"); backend == "silero" {
		modelPath := os.Getenv("SILERO_VAD_MODEL_PATH")
		if modelPath == "" {
			log.Fatal("Error: SILERO_VAD_MODEL_PATH must be set when VAD_BACKEND=silero")
		}
		sileroVAD, err := vadProvider.New(vadProvider.Config{ModelPath: modelPath, SampleRate: config.SampleRate})
		if err != nil {
			log.Fatalf("failed to load silero VAD model: %v", err)
		}
		vad = sileroVAD
	}

	config.Model = llmModel
	orch := orchestrator.NewWithLogger(stt, llm, tts, vad, config, logger)

	if tokenLedger, err := ledger.Open(config.TokenUsageDBPath); err != nil {
		logger.Warn("token ledger disabled", "error", err)
	} else {
		defer tokenLedger.Close()
		orch.SetTokenLedger(tokenLedger)
	}

	var history *audio.AudioHistory
	if h, err := audio.NewAudioHistory(config.AudioCacheDir, config.SampleRate, config.MinSpeechDurationSeconds, logger); err != nil {
		logger.Warn("audio history disabled (ffmpeg not found)", "error", err)
	} else {
		history = h
		go func() {
			for path := range history.Paths() {
				fmt.Printf("\r\033[K\U0001F4BE [HISTORY] saved reply audio to %s\n", path)
			}
		}()
	}

	orch.SetInterruptWatcher(orchestrator.NewInterruptWatcher(stt, config.CancelExpressions, config.ExitExpressions, logger))

	session := orch.NewSessionWithDefaults("user_123")

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz útil y conciso. Usa frases cortas adecuadas para el habla."
	}
	orch.SetSystemPrompt(session, systemPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := orch.NewManagedStream(ctx, session)
	defer stream.Close()

	playback := audio.NewPlayback()
	capture, err := audio.NewCapture(ctx, audio.Config{
		SampleRate:      config.SampleRate,
		Channels:        config.Channels,
		MaxOpenAttempts: config.MaxDeviceOpenAttempts,
	}, playback, logger)
	if err != nil {
		log.Fatalf("failed to open audio device: %v", err)
	}
	defer capture.Close()

	go func() {
		for frame := range capture.Frames() {
			_ = stream.Write(frame.Data)
		}
	}()

	go func() {
		for event := range stream.Events() {
			switch event.Type {
			case orchestrator.UserSpeaking:
				fmt.Printf("\r\033[K\U0001F3A4 [USER] Speaking...\n")
			case orchestrator.UserStopped:
				fmt.Printf("\r\033[K⌛ [STT] Processing...\n")
			case orchestrator.TranscriptFinal:
				fmt.Printf("\r\033[K\U0001F4DD [TRANSCRIPT] %s\n", event.Data.(string))
			case orchestrator.BotThinking:
				fmt.Printf("\r\033[K\U0001F9E0 [LLM] Thinking...\n")
			case orchestrator.BotSpeaking:
				fmt.Printf("\r\033[K\U0001F50A [TTS] Speaking...\n")
			case orchestrator.AudioChunk:
				chunk := event.Data.([]byte)
				playback.Enqueue(chunk)
				if history != nil {
					history.Append(chunk)
				}
			case orchestrator.BotResponse:
				if history != nil {
					history.Finish(ctx, session)
				}
			case orchestrator.Interrupted:
				fmt.Printf("\r\033[K\U0001F6D1 [INTERRUPTED] User started talking.\n")
				playback.Clear()
			case orchestrator.ExitRequested:
				fmt.Printf("\r\033[K\U0001F44B [EXIT] Exit phrase detected, shutting down.\n")
				cancel()
			case orchestrator.ErrorEvent:
				fmt.Printf("\r\033[K❌ [ERROR] %v\n", event.Data)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	fmt.Printf("\nShutting down...\n")
}

func logLevelFromEnv() logging.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
