package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duetline/duetline/pkg/orchestrator"
)

func TestAssemblyAISTT_Transcribe(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://example.com/audio"})
	})
	mux.HandleFunc("/v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-1"})
	})
	mux.HandleFunc("/v2/transcript/tx-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "text": "assembly transcription"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := &AssemblyAISTT{apiKey: "test-key", baseURL: server.URL, pollInterval: time.Millisecond}

	result, err := s.Transcribe(context.Background(), []byte{0, 0}, orchestrator.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "assembly transcription" {
		t.Errorf("expected 'assembly transcription', got '%s'", result.Text)
	}
	if polls < 2 {
		t.Errorf("expected at least one processing poll before completion, got %d polls", polls)
	}
	if s.Name() != "assemblyai-stt" {
		t.Errorf("expected assemblyai-stt, got %s", s.Name())
	}
}

func TestAssemblyAISTT_TranscriptError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://example.com/audio"})
	})
	mux.HandleFunc("/v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-2"})
	})
	mux.HandleFunc("/v2/transcript/tx-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := &AssemblyAISTT{apiKey: "test-key", baseURL: server.URL, pollInterval: time.Millisecond}

	_, err := s.Transcribe(context.Background(), []byte{0, 0}, orchestrator.LanguageEn)
	if err == nil {
		t.Fatal("expected an error when AssemblyAI reports status=error")
	}
}
