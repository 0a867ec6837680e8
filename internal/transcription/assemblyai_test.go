package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"reflect_framework/internal/config"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.m4a")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAssemblyAISubmitUploadsThenCreatesTranscript(t *testing.T) {
	var sawUpload, sawCreate bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			sawUpload = true
			if r.Header.Get("Authorization") != "key123" {
				t.Errorf("missing api key header")
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio"})
		case "/transcript":
			sawCreate = true
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["audio_url"] != "https://cdn.example/audio" {
				t.Errorf("unexpected audio_url %q", body["audio_url"])
			}
			if body["language_code"] != "de" {
				t.Errorf("unexpected language_code %q", body["language_code"])
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t-42", "status": "queued"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	provider := NewAssemblyAI(srv.Client(), config.AssemblyAIConfig{
		APIKey: "key123", BaseURL: srv.URL, LanguageCode: "de",
	})
	id, err := provider.Submit(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "t-42" {
		t.Fatalf("unexpected job id %q", id)
	}
	if !sawUpload || !sawCreate {
		t.Fatalf("expected upload then create, got upload=%v create=%v", sawUpload, sawCreate)
	}
}

func TestAssemblyAISubmitMapsHTTPErrorToUploadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := NewAssemblyAI(srv.Client(), config.AssemblyAIConfig{BaseURL: srv.URL, LanguageCode: "de"})
	_, err := provider.Submit(context.Background(), writeAudio(t))
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestAssemblyAISubmitMapsGarbageToInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	provider := NewAssemblyAI(srv.Client(), config.AssemblyAIConfig{BaseURL: srv.URL, LanguageCode: "de"})
	_, err := provider.Submit(context.Background(), writeAudio(t))
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestAssemblyAIFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcript/t-42" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t-42", "status": "completed", "text": "Hallo Welt"})
	}))
	defer srv.Close()

	provider := NewAssemblyAI(srv.Client(), config.AssemblyAIConfig{BaseURL: srv.URL, LanguageCode: "de"})
	res, err := provider.FetchStatus(context.Background(), "t-42")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if res.Status != StatusCompleted || res.Text != "Hallo Welt" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
