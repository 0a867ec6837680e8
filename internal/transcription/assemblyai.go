package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"reflect_framework/internal/config"
)

// AssemblyAI implements Provider against the AssemblyAI v2 REST API:
// upload the raw audio, create a transcript job, then poll it by id.
type AssemblyAI struct {
	client       *http.Client
	apiKey       string
	baseURL      string
	languageCode string
}

func NewAssemblyAI(client *http.Client, cfg config.AssemblyAIConfig) *AssemblyAI {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &AssemblyAI{
		client:       client,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		languageCode: cfg.LanguageCode,
	}
}

func (a *AssemblyAI) Submit(ctx context.Context, audioPath string) (string, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read audio %s: %w", audioPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var uploaded struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil || uploaded.UploadURL == "" {
		return "", ErrInvalidResponse
	}

	return a.createTranscript(ctx, uploaded.UploadURL)
}

func (a *AssemblyAI) createTranscript(ctx context.Context, audioURL string) (string, error) {
	payload := map[string]string{"audio_url": audioURL, "language_code": a.languageCode}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transcript", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		return "", ErrInvalidResponse
	}
	return created.ID, nil
}

func (a *AssemblyAI) FetchStatus(ctx context.Context, jobID string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+jobID, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transcript status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("transcript status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var transcript struct {
		ID     string  `json:"id"`
		Status string  `json:"status"`
		Text   *string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		return Result{}, ErrInvalidResponse
	}
	res := Result{ID: transcript.ID, Status: transcript.Status}
	if transcript.Text != nil {
		res.Text = *transcript.Text
	}
	return res, nil
}
