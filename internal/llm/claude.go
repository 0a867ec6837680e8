package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reflect_framework/internal/config"
)

// DialogueCompleteSentinel is the exact token the follow-up prompt asks the
// model to emit when the topic is exhausted.
const DialogueCompleteSentinel = "DIALOG_ABGESCHLOSSEN"

var (
	ErrAPIKeyMissing   = errors.New("claude api key missing")
	ErrInvalidResponse = errors.New("invalid claude response")
)

// Claude implements QuestionGenerator against the Anthropic messages API.
type Claude struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	prompts   config.PromptsConfig
}

func NewClaude(client *http.Client, cfg config.ClaudeConfig, prompts config.PromptsConfig) *Claude {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Claude{
		client:    client,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		prompts:   prompts,
	}
}

func (c *Claude) GenerateInitialQuestions(ctx context.Context, transcript string) ([]string, error) {
	prompt := buildInitialPrompt(c.prompts.InitialQuestions, transcript)
	response, err := c.sendMessage(ctx, prompt, 512)
	if err != nil {
		return nil, err
	}
	return ParseQuestions(response), nil
}

func (c *Claude) GenerateFollowUpQuestions(ctx context.Context, transcript string, history []QA) ([]string, error) {
	if len(history) == 0 {
		return nil, nil
	}
	prompt := buildFollowUpPrompt(c.prompts.FollowUpQuestions, transcript, history)
	response, err := c.sendMessage(ctx, prompt, 512)
	if err != nil {
		return nil, err
	}
	if strings.Contains(response, DialogueCompleteSentinel) {
		return nil, nil
	}
	return ParseQuestions(response), nil
}

func (c *Claude) Integrate(ctx context.Context, transcript string, history []QA) (string, error) {
	if len(history) == 0 {
		return transcript, nil
	}
	prompt := buildIntegratePrompt(c.prompts.Integrate, transcript, history)
	return c.sendMessage(ctx, prompt, c.maxTokens)
}

func buildInitialPrompt(rules, transcript string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rules))
	b.WriteString("\n\nTranskript:\n---\n")
	b.WriteString(transcript)
	b.WriteString("\n---\n\n")
	b.WriteString("Antworte NUR mit den Fragen, eine pro Zeile, ohne Nummerierung oder Aufzaehlungszeichen.")
	return b.String()
}

func buildFollowUpPrompt(rules, transcript string, history []QA) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rules))
	b.WriteString("\n\nUrspruengliches Transkript:\n---\n")
	b.WriteString(transcript)
	b.WriteString("\n---\n\nBisheriger Dialog:\n---\n")
	for i, qa := range history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Frage %d: %s\nAntwort %d: %s", i+1, qa.Question, i+1, qa.Answer)
	}
	b.WriteString("\n---\n\n")
	b.WriteString("Antworte NUR mit den neuen Fragen, eine pro Zeile, ohne Nummerierung.\n")
	b.WriteString("Falls das Thema erschoepfend behandelt wurde, antworte exakt mit: " + DialogueCompleteSentinel)
	return b.String()
}

func buildIntegratePrompt(rules, transcript string, history []QA) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rules))
	b.WriteString("\n\nUrspruengliches Transkript:\n---\n")
	b.WriteString(transcript)
	b.WriteString("\n---\n\nZusaetzliche Informationen aus Rueckfragen:\n---\n")
	for i, qa := range history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "F: %s\nA: %s", qa.Question, qa.Answer)
	}
	b.WriteString("\n---\n\n")
	b.WriteString("Gib nur das angereicherte Transkript aus, ohne Kommentare.")
	return b.String()
}

func (c *Claude) sendMessage(ctx context.Context, content string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", ErrAPIKeyMissing
	}

	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": content},
		},
	}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("claude request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("claude status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wrapper struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", ErrInvalidResponse
	}
	if len(wrapper.Content) == 0 {
		return "", ErrInvalidResponse
	}
	return strings.TrimSpace(wrapper.Content[0].Text), nil
}
