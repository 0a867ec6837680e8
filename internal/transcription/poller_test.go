package transcription

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedProvider struct {
	submitID    string
	submitErr   error
	statuses    []Result
	statusErr   error
	submitCalls int
	fetchCalls  int
}

func (p *scriptedProvider) Submit(ctx context.Context, audioPath string) (string, error) {
	p.submitCalls++
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.submitID, nil
}

func (p *scriptedProvider) FetchStatus(ctx context.Context, jobID string) (Result, error) {
	if p.statusErr != nil {
		return Result{}, p.statusErr
	}
	idx := p.fetchCalls
	if idx >= len(p.statuses) {
		idx = len(p.statuses) - 1
	}
	p.fetchCalls++
	return p.statuses[idx], nil
}

func TestPollerReturnsTextAfterExactPolls(t *testing.T) {
	provider := &scriptedProvider{
		submitID: "job1",
		statuses: []Result{
			{ID: "job1", Status: StatusQueued},
			{ID: "job1", Status: StatusProcessing},
			{ID: "job1", Status: StatusCompleted, Text: "Hallo"},
		},
	}
	poller := NewPoller(provider, time.Millisecond, 10)

	text, err := poller.Transcribe(context.Background(), "note.m4a")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "Hallo" {
		t.Fatalf("expected %q, got %q", "Hallo", text)
	}
	if provider.fetchCalls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", provider.fetchCalls)
	}
	if provider.submitCalls != 1 {
		t.Fatalf("expected exactly 1 submit, got %d", provider.submitCalls)
	}
}

func TestPollerTimesOutAfterMaxAttempts(t *testing.T) {
	provider := &scriptedProvider{
		submitID: "job1",
		statuses: []Result{{ID: "job1", Status: StatusProcessing}},
	}
	poller := NewPoller(provider, time.Millisecond, 5)

	_, err := poller.Transcribe(context.Background(), "note.m4a")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if provider.fetchCalls != 5 {
		t.Fatalf("expected 5 polls before timeout, got %d", provider.fetchCalls)
	}
}

func TestPollerDoesNotRetryFailedUpload(t *testing.T) {
	provider := &scriptedProvider{submitErr: ErrUploadFailed}
	poller := NewPoller(provider, time.Millisecond, 5)

	_, err := poller.Transcribe(context.Background(), "note.m4a")
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if provider.submitCalls != 1 {
		t.Fatalf("upload must not be retried, got %d submits", provider.submitCalls)
	}
	if provider.fetchCalls != 0 {
		t.Fatalf("no polls expected after failed upload, got %d", provider.fetchCalls)
	}
}

func TestPollerFailsOnCompletedWithoutText(t *testing.T) {
	provider := &scriptedProvider{
		submitID: "job1",
		statuses: []Result{{ID: "job1", Status: StatusCompleted, Text: "  "}},
	}
	poller := NewPoller(provider, time.Millisecond, 5)

	_, err := poller.Transcribe(context.Background(), "note.m4a")
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
}

func TestPollerFailsOnProviderError(t *testing.T) {
	provider := &scriptedProvider{
		submitID: "job1",
		statuses: []Result{
			{ID: "job1", Status: StatusQueued},
			{ID: "job1", Status: StatusError},
		},
	}
	poller := NewPoller(provider, time.Millisecond, 5)

	_, err := poller.Transcribe(context.Background(), "note.m4a")
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
}

func TestPollerHonorsContextCancellation(t *testing.T) {
	provider := &scriptedProvider{
		submitID: "job1",
		statuses: []Result{{ID: "job1", Status: StatusProcessing}},
	}
	poller := NewPoller(provider, 50*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := poller.Transcribe(ctx, "note.m4a")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
