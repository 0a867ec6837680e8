package transcription

import (
	"context"
	"errors"
)

// Job statuses reported by a provider and tracked locally.
const (
	StatusSubmitted  = "submitted"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

var (
	// ErrUploadFailed means the provider never accepted the audio. The
	// upload is not retried.
	ErrUploadFailed = errors.New("audio upload failed")
	// ErrInvalidResponse means a provider payload could not be parsed.
	ErrInvalidResponse = errors.New("invalid provider response")
	// ErrTranscriptionFailed means the provider finished without usable text.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrTimeout means the bounded poll loop was exhausted.
	ErrTimeout = errors.New("transcription polling timed out")
)

// Result is one status snapshot for a provider job.
type Result struct {
	ID     string
	Status string
	Text   string
}

// Provider is the speech-to-text submit/poll contract. Implementations do
// no retrying of their own; retry and backoff belong to the Poller.
type Provider interface {
	// Submit uploads the audio and returns the provider job id.
	Submit(ctx context.Context, audioPath string) (string, error)
	// FetchStatus reads the current status of a provider job.
	FetchStatus(ctx context.Context, jobID string) (Result, error)
}

// Job is one submit-and-poll cycle. It is created per transcription
// request and discarded once its terminal status has been consumed; it is
// never persisted and holds no reference to any session.
type Job struct {
	SourceAudio   string
	ProviderJobID string
	Status        string
	Text          string
	Polls         int
}

// NewJob starts a cycle for the given audio payload.
func NewJob(audioPath string) Job {
	return Job{SourceAudio: audioPath, Status: StatusSubmitted}
}
