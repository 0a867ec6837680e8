package transcription

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Poller drives a Job to completion: one submit, then bounded fixed-interval
// polling. It mutates no session or note state; that stays with the caller,
// which keeps the poller reusable for primary recordings and spoken reflect
// answers alike.
type Poller struct {
	provider    Provider
	interval    time.Duration
	maxAttempts int
}

func NewPoller(provider Provider, interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 100
	}
	return &Poller{provider: provider, interval: interval, maxAttempts: maxAttempts}
}

// Transcribe runs a full submit-and-poll cycle and returns the transcript
// text. It may suspend for the whole duration of the remote job, bounded by
// maxAttempts polls.
func (p *Poller) Transcribe(ctx context.Context, audioPath string) (string, error) {
	job := NewJob(audioPath)
	if err := p.run(ctx, &job); err != nil {
		return "", err
	}
	return job.Text, nil
}

func (p *Poller) run(ctx context.Context, job *Job) error {
	id, err := p.provider.Submit(ctx, job.SourceAudio)
	if err != nil {
		job.Status = StatusError
		return err
	}
	job.ProviderJobID = id

	for job.Polls < p.maxAttempts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
		job.Polls++

		res, err := p.provider.FetchStatus(ctx, id)
		if err != nil {
			job.Status = StatusError
			return fmt.Errorf("fetch status for job %s: %w", id, err)
		}
		job.Status = res.Status

		switch res.Status {
		case StatusQueued, StatusProcessing:
			continue
		case StatusCompleted:
			if strings.TrimSpace(res.Text) == "" {
				return ErrTranscriptionFailed
			}
			job.Text = res.Text
			log.Printf("transcription job=%s polls=%d chars=%d", id, job.Polls, len(res.Text))
			return nil
		default:
			return fmt.Errorf("job %s reported %s: %w", id, res.Status, ErrTranscriptionFailed)
		}
	}

	job.Status = StatusError
	return fmt.Errorf("job %s after %d polls: %w", id, job.Polls, ErrTimeout)
}
