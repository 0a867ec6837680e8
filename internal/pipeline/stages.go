// Package pipeline walks a dropped voice note through intake: the audio file
// is copied into the work dir, transcribed, and handed to the session engine
// as a new clarifying dialogue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reflect_framework/internal/config"
	"reflect_framework/internal/jobs"
	"reflect_framework/internal/session"
	"reflect_framework/internal/store"
)

type Pipeline struct {
	cfg         config.Config
	store       *store.Store
	transcriber session.Transcriber
	controller  *session.Controller
	runner      *jobs.Runner
}

func New(cfg config.Config, st *store.Store, tr session.Transcriber, ctrl *session.Controller) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, transcriber: tr, controller: ctrl}
}

// Bind hands the pipeline its runner after construction; stages enqueue
// their successor through it.
func (p *Pipeline) Bind(r *jobs.Runner) { p.runner = r }

// Registry wires the stage functions.
func (p *Pipeline) Registry() jobs.Registry {
	return jobs.Registry{
		jobs.StageIngest:     p.ingest,
		jobs.StageTranscribe: p.transcribe,
		jobs.StageReflect:    p.reflect,
	}
}

// NoteID derives the stable note identity from the dropped filename.
func NoteID(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Intake registers a fresh note and enqueues its first stage. For a note
// already on record it resumes instead: a note is finished only once
// REFLECT succeeded, so a note stranded between stages (stage committed,
// successor job never created) picks up where it stopped rather than being
// mistaken for done.
func (p *Pipeline) Intake(ctx context.Context, filename string) error {
	noteID := NoteID(filename)
	note, err := p.store.GetNote(ctx, noteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if note == nil {
		if err := p.store.UpsertNote(ctx, noteID, filepath.Base(filename), string(jobs.StageIngest), jobs.StatusQueued, nil, nil, config.Now()); err != nil {
			return err
		}
		_, err := p.runner.Enqueue(ctx, noteID, jobs.StageIngest)
		return err
	}
	stage, ok := resumeStage(note)
	if !ok {
		return nil
	}
	_, err = p.runner.Enqueue(ctx, noteID, stage)
	return err
}

// resumeStage picks the stage a revisited note still needs: a succeeded
// stage advances to its successor, a failed one is retried, and anything
// still queued or running re-enqueues itself (the idempotent runner drops
// the duplicate). Only REFLECT succeeding ends the pipeline.
func resumeStage(note *store.Note) (jobs.Stage, bool) {
	last := jobs.Stage(note.LastStage)
	if note.Status != jobs.StatusSucceeded {
		if last == "" {
			return jobs.StageIngest, true
		}
		return last, true
	}
	switch last {
	case jobs.StageIngest:
		return jobs.StageTranscribe, true
	case jobs.StageTranscribe:
		return jobs.StageReflect, true
	case jobs.StageReflect:
		return "", false
	default:
		return jobs.StageIngest, true
	}
}

func (p *Pipeline) ingest(ctx context.Context, exec jobs.ExecutionContext, job *store.Job) error {
	note, err := p.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return err
	}
	src := filepath.Join(p.cfg.NotesDir, note.Filename)
	dstDir := filepath.Join(p.cfg.WorkDir, job.NoteID)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dstDir, note.Filename)
	if _, err := copyFile(src, dst); err != nil {
		p.failNote(ctx, job.NoteID, note.Filename, jobs.StageIngest, err)
		return err
	}
	if err := p.store.UpsertNote(ctx, job.NoteID, note.Filename, string(jobs.StageIngest), jobs.StatusSucceeded, nil, nil, config.Now()); err != nil {
		return err
	}
	exec.Logf(job.ID, fmt.Sprintf("ingest copied %s", dst))
	_, err = p.runner.Enqueue(ctx, job.NoteID, jobs.StageTranscribe)
	return err
}

func (p *Pipeline) transcribe(ctx context.Context, exec jobs.ExecutionContext, job *store.Job) error {
	note, err := p.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return err
	}
	audio := filepath.Join(p.cfg.WorkDir, job.NoteID, note.Filename)
	text, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil {
		p.failNote(ctx, job.NoteID, note.Filename, jobs.StageTranscribe, err)
		return err
	}
	if err := os.WriteFile(p.TranscriptPath(job.NoteID), []byte(text), 0o644); err != nil {
		p.failNote(ctx, job.NoteID, note.Filename, jobs.StageTranscribe, err)
		return err
	}
	if err := p.store.UpsertNote(ctx, job.NoteID, note.Filename, string(jobs.StageTranscribe), jobs.StatusSucceeded, nil, nil, config.Now()); err != nil {
		return err
	}
	exec.Logf(job.ID, fmt.Sprintf("transcribed %d chars", len(text)))
	_, err = p.runner.Enqueue(ctx, job.NoteID, jobs.StageReflect)
	return err
}

func (p *Pipeline) reflect(ctx context.Context, exec jobs.ExecutionContext, job *store.Job) error {
	note, err := p.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(p.TranscriptPath(job.NoteID))
	if err != nil {
		p.failNote(ctx, job.NoteID, note.Filename, jobs.StageReflect, err)
		return err
	}
	snap, err := p.controller.StartSession(ctx, strings.TrimSpace(string(raw)))
	if err != nil {
		p.failNote(ctx, job.NoteID, note.Filename, jobs.StageReflect, err)
		return err
	}
	sessionID := snap.ID
	if err := p.store.UpsertNote(ctx, job.NoteID, note.Filename, string(jobs.StageReflect), jobs.StatusSucceeded, nil, &sessionID, config.Now()); err != nil {
		return err
	}
	exec.Logf(job.ID, fmt.Sprintf("session %s started in phase %s", snap.ID, snap.Phase))
	return nil
}

// TranscriptPath locates the stored transcript for a note.
func (p *Pipeline) TranscriptPath(noteID string) string {
	return filepath.Join(p.cfg.WorkDir, noteID, "transcript.txt")
}

func (p *Pipeline) failNote(ctx context.Context, noteID, filename string, stage jobs.Stage, cause error) {
	msg := cause.Error()
	_ = p.store.UpsertNote(ctx, noteID, filename, string(stage), jobs.StatusFailed, &msg, nil, config.Now())
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return out.ReadFrom(in)
}
