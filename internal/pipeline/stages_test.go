package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"reflect_framework/internal/config"
	"reflect_framework/internal/events"
	"reflect_framework/internal/jobs"
	"reflect_framework/internal/llm"
	"reflect_framework/internal/metrics"
	"reflect_framework/internal/session"
	"reflect_framework/internal/store"
)

type stubGenerator struct{ questions []string }

func (g stubGenerator) GenerateInitialQuestions(ctx context.Context, transcript string) ([]string, error) {
	return g.questions, nil
}

func (g stubGenerator) GenerateFollowUpQuestions(ctx context.Context, transcript string, history []llm.QA) ([]string, error) {
	return nil, nil
}

func (g stubGenerator) Integrate(ctx context.Context, transcript string, history []llm.QA) (string, error) {
	return transcript, nil
}

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return s.text, s.err
}

func newTestPipeline(t *testing.T, tr session.Transcriber, gen llm.QuestionGenerator) (*Pipeline, *store.Store, config.Config) {
	t.Helper()
	cfg := config.Config{
		NotesDir:    t.TempDir(),
		WorkDir:     t.TempDir(),
		DBPath:      filepath.Join(t.TempDir(), "test.db"),
		WorkerCount: 1,
		QueueSize:   8,
		Reflect:     config.ReflectConfig{MaxRounds: 5},
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctrl := session.NewController(gen, tr, st, events.NewBus(), metrics.New(), cfg.Reflect)
	p := New(cfg, st, tr, ctrl)
	p.Bind(jobs.NewRunner(cfg, st, p.Registry()))
	return p, st, cfg
}

func execCtx(cfg config.Config, st *store.Store) jobs.ExecutionContext {
	return jobs.ExecutionContext{Cfg: cfg, Store: st, Logf: func(int64, string) {}}
}

func TestIngestStageCopiesFile(t *testing.T) {
	p, st, cfg := newTestPipeline(t, stubTranscriber{}, stubGenerator{})
	src := filepath.Join(cfg.NotesDir, "note1.m4a")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Intake(ctx, src); err != nil {
		t.Fatalf("intake: %v", err)
	}
	fn := p.Registry()[jobs.StageIngest]
	if err := fn(ctx, execCtx(cfg, st), &store.Job{NoteID: "note1"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	dst := filepath.Join(cfg.WorkDir, "note1", "note1.m4a")
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected work copy: %v", err)
	}
}

func TestTranscribeStageWritesTranscript(t *testing.T) {
	p, st, cfg := newTestPipeline(t, stubTranscriber{text: "Ich habe eine Idee."}, stubGenerator{})
	src := filepath.Join(cfg.NotesDir, "note1.m4a")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Intake(ctx, src); err != nil {
		t.Fatalf("intake: %v", err)
	}
	reg := p.Registry()
	job := &store.Job{NoteID: "note1"}
	if err := reg[jobs.StageIngest](ctx, execCtx(cfg, st), job); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := reg[jobs.StageTranscribe](ctx, execCtx(cfg, st), job); err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	raw, err := os.ReadFile(p.TranscriptPath("note1"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(raw) != "Ich habe eine Idee." {
		t.Fatalf("transcript = %q", raw)
	}
}

func TestReflectStageStartsSessionAndLinksNote(t *testing.T) {
	gen := stubGenerator{questions: []string{"Was fuer eine Idee?"}}
	p, st, cfg := newTestPipeline(t, stubTranscriber{text: "Ich habe eine Idee."}, gen)
	src := filepath.Join(cfg.NotesDir, "note1.m4a")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Intake(ctx, src); err != nil {
		t.Fatalf("intake: %v", err)
	}
	reg := p.Registry()
	job := &store.Job{NoteID: "note1"}
	for _, stage := range []jobs.Stage{jobs.StageIngest, jobs.StageTranscribe, jobs.StageReflect} {
		if err := reg[stage](ctx, execCtx(cfg, st), job); err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
	}

	note, err := st.GetNote(ctx, "note1")
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note.SessionID == nil {
		t.Fatal("note not linked to session")
	}
	sessions, err := st.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].OriginalTranscript != "Ich habe eine Idee." {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestIntakeResumesStrandedNote(t *testing.T) {
	p, st, _ := newTestPipeline(t, stubTranscriber{text: "Hallo"}, stubGenerator{})
	ctx := context.Background()

	// Ingest committed but the process died before the transcribe job
	// was created. A later pass over the notes dir must pick it back up.
	if err := st.UpsertNote(ctx, "note1", "note1.m4a", string(jobs.StageIngest), jobs.StatusSucceeded, nil, nil, config.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.Intake(ctx, "note1.m4a"); err != nil {
		t.Fatalf("intake: %v", err)
	}

	list, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || jobs.Stage(list[0].Stage) != jobs.StageTranscribe {
		t.Fatalf("jobs = %+v", list)
	}
}

func TestIntakeIgnoresFinishedNote(t *testing.T) {
	p, st, _ := newTestPipeline(t, stubTranscriber{}, stubGenerator{})
	ctx := context.Background()

	if err := st.UpsertNote(ctx, "note1", "note1.m4a", string(jobs.StageReflect), jobs.StatusSucceeded, nil, nil, config.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.Intake(ctx, "note1.m4a"); err != nil {
		t.Fatalf("intake: %v", err)
	}

	list, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no jobs for a finished note, got %+v", list)
	}
}

func TestIntakeRetriesFailedStage(t *testing.T) {
	p, st, _ := newTestPipeline(t, stubTranscriber{}, stubGenerator{})
	ctx := context.Background()

	msg := "upload refused"
	if err := st.UpsertNote(ctx, "note1", "note1.m4a", string(jobs.StageTranscribe), jobs.StatusFailed, &msg, nil, config.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.Intake(ctx, "note1.m4a"); err != nil {
		t.Fatalf("intake: %v", err)
	}

	list, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || jobs.Stage(list[0].Stage) != jobs.StageTranscribe {
		t.Fatalf("jobs = %+v", list)
	}
}

func TestTranscribeFailureMarksNote(t *testing.T) {
	p, st, cfg := newTestPipeline(t, stubTranscriber{err: os.ErrDeadlineExceeded}, stubGenerator{})
	src := filepath.Join(cfg.NotesDir, "note1.m4a")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Intake(ctx, src); err != nil {
		t.Fatalf("intake: %v", err)
	}
	reg := p.Registry()
	job := &store.Job{NoteID: "note1"}
	if err := reg[jobs.StageIngest](ctx, execCtx(cfg, st), job); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := reg[jobs.StageTranscribe](ctx, execCtx(cfg, st), job); err == nil {
		t.Fatal("expected transcription error")
	}

	note, err := st.GetNote(ctx, "note1")
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note.Status != jobs.StatusFailed || note.LastError == nil {
		t.Fatalf("note = %+v", note)
	}
}
