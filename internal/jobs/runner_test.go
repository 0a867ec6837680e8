package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"reflect_framework/internal/config"
	"reflect_framework/internal/store"
)

func newTestRunner(t *testing.T, reg Registry) (*Runner, *store.Store) {
	t.Helper()
	cfg := config.Config{QueueSize: 8, WorkerCount: 1}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRunner(cfg, st, reg), st
}

func TestIdempotentEnqueue(t *testing.T) {
	runner, _ := newTestRunner(t, Registry{})
	ctx := context.Background()
	j1, err := runner.Enqueue(ctx, "note1", StageIngest)
	if err != nil {
		t.Fatalf("enqueue1: %v", err)
	}
	j2, err := runner.Enqueue(ctx, "note1", StageIngest)
	if err != nil {
		t.Fatalf("enqueue2: %v", err)
	}
	if j1.ID != j2.ID {
		t.Fatalf("expected idempotent job, got %d vs %d", j1.ID, j2.ID)
	}
	if j3, err := runner.Enqueue(ctx, "note1", StageTranscribe); err != nil || j3.ID == j1.ID {
		t.Fatalf("different stage must be a new job: %v %v", j3, err)
	}
}

func TestWorkerExecutesStage(t *testing.T) {
	var ran atomic.Int32
	done := make(chan struct{})
	reg := Registry{
		StageIngest: func(ctx context.Context, exec ExecutionContext, job *store.Job) error {
			exec.Logf(job.ID, "handled "+job.NoteID)
			ran.Add(1)
			close(done)
			return nil
		},
	}
	runner, st := newTestRunner(t, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	j, err := runner.Enqueue(ctx, "note1", StageIngest)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never ran")
	}
	if ran.Load() != 1 {
		t.Fatalf("ran = %d", ran.Load())
	}
	waitForStatus(t, st, j.ID, StatusSucceeded)
	if logs := runner.Logs(j.ID); len(logs) != 1 {
		t.Fatalf("logs = %v", logs)
	}
}

func TestFailedJobCanBeRequeued(t *testing.T) {
	var attempts atomic.Int32
	step := make(chan struct{}, 2)
	reg := Registry{
		StageIngest: func(ctx context.Context, exec ExecutionContext, job *store.Job) error {
			defer func() { step <- struct{}{} }()
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	runner, st := newTestRunner(t, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	j, err := runner.Enqueue(ctx, "note1", StageIngest)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-step
	waitForStatus(t, st, j.ID, StatusFailed)

	if _, err := runner.Enqueue(ctx, "note1", StageIngest); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	<-step
	waitForStatus(t, st, j.ID, StatusSucceeded)
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d", attempts.Load())
	}
}

func waitForStatus(t *testing.T, st *store.Store, jobID int64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := st.ListJobs(context.Background(), 10)
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}
		for _, j := range jobs {
			if j.ID == jobID && j.Status == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d never reached %s", jobID, want)
}
