package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"reflect_framework/internal/config"
	"reflect_framework/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage represents intake pipeline phases for a voice note.
type Stage string

const (
	StageIngest     Stage = "INGEST"
	StageTranscribe Stage = "TRANSCRIBE"
	StageReflect    Stage = "REFLECT"
)

// ExecutionContext bundles dependencies for stage execution.
type ExecutionContext struct {
	Cfg   config.Config
	Store *store.Store
	Logf  func(jobID int64, msg string)
}

// StageFunc processes one note through one stage. Re-running a stage for the
// same note must be safe; the idempotency key keeps duplicates out of the
// queue in the first place.
type StageFunc func(ctx context.Context, execCtx ExecutionContext, job *store.Job) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

// Runner executes note jobs on a worker pool. Each stage enqueues the next
// one itself through Enqueue, so a note walks INGEST, TRANSCRIBE, REFLECT
// without central sequencing.
type Runner struct {
	cfg       config.Config
	store     *store.Store
	reg       Registry
	queue     chan *store.Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logMu     sync.Mutex
	logBuffer map[int64][]string
}

func NewRunner(cfg config.Config, st *store.Store, reg Registry) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		queue:     make(chan *store.Job, cfg.QueueSize),
		logBuffer: make(map[int64][]string),
	}
}

// Start spins up the worker pool.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue inserts a stage job for a note, respecting idempotency: the same
// note and stage enqueued twice yields the original job.
func (r *Runner) Enqueue(ctx context.Context, noteID string, stage Stage) (*store.Job, error) {
	job := &store.Job{
		NoteID:         noteID,
		Stage:          string(stage),
		Status:         StatusQueued,
		IdempotencyKey: idempotencyKey(noteID, stage),
		CreatedAt:      config.Now(),
		UpdatedAt:      config.Now(),
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		// Queued, running, and succeeded duplicates are dropped; a failed
		// job gets another run.
		if j.Status != StatusFailed {
			return j, nil
		}
		j.Status = StatusQueued
		_ = r.store.MarkJobRequeued(ctx, j.ID, config.Now())
		select {
		case r.queue <- j:
			return j, nil
		default:
			return nil, fmt.Errorf("queue full")
		}
	}
	if err != nil {
		return nil, err
	}
	select {
	case r.queue <- j:
		return j, nil
	default:
		return nil, fmt.Errorf("queue full")
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	fn, ok := r.reg[Stage(job.Stage)]
	if !ok {
		r.appendLog(job.ID, "no handler for stage "+job.Stage)
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		return
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, config.Now())
	execCtx := ExecutionContext{
		Cfg:   r.cfg,
		Store: r.store,
		Logf:  func(id int64, msg string) { r.appendLog(id, msg) },
	}
	if err := fn(ctx, execCtx, job); err != nil {
		r.appendLog(job.ID, "error: "+err.Error())
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		return
	}
	_ = r.store.MarkJobFinished(ctx, job.ID, StatusSucceeded, config.Now())
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	ts := config.Now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	r.logBuffer[jobID] = append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(r.logBuffer[jobID]) > 200 {
		r.logBuffer[jobID] = r.logBuffer[jobID][len(r.logBuffer[jobID])-200:]
	}
}

// Logs returns the in-memory tail for streaming to observers.
func (r *Runner) Logs(jobID int64) []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func idempotencyKey(noteID string, stage Stage) string {
	h := sha256.Sum256([]byte(noteID + ":" + string(stage)))
	return hex.EncodeToString(h[:])
}
