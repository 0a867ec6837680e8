package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for reflect sessions, their questions, and
// intake jobs.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reflect_sessions (
            id TEXT PRIMARY KEY,
            original_transcript TEXT NOT NULL,
            enriched_transcript TEXT,
            completed INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS reflect_questions (
            id TEXT PRIMARY KEY,
            session_id TEXT NOT NULL,
            question TEXT NOT NULL,
            iteration INTEGER NOT NULL DEFAULT 0,
            answer TEXT,
            answer_source TEXT,
            created_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_questions_session ON reflect_questions(session_id);`,
		`CREATE TABLE IF NOT EXISTS notes (
            note_id TEXT PRIMARY KEY,
            filename TEXT,
            created_at TIMESTAMP,
            updated_at TIMESTAMP,
            status TEXT,
            last_stage TEXT,
            last_error TEXT,
            session_id TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            note_id TEXT,
            stage TEXT,
            status TEXT,
            idempotency_key TEXT,
            created_at TIMESTAMP,
            updated_at TIMESTAMP,
            started_at TIMESTAMP,
            finished_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
            job_id INTEGER,
            line TEXT,
            created_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Session is the persisted shape of a reflect session. Only terminal and
// answer data survives a restart; the live phase does not.
type Session struct {
	ID                 string     `json:"id"`
	OriginalTranscript string     `json:"original_transcript"`
	EnrichedTranscript *string    `json:"enriched_transcript"`
	Completed          bool       `json:"completed"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}

// Question is one persisted clarifying question.
type Question struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Question     string    `json:"question"`
	Iteration    int       `json:"iteration"`
	Answer       *string   `json:"answer"`
	AnswerSource *string   `json:"answer_source"`
	CreatedAt    time.Time `json:"created_at"`
}

// Note tracks one voice-note file moving through the intake pipeline.
type Note struct {
	NoteID    string    `json:"note_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	LastStage string    `json:"last_stage"`
	LastError *string   `json:"last_error"`
	SessionID *string   `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job represents an intake job persisted to DB.
type Job struct {
	ID             int64      `json:"id"`
	NoteID         string     `json:"note_id"`
	Stage          string     `json:"stage"`
	Status         string     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

var ErrNotFound = errors.New("not found")

// InsertSession records a new session with its original transcript.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reflect_sessions(id, original_transcript, enriched_transcript, completed, created_at, completed_at)
        VALUES(?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OriginalTranscript, sess.EnrichedTranscript, sess.Completed, sess.CreatedAt, sess.CompletedAt)
	return err
}

// CompleteSession stamps the terminal state exactly once.
func (s *Store) CompleteSession(ctx context.Context, id, enriched string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reflect_sessions SET enriched_transcript=?, completed=1, completed_at=? WHERE id=? AND completed=0`,
		enriched, ts, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, original_transcript, enriched_transcript, completed, created_at, completed_at FROM reflect_sessions WHERE id=?`, id)
	var sess Session
	var enriched sql.NullString
	var completedAt sql.NullTime
	switch err := row.Scan(&sess.ID, &sess.OriginalTranscript, &enriched, &sess.Completed, &sess.CreatedAt, &completedAt); err {
	case nil:
		if enriched.Valid {
			sess.EnrichedTranscript = &enriched.String
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		return &sess, nil
	case sql.ErrNoRows:
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, original_transcript, enriched_transcript, completed, created_at, completed_at FROM reflect_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var sess Session
		var enriched sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.OriginalTranscript, &enriched, &sess.Completed, &sess.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if enriched.Valid {
			sess.EnrichedTranscript = &enriched.String
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// InsertQuestions appends a generated batch. Questions are never updated
// except to record their single final answer.
func (s *Store) InsertQuestions(ctx context.Context, questions []Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reflect_questions(id, session_id, question, iteration, answer, answer_source, created_at)
            VALUES(?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.SessionID, q.Question, q.Iteration, q.Answer, q.AnswerSource, q.CreatedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AnswerQuestion records the final answer for a question. A question that
// already holds an answer is left untouched.
func (s *Store) AnswerQuestion(ctx context.Context, questionID, answer, source string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reflect_questions SET answer=?, answer_source=? WHERE id=? AND answer IS NULL`,
		answer, source, questionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("answer question %s: %w", questionID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]Question, error) {
	// rowid breaks created_at ties within a batch, preserving insertion
	// order for questions stamped in the same second.
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, question, iteration, answer, answer_source, created_at FROM reflect_questions WHERE session_id=? ORDER BY created_at ASC, iteration ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []Question
	for rows.Next() {
		var q Question
		var answer, source sql.NullString
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Question, &q.Iteration, &answer, &source, &q.CreatedAt); err != nil {
			return nil, err
		}
		if answer.Valid {
			q.Answer = &answer.String
		}
		if source.Valid {
			q.AnswerSource = &source.String
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// UpsertNote records intake progress for a voice-note file.
func (s *Store) UpsertNote(ctx context.Context, noteID, filename, stage, status string, errMsg *string, sessionID *string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notes(note_id, filename, created_at, updated_at, status, last_stage, last_error, session_id)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(note_id) DO UPDATE SET updated_at=excluded.updated_at, status=excluded.status, last_stage=excluded.last_stage, last_error=excluded.last_error,
            session_id=COALESCE(excluded.session_id, notes.session_id)`,
		noteID, filename, ts, ts, status, stage, errMsg, sessionID)
	return err
}

func (s *Store) GetNote(ctx context.Context, noteID string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT note_id, filename, status, last_stage, last_error, session_id, created_at, updated_at FROM notes WHERE note_id=?`, noteID)
	var n Note
	var errMsg, sessionID sql.NullString
	switch err := row.Scan(&n.NoteID, &n.Filename, &n.Status, &n.LastStage, &errMsg, &sessionID, &n.CreatedAt, &n.UpdatedAt); err {
	case nil:
		if errMsg.Valid {
			n.LastError = &errMsg.String
		}
		if sessionID.Valid {
			n.SessionID = &sessionID.String
		}
		return &n, nil
	case sql.ErrNoRows:
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

func (s *Store) ListNotes(ctx context.Context, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT note_id, filename, status, last_stage, last_error, session_id, created_at, updated_at FROM notes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []Note
	for rows.Next() {
		var n Note
		var errMsg, sessionID sql.NullString
		if err := rows.Scan(&n.NoteID, &n.Filename, &n.Status, &n.LastStage, &errMsg, &sessionID, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			n.LastError = &errMsg.String
		}
		if sessionID.Valid {
			n.SessionID = &sessionID.String
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

var ErrConflict = errors.New("idempotent job already exists")

// InsertJobIdempotent records a job if its idempotency key is new.
func (s *Store) InsertJobIdempotent(ctx context.Context, j *Job) (*Job, error) {
	existing, err := s.FetchJobByIdempotency(ctx, j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(note_id, stage, status, idempotency_key, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		j.NoteID, j.Stage, j.Status, j.IdempotencyKey, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	j.ID = id
	return j, nil
}

// FetchJobByIdempotency returns the existing job if present.
func (s *Store) FetchJobByIdempotency(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, note_id, stage, status, idempotency_key, created_at, updated_at, started_at, finished_at FROM jobs WHERE idempotency_key=?`, key)
	var j Job
	var started, finished sql.NullTime
	switch err := row.Scan(&j.ID, &j.NoteID, &j.Stage, &j.Status, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt, &started, &finished); err {
	case nil:
		if started.Valid {
			j.StartedAt = &started.Time
		}
		if finished.Valid {
			j.FinishedAt = &finished.Time
		}
		return &j, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Store) MarkJobStarted(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=? WHERE id=?`, "running", ts, ts, id)
	return err
}

// MarkJobRequeued returns a job to the queue, clearing any stale finish
// timestamp from its previous run.
func (s *Store) MarkJobRequeued(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=NULL, updated_at=? WHERE id=?`, "queued", ts, id)
	return err
}

func (s *Store) MarkJobFinished(ctx context.Context, id int64, status string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=?, updated_at=? WHERE id=?`, status, ts, ts, id)
	return err
}

func (s *Store) AppendJobLog(ctx context.Context, id int64, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, line, created_at) VALUES(?,?,?)`, id, line, ts)
	return err
}

func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM job_logs WHERE job_id=? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, note_id, stage, status, idempotency_key, created_at, updated_at, started_at, finished_at FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		var started, finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.NoteID, &j.Stage, &j.Status, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt, &started, &finished); err != nil {
			return nil, err
		}
		if started.Valid {
			j.StartedAt = &started.Time
		}
		if finished.Valid {
			j.FinishedAt = &finished.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
