// Package session implements the reflect dialogue: an iterative
// question/answer refinement loop over one voice-note transcript. The
// Session type is a pure state machine; all remote work (question
// generation, answer transcription, integration) happens in the Controller,
// which feeds results back in through the transition methods below.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is the state-machine state of a reflect session.
type Phase string

const (
	PhaseInitial            Phase = "initial"
	PhaseLoadingQuestions   Phase = "loading_questions"
	PhaseShowingQuestions   Phase = "showing_questions"
	PhaseRecordingAnswer    Phase = "recording_answer"
	PhaseTranscribingAnswer Phase = "transcribing_answer"
	PhaseGeneratingFollowUp Phase = "generating_follow_up"
	PhaseIntegrating        Phase = "integrating"
	PhaseCompleted          Phase = "completed"
	PhaseError              Phase = "error"
)

// AnswerSource records how an answer was given.
type AnswerSource string

const (
	SourceAudio AnswerSource = "audio"
	SourceText  AnswerSource = "text"
)

// Protocol violations. These are programming errors in the caller, not part
// of normal control flow; remote failures never surface here.
var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoSelection       = errors.New("no question selected")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrAlreadyAnswered   = errors.New("question already answered")
	ErrEmptyAnswer       = errors.New("empty answer")
)

// Question is one clarifying question owned by its session. Once Answer is
// set it is never cleared or overwritten.
type Question struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	Iteration    int          `json:"iteration"`
	Answer       string       `json:"answer,omitempty"`
	AnswerSource AnswerSource `json:"answer_source,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Answered reports whether the question holds its final answer.
func (q Question) Answered() bool { return q.Answer != "" }

// Session owns the question set, answer history, phase, and round counter
// of one reflect dialogue. Questions are append-only and never reordered.
type Session struct {
	ID                 string
	OriginalTranscript string
	EnrichedTranscript string
	Questions          []Question
	Phase              Phase
	ErrorMessage       string
	SelectedID         string
	CreatedAt          time.Time
	CompletedAt        time.Time
}

// New creates a session in the Initial phase.
func New(transcript string, now time.Time) *Session {
	return &Session{
		ID:                 uuid.NewString(),
		OriginalTranscript: transcript,
		Phase:              PhaseInitial,
		CreatedAt:          now,
	}
}

// Round is the highest iteration among all questions; 0 before any
// follow-up batch has landed.
func (s *Session) Round() int {
	round := 0
	for _, q := range s.Questions {
		if q.Iteration > round {
			round = q.Iteration
		}
	}
	return round
}

// Answered returns the answered questions ordered by creation time, the
// ordering used for all prompt construction.
func (s *Session) Answered() []Question {
	var answered []Question
	for _, q := range s.Questions {
		if q.Answered() {
			answered = append(answered, q)
		}
	}
	sort.SliceStable(answered, func(i, j int) bool {
		return answered[i].CreatedAt.Before(answered[j].CreatedAt)
	})
	return answered
}

func (s *Session) question(id string) *Question {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return &s.Questions[i]
		}
	}
	return nil
}

// BeginLoading starts (or retries) initial question generation.
func (s *Session) BeginLoading() error {
	if s.Phase != PhaseInitial && s.Phase != PhaseError {
		return fmt.Errorf("begin loading from %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.Phase = PhaseLoadingQuestions
	s.ErrorMessage = ""
	return nil
}

// SeedQuestions appends the initial batch at iteration 0 and shows it.
func (s *Session) SeedQuestions(texts []string, now time.Time) error {
	if s.Phase != PhaseLoadingQuestions {
		return fmt.Errorf("seed questions from %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.appendQuestions(texts, 0, now)
	s.Phase = PhaseShowingQuestions
	return nil
}

// Fail records a recoverable error phase; the session stays intact and may
// retry loading or accept the original transcript.
func (s *Session) Fail(message string) {
	s.Phase = PhaseError
	s.ErrorMessage = message
}

// SelectQuestion marks the active question. Valid only while showing
// questions and only for unanswered questions.
func (s *Session) SelectQuestion(id string) error {
	if s.Phase != PhaseShowingQuestions {
		return fmt.Errorf("select in %s: %w", s.Phase, ErrInvalidTransition)
	}
	q := s.question(id)
	if q == nil {
		return fmt.Errorf("select %s: %w", id, ErrUnknownQuestion)
	}
	if q.Answered() {
		return fmt.Errorf("select %s: %w", id, ErrAlreadyAnswered)
	}
	s.SelectedID = id
	return nil
}

// BeginRecordingAnswer enters the voice-answer sub-flow for the selection.
func (s *Session) BeginRecordingAnswer() error {
	if s.Phase != PhaseShowingQuestions {
		return fmt.Errorf("begin recording in %s: %w", s.Phase, ErrInvalidTransition)
	}
	if s.SelectedID == "" {
		return ErrNoSelection
	}
	s.Phase = PhaseRecordingAnswer
	return nil
}

// CancelRecordingAnswer aborts recording before submission; the question
// stays unanswered and selected.
func (s *Session) CancelRecordingAnswer() error {
	if s.Phase != PhaseRecordingAnswer {
		return fmt.Errorf("cancel recording in %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.Phase = PhaseShowingQuestions
	return nil
}

// BeginTranscribingAnswer moves the recorded audio into transcription.
func (s *Session) BeginTranscribingAnswer() error {
	if s.Phase != PhaseRecordingAnswer {
		return fmt.Errorf("begin transcribing in %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.Phase = PhaseTranscribingAnswer
	return nil
}

// FailTranscription discards the voice answer: back to the question list,
// question unanswered and re-selectable.
func (s *Session) FailTranscription() {
	if s.Phase == PhaseTranscribingAnswer || s.Phase == PhaseRecordingAnswer {
		s.Phase = PhaseShowingQuestions
	}
}

// SubmitAnswer finalizes the selected question's answer and clears the
// selection. Answers are final: a second submit for the same question is
// rejected.
func (s *Session) SubmitAnswer(text string, source AnswerSource) (string, error) {
	if s.Phase != PhaseShowingQuestions && s.Phase != PhaseTranscribingAnswer {
		return "", fmt.Errorf("submit answer in %s: %w", s.Phase, ErrInvalidTransition)
	}
	if s.SelectedID == "" {
		return "", ErrNoSelection
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyAnswer
	}
	q := s.question(s.SelectedID)
	if q == nil {
		return "", fmt.Errorf("submit for %s: %w", s.SelectedID, ErrUnknownQuestion)
	}
	if q.Answered() {
		return "", fmt.Errorf("submit for %s: %w", q.ID, ErrAlreadyAnswered)
	}
	q.Answer = text
	q.AnswerSource = source
	s.SelectedID = ""
	s.Phase = PhaseShowingQuestions
	return q.ID, nil
}

// BeginFollowUp enters follow-up generation after an answer.
func (s *Session) BeginFollowUp() error {
	if s.Phase != PhaseShowingQuestions {
		return fmt.Errorf("begin follow-up in %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.Phase = PhaseGeneratingFollowUp
	return nil
}

// FinishFollowUp lands a follow-up batch. Empty batches (dialogue judged
// complete, no new angles, or a silently absorbed failure) change nothing
// except returning to the question list; the user decides when to end.
func (s *Session) FinishFollowUp(texts []string, now time.Time) []Question {
	var appended []Question
	if s.Phase == PhaseGeneratingFollowUp && len(texts) > 0 {
		appended = s.appendQuestions(texts, s.Round()+1, now)
	}
	if s.Phase == PhaseGeneratingFollowUp {
		s.Phase = PhaseShowingQuestions
	}
	return appended
}

// BeginIntegrating starts the end-session merge. Valid only from the
// question list.
func (s *Session) BeginIntegrating() error {
	if s.Phase != PhaseShowingQuestions {
		return fmt.Errorf("end session in %s: %w", s.Phase, ErrInvalidTransition)
	}
	s.Phase = PhaseIntegrating
	return nil
}

// Complete reaches the terminal state exactly once. An empty enriched text
// falls back to the original transcript so a completed session always holds
// a usable document. Also reachable from Error as the accept-original
// recovery.
func (s *Session) Complete(enriched string, now time.Time) error {
	if s.Phase != PhaseIntegrating && s.Phase != PhaseError {
		return fmt.Errorf("complete in %s: %w", s.Phase, ErrInvalidTransition)
	}
	if enriched == "" {
		enriched = s.OriginalTranscript
	}
	s.EnrichedTranscript = enriched
	s.ErrorMessage = ""
	s.Phase = PhaseCompleted
	s.CompletedAt = now
	return nil
}

func (s *Session) appendQuestions(texts []string, iteration int, now time.Time) []Question {
	var appended []Question
	for _, text := range texts {
		if text == "" {
			continue
		}
		q := Question{
			ID:        uuid.NewString(),
			Text:      text,
			Iteration: iteration,
			CreatedAt: now,
		}
		s.Questions = append(s.Questions, q)
		appended = append(appended, q)
	}
	return appended
}

// Snapshot is the observable state emitted after every controller command.
type Snapshot struct {
	ID                 string     `json:"id"`
	Phase              Phase      `json:"phase"`
	OriginalTranscript string     `json:"original_transcript"`
	EnrichedTranscript string     `json:"enriched_transcript,omitempty"`
	Questions          []Question `json:"questions"`
	Round              int        `json:"round"`
	SelectedID         string     `json:"selected_id,omitempty"`
	ErrorMessage       string     `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Snapshot copies the current state for observers.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:                 s.ID,
		Phase:              s.Phase,
		OriginalTranscript: s.OriginalTranscript,
		EnrichedTranscript: s.EnrichedTranscript,
		Questions:          append([]Question(nil), s.Questions...),
		Round:              s.Round(),
		SelectedID:         s.SelectedID,
		ErrorMessage:       s.ErrorMessage,
		CreatedAt:          s.CreatedAt,
	}
	if !s.CompletedAt.IsZero() {
		t := s.CompletedAt
		snap.CompletedAt = &t
	}
	return snap
}
