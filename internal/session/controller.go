package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"reflect_framework/internal/config"
	"reflect_framework/internal/events"
	"reflect_framework/internal/llm"
	"reflect_framework/internal/metrics"
	"reflect_framework/internal/store"
)

// Transcriber turns recorded answer audio into text. Satisfied by
// transcription.Poller.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

var (
	ErrEmptyTranscript = errors.New("empty transcript")
	ErrSessionNotFound = errors.New("session not found")
)

// Controller orchestrates session transitions against the question
// generator and the transcription poller. Commands against one session are
// strictly serialized; independent sessions run in parallel. The controller
// never mutates session state directly: every transition goes through the
// Session methods, then gets committed to the store.
type Controller struct {
	generator   llm.QuestionGenerator
	transcriber Transcriber
	store       *store.Store
	bus         *events.Bus
	metrics     *metrics.Metrics
	maxRounds   int

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

func NewController(
	generator llm.QuestionGenerator,
	transcriber Transcriber,
	st *store.Store,
	bus *events.Bus,
	m *metrics.Metrics,
	cfg config.ReflectConfig,
) *Controller {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}
	return &Controller{
		generator:   generator,
		transcriber: transcriber,
		store:       st,
		bus:         bus,
		metrics:     m,
		maxRounds:   maxRounds,
		sessions:    make(map[string]*entry),
	}
}

// StartSession creates a session for a transcript and loads the initial
// question batch. Generator failure is encoded as the Error phase in the
// returned snapshot, not as an error.
func (c *Controller) StartSession(ctx context.Context, transcript string) (Snapshot, error) {
	if transcript == "" {
		return Snapshot{}, ErrEmptyTranscript
	}

	s := New(transcript, config.Now())
	if err := c.store.InsertSession(ctx, store.Session{
		ID:                 s.ID,
		OriginalTranscript: s.OriginalTranscript,
		CreatedAt:          s.CreatedAt,
	}); err != nil {
		return Snapshot{}, fmt.Errorf("persist session: %w", err)
	}

	e := &entry{s: s}
	c.mu.Lock()
	c.sessions[s.ID] = e
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	c.metrics.SessionStarted()
	c.loadQuestions(ctx, s)
	return c.emit(s), nil
}

// Retry re-runs initial question generation from the Error phase.
func (c *Controller) Retry(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Phase != PhaseError {
		return Snapshot{}, fmt.Errorf("retry in %s: %w", e.s.Phase, ErrInvalidTransition)
	}
	c.loadQuestions(ctx, e.s)
	return c.emit(e.s), nil
}

// AcceptOriginal completes an errored session with its original transcript,
// so even total API failure still yields a usable document.
func (c *Controller) AcceptOriginal(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Phase != PhaseError {
		return Snapshot{}, fmt.Errorf("accept original in %s: %w", e.s.Phase, ErrInvalidTransition)
	}
	c.complete(ctx, e.s, e.s.OriginalTranscript)
	return c.emit(e.s), nil
}

// SelectQuestion marks the active question for the next answer.
func (c *Controller) SelectQuestion(ctx context.Context, sessionID, questionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.s.SelectQuestion(questionID); err != nil {
		return Snapshot{}, err
	}
	return c.emit(e.s), nil
}

// SubmitTextAnswer answers the selected question with typed text and
// unconditionally runs follow-up generation.
func (c *Controller) SubmitTextAnswer(ctx context.Context, sessionID, text string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.applyAnswer(ctx, e.s, text, SourceText); err != nil {
		return Snapshot{}, err
	}
	return c.emit(e.s), nil
}

// StartVoiceAnswer enters the recording sub-flow for the selection.
func (c *Controller) StartVoiceAnswer(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.s.BeginRecordingAnswer(); err != nil {
		return Snapshot{}, err
	}
	return c.emit(e.s), nil
}

// CancelVoiceAnswer aborts an in-flight recording; nothing was submitted,
// the question stays unanswered and selected.
func (c *Controller) CancelVoiceAnswer(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.s.CancelRecordingAnswer(); err != nil {
		return Snapshot{}, err
	}
	return c.emit(e.s), nil
}

// SubmitVoiceAnswer transcribes the recorded audio and feeds the text into
// the same answer path as typed answers. On transcription failure the audio
// is discarded, the question stays unanswered and selectable, and the error
// is returned so the caller can offer a retry.
func (c *Controller) SubmitVoiceAnswer(ctx context.Context, sessionID, audioPath string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s

	if s.Phase == PhaseShowingQuestions {
		if err := s.BeginRecordingAnswer(); err != nil {
			return Snapshot{}, err
		}
	}
	if err := s.BeginTranscribingAnswer(); err != nil {
		return Snapshot{}, err
	}

	text, err := c.transcriber.Transcribe(ctx, audioPath)
	c.metrics.RecordTranscription(err)
	if err != nil {
		s.FailTranscription()
		log.Printf("session=%s voice answer discarded: %v", s.ID, err)
		c.publish(s)
		return s.Snapshot(), fmt.Errorf("transcribe answer: %w", err)
	}

	if err := c.applyAnswer(ctx, s, text, SourceAudio); err != nil {
		return Snapshot{}, err
	}
	return c.emit(s), nil
}

// EndSession integrates all answers into the enriched transcript. Ending
// always produces a usable document: integrator failure falls back to the
// original transcript, and a session without answers skips the remote call
// entirely.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s

	if err := s.BeginIntegrating(); err != nil {
		return Snapshot{}, err
	}

	enriched := s.OriginalTranscript
	if history := qaHistory(s); len(history) > 0 {
		text, err := c.generator.Integrate(ctx, s.OriginalTranscript, history)
		if err != nil {
			log.Printf("session=%s integration failed, keeping original: %v", s.ID, err)
		} else {
			enriched = text
		}
	}

	c.complete(ctx, s, enriched)
	return c.emit(s), nil
}

// GetSession returns the live snapshot, resurrecting completed or answered
// sessions from the store after a restart.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (Snapshot, error) {
	e, err := c.getEntry(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Snapshot(), nil
}

func (c *Controller) loadQuestions(ctx context.Context, s *Session) {
	if err := s.BeginLoading(); err != nil {
		return
	}
	texts, err := c.generator.GenerateInitialQuestions(ctx, s.OriginalTranscript)
	if err != nil {
		log.Printf("session=%s initial questions failed: %v", s.ID, err)
		s.Fail(err.Error())
		return
	}
	if len(texts) == 0 {
		// Nothing needed clarification: the dialogue ends immediately with
		// the original transcript as the document.
		_ = s.SeedQuestions(nil, config.Now())
		_ = s.BeginIntegrating()
		c.complete(ctx, s, s.OriginalTranscript)
		return
	}
	if err := s.SeedQuestions(texts, config.Now()); err != nil {
		return
	}
	c.persistQuestions(ctx, s.ID, s.Questions)
	c.metrics.QuestionsGenerated(len(texts))
}

func (c *Controller) applyAnswer(ctx context.Context, s *Session, text string, source AnswerSource) error {
	questionID, err := s.SubmitAnswer(text, source)
	if err != nil {
		return err
	}
	stored := s.question(questionID).Answer
	if err := c.store.AnswerQuestion(ctx, questionID, stored, string(source)); err != nil {
		log.Printf("session=%s persist answer %s: %v", s.ID, questionID, err)
	}
	c.metrics.QuestionAnswered()
	c.followUp(ctx, s)
	return nil
}

// followUp runs after every single answer; its failures and empty results
// are absorbed, since the user already holds a valid answered set.
func (c *Controller) followUp(ctx context.Context, s *Session) {
	if err := s.BeginFollowUp(); err != nil {
		return
	}
	var texts []string
	if s.Round() >= c.maxRounds {
		log.Printf("session=%s round cap %d reached, skipping follow-up", s.ID, c.maxRounds)
	} else {
		var err error
		texts, err = c.generator.GenerateFollowUpQuestions(ctx, s.OriginalTranscript, qaHistory(s))
		if err != nil {
			log.Printf("session=%s follow-up failed: %v", s.ID, err)
			c.metrics.FollowUpFailed()
			texts = nil
		}
	}
	appended := s.FinishFollowUp(texts, config.Now())
	if len(appended) > 0 {
		c.persistQuestions(ctx, s.ID, appended)
		c.metrics.QuestionsGenerated(len(appended))
	}
}

func (c *Controller) complete(ctx context.Context, s *Session, enriched string) {
	if err := s.Complete(enriched, config.Now()); err != nil {
		return
	}
	if err := c.store.CompleteSession(ctx, s.ID, s.EnrichedTranscript, s.CompletedAt); err != nil {
		log.Printf("session=%s persist completion: %v", s.ID, err)
	}
	c.metrics.SessionCompleted()
}

func (c *Controller) persistQuestions(ctx context.Context, sessionID string, questions []Question) {
	records := make([]store.Question, 0, len(questions))
	for _, q := range questions {
		rec := store.Question{
			ID:        q.ID,
			SessionID: sessionID,
			Question:  q.Text,
			Iteration: q.Iteration,
			CreatedAt: q.CreatedAt,
		}
		if q.Answered() {
			answer := q.Answer
			source := string(q.AnswerSource)
			rec.Answer = &answer
			rec.AnswerSource = &source
		}
		records = append(records, rec)
	}
	if err := c.store.InsertQuestions(ctx, records); err != nil {
		log.Printf("session=%s persist questions: %v", sessionID, err)
	}
}

func (c *Controller) getEntry(ctx context.Context, sessionID string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	s, err := c.restore(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[sessionID]; ok {
		return e, nil
	}
	e := &entry{s: s}
	c.sessions[sessionID] = e
	return e, nil
}

// restore rebuilds a session from persisted terminal/answer data after a
// process restart. Live phase is not persisted; an unfinished session comes
// back at the question list.
func (c *Controller) restore(ctx context.Context, sessionID string) (*Session, error) {
	rec, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	questions, err := c.store.ListQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:                 rec.ID,
		OriginalTranscript: rec.OriginalTranscript,
		Phase:              PhaseShowingQuestions,
		CreatedAt:          rec.CreatedAt,
	}
	for _, q := range questions {
		question := Question{
			ID:        q.ID,
			Text:      q.Question,
			Iteration: q.Iteration,
			CreatedAt: q.CreatedAt,
		}
		if q.Answer != nil {
			question.Answer = *q.Answer
		}
		if q.AnswerSource != nil {
			question.AnswerSource = AnswerSource(*q.AnswerSource)
		}
		s.Questions = append(s.Questions, question)
	}
	if rec.Completed {
		s.Phase = PhaseCompleted
		if rec.EnrichedTranscript != nil {
			s.EnrichedTranscript = *rec.EnrichedTranscript
		}
		if rec.CompletedAt != nil {
			s.CompletedAt = *rec.CompletedAt
		}
	}
	return s, nil
}

func (c *Controller) emit(s *Session) Snapshot {
	c.publish(s)
	return s.Snapshot()
}

func (c *Controller) publish(s *Session) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.SessionEvent{
		SessionID: s.ID,
		Phase:     string(s.Phase),
		Round:     s.Round(),
		Questions: len(s.Questions),
		Answered:  len(s.Answered()),
		At:        config.Now(),
	})
}

func qaHistory(s *Session) []llm.QA {
	answered := s.Answered()
	history := make([]llm.QA, 0, len(answered))
	for _, q := range answered {
		history = append(history, llm.QA{Question: q.Text, Answer: q.Answer})
	}
	return history
}
