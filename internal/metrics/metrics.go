package metrics

import "sync/atomic"

// Metrics captures shared operational counters for sessions, questions,
// and transcription cycles.
type Metrics struct {
	sessionsStarted   int64
	sessionsCompleted int64

	questionsGenerated int64
	questionsAnswered  int64
	followUpFailures   int64

	transcriptionsOK     int64
	transcriptionsFailed int64
}

// Snapshot provides a consistent view of the current counters.
type Snapshot struct {
	SessionsStarted      int64 `json:"sessions_started"`
	SessionsCompleted    int64 `json:"sessions_completed"`
	QuestionsGenerated   int64 `json:"questions_generated"`
	QuestionsAnswered    int64 `json:"questions_answered"`
	FollowUpFailures     int64 `json:"follow_up_failures"`
	TranscriptionsOK     int64 `json:"transcriptions_ok"`
	TranscriptionsFailed int64 `json:"transcriptions_failed"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) SessionStarted()   { atomic.AddInt64(&m.sessionsStarted, 1) }
func (m *Metrics) SessionCompleted() { atomic.AddInt64(&m.sessionsCompleted, 1) }

func (m *Metrics) QuestionsGenerated(n int) { atomic.AddInt64(&m.questionsGenerated, int64(n)) }
func (m *Metrics) QuestionAnswered()        { atomic.AddInt64(&m.questionsAnswered, 1) }
func (m *Metrics) FollowUpFailed()          { atomic.AddInt64(&m.followUpFailures, 1) }

// RecordTranscription increments the success/failure counters.
func (m *Metrics) RecordTranscription(err error) {
	if err != nil {
		atomic.AddInt64(&m.transcriptionsFailed, 1)
		return
	}
	atomic.AddInt64(&m.transcriptionsOK, 1)
}

// Snapshot returns a read-only view of the counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SessionsStarted:      atomic.LoadInt64(&m.sessionsStarted),
		SessionsCompleted:    atomic.LoadInt64(&m.sessionsCompleted),
		QuestionsGenerated:   atomic.LoadInt64(&m.questionsGenerated),
		QuestionsAnswered:    atomic.LoadInt64(&m.questionsAnswered),
		FollowUpFailures:     atomic.LoadInt64(&m.followUpFailures),
		TranscriptionsOK:     atomic.LoadInt64(&m.transcriptionsOK),
		TranscriptionsFailed: atomic.LoadInt64(&m.transcriptionsFailed),
	}
}
