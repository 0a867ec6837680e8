// Package llm hosts the question-generation and answer-integration side of
// the reflect dialogue: the QuestionGenerator contract consumed by the
// session controller plus the concrete Anthropic-messages adapter.
package llm

import "context"

// QA is one answered question, ordered chronologically when passed in a
// history slice.
type QA struct {
	Question string
	Answer   string
}

// QuestionGenerator produces clarifying questions and the final enriched
// document from a language model. Implementations translate remote
// failures into plain errors; callers decide whether a failure is fatal.
type QuestionGenerator interface {
	// GenerateInitialQuestions returns 2-3 clarifying questions for a raw
	// transcript. An empty result is valid: nothing needed clarification.
	GenerateInitialQuestions(ctx context.Context, transcript string) ([]string, error)

	// GenerateFollowUpQuestions returns deeper questions given the dialogue
	// so far. A "dialogue complete" verdict from the model maps to an empty
	// result.
	GenerateFollowUpQuestions(ctx context.Context, transcript string, history []QA) ([]string, error)

	// Integrate merges the answered dialogue back into one document. With an
	// empty history it returns the transcript unchanged without a remote
	// call, so integration always terminates in a finite document.
	Integrate(ctx context.Context, transcript string, history []QA) (string, error)
}
