package event

import (
	"fmt"
	"strings"
)

// MaxBatchSize caps a batch evaluation request.
const MaxBatchSize = 500

// ValidationError reports malformed input. Events that fail validation never
// enter the pipeline and produce no reason chain.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + strings.Join(e.Problems, "; ")
}

// Validate checks required fields and bounds.
func (e *Event) Validate() error {
	var problems []string
	need := func(field, v string, max int) {
		switch {
		case strings.TrimSpace(v) == "":
			problems = append(problems, field+" is required")
		case max > 0 && len(v) > max:
			problems = append(problems, fmt.Sprintf("%s exceeds %d characters", field, max))
		}
	}
	need("user_id", e.UserID, 64)
	need("event_type", e.EventType, 128)
	need("title", e.Title, 256)
	need("message", e.Message, 0)
	need("source", e.Source, 64)

	if !e.Channel.Valid() {
		problems = append(problems, fmt.Sprintf("channel %q is not one of push, email, sms, in_app", e.Channel))
	}
	if !e.PriorityHint.Valid() {
		problems = append(problems, fmt.Sprintf("priority_hint %q is not one of critical, high, medium, low", e.PriorityHint))
	}
	if len(e.DedupeKey) > 256 {
		problems = append(problems, "dedupe_key exceeds 256 characters")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
