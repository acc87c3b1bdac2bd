// Package flow implements the stage orchestrator, per-stage collectors, the
// resilient generation pipeline and the progress relay.
package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Collector owns one stage's question/validation/persistence sub-flow. The
// orchestrator routes user input to exactly one active collector at a time.
//
// ProcessMessage handles free-text input: it returns true and the next prompt
// when the message satisfied the current question, or false and a user-facing
// error prompt when validation failed. A failed validation never mutates
// session state. SelectOption handles fixed-choice questions (sex, activity
// tier, yes/no), which bypass free-text validation entirely.
//
// A collector persists its stage payload exactly once, at its terminal
// sub-state; only after that durable write does IsComplete report true. A
// failed terminal save re-prompts without advancing the sub-state.
type Collector interface {
	Stage() models.Stage
	Prompt() string
	ProcessMessage(ctx context.Context, text string) (bool, string)
	SelectOption(ctx context.Context, option string) (bool, string)
	IsComplete() bool
}

// autoRunner is implemented by collectors for push-driven stages (calorie
// calculation and the generation stages). The orchestrator invokes Run on
// stage entry without waiting for user text.
type autoRunner interface {
	Run(ctx context.Context) (string, error)
}

// fieldSpec is one declarative free-text question: a prompt, and a validator
// returning the normalized value or a user-facing error message. Validators
// are looked up by the collector's internal sub-state.
type fieldSpec struct {
	prompt   string
	validate func(text string) (interface{}, string)
}

const selectOptionHint = "Please choose one of the offered options."

// parseListAnswer splits a comma-separated answer into trimmed entries.
// "none" and "no" mean an empty list.
func parseListAnswer(text string) []string {
	trimmed := strings.TrimSpace(text)
	switch strings.ToLower(trimmed) {
	case "", "none", "no", "nothing":
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseYesNo interprets a yes/no selection. The second return reports whether
// the input was recognized.
func parseYesNo(text string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "yeah", "sure", "ok":
		return true, true
	case "no", "n", "nope":
		return false, true
	}
	return false, false
}
