// Package models defines session state for one onboarding run.
package models

import (
	"time"
)

// StageAnswer is one validated, normalized field of user input. It is only
// added to the session after passing its stage's validator; an invalid answer
// never mutates session state.
type StageAnswer struct {
	Field      string      `json:"field"`
	RawText    string      `json:"raw_text"`
	Normalized interface{} `json:"normalized"`
	AnsweredAt time.Time   `json:"answered_at"`
}

// ConversationSession identifies one onboarding run. It lives only in process
// memory and is owned exclusively by the orchestrator; collectors read and
// write only their own stage's slice of the data bag.
type ConversationSession struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	CurrentStage   Stage  `json:"current_stage"`

	// Answers accumulates validated input per stage.
	Answers map[Stage][]StageAnswer `json:"answers"`

	// Results bound during automatic stages.
	CalorieResult  *CalorieCalculationResult `json:"calorie_result,omitempty"`
	MealPlanID     string                    `json:"meal_plan_id,omitempty"`
	ShoppingListID string                    `json:"shopping_list_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversationSession creates a fresh session positioned at the first stage.
func NewConversationSession(id, conversationID, userID string) *ConversationSession {
	now := time.Now()
	return &ConversationSession{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		CurrentStage:   StageIdentity,
		Answers:        make(map[Stage][]StageAnswer),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordAnswer appends a validated answer to the session's data bag for the
// given stage. Callers must validate before recording.
func (s *ConversationSession) RecordAnswer(stage Stage, field, raw string, normalized interface{}) {
	s.Answers[stage] = append(s.Answers[stage], StageAnswer{
		Field:      field,
		RawText:    raw,
		Normalized: normalized,
		AnsweredAt: time.Now(),
	})
	s.UpdatedAt = time.Now()
}

// Snapshot returns a deep copy that is safe to read or marshal while the
// owning orchestrator keeps mutating the original.
func (s *ConversationSession) Snapshot() *ConversationSession {
	out := *s
	out.Answers = make(map[Stage][]StageAnswer, len(s.Answers))
	for stage, answers := range s.Answers {
		out.Answers[stage] = append([]StageAnswer(nil), answers...)
	}
	if s.CalorieResult != nil {
		result := *s.CalorieResult
		out.CalorieResult = &result
	}
	return &out
}

// Answer returns the most recent answer recorded for a field in a stage.
func (s *ConversationSession) Answer(stage Stage, field string) (StageAnswer, bool) {
	answers := s.Answers[stage]
	for i := len(answers) - 1; i >= 0; i-- {
		if answers[i].Field == field {
			return answers[i], true
		}
	}
	return StageAnswer{}, false
}

// Validate checks the identifiers required before any persistence call.
func (s *ConversationSession) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if s.ConversationID == "" {
		return ErrEmptyConversationID
	}
	return nil
}
