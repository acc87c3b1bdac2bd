// Package models defines the core data structures for MealPipe.
//
// It includes the onboarding stage enumeration, session state, generated
// artifacts and the API envelope types shared across modules.
package models

import (
	"errors"
)

// Stage identifies one phase of the onboarding conversation.
type Stage string

const (
	// StageIdentity collects the user's name.
	StageIdentity Stage = "IDENTITY"
	// StageMetrics collects height, weight, age, sex and activity level.
	StageMetrics Stage = "METRICS"
	// StageDietPreferences collects diet type, allergies, dislikes and snacks.
	StageDietPreferences Stage = "DIET_PREFERENCES"
	// StageCalorieCalculation derives calorie and macro targets automatically.
	StageCalorieCalculation Stage = "CALORIE_CALCULATION"
	// StageMealPlanCreation generates the meal-plan artifact.
	StageMealPlanCreation Stage = "MEAL_PLAN_CREATION"
	// StageShoppingList generates the shopping-list artifact.
	StageShoppingList Stage = "SHOPPING_LIST"
	// StageFinalization is the terminal stage.
	StageFinalization Stage = "FINALIZATION"
)

// stageOrder fixes the linear progression of onboarding stages.
var stageOrder = []Stage{
	StageIdentity,
	StageMetrics,
	StageDietPreferences,
	StageCalorieCalculation,
	StageMealPlanCreation,
	StageShoppingList,
	StageFinalization,
}

// Error variables for better error handling and testability
var (
	ErrUnknownStage          = errors.New("unknown stage")
	ErrTerminalStage         = errors.New("stage has no successor")
	ErrNoActiveCollector     = errors.New("no active collector")
	ErrSessionFinalized      = errors.New("session already finalized")
	ErrNoActiveUser          = errors.New("no active user for session")
	ErrGenerationInFlight    = errors.New("generation already in flight for conversation")
	ErrGenerationExhausted   = errors.New("generation attempts exhausted")
	ErrArtifactNotFound      = errors.New("artifact not found")
	ErrEmptyConversationID   = errors.New("conversation id cannot be empty")
	ErrEmptyUserID           = errors.New("user id cannot be empty")
	ErrInvalidStageTag       = errors.New("invalid stage tag")
	ErrMissingToolArguments  = errors.New("missing tool arguments")
	ErrCollectorNotAccepting = errors.New("collector is not accepting free-text input")
)

// IsValidStage checks if the given stage is part of the onboarding progression.
func IsValidStage(s Stage) bool {
	return s.Index() >= 0
}

// Index returns the position of the stage in the linear progression, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the successor stage. The terminal stage has none.
func (s Stage) Next() (Stage, error) {
	i := s.Index()
	if i < 0 {
		return "", ErrUnknownStage
	}
	if i == len(stageOrder)-1 {
		return "", ErrTerminalStage
	}
	return stageOrder[i+1], nil
}

// IsAutomatic reports whether the stage runs without user text input. These
// stages are push-driven: the orchestrator invokes the stage action on entry
// and free-text input is disabled until the action completes.
func (s Stage) IsAutomatic() bool {
	switch s {
	case StageCalorieCalculation, StageMealPlanCreation, StageShoppingList:
		return true
	default:
		return false
	}
}

// Stages returns the full ordered progression.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// StageEvent is emitted once per completed stage, optionally carrying the
// stage's result payload (e.g. the calorie result or the meal-plan id).
type StageEvent struct {
	Stage          Stage       `json:"stage"`
	ConversationID string      `json:"conversation_id"`
	Payload        interface{} `json:"payload,omitempty"`
}

// ProgressEvent carries coarse-grained generation progress to UI listeners.
type ProgressEvent struct {
	ConversationID string `json:"conversation_id"`
	Step           string `json:"step,omitempty"`
	Message        string `json:"message,omitempty"`
	Percent        int    `json:"percent"`
	// Synthetic marks events produced by the degraded time-based fallback.
	// Synthetic events must never be treated as a completion signal.
	Synthetic bool `json:"synthetic,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an API request started asynchronous work.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response for asynchronous operations.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}
