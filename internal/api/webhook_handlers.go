// Package api provides webhook handlers for the AI-backend-driven stage
// variant, where the conversational backend posts run completions and tool
// calls instead of the session endpoints routing raw text.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// runCompletedHandler handles POST /webhooks/run-completed. The notification
// must carry a valid stage tag; when a live session exists, the tag must also
// match its current stage.
func (s *Server) runCompletedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.runCompletedHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var n models.RunCompletedNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		slog.Warn("Server.runCompletedHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := n.Validate(); err != nil {
		slog.Warn("Server.runCompletedHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if orch, ok := s.orchestrator(n.ConversationID); ok {
		if current := orch.Session().CurrentStage; current != n.StageTag {
			slog.Warn("Server.runCompletedHandler: stage tag mismatch",
				"conversationID", n.ConversationID, "tag", n.StageTag, "current", current)
			writeJSONResponse(w, http.StatusConflict, models.Error("Stage tag does not match the active stage"))
			return
		}
	}

	slog.Info("Server.runCompletedHandler: run recorded",
		"conversationID", n.ConversationID, "stage", n.StageTag,
		"messageLength", len(n.AssistantMessage))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Run recorded", nil))
}

// toolCallHandler handles POST /webhooks/tool-call. The stage tag selects the
// tool handler; the handler validates the structured arguments, persists them
// through the store, and returns a ToolResult relayed back to the backend.
// Handler failures are reported inside the ToolResult, not as HTTP errors.
func (s *Server) toolCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.toolCallHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var n models.ToolCallNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		slog.Warn("Server.toolCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := n.Validate(); err != nil {
		slog.Warn("Server.toolCallHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	handler, ok := s.toolHandlerFor(n.StageTag)
	if !ok {
		slog.Warn("Server.toolCallHandler: no tool handler for stage", "stage", n.StageTag)
		writeJSONResponse(w, http.StatusBadRequest,
			models.Error(fmt.Sprintf("No tool handler for stage %s", n.StageTag)))
		return
	}

	result := handler(r.Context(), n)
	slog.Info("Server.toolCallHandler: tool call handled",
		"conversationID", n.ConversationID, "stage", n.StageTag,
		"tool", n.ToolName, "success", result.Success)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// toolHandler validates and persists one stage's structured payload.
type toolHandler func(ctx context.Context, n models.ToolCallNotification) models.ToolResult

// toolHandlerFor maps a stage tag to its tool handler. Only the input-driven
// stages expose tools; automatic stages are driven by the pipeline.
func (s *Server) toolHandlerFor(stage models.Stage) (toolHandler, bool) {
	switch stage {
	case models.StageIdentity:
		return s.saveIdentityTool, true
	case models.StageMetrics:
		return s.saveMetricsTool, true
	case models.StageDietPreferences:
		return s.saveDietPreferencesTool, true
	default:
		return nil, false
	}
}

// toolFailure builds the failure result relayed back to the backend.
func toolFailure(toolCallID string, err error) models.ToolResult {
	return models.ToolResult{ToolCallID: toolCallID, Success: false, Message: err.Error()}
}

// saveIdentityArgs is the structured payload of the identity save tool.
type saveIdentityArgs struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) saveIdentityTool(ctx context.Context, n models.ToolCallNotification) models.ToolResult {
	var args saveIdentityArgs
	if err := json.Unmarshal(n.Arguments, &args); err != nil {
		return toolFailure(n.ToolCallID, fmt.Errorf("invalid arguments: %w", err))
	}

	now := time.Now()
	identity := models.UserIdentity{
		UserID:    args.UserID,
		Name:      args.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := identity.Validate(); err != nil {
		return toolFailure(n.ToolCallID, err)
	}
	if err := s.st.SaveIdentity(ctx, identity); err != nil {
		slog.Error("Server.saveIdentityTool: save failed", "error", err, "userID", args.UserID)
		return toolFailure(n.ToolCallID, fmt.Errorf("failed to save identity: %w", err))
	}
	return models.ToolResult{
		ToolCallID: n.ToolCallID,
		Success:    true,
		Message:    fmt.Sprintf("Saved name for user %s", args.UserID),
	}
}

// saveMetricsArgs is the structured payload of the metrics save tool.
// Activity level and goal arrive as selection labels.
type saveMetricsArgs struct {
	UserID        string  `json:"user_id"`
	HeightInches  float64 `json:"height_inches"`
	WeightPounds  float64 `json:"weight_pounds"`
	AgeYears      int     `json:"age_years"`
	Sex           string  `json:"sex"`
	ActivityLevel string  `json:"activity_level"`
	Goal          string  `json:"goal"`
}

func (s *Server) saveMetricsTool(ctx context.Context, n models.ToolCallNotification) models.ToolResult {
	var args saveMetricsArgs
	if err := json.Unmarshal(n.Arguments, &args); err != nil {
		return toolFailure(n.ToolCallID, fmt.Errorf("invalid arguments: %w", err))
	}

	goal, err := models.ParseFitnessGoal(args.Goal)
	if err != nil {
		return toolFailure(n.ToolCallID, err)
	}
	now := time.Now()
	metrics := models.BodyMetrics{
		UserID:        args.UserID,
		HeightInches:  args.HeightInches,
		WeightPounds:  args.WeightPounds,
		AgeYears:      args.AgeYears,
		Sex:           models.Sex(args.Sex),
		ActivityLevel: models.ParseActivityLevel(args.ActivityLevel),
		Goal:          goal,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := metrics.Validate(); err != nil {
		return toolFailure(n.ToolCallID, err)
	}
	if err := s.st.SaveMetrics(ctx, metrics); err != nil {
		slog.Error("Server.saveMetricsTool: save failed", "error", err, "userID", args.UserID)
		return toolFailure(n.ToolCallID, fmt.Errorf("failed to save metrics: %w", err))
	}
	return models.ToolResult{
		ToolCallID: n.ToolCallID,
		Success:    true,
		Message:    fmt.Sprintf("Saved body metrics for user %s", args.UserID),
	}
}

// saveDietPreferencesArgs is the structured payload of the diet-preferences
// save tool.
type saveDietPreferencesArgs struct {
	UserID        string   `json:"user_id"`
	DietType      string   `json:"diet_type"`
	Allergies     []string `json:"allergies"`
	Dislikes      []string `json:"dislikes"`
	IncludeSnacks bool     `json:"include_snacks"`
	SnackNames    []string `json:"snack_names"`
	FavoriteMeals []string `json:"favorite_meals"`
}

func (s *Server) saveDietPreferencesTool(ctx context.Context, n models.ToolCallNotification) models.ToolResult {
	var args saveDietPreferencesArgs
	if err := json.Unmarshal(n.Arguments, &args); err != nil {
		return toolFailure(n.ToolCallID, fmt.Errorf("invalid arguments: %w", err))
	}

	now := time.Now()
	prefs := models.DietPreferences{
		UserID:        args.UserID,
		DietType:      args.DietType,
		Allergies:     args.Allergies,
		Dislikes:      args.Dislikes,
		IncludeSnacks: args.IncludeSnacks,
		SnackNames:    args.SnackNames,
		FavoriteMeals: args.FavoriteMeals,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := prefs.Validate(); err != nil {
		return toolFailure(n.ToolCallID, err)
	}
	if err := s.st.SaveDietPreferences(ctx, prefs); err != nil {
		slog.Error("Server.saveDietPreferencesTool: save failed", "error", err, "userID", args.UserID)
		return toolFailure(n.ToolCallID, fmt.Errorf("failed to save diet preferences: %w", err))
	}
	return models.ToolResult{
		ToolCallID: n.ToolCallID,
		Success:    true,
		Message:    fmt.Sprintf("Saved diet preferences for user %s", args.UserID),
	}
}
