package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// Meal-plan collector sub-states. Generation is push-driven; after a plan is
// produced the collector waits for an approve / request-changes decision. The
// revision loop stays in this stage and updates the same artifact.
const (
	planStateGenerating    = "generating"
	planStateAwaitApproval = "await_approval"
	planStateAwaitChanges  = "await_changes"
	planStateDone          = "done"
)

// Approval decision options.
const (
	OptionApprove        = "approve"
	OptionRequestChanges = "request_changes"
)

// MealPlanCollector drives the meal-plan generation stage through the
// pipeline and owns the approval/revision loop.
type MealPlanCollector struct {
	session  *models.ConversationSession
	store    store.Store
	pipeline *Pipeline
	subState string
}

// NewMealPlanCollector creates the meal-plan-stage collector.
func NewMealPlanCollector(session *models.ConversationSession, st store.Store, pipeline *Pipeline) *MealPlanCollector {
	return &MealPlanCollector{
		session:  session,
		store:    st,
		pipeline: pipeline,
		subState: planStateGenerating,
	}
}

func (c *MealPlanCollector) Stage() models.Stage { return models.StageMealPlanCreation }

func (c *MealPlanCollector) Prompt() string {
	switch c.subState {
	case planStateGenerating:
		return "Putting your meal plan together. This can take a couple of minutes..."
	case planStateAwaitApproval:
		return "Your meal plan is ready! Approve it, or request changes."
	case planStateAwaitChanges:
		return "What would you like to change about the plan?"
	}
	return ""
}

// Run generates the plan through the pipeline on stage entry.
func (c *MealPlanCollector) Run(ctx context.Context) (string, error) {
	req, err := buildPlanRequest(ctx, c.store, c.session)
	if err != nil {
		return "", err
	}

	plan, err := c.pipeline.GenerateMealPlan(ctx, c.session.ConversationID, c.session.UserID, req)
	if err != nil {
		return "", err
	}

	c.session.MealPlanID = plan.ID
	c.subState = planStateAwaitApproval
	slog.Info("MealPlanCollector plan ready", "conversationID", c.session.ConversationID,
		"mealPlanID", plan.ID, "revision", plan.Revision)
	return c.Prompt(), nil
}

func (c *MealPlanCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	if c.subState != planStateAwaitChanges {
		return false, selectOptionHint
	}

	changeText := strings.TrimSpace(text)
	if changeText == "" {
		return false, "Tell me what you'd like changed."
	}

	changes := models.MealPlanChangeSet{
		MealPlanID: c.session.MealPlanID,
		Changes:    changeText,
	}
	req, err := buildPlanRequest(ctx, c.store, c.session)
	if err != nil {
		slog.Error("MealPlanCollector revision context load failed", "error", err,
			"conversationID", c.session.ConversationID)
		return false, "I couldn't load your profile for the revision. Please try again."
	}

	plan, err := c.pipeline.ReviseMealPlan(ctx, c.session.ConversationID, c.session.UserID, req, changes)
	if err != nil {
		slog.Error("MealPlanCollector revision failed", "error", err,
			"conversationID", c.session.ConversationID)
		return false, "The revision didn't go through. You can describe the change again to retry."
	}

	// Same artifact, new revision: the stage does not advance.
	c.session.MealPlanID = plan.ID
	c.subState = planStateAwaitApproval
	return true, fmt.Sprintf("Done, that's revision %d. %s", plan.Revision, c.Prompt())
}

func (c *MealPlanCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	if c.subState != planStateAwaitApproval {
		return false, c.Prompt()
	}

	switch strings.ToLower(strings.TrimSpace(option)) {
	case OptionApprove:
		if err := c.pipeline.ApproveMealPlan(ctx, c.session.ConversationID, c.session.MealPlanID); err != nil {
			slog.Error("MealPlanCollector approval failed", "error", err,
				"conversationID", c.session.ConversationID)
			return false, "Approving the plan didn't go through. Please try approving again."
		}
		c.subState = planStateDone
		return true, "Plan approved!"

	case OptionRequestChanges, "request changes":
		c.subState = planStateAwaitChanges
		return true, c.Prompt()
	}
	return false, "Approve the plan, or request changes."
}

func (c *MealPlanCollector) IsComplete() bool { return c.subState == planStateDone }

// buildPlanRequest assembles the planner context from the persisted stage
// payloads. Missing rows are precondition failures, not retryable errors.
func buildPlanRequest(ctx context.Context, st store.Store, session *models.ConversationSession) (genai.PlanRequest, error) {
	var req genai.PlanRequest

	identity, err := st.GetIdentity(ctx, session.UserID)
	if err != nil {
		return req, fmt.Errorf("failed to load identity: %w", err)
	}
	metrics, err := st.GetMetrics(ctx, session.UserID)
	if err != nil {
		return req, fmt.Errorf("failed to load metrics: %w", err)
	}
	prefs, err := st.GetDietPreferences(ctx, session.UserID)
	if err != nil {
		return req, fmt.Errorf("failed to load diet preferences: %w", err)
	}
	targets, err := st.GetCalorieResult(ctx, session.UserID)
	if err != nil {
		return req, fmt.Errorf("failed to load calorie result: %w", err)
	}
	if identity == nil || metrics == nil || prefs == nil || targets == nil {
		return req, models.ErrNoActiveUser
	}

	req.Identity = *identity
	req.Metrics = *metrics
	req.Prefs = *prefs
	req.Targets = *targets
	return req, nil
}
