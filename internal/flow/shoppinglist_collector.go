package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// ShoppingListCollector drives the automatic shopping-list generation stage.
type ShoppingListCollector struct {
	session  *models.ConversationSession
	store    store.Store
	pipeline *Pipeline
	complete bool
}

// NewShoppingListCollector creates the shopping-list-stage collector.
func NewShoppingListCollector(session *models.ConversationSession, st store.Store, pipeline *Pipeline) *ShoppingListCollector {
	return &ShoppingListCollector{session: session, store: st, pipeline: pipeline}
}

func (c *ShoppingListCollector) Stage() models.Stage { return models.StageShoppingList }

func (c *ShoppingListCollector) Prompt() string {
	return "Building your shopping list..."
}

// Run derives the shopping list from the approved plan on stage entry.
func (c *ShoppingListCollector) Run(ctx context.Context) (string, error) {
	if c.session.MealPlanID == "" {
		return "", models.ErrArtifactNotFound
	}
	plan, err := c.store.GetMealPlan(ctx, c.session.MealPlanID)
	if err != nil {
		return "", fmt.Errorf("failed to load meal plan: %w", err)
	}
	if plan == nil {
		return "", models.ErrArtifactNotFound
	}

	list, err := c.pipeline.GenerateShoppingList(ctx, c.session.ConversationID, c.session.UserID, *plan)
	if err != nil {
		return "", err
	}

	c.session.ShoppingListID = list.ID
	c.complete = true
	slog.Info("ShoppingListCollector list ready", "conversationID", c.session.ConversationID,
		"shoppingListID", list.ID, "items", len(list.Items))
	return fmt.Sprintf("Your shopping list is ready with %d items.", len(list.Items)), nil
}

func (c *ShoppingListCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	return false, selectOptionHint
}

func (c *ShoppingListCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	return false, c.Prompt()
}

func (c *ShoppingListCollector) IsComplete() bool { return c.complete }

// FinalizationCollector is the terminal stage. It completes on entry; its
// prompt is the closing message of the onboarding run.
type FinalizationCollector struct {
	session *models.ConversationSession
}

// NewFinalizationCollector creates the terminal-stage collector.
func NewFinalizationCollector(session *models.ConversationSession) *FinalizationCollector {
	return &FinalizationCollector{session: session}
}

func (c *FinalizationCollector) Stage() models.Stage { return models.StageFinalization }

func (c *FinalizationCollector) Prompt() string {
	return "You're all set! Your meal plan and shopping list are saved."
}

func (c *FinalizationCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	return false, ""
}

func (c *FinalizationCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	return false, ""
}

func (c *FinalizationCollector) IsComplete() bool { return true }
