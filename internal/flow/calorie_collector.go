package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MealPipe/internal/calc"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// CalorieCollector runs the automatic calorie-calculation stage: it loads the
// persisted metrics, runs the pure calculation engine, persists the result
// and binds it into the session. No user input is involved.
type CalorieCollector struct {
	session  *models.ConversationSession
	store    store.Store
	complete bool
}

// NewCalorieCollector creates the calorie-calculation-stage collector.
func NewCalorieCollector(session *models.ConversationSession, st store.Store) *CalorieCollector {
	return &CalorieCollector{session: session, store: st}
}

func (c *CalorieCollector) Stage() models.Stage { return models.StageCalorieCalculation }

func (c *CalorieCollector) Prompt() string {
	return "Crunching your numbers..."
}

// Run executes the stage action on entry.
func (c *CalorieCollector) Run(ctx context.Context) (string, error) {
	if c.session.UserID == "" {
		return "", models.ErrNoActiveUser
	}
	metrics, err := c.store.GetMetrics(ctx, c.session.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load metrics for calculation: %w", err)
	}
	if metrics == nil {
		return "", fmt.Errorf("no metrics on record for user %s", c.session.UserID)
	}

	result := calc.CalculateAll(calc.Inputs{
		HeightInches:  metrics.HeightInches,
		WeightPounds:  metrics.WeightPounds,
		AgeYears:      metrics.AgeYears,
		Sex:           metrics.Sex,
		ActivityLevel: metrics.ActivityLevel,
		Goal:          metrics.Goal,
	})
	result.UserID = c.session.UserID

	if err := c.store.SaveCalorieResult(ctx, result); err != nil {
		return "", fmt.Errorf("failed to save calorie result: %w", err)
	}

	c.session.CalorieResult = &result
	c.complete = true
	slog.Info("CalorieCollector complete", "conversationID", c.session.ConversationID,
		"bmr", result.BMR, "tdee", result.TDEE)

	return fmt.Sprintf(
		"Here are your targets: BMR %d kcal, TDEE %d kcal. Weekdays: %d kcal. Weekends: %d kcal.",
		result.BMR, result.TDEE, result.WeekdayCalories, result.WeekendCalories), nil
}

func (c *CalorieCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	return false, selectOptionHint
}

func (c *CalorieCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	return false, c.Prompt()
}

func (c *CalorieCollector) IsComplete() bool { return c.complete }
