// Package genai provides GenAI-backed generation using the OpenAI API.
//
// This file implements structured meal-plan and shopping-list generation. The
// model is instructed to emit strict JSON which is parsed and validated before
// any artifact is persisted.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/openai/openai-go"
)

// Planner defines the structured generation operations consumed by the
// generation pipeline.
type Planner interface {
	GenerateMealPlan(ctx context.Context, req PlanRequest) ([]models.PlannedMeal, error)
	ReviseMealPlan(ctx context.Context, req PlanRequest, current []models.PlannedMeal, changes models.MealPlanChangeSet) ([]models.PlannedMeal, error)
	GenerateShoppingList(ctx context.Context, plan models.MealPlan) ([]models.ShoppingListItem, error)
}

// PlanRequest bundles everything the planner needs to produce a meal plan.
type PlanRequest struct {
	Identity models.UserIdentity
	Metrics  models.BodyMetrics
	Prefs    models.DietPreferences
	Targets  models.CalorieCalculationResult
}

const mealPlanSystemPrompt = `You are a meal planning assistant. You produce meal plans as strict JSON with no commentary, no markdown fences, and no trailing text.

Output a JSON object of the form:
{"meals": [{"day": 1, "meal_type": "breakfast", "name": "...", "description": "...", "ingredients": ["..."], "recipe": "...", "protein_grams": 0, "carbs_grams": 0, "fat_grams": 0}]}

Rules:
- Exactly 5 days (day 1 through 5), each with exactly one breakfast, one lunch and one dinner.
- Snacks use meal_type "snack" and day 0; favorite meals use meal_type "favorite" and day 0.
- Respect the calorie and macro targets, diet type, allergies and dislikes given by the user.
- Never include ingredients the user is allergic to.`

const shoppingListSystemPrompt = `You are a meal planning assistant. Given a meal plan, produce its consolidated shopping list as strict JSON with no commentary, no markdown fences, and no trailing text.

Output a JSON object of the form:
{"items": [{"category": "Produce", "ingredient": "spinach", "quantity": 2, "unit": "bunch"}]}

Rules:
- Merge duplicate ingredients across meals into one line with a combined quantity.
- Group items by grocery category (Produce, Protein, Dairy, Grains, Pantry, Frozen, Other).`

// mealPlanPayload is the wire shape the model is instructed to emit.
type mealPlanPayload struct {
	Meals []models.PlannedMeal `json:"meals"`
}

type shoppingListPayload struct {
	Items []models.ShoppingListItem `json:"items"`
}

// GenerateMealPlan produces a fresh 5-day meal plan grid for the request.
func (c *Client) GenerateMealPlan(ctx context.Context, req PlanRequest) ([]models.PlannedMeal, error) {
	slog.Info("Client.GenerateMealPlan generating plan", "userID", req.Metrics.UserID)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(mealPlanSystemPrompt),
		openai.UserMessage(buildPlanPrompt(req)),
	}
	raw, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meal plan: %w", err)
	}
	return parseMeals(raw)
}

// ReviseMealPlan regenerates a plan applying a change set to the current grid.
// The caller updates the existing artifact; this never creates a new one.
func (c *Client) ReviseMealPlan(ctx context.Context, req PlanRequest, current []models.PlannedMeal, changes models.MealPlanChangeSet) ([]models.PlannedMeal, error) {
	slog.Info("Client.ReviseMealPlan revising plan", "userID", req.Metrics.UserID, "mealPlanID", changes.MealPlanID)

	currentJSON, err := json.Marshal(mealPlanPayload{Meals: current})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current plan: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(buildPlanPrompt(req))
	sb.WriteString("\n\nCurrent meal plan:\n")
	sb.Write(currentJSON)
	sb.WriteString("\n\nRequested changes: ")
	sb.WriteString(changes.Changes)
	if len(changes.MealNames) > 0 {
		sb.WriteString("\nReplace these meals: ")
		sb.WriteString(strings.Join(changes.MealNames, ", "))
	}
	if len(changes.AvoidFoods) > 0 {
		sb.WriteString("\nAdditionally avoid: ")
		sb.WriteString(strings.Join(changes.AvoidFoods, ", "))
	}
	if len(changes.PreferFood) > 0 {
		sb.WriteString("\nPrefer: ")
		sb.WriteString(strings.Join(changes.PreferFood, ", "))
	}
	sb.WriteString("\n\nKeep all meals the user did not ask to change. Return the full updated plan.")

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(mealPlanSystemPrompt),
		openai.UserMessage(sb.String()),
	}
	raw, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to revise meal plan: %w", err)
	}
	return parseMeals(raw)
}

// GenerateShoppingList derives a consolidated shopping list from a plan.
func (c *Client) GenerateShoppingList(ctx context.Context, plan models.MealPlan) ([]models.ShoppingListItem, error) {
	slog.Info("Client.GenerateShoppingList generating list", "mealPlanID", plan.ID)

	planJSON, err := json.Marshal(mealPlanPayload{Meals: plan.Meals})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan for shopping list: %w", err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(shoppingListSystemPrompt),
		openai.UserMessage(string(planJSON)),
	}
	raw, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to generate shopping list: %w", err)
	}

	var payload shoppingListPayload
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse shopping list response: %w", err)
	}
	if len(payload.Items) == 0 {
		return nil, fmt.Errorf("generated shopping list is empty")
	}
	return payload.Items, nil
}

// buildPlanPrompt renders the user-specific context the planner needs.
func buildPlanPrompt(req PlanRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a 5-day meal plan for %s.\n", req.Identity.Name)
	fmt.Fprintf(&sb, "Weekday calorie target: %d kcal (protein %d%%, carbs %d%%, fat %d%%).\n",
		req.Targets.WeekdayCalories, req.Targets.WeekdayMacros.ProteinPct, req.Targets.WeekdayMacros.CarbsPct, req.Targets.WeekdayMacros.FatPct)
	fmt.Fprintf(&sb, "Weekend calorie target: %d kcal (protein %d%%, carbs %d%%, fat %d%%).\n",
		req.Targets.WeekendCalories, req.Targets.WeekendMacros.ProteinPct, req.Targets.WeekendMacros.CarbsPct, req.Targets.WeekendMacros.FatPct)
	if req.Prefs.DietType != "" {
		fmt.Fprintf(&sb, "Diet type: %s.\n", req.Prefs.DietType)
	}
	if len(req.Prefs.Allergies) > 0 {
		fmt.Fprintf(&sb, "Allergies (strict): %s.\n", strings.Join(req.Prefs.Allergies, ", "))
	}
	if len(req.Prefs.Dislikes) > 0 {
		fmt.Fprintf(&sb, "Dislikes: %s.\n", strings.Join(req.Prefs.Dislikes, ", "))
	}
	if req.Prefs.IncludeSnacks && len(req.Prefs.SnackNames) > 0 {
		fmt.Fprintf(&sb, "Include these snacks: %s.\n", strings.Join(req.Prefs.SnackNames, ", "))
	}
	if len(req.Prefs.FavoriteMeals) > 0 {
		fmt.Fprintf(&sb, "Work in these favorite meals: %s.\n", strings.Join(req.Prefs.FavoriteMeals, ", "))
	}
	return sb.String()
}

// parseMeals decodes and shape-checks a generated plan payload.
func parseMeals(raw string) ([]models.PlannedMeal, error) {
	var payload mealPlanPayload
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse meal plan response: %w", err)
	}
	probe := models.MealPlan{ConversationID: "probe", Meals: payload.Meals}
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("generated meal plan is malformed: %w", err)
	}
	return payload.Meals, nil
}

// stripCodeFences removes a markdown code fence if the model wrapped its JSON
// in one despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ Planner = (*Client)(nil)
