package genai

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Tool names exposed to the conversational backend. Each maps to a stage tool
// handler on the webhook surface.
const (
	ToolSaveIdentity        = "save_identity"
	ToolSaveMetrics         = "save_metrics"
	ToolSaveDietPreferences = "save_diet_preferences"
)

// SaveIdentityToolDefinition describes the identity save tool.
func SaveIdentityToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolSaveIdentity,
			Description: openai.String("Save the user's name once it has been collected."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{
						"type":        "string",
						"description": "The id of the user being onboarded",
					},
					"name": map[string]interface{}{
						"type":        "string",
						"description": "The user's preferred name",
					},
				},
				"required": []string{"user_id", "name"},
			},
		},
	}
}

// SaveMetricsToolDefinition describes the body-metrics save tool.
func SaveMetricsToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolSaveMetrics,
			Description: openai.String("Save the user's body metrics once height, weight, age, sex, activity level and goal have all been collected."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{
						"type": "string",
					},
					"height_inches": map[string]interface{}{
						"type":        "number",
						"description": "Height in inches, between 36 and 96",
					},
					"weight_pounds": map[string]interface{}{
						"type":        "number",
						"description": "Weight in pounds, between 50 and 1000",
					},
					"age_years": map[string]interface{}{
						"type":        "integer",
						"description": "Age in years, between 13 and 120",
					},
					"sex": map[string]interface{}{
						"type": "string",
						"enum": []string{"male", "female"},
					},
					"activity_level": map[string]interface{}{
						"type":        "string",
						"description": "Activity tier label",
						"enum":        []string{"Sedentary", "Moderate", "Active", "Very Active", "Extra Active"},
					},
					"goal": map[string]interface{}{
						"type": "string",
						"enum": []string{"maintenance", "lose_weight", "gain_muscle"},
					},
				},
				"required": []string{"user_id", "height_inches", "weight_pounds", "age_years", "sex", "activity_level", "goal"},
			},
		},
	}
}

// SaveDietPreferencesToolDefinition describes the diet-preferences save tool.
func SaveDietPreferencesToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolSaveDietPreferences,
			Description: openai.String("Save the user's diet preferences once diet type, allergies, dislikes, snack choices and favorite meals have been collected."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{
						"type": "string",
					},
					"diet_type": map[string]interface{}{
						"type":        "string",
						"description": "Diet style, e.g. balanced, vegetarian, keto",
					},
					"allergies": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"dislikes": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"include_snacks": map[string]interface{}{
						"type": "boolean",
					},
					"snack_names": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "At most two snack names; only when include_snacks is true",
					},
					"favorite_meals": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "At most two favorite meals",
					},
				},
				"required": []string{"user_id", "diet_type", "include_snacks"},
			},
		},
	}
}

// ToolDefinitionForStage returns the tool definition registered for an
// input-driven stage. Automatic stages have no tools.
func ToolDefinitionForStage(stage models.Stage) (openai.ChatCompletionToolParam, bool) {
	switch stage {
	case models.StageIdentity:
		return SaveIdentityToolDefinition(), true
	case models.StageMetrics:
		return SaveMetricsToolDefinition(), true
	case models.StageDietPreferences:
		return SaveDietPreferencesToolDefinition(), true
	default:
		return openai.ChatCompletionToolParam{}, false
	}
}

// StageTools returns the full tool set advertised to the backend.
func StageTools() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		SaveIdentityToolDefinition(),
		SaveMetricsToolDefinition(),
		SaveDietPreferencesToolDefinition(),
	}
}
