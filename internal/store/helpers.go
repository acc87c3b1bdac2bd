package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON serializes a value for a JSON text column.
func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

// unmarshalStrings parses a JSON string-array column, tolerating NULL.
func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string array column: %w", err)
	}
	return out, nil
}

// unmarshalMeals parses the meals_json column of a meal-plan row.
func unmarshalMeals(raw string) ([]models.PlannedMeal, error) {
	var meals []models.PlannedMeal
	if err := json.Unmarshal([]byte(raw), &meals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meals column: %w", err)
	}
	return meals, nil
}

// unmarshalItems parses the items_json column of a shopping-list row.
func unmarshalItems(raw string) ([]models.ShoppingListItem, error) {
	var items []models.ShoppingListItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items column: %w", err)
	}
	return items, nil
}
