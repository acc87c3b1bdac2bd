// Package models defines the durable artifacts produced by generation stages.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Meal-plan grid dimensions. The plan covers a fixed 5-day, 3-meal grid plus
// up to two snacks and two favorite meals.
const (
	MealPlanDays         = 5
	MealsPerDay          = 3
	MaxSnacksPerPlan     = 2
	MaxFavoritesPerPlan  = 2
	MealPlanTotalEntries = MealPlanDays*MealsPerDay + MaxSnacksPerPlan + MaxFavoritesPerPlan
)

// MealType identifies the slot a planned meal occupies.
type MealType string

const (
	MealTypeBreakfast MealType = "breakfast"
	MealTypeLunch     MealType = "lunch"
	MealTypeDinner    MealType = "dinner"
	MealTypeSnack     MealType = "snack"
	MealTypeFavorite  MealType = "favorite"
)

// MealTypesForDay returns the three fixed meal slots of a plan day.
func MealTypesForDay() []MealType {
	return []MealType{MealTypeBreakfast, MealTypeLunch, MealTypeDinner}
}

// PlannedMeal is one cell of the meal-plan grid.
type PlannedMeal struct {
	Day          int      `json:"day"` // 1-based; 0 for snacks and favorites
	MealType     MealType `json:"meal_type"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Ingredients  []string `json:"ingredients"`
	Recipe       string   `json:"recipe"`
	ProteinGrams int      `json:"protein_grams"`
	CarbsGrams   int      `json:"carbs_grams"`
	FatGrams     int      `json:"fat_grams"`
}

// MealPlan is the durable meal-plan artifact. It is addressable both by its
// own id and by its originating conversation id; at most one plan exists per
// conversation id.
type MealPlan struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Meals          []PlannedMeal `json:"meals"`
	Approved       bool          `json:"approved"`
	Revision       int           `json:"revision"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the grid shape of a generated plan.
func (p *MealPlan) Validate() error {
	if p.ConversationID == "" {
		return ErrEmptyConversationID
	}
	var grid, snacks, favorites int
	for _, m := range p.Meals {
		switch m.MealType {
		case MealTypeBreakfast, MealTypeLunch, MealTypeDinner:
			if m.Day < 1 || m.Day > MealPlanDays {
				return fmt.Errorf("meal day %d out of range", m.Day)
			}
			grid++
		case MealTypeSnack:
			snacks++
		case MealTypeFavorite:
			favorites++
		default:
			return fmt.Errorf("unknown meal type %q", m.MealType)
		}
		if m.Name == "" {
			return errors.New("meal name is required")
		}
	}
	if grid != MealPlanDays*MealsPerDay {
		return fmt.Errorf("meal plan must cover %d grid meals, got %d", MealPlanDays*MealsPerDay, grid)
	}
	if snacks > MaxSnacksPerPlan {
		return fmt.Errorf("at most %d snacks allowed, got %d", MaxSnacksPerPlan, snacks)
	}
	if favorites > MaxFavoritesPerPlan {
		return fmt.Errorf("at most %d favorite meals allowed, got %d", MaxFavoritesPerPlan, favorites)
	}
	return nil
}

// MealPlanChangeSet describes a revision request against an existing plan.
// The pipeline performs an update call, never a create, when a change set is
// supplied.
type MealPlanChangeSet struct {
	MealPlanID string   `json:"meal_plan_id"`
	Changes    string   `json:"changes"`                 // free-text change request
	MealNames  []string `json:"meal_names,omitempty"`    // specific meals to replace
	AvoidFoods []string `json:"avoid_foods,omitempty"`   // additional exclusions
	PreferFood []string `json:"prefer_foods,omitempty"`  // additional preferences
}

// Validate checks that the change set targets an existing artifact.
func (c *MealPlanChangeSet) Validate() error {
	if c.MealPlanID == "" {
		return errors.New("meal_plan_id is required for a revision")
	}
	if c.Changes == "" && len(c.MealNames) == 0 {
		return errors.New("change set is empty")
	}
	return nil
}

// ShoppingListItem is one line of the shopping list.
type ShoppingListItem struct {
	Category   string  `json:"category"`
	Ingredient string  `json:"ingredient"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
}

// ShoppingList is the durable shopping-list artifact, addressable by the
// meal plan it was derived from.
type ShoppingList struct {
	ID         string             `json:"id"`
	MealPlanID string             `json:"meal_plan_id"`
	UserID     string             `json:"user_id"`
	Items      []ShoppingListItem `json:"items"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Validate checks the list is non-empty and bound to a plan.
func (l *ShoppingList) Validate() error {
	if l.MealPlanID == "" {
		return errors.New("meal_plan_id is required")
	}
	if len(l.Items) == 0 {
		return errors.New("shopping list has no items")
	}
	for _, item := range l.Items {
		if item.Ingredient == "" {
			return errors.New("shopping list item missing ingredient")
		}
	}
	return nil
}
