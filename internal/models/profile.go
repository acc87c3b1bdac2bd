// Package models defines the per-stage payloads persisted by collectors.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sex is the biological sex category used by the calorie calculation.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// IsValidSex checks if the given sex category is supported.
func IsValidSex(s Sex) bool {
	return s == SexMale || s == SexFemale
}

// ActivityLevel is one of five ordered activity tiers.
type ActivityLevel int

const (
	ActivitySedentary   ActivityLevel = 1
	ActivityModerate    ActivityLevel = 2
	ActivityActive      ActivityLevel = 3
	ActivityVeryActive  ActivityLevel = 4
	ActivityExtraActive ActivityLevel = 5
)

// DefaultActivityLevel is used when an unrecognized tier is supplied.
const DefaultActivityLevel = ActivityModerate

// activityLabels maps tier labels accepted from fixed-choice selection.
var activityLabels = map[string]ActivityLevel{
	"sedentary":    ActivitySedentary,
	"moderate":     ActivityModerate,
	"active":       ActivityActive,
	"very active":  ActivityVeryActive,
	"extra active": ActivityExtraActive,
}

// ParseActivityLevel maps a selection label or tier number to an activity
// level. Unrecognized input falls back to DefaultActivityLevel.
func ParseActivityLevel(label string) ActivityLevel {
	if lvl, ok := activityLabels[normalizeLabel(label)]; ok {
		return lvl
	}
	var n int
	if _, err := fmt.Sscanf(label, "%d", &n); err == nil {
		if n >= 1 && n <= 5 {
			return ActivityLevel(n)
		}
	}
	return DefaultActivityLevel
}

// FitnessGoal is the user's stated fitness goal.
type FitnessGoal string

const (
	GoalMaintenance FitnessGoal = "maintenance"
	GoalLoseWeight  FitnessGoal = "lose_weight"
	GoalGainMuscle  FitnessGoal = "gain_muscle"
)

// ParseFitnessGoal maps a selection label to a fitness goal.
func ParseFitnessGoal(label string) (FitnessGoal, error) {
	switch normalizeLabel(label) {
	case "maintenance", "maintain":
		return GoalMaintenance, nil
	case "lose_weight", "lose weight", "weight loss":
		return GoalLoseWeight, nil
	case "gain_muscle", "gain muscle", "build muscle", "muscle gain":
		return GoalGainMuscle, nil
	default:
		return "", fmt.Errorf("unknown fitness goal: %s", label)
	}
}

// UserIdentity is the identity-stage payload.
type UserIdentity struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks identity fields before the terminal save.
func (u *UserIdentity) Validate() error {
	if u.UserID == "" {
		return ErrEmptyUserID
	}
	if u.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Metric bounds enforced by the metrics collector validators.
const (
	MinHeightInches = 36
	MaxHeightInches = 96
	MinWeightPounds = 50
	MaxWeightPounds = 1000
	MinAgeYears     = 13
	MaxAgeYears     = 120
)

// BodyMetrics is the metrics-stage payload.
type BodyMetrics struct {
	UserID        string        `json:"user_id"`
	HeightInches  float64       `json:"height_inches"`
	WeightPounds  float64       `json:"weight_pounds"`
	AgeYears      int           `json:"age_years"`
	Sex           Sex           `json:"sex"`
	ActivityLevel ActivityLevel `json:"activity_level"`
	Goal          FitnessGoal   `json:"goal"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks metric bounds before the terminal save.
func (m *BodyMetrics) Validate() error {
	if m.UserID == "" {
		return ErrEmptyUserID
	}
	if m.HeightInches < MinHeightInches || m.HeightInches > MaxHeightInches {
		return fmt.Errorf("height must be between %d and %d inches", MinHeightInches, MaxHeightInches)
	}
	if m.WeightPounds < MinWeightPounds || m.WeightPounds > MaxWeightPounds {
		return fmt.Errorf("weight must be between %d and %d pounds", MinWeightPounds, MaxWeightPounds)
	}
	if m.AgeYears < MinAgeYears || m.AgeYears > MaxAgeYears {
		return fmt.Errorf("age must be between %d and %d", MinAgeYears, MaxAgeYears)
	}
	if !IsValidSex(m.Sex) {
		return errors.New("sex must be male or female")
	}
	return nil
}

// DietPreferences is the diet-preferences-stage payload.
type DietPreferences struct {
	UserID        string    `json:"user_id"`
	DietType      string    `json:"diet_type"`
	Allergies     []string  `json:"allergies"`
	Dislikes      []string  `json:"dislikes"`
	IncludeSnacks bool      `json:"include_snacks"`
	SnackNames    []string  `json:"snack_names,omitempty"`
	FavoriteMeals []string  `json:"favorite_meals,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the snack branching invariant: snack names are present only
// when snacks were requested, and never more than two.
func (d *DietPreferences) Validate() error {
	if d.UserID == "" {
		return ErrEmptyUserID
	}
	if d.DietType == "" {
		return errors.New("diet type is required")
	}
	if !d.IncludeSnacks && len(d.SnackNames) > 0 {
		return errors.New("snack names provided but snacks not requested")
	}
	if len(d.SnackNames) > 2 {
		return errors.New("at most two snack names are allowed")
	}
	if len(d.FavoriteMeals) > 2 {
		return errors.New("at most two favorite meals are allowed")
	}
	return nil
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
