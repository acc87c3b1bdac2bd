// Package models defines the derived calorie-calculation record.
package models

import "time"

// MacroSplit is a protein/carbs/fat percentage tuple. Percentages sum to 100.
type MacroSplit struct {
	ProteinPct int `json:"protein_pct"`
	CarbsPct   int `json:"carbs_pct"`
	FatPct     int `json:"fat_pct"`
}

// MacroGrams is a protein/carbs/fat gram tuple derived from a calorie target.
// Each gram value is rounded independently, so gram calories will not sum
// exactly to the target calories.
type MacroGrams struct {
	ProteinGrams int `json:"protein_grams"`
	CarbsGrams   int `json:"carbs_grams"`
	FatGrams     int `json:"fat_grams"`
}

// CalorieCalculationResult is the immutable output of the calculation engine.
// It is a pure function of the body metrics and is recomputed for every new
// session, never mutated.
type CalorieCalculationResult struct {
	UserID string `json:"user_id"`

	BMR            int     `json:"bmr"`
	TDEE           int     `json:"tdee"`
	WeeklyCalories int     `json:"weekly_calories"`
	Multiplier     float64 `json:"activity_multiplier"`

	// 5:2 split with goal offset applied.
	WeekdayCalories int `json:"weekday_calories"`
	WeekendCalories int `json:"weekend_calories"`
	GoalOffset      int `json:"goal_offset"`

	WeekdayMacros MacroSplit `json:"weekday_macros"`
	WeekendMacros MacroSplit `json:"weekend_macros"`
	WeekdayGrams  MacroGrams `json:"weekday_grams"`
	WeekendGrams  MacroGrams `json:"weekend_grams"`

	ComputedAt time.Time `json:"computed_at"`
}
