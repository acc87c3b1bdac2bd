// Package calc implements the calorie and macro calculation engine.
//
// All functions are pure and deterministic: converting body metrics into
// BMR/TDEE estimates, weekly totals, the 5:2 weekday/weekend split and macro
// gram targets. No I/O happens here; persistence is the caller's concern.
package calc

import (
	"math"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Unit conversion factors.
const (
	CmPerInch  = 2.54
	KgPerPound = 0.453592
)

// Calorie densities per gram.
const (
	CaloriesPerGramProtein = 4
	CaloriesPerGramCarbs   = 4
	CaloriesPerGramFat     = 9
)

// WeekendTransferBase is the surplus moved from weekdays to each weekend day
// before sex adjustment. FemaleTransferAdjustment shrinks the transfer for the
// female category; the transfer is weekly-neutral either way.
const (
	WeekendTransferBase      = 300
	FemaleTransferAdjustment = -50
)

// GoalOffsetCalories is the per-day offset applied uniformly by fitness goal.
const GoalOffsetCalories = 200

// activityMultipliers is the fixed ordered table of five activity tiers.
var activityMultipliers = map[models.ActivityLevel]float64{
	models.ActivitySedentary:   1.2,
	models.ActivityModerate:    1.375,
	models.ActivityActive:      1.55,
	models.ActivityVeryActive:  1.725,
	models.ActivityExtraActive: 1.9,
}

// Macro split tuples. Weekends always use the higher-carb tuple.
var (
	macrosAdvanced = models.MacroSplit{ProteinPct: 40, CarbsPct: 30, FatPct: 30}
	macrosStandard = models.MacroSplit{ProteinPct: 35, CarbsPct: 35, FatPct: 30}
	macrosWeekend  = models.MacroSplit{ProteinPct: 30, CarbsPct: 45, FatPct: 25}
)

// Inputs holds the body metrics the engine derives targets from.
type Inputs struct {
	HeightInches  float64
	WeightPounds  float64
	AgeYears      int
	Sex           models.Sex
	ActivityLevel models.ActivityLevel
	Goal          models.FitnessGoal
}

// ActivityMultiplier returns the multiplier for a tier. An unrecognized tier
// defaults to the second tier.
func ActivityMultiplier(level models.ActivityLevel) float64 {
	if m, ok := activityMultipliers[level]; ok {
		return m
	}
	return activityMultipliers[models.DefaultActivityLevel]
}

// rawBMR computes the unrounded Mifflin-St Jeor basal metabolic rate.
func rawBMR(in Inputs) float64 {
	cm := in.HeightInches * CmPerInch
	kg := in.WeightPounds * KgPerPound
	bmr := 10*kg + 6.25*cm - 5*float64(in.AgeYears)
	if in.Sex == models.SexFemale {
		return bmr - 161
	}
	return bmr + 5
}

// BMR computes the basal metabolic rate, rounded to the nearest integer.
func BMR(in Inputs) int {
	return int(math.Round(rawBMR(in)))
}

// TDEE computes the total daily energy expenditure. The multiplier is applied
// to the unrounded BMR so rounding happens exactly once.
func TDEE(in Inputs) int {
	return int(math.Round(rawBMR(in) * ActivityMultiplier(in.ActivityLevel)))
}

// WeeklyCalories is the weekly total derived from the TDEE.
func WeeklyCalories(in Inputs) int {
	return TDEE(in) * 7
}

// GoalOffset returns the per-day calorie offset for a fitness goal: a deficit
// for weight loss, a surplus for muscle gain, none for maintenance.
func GoalOffset(goal models.FitnessGoal) int {
	switch goal {
	case models.GoalLoseWeight:
		return -GoalOffsetCalories
	case models.GoalGainMuscle:
		return GoalOffsetCalories
	default:
		return 0
	}
}

// weekendTransfer is the per-weekend-day amount moved from weekdays. It is a
// transfer, not new calories: 5*weekday + 2*weekend always reconstructs the
// weekly total (plus the goal offset times seven).
func weekendTransfer(sex models.Sex) int {
	t := WeekendTransferBase
	if sex == models.SexFemale {
		t += FemaleTransferAdjustment
	}
	return t
}

// Split computes the 5:2 weekday/weekend calorie targets with the goal offset
// applied uniformly.
func Split(in Inputs) (weekday, weekend int) {
	tdee := TDEE(in)
	transfer := weekendTransfer(in.Sex)
	offset := GoalOffset(in.Goal)
	weekday = tdee - (2*transfer)/5 + offset
	weekend = tdee + transfer + offset
	return weekday, weekend
}

// WeekdayMacros selects the weekday percentage tuple: "advanced" when the
// activity tier is high or the goal is muscle gain, "standard" otherwise.
func WeekdayMacros(in Inputs) models.MacroSplit {
	if in.ActivityLevel >= models.ActivityVeryActive || in.Goal == models.GoalGainMuscle {
		return macrosAdvanced
	}
	return macrosStandard
}

// WeekendMacros returns the fixed higher-carb weekend tuple.
func WeekendMacros() models.MacroSplit {
	return macrosWeekend
}

// Grams derives macro gram targets from a calorie target and a split. Each
// macro is rounded independently; the resulting gram calories are not forced
// to sum back to the target.
func Grams(calories int, split models.MacroSplit) models.MacroGrams {
	cal := float64(calories)
	return models.MacroGrams{
		ProteinGrams: int(math.Round(cal * float64(split.ProteinPct) / 100 / CaloriesPerGramProtein)),
		CarbsGrams:   int(math.Round(cal * float64(split.CarbsPct) / 100 / CaloriesPerGramCarbs)),
		FatGrams:     int(math.Round(cal * float64(split.FatPct) / 100 / CaloriesPerGramFat)),
	}
}

// CalculateAll runs the full calculation for one set of inputs. It is pure:
// two calls with identical inputs return identical results. The ComputedAt
// timestamp is left zero and stamped by the persistence layer on save.
func CalculateAll(in Inputs) models.CalorieCalculationResult {
	weekday, weekend := Split(in)
	weekdaySplit := WeekdayMacros(in)
	weekendSplit := WeekendMacros()
	return models.CalorieCalculationResult{
		BMR:             BMR(in),
		TDEE:            TDEE(in),
		WeeklyCalories:  WeeklyCalories(in),
		Multiplier:      ActivityMultiplier(in.ActivityLevel),
		WeekdayCalories: weekday,
		WeekendCalories: weekend,
		GoalOffset:      GoalOffset(in.Goal),
		WeekdayMacros:   weekdaySplit,
		WeekendMacros:   weekendSplit,
		WeekdayGrams:    Grams(weekday, weekdaySplit),
		WeekendGrams:    Grams(weekend, weekendSplit),
	}
}
