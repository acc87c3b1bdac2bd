package calc

import (
	"testing"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// baseInputs is the worked example: male, 70in, 180lb, 30y, tier 2, maintenance.
func baseInputs() Inputs {
	return Inputs{
		HeightInches:  70,
		WeightPounds:  180,
		AgeYears:      30,
		Sex:           models.SexMale,
		ActivityLevel: models.ActivityModerate,
		Goal:          models.GoalMaintenance,
	}
}

func TestWorkedExample(t *testing.T) {
	in := baseInputs()

	if got := BMR(in); got != 1783 {
		t.Errorf("BMR = %d, want 1783", got)
	}
	if got := TDEE(in); got != 2451 {
		t.Errorf("TDEE = %d, want 2451", got)
	}
	if got := WeeklyCalories(in); got != 17157 {
		t.Errorf("WeeklyCalories = %d, want 17157", got)
	}
}

func TestFemaleBMR(t *testing.T) {
	in := baseInputs()
	in.Sex = models.SexFemale
	// Same raw terms minus the 166-point sex constant difference (+5 vs -161).
	if got, want := BMR(in), 1783-166; got != want {
		t.Errorf("female BMR = %d, want %d", got, want)
	}
}

func TestGoalOffsetShiftsBothSplits(t *testing.T) {
	maintain := baseInputs()
	lose := baseInputs()
	lose.Goal = models.GoalLoseWeight
	gain := baseInputs()
	gain.Goal = models.GoalGainMuscle

	mwd, mwe := Split(maintain)
	lwd, lwe := Split(lose)
	gwd, gwe := Split(gain)

	if lwd != mwd-200 || lwe != mwe-200 {
		t.Errorf("lose-weight split = (%d, %d), want (%d, %d)", lwd, lwe, mwd-200, mwe-200)
	}
	if gwd != mwd+200 || gwe != mwe+200 {
		t.Errorf("gain-muscle split = (%d, %d), want (%d, %d)", gwd, gwe, mwd+200, mwe+200)
	}
}

func TestSplitRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Inputs)
	}{
		{"male maintenance", func(in *Inputs) {}},
		{"female maintenance", func(in *Inputs) { in.Sex = models.SexFemale }},
		{"male lose weight", func(in *Inputs) { in.Goal = models.GoalLoseWeight }},
		{"female gain muscle", func(in *Inputs) {
			in.Sex = models.SexFemale
			in.Goal = models.GoalGainMuscle
		}},
		{"extra active", func(in *Inputs) { in.ActivityLevel = models.ActivityExtraActive }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInputs()
			tc.mod(&in)

			weekday, weekend := Split(in)
			weekly := WeeklyCalories(in)
			offset := GoalOffset(in.Goal)

			// 5:2 round-trip invariant: the split reconstructs the weekly
			// total plus exactly the goal offset across seven days.
			if got, want := 5*weekday+2*weekend, weekly+offset*7; got != want {
				t.Errorf("5*weekday + 2*weekend = %d, want %d", got, want)
			}
		})
	}
}

func TestCalculateAllDeterministic(t *testing.T) {
	in := baseInputs()
	a := CalculateAll(in)
	b := CalculateAll(in)
	if a != b {
		t.Errorf("CalculateAll not deterministic: %+v vs %+v", a, b)
	}
}

func TestActivityMultiplierDefaults(t *testing.T) {
	if got := ActivityMultiplier(models.ActivityLevel(99)); got != 1.375 {
		t.Errorf("unrecognized tier multiplier = %v, want second-tier 1.375", got)
	}
	if got := ActivityMultiplier(models.ActivitySedentary); got != 1.2 {
		t.Errorf("sedentary multiplier = %v, want 1.2", got)
	}
	if got := ActivityMultiplier(models.ActivityExtraActive); got != 1.9 {
		t.Errorf("extra-active multiplier = %v, want 1.9", got)
	}
}

func TestMacroSelection(t *testing.T) {
	in := baseInputs()
	if got := WeekdayMacros(in); got != (models.MacroSplit{ProteinPct: 35, CarbsPct: 35, FatPct: 30}) {
		t.Errorf("standard weekday macros = %+v", got)
	}

	in.Goal = models.GoalGainMuscle
	if got := WeekdayMacros(in); got != (models.MacroSplit{ProteinPct: 40, CarbsPct: 30, FatPct: 30}) {
		t.Errorf("muscle-gain weekday macros = %+v", got)
	}

	in = baseInputs()
	in.ActivityLevel = models.ActivityVeryActive
	if got := WeekdayMacros(in); got != (models.MacroSplit{ProteinPct: 40, CarbsPct: 30, FatPct: 30}) {
		t.Errorf("high-tier weekday macros = %+v", got)
	}

	if got := WeekendMacros(); got != (models.MacroSplit{ProteinPct: 30, CarbsPct: 45, FatPct: 25}) {
		t.Errorf("weekend macros = %+v", got)
	}
}

func TestGramsRoundedIndependently(t *testing.T) {
	g := Grams(2331, models.MacroSplit{ProteinPct: 35, CarbsPct: 35, FatPct: 30})
	// 2331*0.35/4 = 203.96 -> 204; fat 2331*0.30/9 = 77.7 -> 78
	if g.ProteinGrams != 204 || g.CarbsGrams != 204 || g.FatGrams != 78 {
		t.Errorf("Grams(2331) = %+v, want 204/204/78", g)
	}

	// Gram calories are allowed to miss the target; they must merely be close.
	total := g.ProteinGrams*CaloriesPerGramProtein + g.CarbsGrams*CaloriesPerGramCarbs + g.FatGrams*CaloriesPerGramFat
	if diff := total - 2331; diff < -20 || diff > 20 {
		t.Errorf("gram calories %d too far from target 2331", total)
	}
}
