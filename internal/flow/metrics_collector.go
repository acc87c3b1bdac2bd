package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// Metrics collector sub-states. Height, weight and age are free-text with
// range validators; sex, activity tier and goal are fixed-choice.
const (
	metricsStateHeight   = "ask_height"
	metricsStateWeight   = "ask_weight"
	metricsStateAge      = "ask_age"
	metricsStateSex      = "ask_sex"
	metricsStateActivity = "ask_activity"
	metricsStateGoal     = "ask_goal"
	metricsStateDone     = "done"
)

// MetricsCollector collects body metrics and persists them in one write at
// the terminal sub-state.
type MetricsCollector struct {
	session  *models.ConversationSession
	store    store.Store
	subState string

	height   float64
	weight   float64
	age      int
	sex      models.Sex
	activity models.ActivityLevel
	goal     models.FitnessGoal

	fields map[string]fieldSpec
}

// NewMetricsCollector creates the metrics-stage collector.
func NewMetricsCollector(session *models.ConversationSession, st store.Store) *MetricsCollector {
	c := &MetricsCollector{
		session:  session,
		store:    st,
		subState: metricsStateHeight,
	}
	c.fields = map[string]fieldSpec{
		metricsStateHeight: {
			prompt: "How tall are you, in inches?",
			validate: func(text string) (interface{}, string) {
				v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
				if err != nil || v < models.MinHeightInches || v > models.MaxHeightInches {
					return nil, fmt.Sprintf("Height must be a number between %d and %d inches. How tall are you?",
						models.MinHeightInches, models.MaxHeightInches)
				}
				return v, ""
			},
		},
		metricsStateWeight: {
			prompt: "How much do you weigh, in pounds?",
			validate: func(text string) (interface{}, string) {
				v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
				if err != nil || v < models.MinWeightPounds || v > models.MaxWeightPounds {
					return nil, fmt.Sprintf("Weight must be a number between %d and %d pounds. How much do you weigh?",
						models.MinWeightPounds, models.MaxWeightPounds)
				}
				return v, ""
			},
		},
		metricsStateAge: {
			prompt: "How old are you?",
			validate: func(text string) (interface{}, string) {
				v, err := strconv.Atoi(strings.TrimSpace(text))
				if err != nil || v < models.MinAgeYears || v > models.MaxAgeYears {
					return nil, fmt.Sprintf("Age must be a whole number between %d and %d. How old are you?",
						models.MinAgeYears, models.MaxAgeYears)
				}
				return v, ""
			},
		},
	}
	return c
}

func (c *MetricsCollector) Stage() models.Stage { return models.StageMetrics }

func (c *MetricsCollector) Prompt() string {
	if spec, ok := c.fields[c.subState]; ok {
		return spec.prompt
	}
	switch c.subState {
	case metricsStateSex:
		return "What's your biological sex? (male / female)"
	case metricsStateActivity:
		return "How active are you? (Sedentary / Moderate / Active / Very Active / Extra Active)"
	case metricsStateGoal:
		return "What's your fitness goal? (Maintenance / Lose Weight / Gain Muscle)"
	}
	return ""
}

func (c *MetricsCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	spec, ok := c.fields[c.subState]
	if !ok {
		// Fixed-choice sub-states are driven by selection events only.
		return false, selectOptionHint
	}

	normalized, errMsg := spec.validate(text)
	if errMsg != "" {
		return false, errMsg
	}

	switch c.subState {
	case metricsStateHeight:
		c.height = normalized.(float64)
		c.session.RecordAnswer(models.StageMetrics, "height_inches", text, normalized)
		c.subState = metricsStateWeight
	case metricsStateWeight:
		c.weight = normalized.(float64)
		c.session.RecordAnswer(models.StageMetrics, "weight_pounds", text, normalized)
		c.subState = metricsStateAge
	case metricsStateAge:
		c.age = normalized.(int)
		c.session.RecordAnswer(models.StageMetrics, "age_years", text, normalized)
		c.subState = metricsStateSex
	}
	return true, c.Prompt()
}

func (c *MetricsCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	switch c.subState {
	case metricsStateSex:
		sex := models.Sex(strings.ToLower(strings.TrimSpace(option)))
		if !models.IsValidSex(sex) {
			return false, "Please pick male or female."
		}
		c.sex = sex
		c.session.RecordAnswer(models.StageMetrics, "sex", option, sex)
		c.subState = metricsStateActivity
		return true, c.Prompt()

	case metricsStateActivity:
		c.activity = models.ParseActivityLevel(option)
		c.session.RecordAnswer(models.StageMetrics, "activity_level", option, c.activity)
		c.subState = metricsStateGoal
		return true, c.Prompt()

	case metricsStateGoal:
		goal, err := models.ParseFitnessGoal(option)
		if err != nil {
			return false, "Please pick Maintenance, Lose Weight or Gain Muscle."
		}
		c.goal = goal
		c.session.RecordAnswer(models.StageMetrics, "goal", option, goal)
		return c.save(ctx)
	}
	return false, c.Prompt()
}

// save performs the single terminal persistence write for the stage. Failure
// re-prompts the goal question without advancing the sub-state.
func (c *MetricsCollector) save(ctx context.Context) (bool, string) {
	metrics := models.BodyMetrics{
		UserID:        c.session.UserID,
		HeightInches:  c.height,
		WeightPounds:  c.weight,
		AgeYears:      c.age,
		Sex:           c.sex,
		ActivityLevel: c.activity,
		Goal:          c.goal,
	}
	if err := metrics.Validate(); err != nil {
		slog.Error("MetricsCollector.save validation failed", "error", err, "userID", c.session.UserID)
		return false, "Something looks off with those numbers. " + c.Prompt()
	}
	if err := c.store.SaveMetrics(ctx, metrics); err != nil {
		slog.Error("MetricsCollector.save store write failed", "error", err, "userID", c.session.UserID)
		return false, "I couldn't save your metrics just now. Please pick your goal again."
	}

	c.subState = metricsStateDone
	slog.Info("MetricsCollector complete", "conversationID", c.session.ConversationID)
	return true, "Got it, your metrics are saved."
}

func (c *MetricsCollector) IsComplete() bool { return c.subState == metricsStateDone }
