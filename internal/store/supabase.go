// Package store provides storage backends for MealPipe.
//
// This file implements the Supabase-backed store. Rows are mapped through
// dedicated row structs because PostgREST speaks JSON column names, not Go
// field names.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStore implements Store against a Supabase project over PostgREST.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a new Supabase-backed store.
func NewSupabaseStore(opts ...Option) (*SupabaseStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSupabaseStore invoked", "URL_set", cfg.SupabaseURL != "")

	if cfg.SupabaseURL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
	if err != nil {
		slog.Error("Failed to create supabase client", "error", err)
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

type identityRow struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type metricsRow struct {
	UserID        string    `json:"user_id"`
	HeightInches  float64   `json:"height_inches"`
	WeightPounds  float64   `json:"weight_pounds"`
	AgeYears      int       `json:"age_years"`
	Sex           string    `json:"sex"`
	ActivityLevel int       `json:"activity_level"`
	Goal          string    `json:"goal"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type dietPreferencesRow struct {
	UserID        string    `json:"user_id"`
	DietType      string    `json:"diet_type"`
	Allergies     []string  `json:"allergies"`
	Dislikes      []string  `json:"dislikes"`
	IncludeSnacks bool      `json:"include_snacks"`
	SnackNames    []string  `json:"snack_names"`
	FavoriteMeals []string  `json:"favorite_meals"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type calorieResultRow struct {
	UserID     string    `json:"user_id"`
	ResultJSON string    `json:"result_json"`
	ComputedAt time.Time `json:"computed_at,omitempty"`
}

type mealPlanRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MealsJSON      string    `json:"meals_json"`
	Approved       bool      `json:"approved"`
	Revision       int       `json:"revision"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

type shoppingListRow struct {
	ID         string    `json:"id"`
	MealPlanID string    `json:"meal_plan_id"`
	UserID     string    `json:"user_id"`
	ItemsJSON  string    `json:"items_json"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type generationJobRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	ArtifactID     string    `json:"artifact_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	Reconciled     bool      `json:"reconciled"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

func (s *SupabaseStore) SaveIdentity(ctx context.Context, identity models.UserIdentity) error {
	row := identityRow{UserID: identity.UserID, Name: identity.Name}
	_, _, err := s.client.From("user_identities").
		Insert(row, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore SaveIdentity failed", "error", err, "userID", identity.UserID)
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetIdentity(ctx context.Context, userID string) (*models.UserIdentity, error) {
	var rows []identityRow
	_, err := s.client.From("user_identities").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.UserIdentity{UserID: r.UserID, Name: r.Name, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}, nil
}

func (s *SupabaseStore) SaveMetrics(ctx context.Context, m models.BodyMetrics) error {
	row := metricsRow{
		UserID:        m.UserID,
		HeightInches:  m.HeightInches,
		WeightPounds:  m.WeightPounds,
		AgeYears:      m.AgeYears,
		Sex:           string(m.Sex),
		ActivityLevel: int(m.ActivityLevel),
		Goal:          string(m.Goal),
	}
	_, _, err := s.client.From("body_metrics").
		Insert(row, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore SaveMetrics failed", "error", err, "userID", m.UserID)
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetMetrics(ctx context.Context, userID string) (*models.BodyMetrics, error) {
	var rows []metricsRow
	_, err := s.client.From("body_metrics").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.BodyMetrics{
		UserID:        r.UserID,
		HeightInches:  r.HeightInches,
		WeightPounds:  r.WeightPounds,
		AgeYears:      r.AgeYears,
		Sex:           models.Sex(r.Sex),
		ActivityLevel: models.ActivityLevel(r.ActivityLevel),
		Goal:          models.FitnessGoal(r.Goal),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (s *SupabaseStore) SaveDietPreferences(ctx context.Context, p models.DietPreferences) error {
	row := dietPreferencesRow{
		UserID:        p.UserID,
		DietType:      p.DietType,
		Allergies:     emptyIfNil(p.Allergies),
		Dislikes:      emptyIfNil(p.Dislikes),
		IncludeSnacks: p.IncludeSnacks,
		SnackNames:    emptyIfNil(p.SnackNames),
		FavoriteMeals: emptyIfNil(p.FavoriteMeals),
	}
	_, _, err := s.client.From("diet_preferences").
		Insert(row, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore SaveDietPreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save diet preferences: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetDietPreferences(ctx context.Context, userID string) (*models.DietPreferences, error) {
	var rows []dietPreferencesRow
	_, err := s.client.From("diet_preferences").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query diet preferences: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.DietPreferences{
		UserID:        r.UserID,
		DietType:      r.DietType,
		Allergies:     r.Allergies,
		Dislikes:      r.Dislikes,
		IncludeSnacks: r.IncludeSnacks,
		SnackNames:    r.SnackNames,
		FavoriteMeals: r.FavoriteMeals,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (s *SupabaseStore) SaveCalorieResult(ctx context.Context, r models.CalorieCalculationResult) error {
	payload, err := marshalJSON(r)
	if err != nil {
		return err
	}
	row := calorieResultRow{UserID: r.UserID, ResultJSON: payload}
	_, _, err = s.client.From("calorie_results").
		Insert(row, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore SaveCalorieResult failed", "error", err, "userID", r.UserID)
		return fmt.Errorf("failed to save calorie result: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetCalorieResult(ctx context.Context, userID string) (*models.CalorieCalculationResult, error) {
	var rows []calorieResultRow
	_, err := s.client.From("calorie_results").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query calorie result: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var result models.CalorieCalculationResult
	if err := json.Unmarshal([]byte(rows[0].ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal calorie result: %w", err)
	}
	result.ComputedAt = rows[0].ComputedAt
	return &result, nil
}

func (s *SupabaseStore) CreateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	row := mealPlanRow{
		ID:             plan.ID,
		ConversationID: plan.ConversationID,
		UserID:         plan.UserID,
		MealsJSON:      meals,
		Approved:       plan.Approved,
		Revision:       plan.Revision,
	}
	_, _, err = s.client.From("meal_plans").
		Insert(row, false, "", "minimal", "").
		Execute()
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMealPlan
		}
		slog.Error("SupabaseStore CreateMealPlan failed", "error", err, "conversationID", plan.ConversationID)
		return fmt.Errorf("failed to create meal plan: %w", err)
	}
	return nil
}

func (s *SupabaseStore) UpdateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	update := map[string]any{
		"meals_json": meals,
		"approved":   plan.Approved,
		"revision":   plan.Revision,
		"updated_at": time.Now().UTC(),
	}
	var rows []mealPlanRow
	_, err = s.client.From("meal_plans").
		Update(update, "representation", "").
		Eq("id", plan.ID).
		ExecuteTo(&rows)
	if err != nil {
		slog.Error("SupabaseStore UpdateMealPlan failed", "error", err, "planID", plan.ID)
		return fmt.Errorf("failed to update meal plan: %w", err)
	}
	if len(rows) == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

func (s *SupabaseStore) getMealPlanBy(column, value string) (*models.MealPlan, error) {
	var rows []mealPlanRow
	_, err := s.client.From("meal_plans").
		Select("*", "", false).
		Eq(column, value).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query meal plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	meals, err := unmarshalMeals(r.MealsJSON)
	if err != nil {
		return nil, err
	}
	return &models.MealPlan{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Meals:          meals,
		Approved:       r.Approved,
		Revision:       r.Revision,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func (s *SupabaseStore) GetMealPlan(ctx context.Context, id string) (*models.MealPlan, error) {
	return s.getMealPlanBy("id", id)
}

func (s *SupabaseStore) GetMealPlanByConversation(ctx context.Context, conversationID string) (*models.MealPlan, error) {
	return s.getMealPlanBy("conversation_id", conversationID)
}

func (s *SupabaseStore) CreateShoppingList(ctx context.Context, list models.ShoppingList) error {
	items, err := marshalJSON(list.Items)
	if err != nil {
		return err
	}
	row := shoppingListRow{ID: list.ID, MealPlanID: list.MealPlanID, UserID: list.UserID, ItemsJSON: items}
	_, _, err = s.client.From("shopping_lists").
		Insert(row, true, "meal_plan_id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore CreateShoppingList failed", "error", err, "mealPlanID", list.MealPlanID)
		return fmt.Errorf("failed to create shopping list: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetShoppingListByMealPlan(ctx context.Context, mealPlanID string) (*models.ShoppingList, error) {
	var rows []shoppingListRow
	_, err := s.client.From("shopping_lists").
		Select("*", "", false).
		Eq("meal_plan_id", mealPlanID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query shopping list: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	items, err := unmarshalItems(r.ItemsJSON)
	if err != nil {
		return nil, err
	}
	return &models.ShoppingList{
		ID:         r.ID,
		MealPlanID: r.MealPlanID,
		UserID:     r.UserID,
		Items:      items,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (s *SupabaseStore) SaveGenerationJob(ctx context.Context, job models.GenerationJob) error {
	row := generationJobRow{
		ID:             job.ID,
		ConversationID: job.ConversationID,
		Kind:           string(job.Kind),
		ArtifactID:     job.ArtifactID,
		Status:         string(job.Status),
		Attempts:       job.Attempts,
		LastError:      job.LastError,
		Reconciled:     job.Reconciled,
	}
	_, _, err := s.client.From("generation_jobs").
		Insert(row, true, "id", "minimal", "").
		Execute()
	if err != nil {
		slog.Error("SupabaseStore SaveGenerationJob failed", "error", err, "jobID", job.ID)
		return fmt.Errorf("failed to save generation job: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetGenerationJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var rows []generationJobRow
	_, err := s.client.From("generation_jobs").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation job: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.GenerationJob{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Kind:           models.ArtifactKind(r.Kind),
		ArtifactID:     r.ArtifactID,
		Status:         models.JobStatus(r.Status),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		Reconciled:     r.Reconciled,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// Close is a no-op; the Supabase client holds no persistent connections.
func (s *SupabaseStore) Close() error {
	return nil
}

// emptyIfNil keeps PostgREST from writing SQL NULL into array columns.
func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isUniqueViolation reports whether err looks like a PostgreSQL unique
// constraint failure surfaced through PostgREST.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// Compile-time check that SupabaseStore implements Store.
var _ Store = (*SupabaseStore)(nil)
