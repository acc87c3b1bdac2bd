// Package store provides storage backends for MealPipe.
//
// This file implements the PostgreSQL-backed store for shared deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveIdentity(ctx context.Context, identity models.UserIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_identities (user_id, name, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`,
		identity.UserID, identity.Name)
	if err != nil {
		slog.Error("PostgresStore SaveIdentity failed", "error", err, "userID", identity.UserID)
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, userID string) (*models.UserIdentity, error) {
	var u models.UserIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, created_at, updated_at FROM user_identities WHERE user_id = $1`, userID).
		Scan(&u.UserID, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SaveMetrics(ctx context.Context, m models.BodyMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO body_metrics (user_id, height_inches, weight_pounds, age_years, sex, activity_level, goal, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			height_inches = EXCLUDED.height_inches,
			weight_pounds = EXCLUDED.weight_pounds,
			age_years = EXCLUDED.age_years,
			sex = EXCLUDED.sex,
			activity_level = EXCLUDED.activity_level,
			goal = EXCLUDED.goal,
			updated_at = NOW()`,
		m.UserID, m.HeightInches, m.WeightPounds, m.AgeYears, string(m.Sex), int(m.ActivityLevel), string(m.Goal))
	if err != nil {
		slog.Error("PostgresStore SaveMetrics failed", "error", err, "userID", m.UserID)
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetrics(ctx context.Context, userID string) (*models.BodyMetrics, error) {
	var m models.BodyMetrics
	var sex, goal string
	var level int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, height_inches, weight_pounds, age_years, sex, activity_level, goal, created_at, updated_at
		FROM body_metrics WHERE user_id = $1`, userID).
		Scan(&m.UserID, &m.HeightInches, &m.WeightPounds, &m.AgeYears, &sex, &level, &goal, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	m.Sex = models.Sex(sex)
	m.ActivityLevel = models.ActivityLevel(level)
	m.Goal = models.FitnessGoal(goal)
	return &m, nil
}

func (s *PostgresStore) SaveDietPreferences(ctx context.Context, p models.DietPreferences) error {
	allergies, err := marshalJSON(p.Allergies)
	if err != nil {
		return err
	}
	dislikes, err := marshalJSON(p.Dislikes)
	if err != nil {
		return err
	}
	snacks, err := marshalJSON(p.SnackNames)
	if err != nil {
		return err
	}
	favorites, err := marshalJSON(p.FavoriteMeals)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diet_preferences (user_id, diet_type, allergies, dislikes, include_snacks, snack_names, favorite_meals, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			diet_type = EXCLUDED.diet_type,
			allergies = EXCLUDED.allergies,
			dislikes = EXCLUDED.dislikes,
			include_snacks = EXCLUDED.include_snacks,
			snack_names = EXCLUDED.snack_names,
			favorite_meals = EXCLUDED.favorite_meals,
			updated_at = NOW()`,
		p.UserID, p.DietType, allergies, dislikes, p.IncludeSnacks, snacks, favorites)
	if err != nil {
		slog.Error("PostgresStore SaveDietPreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save diet preferences: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDietPreferences(ctx context.Context, userID string) (*models.DietPreferences, error) {
	var p models.DietPreferences
	var allergies, dislikes, snacks, favorites sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, diet_type, allergies, dislikes, include_snacks, snack_names, favorite_meals, created_at, updated_at
		FROM diet_preferences WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.DietType, &allergies, &dislikes, &p.IncludeSnacks, &snacks, &favorites, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query diet preferences: %w", err)
	}
	if p.Allergies, err = unmarshalStrings(allergies); err != nil {
		return nil, err
	}
	if p.Dislikes, err = unmarshalStrings(dislikes); err != nil {
		return nil, err
	}
	if p.SnackNames, err = unmarshalStrings(snacks); err != nil {
		return nil, err
	}
	if p.FavoriteMeals, err = unmarshalStrings(favorites); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SaveCalorieResult(ctx context.Context, r models.CalorieCalculationResult) error {
	payload, err := marshalJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calorie_results (user_id, result_json, computed_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET result_json = EXCLUDED.result_json, computed_at = NOW()`,
		r.UserID, payload)
	if err != nil {
		slog.Error("PostgresStore SaveCalorieResult failed", "error", err, "userID", r.UserID)
		return fmt.Errorf("failed to save calorie result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCalorieResult(ctx context.Context, userID string) (*models.CalorieCalculationResult, error) {
	var payload string
	var computedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json, computed_at FROM calorie_results WHERE user_id = $1`, userID).
		Scan(&payload, &computedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query calorie result: %w", err)
	}
	var r models.CalorieCalculationResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal calorie result: %w", err)
	}
	r.ComputedAt = computedAt
	return &r, nil
}

func (s *PostgresStore) CreateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meal_plans (id, conversation_id, user_id, meals_json, approved, revision)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		plan.ID, plan.ConversationID, plan.UserID, meals, plan.Approved, plan.Revision)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateMealPlan
		}
		slog.Error("PostgresStore CreateMealPlan failed", "error", err, "conversationID", plan.ConversationID)
		return fmt.Errorf("failed to create meal plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE meal_plans SET meals_json = $1, approved = $2, revision = $3, updated_at = NOW()
		WHERE id = $4`,
		meals, plan.Approved, plan.Revision, plan.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateMealPlan failed", "error", err, "planID", plan.ID)
		return fmt.Errorf("failed to update meal plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

func (s *PostgresStore) scanMealPlan(row *sql.Row) (*models.MealPlan, error) {
	var plan models.MealPlan
	var meals string
	err := row.Scan(&plan.ID, &plan.ConversationID, &plan.UserID, &meals, &plan.Approved, &plan.Revision, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meal plan: %w", err)
	}
	if plan.Meals, err = unmarshalMeals(meals); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *PostgresStore) GetMealPlan(ctx context.Context, id string) (*models.MealPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, meals_json, approved, revision, created_at, updated_at
		FROM meal_plans WHERE id = $1`, id)
	return s.scanMealPlan(row)
}

func (s *PostgresStore) GetMealPlanByConversation(ctx context.Context, conversationID string) (*models.MealPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, meals_json, approved, revision, created_at, updated_at
		FROM meal_plans WHERE conversation_id = $1`, conversationID)
	return s.scanMealPlan(row)
}

func (s *PostgresStore) CreateShoppingList(ctx context.Context, list models.ShoppingList) error {
	items, err := marshalJSON(list.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_lists (id, meal_plan_id, user_id, items_json) VALUES ($1, $2, $3, $4)
		ON CONFLICT (meal_plan_id) DO UPDATE SET items_json = EXCLUDED.items_json, updated_at = NOW()`,
		list.ID, list.MealPlanID, list.UserID, items)
	if err != nil {
		slog.Error("PostgresStore CreateShoppingList failed", "error", err, "mealPlanID", list.MealPlanID)
		return fmt.Errorf("failed to create shopping list: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShoppingListByMealPlan(ctx context.Context, mealPlanID string) (*models.ShoppingList, error) {
	var list models.ShoppingList
	var items string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, meal_plan_id, user_id, items_json, created_at, updated_at
		FROM shopping_lists WHERE meal_plan_id = $1`, mealPlanID).
		Scan(&list.ID, &list.MealPlanID, &list.UserID, &items, &list.CreatedAt, &list.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query shopping list: %w", err)
	}
	if list.Items, err = unmarshalItems(items); err != nil {
		return nil, err
	}
	return &list, nil
}

func (s *PostgresStore) SaveGenerationJob(ctx context.Context, job models.GenerationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, conversation_id, kind, artifact_id, status, attempts, last_error, reconciled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			artifact_id = EXCLUDED.artifact_id,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			reconciled = EXCLUDED.reconciled,
			updated_at = NOW()`,
		job.ID, job.ConversationID, string(job.Kind), nilIfEmpty(job.ArtifactID), string(job.Status), job.Attempts, nilIfEmpty(job.LastError), job.Reconciled)
	if err != nil {
		slog.Error("PostgresStore SaveGenerationJob failed", "error", err, "jobID", job.ID)
		return fmt.Errorf("failed to save generation job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGenerationJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var kind, status string
	var artifactID, lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, kind, artifact_id, status, attempts, last_error, reconciled, created_at, updated_at
		FROM generation_jobs WHERE id = $1`, id).
		Scan(&job.ID, &job.ConversationID, &kind, &artifactID, &status, &job.Attempts, &lastError, &job.Reconciled, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query generation job: %w", err)
	}
	job.Kind = models.ArtifactKind(kind)
	job.Status = models.JobStatus(status)
	job.ArtifactID = artifactID.String
	job.LastError = lastError.String
	return &job, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
