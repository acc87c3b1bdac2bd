// Package store provides storage backends for MealPipe.
//
// This file implements the SQLite-backed store used for single-node and
// development deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; missing parent directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveIdentity(ctx context.Context, identity models.UserIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_identities (user_id, name, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, updated_at = CURRENT_TIMESTAMP`,
		identity.UserID, identity.Name)
	if err != nil {
		slog.Error("SQLiteStore SaveIdentity failed", "error", err, "userID", identity.UserID)
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, userID string) (*models.UserIdentity, error) {
	var u models.UserIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, created_at, updated_at FROM user_identities WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) SaveMetrics(ctx context.Context, m models.BodyMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO body_metrics (user_id, height_inches, weight_pounds, age_years, sex, activity_level, goal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			height_inches = excluded.height_inches,
			weight_pounds = excluded.weight_pounds,
			age_years = excluded.age_years,
			sex = excluded.sex,
			activity_level = excluded.activity_level,
			goal = excluded.goal,
			updated_at = CURRENT_TIMESTAMP`,
		m.UserID, m.HeightInches, m.WeightPounds, m.AgeYears, string(m.Sex), int(m.ActivityLevel), string(m.Goal))
	if err != nil {
		slog.Error("SQLiteStore SaveMetrics failed", "error", err, "userID", m.UserID)
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, userID string) (*models.BodyMetrics, error) {
	var m models.BodyMetrics
	var sex, goal string
	var level int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, height_inches, weight_pounds, age_years, sex, activity_level, goal, created_at, updated_at
		FROM body_metrics WHERE user_id = ?`, userID).
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

func (s *SQLiteStore) SaveDietPreferences(ctx context.Context, p models.DietPreferences) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			diet_type = excluded.diet_type,
			allergies = excluded.allergies,
			dislikes = excluded.dislikes,
			include_snacks = excluded.include_snacks,
			snack_names = excluded.snack_names,
			favorite_meals = excluded.favorite_meals,
			updated_at = CURRENT_TIMESTAMP`,
		p.UserID, p.DietType, allergies, dislikes, p.IncludeSnacks, snacks, favorites)
	if err != nil {
		slog.Error("SQLiteStore SaveDietPreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save diet preferences: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDietPreferences(ctx context.Context, userID string) (*models.DietPreferences, error) {
	var p models.DietPreferences
	var allergies, dislikes, snacks, favorites sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, diet_type, allergies, dislikes, include_snacks, snack_names, favorite_meals, created_at, updated_at
		FROM diet_preferences WHERE user_id = ?`, userID).
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

func (s *SQLiteStore) SaveCalorieResult(ctx context.Context, r models.CalorieCalculationResult) error {
	payload, err := marshalJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calorie_results (user_id, result_json, computed_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET result_json = excluded.result_json, computed_at = CURRENT_TIMESTAMP`,
		r.UserID, payload)
	if err != nil {
		slog.Error("SQLiteStore SaveCalorieResult failed", "error", err, "userID", r.UserID)
		return fmt.Errorf("failed to save calorie result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCalorieResult(ctx context.Context, userID string) (*models.CalorieCalculationResult, error) {
	var payload string
	var computedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json, computed_at FROM calorie_results WHERE user_id = ?`, userID).
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

func (s *SQLiteStore) CreateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meal_plans (id, conversation_id, user_id, meals_json, approved, revision)
		VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.ConversationID, plan.UserID, meals, plan.Approved, plan.Revision)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateMealPlan
		}
		slog.Error("SQLiteStore CreateMealPlan failed", "error", err, "conversationID", plan.ConversationID)
		return fmt.Errorf("failed to create meal plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMealPlan(ctx context.Context, plan models.MealPlan) error {
	meals, err := marshalJSON(plan.Meals)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE meal_plans SET meals_json = ?, approved = ?, revision = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		meals, plan.Approved, plan.Revision, plan.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMealPlan failed", "error", err, "planID", plan.ID)
		return fmt.Errorf("failed to update meal plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrArtifactNotFound
	}
	return nil
}

func (s *SQLiteStore) scanMealPlan(row *sql.Row) (*models.MealPlan, error) {
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

func (s *SQLiteStore) GetMealPlan(ctx context.Context, id string) (*models.MealPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, meals_json, approved, revision, created_at, updated_at
		FROM meal_plans WHERE id = ?`, id)
	return s.scanMealPlan(row)
}

func (s *SQLiteStore) GetMealPlanByConversation(ctx context.Context, conversationID string) (*models.MealPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, meals_json, approved, revision, created_at, updated_at
		FROM meal_plans WHERE conversation_id = ?`, conversationID)
	return s.scanMealPlan(row)
}

func (s *SQLiteStore) CreateShoppingList(ctx context.Context, list models.ShoppingList) error {
	items, err := marshalJSON(list.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_lists (id, meal_plan_id, user_id, items_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(meal_plan_id) DO UPDATE SET items_json = excluded.items_json, updated_at = CURRENT_TIMESTAMP`,
		list.ID, list.MealPlanID, list.UserID, items)
	if err != nil {
		slog.Error("SQLiteStore CreateShoppingList failed", "error", err, "mealPlanID", list.MealPlanID)
		return fmt.Errorf("failed to create shopping list: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetShoppingListByMealPlan(ctx context.Context, mealPlanID string) (*models.ShoppingList, error) {
	var list models.ShoppingList
	var items string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, meal_plan_id, user_id, items_json, created_at, updated_at
		FROM shopping_lists WHERE meal_plan_id = ?`, mealPlanID).
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

func (s *SQLiteStore) SaveGenerationJob(ctx context.Context, job models.GenerationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, conversation_id, kind, artifact_id, status, attempts, last_error, reconciled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			artifact_id = excluded.artifact_id,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			reconciled = excluded.reconciled,
			updated_at = CURRENT_TIMESTAMP`,
		job.ID, job.ConversationID, string(job.Kind), nilIfEmpty(job.ArtifactID), string(job.Status), job.Attempts, nilIfEmpty(job.LastError), job.Reconciled)
	if err != nil {
		slog.Error("SQLiteStore SaveGenerationJob failed", "error", err, "jobID", job.ID)
		return fmt.Errorf("failed to save generation job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetGenerationJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var kind, status string
	var artifactID, lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, kind, artifact_id, status, attempts, last_error, reconciled, created_at, updated_at
		FROM generation_jobs WHERE id = ?`, id).
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
