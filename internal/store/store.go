// Package store provides persistence backends for MealPipe.
//
// The Store interface abstracts the request/response record store consumed by
// collectors and the generation pipeline: per-user identity, metrics, diet
// preferences and calorie rows, meal-plan artifacts addressable by id and by
// conversation id, shopping-list artifacts addressable by meal-plan id, and
// generation-job records. Lookups return (nil, nil) when no record exists;
// callers treat absence as a normal outcome, not an error.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Store defines the persistence operations the onboarding core depends on.
type Store interface {
	SaveIdentity(ctx context.Context, identity models.UserIdentity) error
	GetIdentity(ctx context.Context, userID string) (*models.UserIdentity, error)

	SaveMetrics(ctx context.Context, metrics models.BodyMetrics) error
	GetMetrics(ctx context.Context, userID string) (*models.BodyMetrics, error)

	SaveDietPreferences(ctx context.Context, prefs models.DietPreferences) error
	GetDietPreferences(ctx context.Context, userID string) (*models.DietPreferences, error)

	SaveCalorieResult(ctx context.Context, result models.CalorieCalculationResult) error
	GetCalorieResult(ctx context.Context, userID string) (*models.CalorieCalculationResult, error)

	// CreateMealPlan inserts a new plan. At most one plan may exist per
	// conversation id; backends enforce this with a uniqueness constraint.
	CreateMealPlan(ctx context.Context, plan models.MealPlan) error
	UpdateMealPlan(ctx context.Context, plan models.MealPlan) error
	GetMealPlan(ctx context.Context, id string) (*models.MealPlan, error)
	GetMealPlanByConversation(ctx context.Context, conversationID string) (*models.MealPlan, error)

	CreateShoppingList(ctx context.Context, list models.ShoppingList) error
	GetShoppingListByMealPlan(ctx context.Context, mealPlanID string) (*models.ShoppingList, error)

	SaveGenerationJob(ctx context.Context, job models.GenerationJob) error
	GetGenerationJob(ctx context.Context, id string) (*models.GenerationJob, error)

	Close() error
}

// InMemoryStore is a map-backed Store used by tests and local development.
type InMemoryStore struct {
	mu            sync.RWMutex
	identities    map[string]models.UserIdentity
	metrics       map[string]models.BodyMetrics
	dietPrefs     map[string]models.DietPreferences
	calorieRows   map[string]models.CalorieCalculationResult
	mealPlans     map[string]models.MealPlan     // keyed by plan id
	plansByConv   map[string]string              // conversation id -> plan id
	shoppingLists map[string]models.ShoppingList // keyed by meal-plan id
	jobs          map[string]models.GenerationJob
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		identities:    make(map[string]models.UserIdentity),
		metrics:       make(map[string]models.BodyMetrics),
		dietPrefs:     make(map[string]models.DietPreferences),
		calorieRows:   make(map[string]models.CalorieCalculationResult),
		mealPlans:     make(map[string]models.MealPlan),
		plansByConv:   make(map[string]string),
		shoppingLists: make(map[string]models.ShoppingList),
		jobs:          make(map[string]models.GenerationJob),
	}
}

func (s *InMemoryStore) SaveIdentity(ctx context.Context, identity models.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity.UpdatedAt = time.Now()
	s.identities[identity.UserID] = identity
	return nil
}

func (s *InMemoryStore) GetIdentity(ctx context.Context, userID string) (*models.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.identities[userID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveMetrics(ctx context.Context, metrics models.BodyMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.UpdatedAt = time.Now()
	s.metrics[metrics.UserID] = metrics
	return nil
}

func (s *InMemoryStore) GetMetrics(ctx context.Context, userID string) (*models.BodyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.metrics[userID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveDietPreferences(ctx context.Context, prefs models.DietPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs.UpdatedAt = time.Now()
	s.dietPrefs[prefs.UserID] = prefs
	return nil
}

func (s *InMemoryStore) GetDietPreferences(ctx context.Context, userID string) (*models.DietPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.dietPrefs[userID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveCalorieResult(ctx context.Context, result models.CalorieCalculationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.ComputedAt = time.Now()
	s.calorieRows[result.UserID] = result
	return nil
}

func (s *InMemoryStore) GetCalorieResult(ctx context.Context, userID string) (*models.CalorieCalculationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.calorieRows[userID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) CreateMealPlan(ctx context.Context, plan models.MealPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plansByConv[plan.ConversationID]; exists {
		return ErrDuplicateMealPlan
	}
	plan.UpdatedAt = time.Now()
	s.mealPlans[plan.ID] = plan
	s.plansByConv[plan.ConversationID] = plan.ID
	return nil
}

func (s *InMemoryStore) UpdateMealPlan(ctx context.Context, plan models.MealPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mealPlans[plan.ID]; !ok {
		return models.ErrArtifactNotFound
	}
	plan.UpdatedAt = time.Now()
	s.mealPlans[plan.ID] = plan
	s.plansByConv[plan.ConversationID] = plan.ID
	return nil
}

func (s *InMemoryStore) GetMealPlan(ctx context.Context, id string) (*models.MealPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.mealPlans[id]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetMealPlanByConversation(ctx context.Context, conversationID string) (*models.MealPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.plansByConv[conversationID]; ok {
		if v, ok := s.mealPlans[id]; ok {
			return &v, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateShoppingList(ctx context.Context, list models.ShoppingList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list.UpdatedAt = time.Now()
	s.shoppingLists[list.MealPlanID] = list
	return nil
}

func (s *InMemoryStore) GetShoppingListByMealPlan(ctx context.Context, mealPlanID string) (*models.ShoppingList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.shoppingLists[mealPlanID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveGenerationJob(ctx context.Context, job models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) GetGenerationJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.jobs[id]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *InMemoryStore) Close() error { return nil }

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)
