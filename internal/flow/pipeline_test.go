package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// fakePlanner implements genai.Planner with scripted outcomes.
type fakePlanner struct {
	mu sync.Mutex

	planCalls      int
	planFailures   int // first N GenerateMealPlan calls fail
	reviseCalls    int
	reviseFailures int // first N ReviseMealPlan calls fail
	listCalls      int
	listFailures   int

	// onPlanAttempt and onReviseAttempt run before each backend call, for
	// mid-retry store injection.
	onPlanAttempt   func(call int)
	onReviseAttempt func(call int)
}

func (f *fakePlanner) GenerateMealPlan(ctx context.Context, req genai.PlanRequest) ([]models.PlannedMeal, error) {
	f.mu.Lock()
	f.planCalls++
	call := f.planCalls
	hook := f.onPlanAttempt
	fail := call <= f.planFailures
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, fmt.Errorf("attempt %d timed out", call)
	}
	return gridMeals(), nil
}

func (f *fakePlanner) ReviseMealPlan(ctx context.Context, req genai.PlanRequest, current []models.PlannedMeal, changes models.MealPlanChangeSet) ([]models.PlannedMeal, error) {
	f.mu.Lock()
	f.reviseCalls++
	call := f.reviseCalls
	hook := f.onReviseAttempt
	fail := call <= f.reviseFailures
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, fmt.Errorf("revision attempt %d timed out", call)
	}
	meals := gridMeals()
	meals[0].Name = "revised " + meals[0].Name
	return meals, nil
}

func (f *fakePlanner) GenerateShoppingList(ctx context.Context, plan models.MealPlan) ([]models.ShoppingListItem, error) {
	f.mu.Lock()
	f.listCalls++
	fail := f.listCalls <= f.listFailures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("list generation timed out")
	}
	return []models.ShoppingListItem{
		{Category: "Produce", Ingredient: "spinach", Quantity: 2, Unit: "bunch"},
	}, nil
}

// gridMeals builds a full valid 5-day grid.
func gridMeals() []models.PlannedMeal {
	var meals []models.PlannedMeal
	for day := 1; day <= models.MealPlanDays; day++ {
		for _, mt := range models.MealTypesForDay() {
			meals = append(meals, models.PlannedMeal{
				Day:      day,
				MealType: mt,
				Name:     fmt.Sprintf("%s day %d", mt, day),
			})
		}
	}
	return meals
}

func newTestPipeline(st store.Store, planner genai.Planner, opts ...PipelineOption) *Pipeline {
	base := []PipelineOption{
		WithBaseDelay(time.Millisecond),
		WithGenerationTimeout(time.Second),
		WithMutationTimeout(time.Second),
	}
	return NewPipeline(st, planner, NewInProcessRelay(), append(base, opts...)...)
}

func testRequest() genai.PlanRequest {
	return genai.PlanRequest{
		Identity: models.UserIdentity{UserID: "u1", Name: "Alex"},
		Metrics:  models.BodyMetrics{UserID: "u1"},
		Prefs:    models.DietPreferences{UserID: "u1", DietType: "balanced"},
		Targets:  models.CalorieCalculationResult{UserID: "u1", WeekdayCalories: 2331, WeekendCalories: 2751},
	}
}

func TestPipelineIdempotentGeneration(t *testing.T) {
	st := store.NewInMemoryStore()
	planner := &fakePlanner{}
	p := newTestPipeline(st, planner)
	ctx := context.Background()

	first, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("first GenerateMealPlan failed: %v", err)
	}
	second, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("second GenerateMealPlan failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("artifact ids differ: %s vs %s", first.ID, second.ID)
	}
	if planner.planCalls != 1 {
		t.Errorf("expected 1 backend call, got %d", planner.planCalls)
	}
}

func TestPipelineBoundedRetries(t *testing.T) {
	st := store.NewInMemoryStore()
	planner := &fakePlanner{planFailures: 100}
	p := newTestPipeline(st, planner, WithMaxAttempts(3))
	ctx := context.Background()

	_, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if !errors.Is(err, models.ErrGenerationExhausted) {
		t.Fatalf("expected ErrGenerationExhausted, got %v", err)
	}
	if planner.planCalls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", planner.planCalls)
	}
}

func TestPipelineReconciliationMidRetry(t *testing.T) {
	// Every backend call fails, but the artifact appears in the store after
	// the second attempt, as if the server completed the side effect despite
	// the timed-out response. The next pre-check must find it.
	st := store.NewInMemoryStore()
	planner := &fakePlanner{planFailures: 100}
	planner.onPlanAttempt = func(call int) {
		if call == 2 {
			plan := models.MealPlan{ID: "server-side-plan", ConversationID: "conv-1", UserID: "u1", Meals: gridMeals()}
			if err := st.CreateMealPlan(context.Background(), plan); err != nil {
				t.Errorf("failed to inject plan: %v", err)
			}
		}
	}
	p := newTestPipeline(st, planner, WithMaxAttempts(3))

	plan, err := p.GenerateMealPlan(context.Background(), "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("expected reconciled success, got %v", err)
	}
	if plan.ID != "server-side-plan" {
		t.Errorf("expected the injected artifact, got %s", plan.ID)
	}
	// Attempts 1 and 2 ran; the third pre-check short-circuited attempt 3.
	if planner.planCalls != 2 {
		t.Errorf("expected 2 backend attempts, got %d", planner.planCalls)
	}
}

func TestPipelineRejectsDuplicateTrigger(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPipeline(st, &fakePlanner{})

	if err := p.acquire("conv-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	_, err := p.GenerateMealPlan(context.Background(), "conv-1", "u1", testRequest())
	if !errors.Is(err, models.ErrGenerationInFlight) {
		t.Errorf("expected ErrGenerationInFlight, got %v", err)
	}
	p.release("conv-1")

	if _, err := p.GenerateMealPlan(context.Background(), "conv-1", "u1", testRequest()); err != nil {
		t.Errorf("expected success after release, got %v", err)
	}
}

func TestPipelineMissingUserFailsImmediately(t *testing.T) {
	p := newTestPipeline(store.NewInMemoryStore(), &fakePlanner{planFailures: 100})

	_, err := p.GenerateMealPlan(context.Background(), "conv-1", "", testRequest())
	if !errors.Is(err, models.ErrNoActiveUser) {
		t.Errorf("expected ErrNoActiveUser, got %v", err)
	}
}

func TestPipelineRevisionUpdatesSameArtifact(t *testing.T) {
	st := store.NewInMemoryStore()
	planner := &fakePlanner{}
	p := newTestPipeline(st, planner)
	ctx := context.Background()

	plan, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("GenerateMealPlan failed: %v", err)
	}

	changes := models.MealPlanChangeSet{MealPlanID: plan.ID, Changes: "less fish"}
	revised, err := p.ReviseMealPlan(ctx, "conv-1", "u1", testRequest(), changes)
	if err != nil {
		t.Fatalf("ReviseMealPlan failed: %v", err)
	}

	if revised.ID != plan.ID {
		t.Errorf("revision changed the artifact id: %s vs %s", revised.ID, plan.ID)
	}
	if revised.Revision != plan.Revision+1 {
		t.Errorf("expected revision %d, got %d", plan.Revision+1, revised.Revision)
	}

	// An independent by-conversation lookup still sees exactly one artifact.
	byConv, err := st.GetMealPlanByConversation(ctx, "conv-1")
	if err != nil || byConv == nil {
		t.Fatalf("by-conversation lookup failed: %v, %v", byConv, err)
	}
	if byConv.ID != plan.ID {
		t.Errorf("by-conversation lookup returned a different artifact: %s", byConv.ID)
	}
}

func TestPipelineRevisionReconciliationMidRetry(t *testing.T) {
	// Every revision call fails, but the updated plan lands in the store after
	// the second attempt, as if the server committed the update despite the
	// timed-out response. The bumped revision must be reconciled as success.
	st := store.NewInMemoryStore()
	planner := &fakePlanner{}
	p := newTestPipeline(st, planner, WithMaxAttempts(3))
	ctx := context.Background()

	plan, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("GenerateMealPlan failed: %v", err)
	}

	planner.reviseFailures = 100
	planner.onReviseAttempt = func(call int) {
		if call == 2 {
			updated := *plan
			updated.Revision = plan.Revision + 1
			updated.Meals = gridMeals()
			if err := st.UpdateMealPlan(context.Background(), updated); err != nil {
				t.Errorf("failed to inject updated plan: %v", err)
			}
		}
	}

	changes := models.MealPlanChangeSet{MealPlanID: plan.ID, Changes: "less fish"}
	revised, err := p.ReviseMealPlan(ctx, "conv-1", "u1", testRequest(), changes)
	if err != nil {
		t.Fatalf("expected reconciled success, got %v", err)
	}
	if revised.ID != plan.ID {
		t.Errorf("reconciliation changed the artifact id: %s vs %s", revised.ID, plan.ID)
	}
	if revised.Revision != plan.Revision+1 {
		t.Errorf("revision = %d; want %d", revised.Revision, plan.Revision+1)
	}
	// Attempts 1 and 2 ran; the third pre-check found the bumped revision.
	if planner.reviseCalls != 2 {
		t.Errorf("expected 2 backend attempts, got %d", planner.reviseCalls)
	}
}

func TestPipelineApproveMealPlan(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPipeline(st, &fakePlanner{})
	ctx := context.Background()

	plan, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("GenerateMealPlan failed: %v", err)
	}
	if err := p.ApproveMealPlan(ctx, "conv-1", plan.ID); err != nil {
		t.Fatalf("ApproveMealPlan failed: %v", err)
	}

	got, err := st.GetMealPlan(ctx, plan.ID)
	if err != nil || got == nil {
		t.Fatalf("GetMealPlan failed: %v, %v", got, err)
	}
	if !got.Approved {
		t.Error("plan not marked approved")
	}
}

func TestPipelineShoppingListIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	planner := &fakePlanner{}
	p := newTestPipeline(st, planner)
	ctx := context.Background()

	plan, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("GenerateMealPlan failed: %v", err)
	}

	first, err := p.GenerateShoppingList(ctx, "conv-1", "u1", *plan)
	if err != nil {
		t.Fatalf("first GenerateShoppingList failed: %v", err)
	}
	second, err := p.GenerateShoppingList(ctx, "conv-1", "u1", *plan)
	if err != nil {
		t.Fatalf("second GenerateShoppingList failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("shopping list ids differ: %s vs %s", first.ID, second.ID)
	}
	if planner.listCalls != 1 {
		t.Errorf("expected 1 backend call, got %d", planner.listCalls)
	}
}

func TestPipelineRetryAfterTerminalFailure(t *testing.T) {
	// A manual retry after exhausted attempts restarts from the pre-check
	// and succeeds once the backend recovers.
	st := store.NewInMemoryStore()
	planner := &fakePlanner{planFailures: 3}
	p := newTestPipeline(st, planner, WithMaxAttempts(3))
	ctx := context.Background()

	if _, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest()); !errors.Is(err, models.ErrGenerationExhausted) {
		t.Fatalf("expected exhaustion on first run, got %v", err)
	}

	plan, err := p.GenerateMealPlan(ctx, "conv-1", "u1", testRequest())
	if err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if plan == nil || plan.ID == "" {
		t.Error("retry run produced no artifact")
	}
}

func TestPipelinePublishesProgress(t *testing.T) {
	st := store.NewInMemoryStore()
	relay := NewInProcessRelay()
	p := NewPipeline(st, &fakePlanner{}, relay,
		WithBaseDelay(time.Millisecond), WithGenerationTimeout(time.Second))

	events, cancel := relay.Subscribe("conv-1")
	defer cancel()

	if _, err := p.GenerateMealPlan(context.Background(), "conv-1", "u1", testRequest()); err != nil {
		t.Fatalf("GenerateMealPlan failed: %v", err)
	}

	sawComplete := false
	for {
		select {
		case ev := <-events:
			if ev.Synthetic && ev.Percent >= 100 {
				t.Error("synthetic progress must never reach 100")
			}
			if !ev.Synthetic && ev.Step == "complete" && ev.Percent == 100 {
				sawComplete = true
			}
		default:
			if !sawComplete {
				t.Error("no completion progress event observed")
			}
			return
		}
	}
}
