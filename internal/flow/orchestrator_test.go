package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

func newTestOrchestrator(t *testing.T, planner *fakePlanner, opts ...OrchestratorOption) (*Orchestrator, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	p := newTestPipeline(st, planner)
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	return NewOrchestrator(session, st, p, opts...), st
}

// driveToDietComplete walks the conversation through identity, metrics and
// diet preferences, which triggers the automatic stages.
func driveToDietComplete(t *testing.T, o *Orchestrator) string {
	t.Helper()
	ctx := context.Background()

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	steps := []struct {
		input string
		isOpt bool
	}{
		{"Alex", false},       // name
		{"70", false},         // height
		{"180", false},        // weight
		{"30", false},         // age
		{"male", true},        // sex
		{"Moderate", true},    // activity
		{"Maintenance", true}, // goal -> metrics saved
		{"balanced", false},   // diet type
		{"none", false},       // allergies
		{"none", false},       // dislikes
		{"no", true},          // include snacks
	}
	var reply string
	var err error
	for _, s := range steps {
		if s.isOpt {
			reply, err = o.SelectOption(ctx, s.input)
		} else {
			reply, err = o.RouteInput(ctx, s.input)
		}
		if err != nil {
			t.Fatalf("step %q failed: %v", s.input, err)
		}
	}
	// Favorite meals is the diet stage's terminal question; answering it
	// triggers the automatic stages.
	reply, err = o.RouteInput(ctx, "none")
	if err != nil {
		t.Fatalf("favorites step failed: %v", err)
	}
	return reply
}

func TestOrchestratorNoOpBeforeStart(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakePlanner{})

	if _, err := o.RouteInput(context.Background(), "hello"); !errors.Is(err, models.ErrNoActiveCollector) {
		t.Errorf("RouteInput before Start = %v; want ErrNoActiveCollector", err)
	}
	if _, err := o.SelectOption(context.Background(), "approve"); !errors.Is(err, models.ErrNoActiveCollector) {
		t.Errorf("SelectOption before Start = %v; want ErrNoActiveCollector", err)
	}
}

func TestOrchestratorFullRun(t *testing.T) {
	planner := &fakePlanner{}
	var events []models.Stage
	bus := NewEventBus()
	bus.Subscribe(func(ev models.StageEvent) { events = append(events, ev.Stage) })

	o, st := newTestOrchestrator(t, planner, WithEventBus(bus))
	ctx := context.Background()

	reply := driveToDietComplete(t, o)
	// Calorie calculation and meal-plan generation ran automatically; the
	// conversation is now waiting on plan approval.
	if !strings.Contains(reply, "Approve") && !strings.Contains(reply, "ready") {
		t.Errorf("expected approval prompt after auto stages, got %q", reply)
	}
	if o.Session().CurrentStage != models.StageMealPlanCreation {
		t.Fatalf("expected MEAL_PLAN_CREATION stage, got %s", o.Session().CurrentStage)
	}
	if o.Session().CalorieResult == nil {
		t.Fatal("calorie result not bound to session")
	}
	if o.Session().CalorieResult.BMR != 1783 || o.Session().CalorieResult.TDEE != 2451 {
		t.Errorf("calorie targets = BMR %d TDEE %d; want 1783/2451",
			o.Session().CalorieResult.BMR, o.Session().CalorieResult.TDEE)
	}

	reply, err := o.SelectOption(ctx, OptionApprove)
	if err != nil {
		t.Fatalf("approval failed: %v", err)
	}
	if !strings.Contains(reply, "all set") {
		t.Errorf("expected finalization message, got %q", reply)
	}

	// Input after finalization is a no-op.
	if _, err := o.RouteInput(ctx, "hello?"); !errors.Is(err, models.ErrSessionFinalized) {
		t.Errorf("RouteInput after finalization = %v; want ErrSessionFinalized", err)
	}

	wantEvents := []models.Stage{
		models.StageIdentity,
		models.StageMetrics,
		models.StageDietPreferences,
		models.StageCalorieCalculation,
		models.StageMealPlanCreation,
		models.StageShoppingList,
		models.StageFinalization,
	}
	if len(events) != len(wantEvents) {
		t.Fatalf("got %d stage events %v; want %d", len(events), events, len(wantEvents))
	}
	for i, want := range wantEvents {
		if events[i] != want {
			t.Errorf("event %d = %s; want %s", i, events[i], want)
		}
	}

	// Durable artifacts exist and are linked.
	plan, err := st.GetMealPlanByConversation(ctx, "conv-1")
	if err != nil || plan == nil {
		t.Fatalf("meal plan lookup failed: %v, %v", plan, err)
	}
	if !plan.Approved {
		t.Error("meal plan not approved")
	}
	list, err := st.GetShoppingListByMealPlan(ctx, plan.ID)
	if err != nil || list == nil {
		t.Fatalf("shopping list lookup failed: %v, %v", list, err)
	}
}

func TestOrchestratorInvalidHeightDoesNotMutateSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakePlanner{})
	ctx := context.Background()

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := o.RouteInput(ctx, "Alex"); err != nil {
		t.Fatalf("name step failed: %v", err)
	}

	reply, err := o.RouteInput(ctx, "abc")
	if err != nil {
		t.Fatalf("RouteInput failed: %v", err)
	}
	if !strings.Contains(reply, "between 36 and 96") {
		t.Errorf("expected range error prompt, got %q", reply)
	}
	if _, ok := o.Session().Answer(models.StageMetrics, "height_inches"); ok {
		t.Error("invalid height mutated session state")
	}
	if o.Session().CurrentStage != models.StageMetrics {
		t.Errorf("stage advanced on invalid input: %s", o.Session().CurrentStage)
	}
}

func TestOrchestratorRevisionLoopStaysInStage(t *testing.T) {
	planner := &fakePlanner{}
	o, st := newTestOrchestrator(t, planner)
	ctx := context.Background()

	driveToDietComplete(t, o)
	if o.Session().CurrentStage != models.StageMealPlanCreation {
		t.Fatalf("expected MEAL_PLAN_CREATION, got %s", o.Session().CurrentStage)
	}
	planID := o.Session().MealPlanID

	if _, err := o.SelectOption(ctx, OptionRequestChanges); err != nil {
		t.Fatalf("request changes failed: %v", err)
	}
	// Still the same stage: the revision loop never goes backwards or forwards.
	if o.Session().CurrentStage != models.StageMealPlanCreation {
		t.Errorf("revision left the stage: %s", o.Session().CurrentStage)
	}

	reply, err := o.RouteInput(ctx, "swap day 1 dinner for chicken")
	if err != nil {
		t.Fatalf("revision input failed: %v", err)
	}
	if !strings.Contains(reply, "revision 1") {
		t.Errorf("expected revision confirmation, got %q", reply)
	}
	if o.Session().MealPlanID != planID {
		t.Errorf("revision changed the artifact id: %s vs %s", o.Session().MealPlanID, planID)
	}
	if planner.reviseCalls != 1 {
		t.Errorf("expected 1 revise call, got %d", planner.reviseCalls)
	}

	// Exactly one artifact for the conversation, same id.
	plan, err := st.GetMealPlanByConversation(ctx, "conv-1")
	if err != nil || plan == nil {
		t.Fatalf("by-conversation lookup failed: %v, %v", plan, err)
	}
	if plan.ID != planID || plan.Revision != 1 {
		t.Errorf("plan = id %s revision %d; want %s revision 1", plan.ID, plan.Revision, planID)
	}
}

func TestOrchestratorGenerationFailureKeepsCollectorActive(t *testing.T) {
	planner := &fakePlanner{planFailures: 3}
	o, _ := newTestOrchestrator(t, planner)
	ctx := context.Background()

	reply := driveToDietComplete(t, o)
	if !strings.Contains(reply, "retry") {
		t.Errorf("expected retry guidance in %q", reply)
	}
	// The orchestrator stays in the generation stage with an active collector.
	if o.Session().CurrentStage != models.StageMealPlanCreation {
		t.Fatalf("expected MEAL_PLAN_CREATION, got %s", o.Session().CurrentStage)
	}

	// The backend has recovered; a manual retry restarts from the pre-check.
	reply, err := o.RetryGeneration(ctx)
	if err != nil {
		t.Fatalf("RetryGeneration failed: %v", err)
	}
	if o.Session().MealPlanID == "" {
		t.Error("retry did not bind a meal plan id")
	}
	if !strings.Contains(reply, "ready") && !strings.Contains(reply, "Approve") {
		t.Errorf("expected approval prompt after retry, got %q", reply)
	}
}

func TestOrchestratorSessionCacheUpdated(t *testing.T) {
	cache := store.NewMemorySessionCache()
	o, _ := newTestOrchestrator(t, &fakePlanner{}, WithSessionCache(cache))
	ctx := context.Background()

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := o.RouteInput(ctx, "Alex"); err != nil {
		t.Fatalf("name step failed: %v", err)
	}

	cached, err := cache.Get(ctx, "conv-1")
	if err != nil || cached == nil {
		t.Fatalf("cache lookup failed: %v, %v", cached, err)
	}
	if cached.CurrentStage != models.StageMetrics {
		t.Errorf("cached stage = %s; want METRICS", cached.CurrentStage)
	}
}

func TestSessionSnapshotIsolatedFromLiveUpdates(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakePlanner{})
	ctx := context.Background()

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := o.Session()
	if _, err := o.RouteInput(ctx, "Alex"); err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	if len(snap.Answers[models.StageIdentity]) != 0 {
		t.Error("snapshot shares the live answers map")
	}
	if o.Session().CurrentStage != models.StageMetrics {
		t.Errorf("live session not advanced: %s", o.Session().CurrentStage)
	}

	// Marshaling snapshots while inputs keep mutating the session must be
	// safe; the handlers do exactly this concurrently.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := json.Marshal(o.Session()); err != nil {
				t.Errorf("marshal of session snapshot failed: %v", err)
				return
			}
		}
	}()
	for _, input := range []string{"70", "180", "30"} {
		if _, err := o.RouteInput(ctx, input); err != nil {
			t.Fatalf("input %q failed: %v", input, err)
		}
	}
	<-done
}

func TestOrchestratorResumeAtCachedStage(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPipeline(st, &fakePlanner{})
	ctx := context.Background()

	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	session.CurrentStage = models.StageMetrics
	o := NewOrchestrator(session, st, p)

	prompt, err := o.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !strings.Contains(prompt, "tall") {
		t.Errorf("expected the metrics opening question, got %q", prompt)
	}

	// The resumed conversation accepts input at the recorded stage.
	reply, err := o.RouteInput(ctx, "70")
	if err != nil {
		t.Fatalf("RouteInput after resume failed: %v", err)
	}
	if !strings.Contains(reply, "weigh") {
		t.Errorf("expected the weight question, got %q", reply)
	}
}

func TestOrchestratorResumeRejectsUnknownStage(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPipeline(st, &fakePlanner{})

	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	session.CurrentStage = "NOT_A_STAGE"
	o := NewOrchestrator(session, st, p)

	if _, err := o.Resume(context.Background()); !errors.Is(err, models.ErrUnknownStage) {
		t.Errorf("Resume with invalid stage = %v; want ErrUnknownStage", err)
	}
}

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus()
	var got []string
	bus.Subscribe(func(ev models.StageEvent) { got = append(got, "a:"+string(ev.Stage)) })
	bus.Subscribe(func(ev models.StageEvent) { got = append(got, "b:"+string(ev.Stage)) })

	bus.Publish(models.StageEvent{Stage: models.StageIdentity})
	if len(got) != 2 || got[0] != "a:IDENTITY" || got[1] != "b:IDENTITY" {
		t.Errorf("events delivered out of order: %v", got)
	}
}
