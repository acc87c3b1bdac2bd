package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// stubPlanner implements genai.Planner with canned successful responses.
type stubPlanner struct{}

func (stubPlanner) GenerateMealPlan(ctx context.Context, req genai.PlanRequest) ([]models.PlannedMeal, error) {
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
	return meals, nil
}

func (p stubPlanner) ReviseMealPlan(ctx context.Context, req genai.PlanRequest, current []models.PlannedMeal, changes models.MealPlanChangeSet) ([]models.PlannedMeal, error) {
	return p.GenerateMealPlan(ctx, req)
}

func (stubPlanner) GenerateShoppingList(ctx context.Context, plan models.MealPlan) ([]models.ShoppingListItem, error) {
	return []models.ShoppingListItem{
		{Category: "Produce", Ingredient: "spinach", Quantity: 1, Unit: "bunch"},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, flow.Relay) {
	t.Helper()
	st := store.NewInMemoryStore()
	relay := flow.NewInProcessRelay()
	pipeline := flow.NewPipeline(st, stubPlanner{}, relay,
		flow.WithBaseDelay(time.Millisecond),
		flow.WithGenerationTimeout(time.Second),
		flow.WithMutationTimeout(time.Second))
	return NewServer(st, pipeline, relay), st, relay
}

// postJSON drives a handler through the server mux and decodes the envelope.
func postJSON(t *testing.T, srv *Server, path string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestCreateSessionReturnsOpeningPrompt(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, resp := postJSON(t, srv, "/sessions", createSessionRequest{
		ConversationID: "conv-1",
		UserID:         "u1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %s", resp.Status)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if result["reply"] == "" {
		t.Error("opening prompt is empty")
	}
	if result["stage"] != string(models.StageIdentity) {
		t.Errorf("expected IDENTITY stage, got %v", result["stage"])
	}
}

func TestCreateSessionRequiresUserID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := postJSON(t, srv, "/sessions", createSessionRequest{ConversationID: "conv-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestCreateSessionRejectsDuplicateConversation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := createSessionRequest{ConversationID: "conv-1", UserID: "u1"}
	if rec, _ := postJSON(t, srv, "/sessions", body); rec.Code != http.StatusCreated {
		t.Fatalf("first create failed: %d", rec.Code)
	}
	rec, _ := postJSON(t, srv, "/sessions", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestCreateSessionResumesFromCache(t *testing.T) {
	st := store.NewInMemoryStore()
	relay := flow.NewInProcessRelay()
	pipeline := flow.NewPipeline(st, stubPlanner{}, relay,
		flow.WithBaseDelay(time.Millisecond),
		flow.WithGenerationTimeout(time.Second),
		flow.WithMutationTimeout(time.Second))
	cache := store.NewMemorySessionCache()

	srv := NewServer(st, pipeline, relay, WithSessionCache(cache))
	body := createSessionRequest{ConversationID: "conv-1", UserID: "u1"}
	if rec, _ := postJSON(t, srv, "/sessions", body); rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}
	postJSON(t, srv, "/sessions/message", conversationRequest{ConversationID: "conv-1", Message: "Alex"})

	// A new server with the same cache stands in for a restarted process.
	restarted := NewServer(st, pipeline, relay, WithSessionCache(cache))
	rec, resp := postJSON(t, restarted, "/sessions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected resumed status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["stage"] != string(models.StageMetrics) {
		t.Errorf("expected resume at METRICS, got %v", result["stage"])
	}
	reply, _ := result["reply"].(string)
	if !strings.Contains(reply, "tall") {
		t.Errorf("expected the metrics opening question, got %q", reply)
	}
}

func TestCreateSessionIgnoresCacheForOtherUser(t *testing.T) {
	st := store.NewInMemoryStore()
	relay := flow.NewInProcessRelay()
	pipeline := flow.NewPipeline(st, stubPlanner{}, relay,
		flow.WithBaseDelay(time.Millisecond),
		flow.WithGenerationTimeout(time.Second),
		flow.WithMutationTimeout(time.Second))
	cache := store.NewMemorySessionCache()

	srv := NewServer(st, pipeline, relay, WithSessionCache(cache))
	postJSON(t, srv, "/sessions", createSessionRequest{ConversationID: "conv-1", UserID: "u1"})
	postJSON(t, srv, "/sessions/message", conversationRequest{ConversationID: "conv-1", Message: "Alex"})

	restarted := NewServer(st, pipeline, relay, WithSessionCache(cache))
	rec, resp := postJSON(t, restarted, "/sessions", createSessionRequest{ConversationID: "conv-1", UserID: "u2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected fresh session %d, got %d", http.StatusCreated, rec.Code)
	}
	result := resp.Result.(map[string]interface{})
	if result["stage"] != string(models.StageIdentity) {
		t.Errorf("expected fresh session at IDENTITY, got %v", result["stage"])
	}
}

func TestMessageAdvancesStage(t *testing.T) {
	srv, st, _ := newTestServer(t)
	postJSON(t, srv, "/sessions", createSessionRequest{ConversationID: "conv-1", UserID: "u1"})

	rec, resp := postJSON(t, srv, "/sessions/message", conversationRequest{
		ConversationID: "conv-1",
		Message:        "Alex",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["stage"] != string(models.StageMetrics) {
		t.Errorf("expected METRICS after name, got %v", result["stage"])
	}

	identity, err := st.GetIdentity(context.Background(), "u1")
	if err != nil || identity == nil || identity.Name != "Alex" {
		t.Errorf("identity not persisted: %v, %v", identity, err)
	}
}

func TestMessageUnknownConversation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := postJSON(t, srv, "/sessions/message", conversationRequest{
		ConversationID: "conv-missing",
		Message:        "hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestSessionEndpointsRejectWrongMethod(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestStatusReturnsSessionSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postJSON(t, srv, "/sessions", createSessionRequest{ConversationID: "conv-1", UserID: "u1"})
	postJSON(t, srv, "/sessions/message", conversationRequest{ConversationID: "conv-1", Message: "Alex"})

	req := httptest.NewRequest(http.MethodGet, "/sessions/status?conversation_id=conv-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp struct {
		Result models.ConversationSession `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if resp.Result.CurrentStage != models.StageMetrics {
		t.Errorf("expected METRICS stage, got %s", resp.Result.CurrentStage)
	}
	if resp.Result.UserID != "u1" {
		t.Errorf("expected user u1, got %s", resp.Result.UserID)
	}
}

func TestToolCallWebhookSavesIdentity(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec, resp := postJSON(t, srv, "/webhooks/tool-call", models.ToolCallNotification{
		ConversationID: "conv-1",
		StageTag:       models.StageIdentity,
		ToolCallID:     "call-1",
		ToolName:       "save_identity",
		Arguments:      json.RawMessage(`{"user_id":"u9","name":"Dana"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["success"] != true {
		t.Errorf("expected successful tool result, got %v", result)
	}

	identity, err := st.GetIdentity(context.Background(), "u9")
	if err != nil || identity == nil || identity.Name != "Dana" {
		t.Errorf("identity not persisted: %v, %v", identity, err)
	}
}

func TestToolCallWebhookReportsValidationFailure(t *testing.T) {
	srv, st, _ := newTestServer(t)

	// Height far outside bounds: the handler answers 200 with a failed result.
	rec, resp := postJSON(t, srv, "/webhooks/tool-call", models.ToolCallNotification{
		ConversationID: "conv-1",
		StageTag:       models.StageMetrics,
		ToolCallID:     "call-2",
		ToolName:       "save_metrics",
		Arguments:      json.RawMessage(`{"user_id":"u9","height_inches":300,"weight_pounds":180,"age_years":30,"sex":"male","activity_level":"Moderate","goal":"maintenance"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["success"] != false {
		t.Errorf("expected failed tool result, got %v", result)
	}

	if metrics, _ := st.GetMetrics(context.Background(), "u9"); metrics != nil {
		t.Error("invalid metrics were persisted")
	}
}

func TestToolCallWebhookRejectsAutomaticStage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := postJSON(t, srv, "/webhooks/tool-call", models.ToolCallNotification{
		ConversationID: "conv-1",
		StageTag:       models.StageCalorieCalculation,
		ToolCallID:     "call-3",
		ToolName:       "save_calories",
		Arguments:      json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestToolCallWebhookRejectsInvalidStageTag(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := postJSON(t, srv, "/webhooks/tool-call", models.ToolCallNotification{
		ConversationID: "conv-1",
		StageTag:       "NOT_A_STAGE",
		ToolCallID:     "call-4",
		ToolName:       "save_identity",
		Arguments:      json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestRunCompletedStageMismatch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postJSON(t, srv, "/sessions", createSessionRequest{ConversationID: "conv-1", UserID: "u1"})

	// The session is still collecting identity; a METRICS completion is stale.
	rec, _ := postJSON(t, srv, "/webhooks/run-completed", models.RunCompletedNotification{
		ConversationID:   "conv-1",
		StageTag:         models.StageMetrics,
		AssistantMessage: "done",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}

	rec, _ = postJSON(t, srv, "/webhooks/run-completed", models.RunCompletedNotification{
		ConversationID:   "conv-1",
		StageTag:         models.StageIdentity,
		AssistantMessage: "done",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestSessionErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"no active collector", models.ErrNoActiveCollector, http.StatusConflict},
		{"session finalized", models.ErrSessionFinalized, http.StatusConflict},
		{"collector not accepting", models.ErrCollectorNotAccepting, http.StatusConflict},
		{"generation in flight", models.ErrGenerationInFlight, http.StatusConflict},
		{"no active user", models.ErrNoActiveUser, http.StatusUnprocessableEntity},
		{"wrapped no active user", fmt.Errorf("routing: %w", models.ErrNoActiveUser), http.StatusUnprocessableEntity},
		{"unexpected failure", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sessionErrorStatus(tc.err); got != tc.want {
				t.Errorf("sessionErrorStatus(%v) = %d; want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestWriteJSONResponseFallsBackOnMarshalFailure(t *testing.T) {
	rec := httptest.NewRecorder()

	// Channels cannot be marshaled; the handler must still answer with the
	// pre-built envelope instead of an empty body.
	writeJSONResponse(rec, http.StatusOK, make(chan int))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("fallback body is not valid JSON: %v", err)
	}
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %s", resp.Status)
	}
	if !strings.Contains(resp.Message, "MealPipe") {
		t.Errorf("fallback message lost its wording: %q", resp.Message)
	}
}

func TestProgressStreamEndsOnCompletion(t *testing.T) {
	srv, _, relay := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/sessions/progress?conversation_id=conv-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.progressHandler(rec, req)
		close(done)
	}()

	// Publish until the handler has subscribed and seen the completion event.
	complete := models.ProgressEvent{ConversationID: "conv-1", Step: "complete", Percent: 100}
	for {
		select {
		case <-done:
			if got := rec.Body.String(); !bytes.Contains([]byte(got), []byte("complete")) {
				t.Errorf("stream missing completion event: %q", got)
			}
			return
		case <-ctx.Done():
			t.Fatal("progress stream did not terminate")
		default:
			relay.Publish(complete)
			time.Sleep(time.Millisecond)
		}
	}
}
