package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

func TestIdentityCollectorRejectsEmptyName(t *testing.T) {
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewIdentityCollector(session, store.NewInMemoryStore())

	ok, reply := c.ProcessMessage(context.Background(), "   ")
	if ok {
		t.Error("empty name accepted")
	}
	if reply == "" {
		t.Error("no re-prompt emitted")
	}
	if c.IsComplete() {
		t.Error("collector complete without a valid answer")
	}
}

func TestIdentityCollectorPersistsOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewIdentityCollector(session, st)
	ctx := context.Background()

	ok, _ := c.ProcessMessage(ctx, "Alex")
	if !ok || !c.IsComplete() {
		t.Fatal("valid name not accepted")
	}

	got, err := st.GetIdentity(ctx, "u1")
	if err != nil || got == nil || got.Name != "Alex" {
		t.Errorf("identity not persisted: %v, %v", got, err)
	}
}

func TestMetricsCollectorValidatorBounds(t *testing.T) {
	cases := []struct {
		name  string
		setup []string // free-text answers to reach the sub-state under test
		input string
		want  string
	}{
		{"height too low", nil, "35", "between 36 and 96"},
		{"height not a number", nil, "abc", "between 36 and 96"},
		{"weight too high", []string{"70"}, "1500", "between 50 and 1000"},
		{"age too young", []string{"70", "180"}, "12", "between 13 and 120"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := models.NewConversationSession("sess-1", "conv-1", "u1")
			c := NewMetricsCollector(session, store.NewInMemoryStore())
			ctx := context.Background()
			for _, answer := range tc.setup {
				if ok, reply := c.ProcessMessage(ctx, answer); !ok {
					t.Fatalf("setup answer %q rejected: %s", answer, reply)
				}
			}
			ok, reply := c.ProcessMessage(ctx, tc.input)
			if ok {
				t.Errorf("invalid input %q accepted", tc.input)
			}
			if !strings.Contains(reply, tc.want) {
				t.Errorf("reply %q missing %q", reply, tc.want)
			}
		})
	}
}

func TestMetricsCollectorFixedChoiceRejectsFreeText(t *testing.T) {
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewMetricsCollector(session, store.NewInMemoryStore())
	ctx := context.Background()

	for _, answer := range []string{"70", "180", "30"} {
		if ok, _ := c.ProcessMessage(ctx, answer); !ok {
			t.Fatalf("setup answer %q rejected", answer)
		}
	}

	// Now at the sex question: free text is not accepted.
	if ok, _ := c.ProcessMessage(ctx, "male"); ok {
		t.Error("fixed-choice question accepted free text")
	}
	if ok, _ := c.SelectOption(ctx, "male"); !ok {
		t.Error("valid selection rejected")
	}
}

func TestMetricsCollectorSavesOnGoal(t *testing.T) {
	st := store.NewInMemoryStore()
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewMetricsCollector(session, st)
	ctx := context.Background()

	for _, answer := range []string{"70", "180", "30"} {
		c.ProcessMessage(ctx, answer)
	}
	c.SelectOption(ctx, "male")
	c.SelectOption(ctx, "Very Active")

	// Nothing persisted until the terminal sub-state.
	if got, _ := st.GetMetrics(ctx, "u1"); got != nil {
		t.Error("metrics persisted before the terminal save")
	}

	ok, _ := c.SelectOption(ctx, "Gain Muscle")
	if !ok || !c.IsComplete() {
		t.Fatal("goal selection did not complete the collector")
	}

	got, err := st.GetMetrics(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("metrics not persisted: %v", err)
	}
	if got.ActivityLevel != models.ActivityVeryActive || got.Goal != models.GoalGainMuscle {
		t.Errorf("metrics = %+v; want very active, gain muscle", got)
	}
}

func TestDietCollectorSnackBranching(t *testing.T) {
	st := store.NewInMemoryStore()
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewDietCollector(session, st)
	ctx := context.Background()

	c.ProcessMessage(ctx, "vegetarian")
	c.ProcessMessage(ctx, "peanuts, shellfish")
	c.ProcessMessage(ctx, "none")

	// "yes" branches into the snack-name sub-states.
	ok, reply := c.SelectOption(ctx, "yes")
	if !ok || !strings.Contains(reply, "first snack") {
		t.Fatalf("yes branch not taken: %q", reply)
	}
	c.ProcessMessage(ctx, "greek yogurt")
	c.ProcessMessage(ctx, "almonds")
	ok, _ = c.ProcessMessage(ctx, "lasagna")
	if !ok || !c.IsComplete() {
		t.Fatal("favorites answer did not complete the collector")
	}

	got, err := st.GetDietPreferences(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("preferences not persisted: %v", err)
	}
	if !got.IncludeSnacks || len(got.SnackNames) != 2 {
		t.Errorf("snacks = %v include=%v; want 2 snacks included", got.SnackNames, got.IncludeSnacks)
	}
	if len(got.Allergies) != 2 {
		t.Errorf("allergies = %v; want 2 entries", got.Allergies)
	}
}

func TestDietCollectorNoSnacksSkipsBranch(t *testing.T) {
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewDietCollector(session, store.NewInMemoryStore())
	ctx := context.Background()

	c.ProcessMessage(ctx, "balanced")
	c.ProcessMessage(ctx, "none")
	c.ProcessMessage(ctx, "none")

	ok, reply := c.SelectOption(ctx, "no")
	if !ok {
		t.Fatalf("no branch rejected: %q", reply)
	}
	if !strings.Contains(reply, "favorite meals") {
		t.Errorf("no branch should skip straight to favorites, got %q", reply)
	}
}

func TestDietCollectorRejectsTooManyFavorites(t *testing.T) {
	session := models.NewConversationSession("sess-1", "conv-1", "u1")
	c := NewDietCollector(session, store.NewInMemoryStore())
	ctx := context.Background()

	c.ProcessMessage(ctx, "balanced")
	c.ProcessMessage(ctx, "none")
	c.ProcessMessage(ctx, "none")
	c.SelectOption(ctx, "no")

	ok, reply := c.ProcessMessage(ctx, "pizza, tacos, sushi")
	if ok {
		t.Error("three favorites accepted")
	}
	if !strings.Contains(reply, "At most 2") {
		t.Errorf("reply %q missing favorites limit", reply)
	}
	if c.IsComplete() {
		t.Error("collector complete despite invalid favorites")
	}
}

func TestParseListAnswer(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"none", 0},
		{"", 0},
		{"peanuts", 1},
		{"peanuts, shellfish , eggs", 3},
		{" , ", 0},
	}
	for _, tc := range cases {
		if got := parseListAnswer(tc.in); len(got) != tc.want {
			t.Errorf("parseListAnswer(%q) = %v; want %d entries", tc.in, got, tc.want)
		}
	}
}

func TestInProcessRelayPublishSubscribe(t *testing.T) {
	relay := NewInProcessRelay()
	events, cancel := relay.Subscribe("conv-1")

	relay.Publish(models.ProgressEvent{ConversationID: "conv-1", Step: "generating", Percent: 10})
	relay.Publish(models.ProgressEvent{ConversationID: "conv-other", Step: "generating", Percent: 50})

	select {
	case ev := <-events:
		if ev.Step != "generating" || ev.Percent != 10 {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-events:
		t.Errorf("received event for another conversation: %+v", ev)
	default:
	}

	cancel()
	if _, open := <-events; open {
		t.Error("channel not closed after cancel")
	}
}
