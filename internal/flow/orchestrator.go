package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// Orchestrator is the top-level finite-state machine for one onboarding
// conversation. It owns the session, keeps exactly one collector active at a
// time, advances stages on completion signals, runs push-driven stages on
// entry, and publishes stage-completion events. It performs no validation
// itself; all input handling belongs to the active collector.
type Orchestrator struct {
	mu       sync.Mutex
	session  *models.ConversationSession
	store    store.Store
	pipeline *Pipeline
	bus      *EventBus
	cache    store.SessionCache

	active      Collector
	initialized bool
	finalized   bool
}

// OrchestratorOption configures optional orchestrator collaborators.
type OrchestratorOption func(*Orchestrator)

// WithEventBus attaches a stage-completion event bus.
func WithEventBus(bus *EventBus) OrchestratorOption {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithSessionCache attaches a resume cache that is updated after every
// routed input. Cache failures are cosmetic and only logged.
func WithSessionCache(cache store.SessionCache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = cache }
}

// NewOrchestrator creates an orchestrator for one conversation session.
func NewOrchestrator(session *models.ConversationSession, st store.Store, pipeline *Pipeline, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		session:  session,
		store:    st,
		pipeline: pipeline,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns a snapshot of the session state. The live session is only
// ever mutated under the orchestrator mutex; handing out a deep copy lets
// handlers read or marshal it while other requests route input.
func (o *Orchestrator) Session() *models.ConversationSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Snapshot()
}

// Start activates the first collector and returns its opening prompt.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return o.active.Prompt(), nil
	}
	if err := o.session.Validate(); err != nil {
		return "", err
	}

	o.session.CurrentStage = models.StageIdentity
	o.active = NewIdentityCollector(o.session, o.store)
	o.initialized = true
	slog.Info("Orchestrator started", "conversationID", o.session.ConversationID)
	return o.active.Prompt(), nil
}

// Resume activates the collector for the session's recorded stage, restoring
// a conversation loaded from the session cache after a restart. The stage
// restarts at its first question; payloads persisted by completed stages are
// untouched.
func (o *Orchestrator) Resume(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return o.active.Prompt(), nil
	}
	if err := o.session.Validate(); err != nil {
		return "", err
	}
	stage := o.session.CurrentStage
	if !models.IsValidStage(stage) {
		return "", models.ErrUnknownStage
	}

	o.active = o.newCollector(stage)
	o.initialized = true
	if stage == models.StageFinalization {
		o.finalized = true
	}
	slog.Info("Orchestrator resumed", "conversationID", o.session.ConversationID, "stage", stage)
	return o.active.Prompt(), nil
}

// RouteInput forwards free-text input to the active collector. Before Start
// and after finalization it is a no-op.
func (o *Orchestrator) RouteInput(ctx context.Context, text string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return "", models.ErrNoActiveCollector
	}
	if o.finalized {
		return "", models.ErrSessionFinalized
	}

	_, reply := o.active.ProcessMessage(ctx, text)
	reply = joinReplies(reply, o.advance(ctx))
	o.persistSession(ctx)
	return reply, nil
}

// SelectOption forwards a fixed-choice selection to the active collector.
func (o *Orchestrator) SelectOption(ctx context.Context, option string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return "", models.ErrNoActiveCollector
	}
	if o.finalized {
		return "", models.ErrSessionFinalized
	}

	_, reply := o.active.SelectOption(ctx, option)
	reply = joinReplies(reply, o.advance(ctx))
	o.persistSession(ctx)
	return reply, nil
}

// RetryGeneration re-runs the current automatic stage after a terminal
// generation failure. The pipeline restarts from its pre-check, so a side
// effect that landed in the meantime is found rather than duplicated.
func (o *Orchestrator) RetryGeneration(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return "", models.ErrNoActiveCollector
	}
	if o.finalized {
		return "", models.ErrSessionFinalized
	}
	runner, ok := o.active.(autoRunner)
	if !ok || o.active.IsComplete() {
		return "", models.ErrCollectorNotAccepting
	}

	msg, err := runner.Run(ctx)
	if err != nil {
		slog.Error("Orchestrator retry failed", "error", err,
			"conversationID", o.session.ConversationID, "stage", o.session.CurrentStage)
		return "That still didn't work. You can retry again in a moment.", nil
	}
	msg = joinReplies(msg, o.advance(ctx))
	o.persistSession(ctx)
	return msg, nil
}

// advance transitions stages while the active collector reports completion,
// synchronously instantiating the next collector before any further input is
// accepted and running push-driven stages on entry. It returns the prompts
// and messages produced along the way.
func (o *Orchestrator) advance(ctx context.Context) string {
	var parts []string

	for o.active != nil && o.active.IsComplete() && !o.finalized {
		completed := o.active.Stage()
		o.publishStageEvent(completed)

		next, err := completed.Next()
		if err != nil {
			// Terminal stage reached.
			o.finalized = true
			slog.Info("Orchestrator finalized", "conversationID", o.session.ConversationID)
			break
		}

		o.session.CurrentStage = next
		o.active = o.newCollector(next)
		slog.Debug("Orchestrator advanced", "conversationID", o.session.ConversationID, "stage", next)

		if runner, ok := o.active.(autoRunner); ok && next.IsAutomatic() {
			msg, err := runner.Run(ctx)
			if err != nil {
				// The collector stays active; the user may retry. No failure
				// leaves the orchestrator without an active collector.
				slog.Error("Orchestrator automatic stage failed", "error", err,
					"conversationID", o.session.ConversationID, "stage", next)
				parts = append(parts, userFacingFailure(next, err))
				break
			}
			parts = append(parts, msg)
			continue
		}

		parts = append(parts, o.active.Prompt())
	}
	return strings.Join(parts, "\n")
}

// newCollector instantiates the collector for a stage. The mapping is closed
// over the stage enum.
func (o *Orchestrator) newCollector(stage models.Stage) Collector {
	switch stage {
	case models.StageIdentity:
		return NewIdentityCollector(o.session, o.store)
	case models.StageMetrics:
		return NewMetricsCollector(o.session, o.store)
	case models.StageDietPreferences:
		return NewDietCollector(o.session, o.store)
	case models.StageCalorieCalculation:
		return NewCalorieCollector(o.session, o.store)
	case models.StageMealPlanCreation:
		return NewMealPlanCollector(o.session, o.store, o.pipeline)
	case models.StageShoppingList:
		return NewShoppingListCollector(o.session, o.store, o.pipeline)
	case models.StageFinalization:
		return NewFinalizationCollector(o.session)
	}
	// Unreachable for valid stages.
	return NewFinalizationCollector(o.session)
}

// publishStageEvent emits the completion event for a stage with its result
// payload where one exists.
func (o *Orchestrator) publishStageEvent(stage models.Stage) {
	if o.bus == nil {
		return
	}
	event := models.StageEvent{Stage: stage, ConversationID: o.session.ConversationID}
	switch stage {
	case models.StageCalorieCalculation:
		event.Payload = o.session.CalorieResult
	case models.StageMealPlanCreation:
		event.Payload = o.session.MealPlanID
	case models.StageShoppingList:
		event.Payload = o.session.ShoppingListID
	}
	o.bus.Publish(event)
}

// persistSession updates the resume cache when one is attached. A snapshot
// goes in, not the live pointer, so the cache never aliases state still being
// mutated.
func (o *Orchestrator) persistSession(ctx context.Context) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Put(ctx, o.session.Snapshot()); err != nil {
		slog.Warn("Orchestrator failed to cache session", "error", err,
			"conversationID", o.session.ConversationID)
	}
}

// userFacingFailure converts an automatic-stage failure into the message the
// user sees. In-flight rejections and exhausted retries read differently.
func userFacingFailure(stage models.Stage, err error) string {
	if errors.Is(err, models.ErrGenerationInFlight) {
		return "I'm already working on that. Hang tight."
	}
	if errors.Is(err, models.ErrGenerationExhausted) {
		return "I couldn't finish generating after several tries. You can retry when ready."
	}
	switch stage {
	case models.StageCalorieCalculation:
		return "I couldn't calculate your targets. You can retry when ready."
	case models.StageShoppingList:
		return "I couldn't build your shopping list. You can retry when ready."
	default:
		return "Something went wrong with that step. You can retry when ready."
	}
}

func joinReplies(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
