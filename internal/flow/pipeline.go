package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/google/uuid"
)

// Pipeline defaults. Generation calls get a long per-attempt budget; simple
// mutations a short one.
const (
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 2 * time.Second
	DefaultGenerationTimeout = 120 * time.Second
	DefaultMutationTimeout   = 30 * time.Second
)

// PipelineOpts holds configuration for the generation pipeline.
type PipelineOpts struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	GenerationTimeout time.Duration
	MutationTimeout   time.Duration
}

// PipelineOption configures the pipeline.
type PipelineOption func(*PipelineOpts)

// WithMaxAttempts bounds the attempt loop for one job.
func WithMaxAttempts(n int) PipelineOption {
	return func(o *PipelineOpts) { o.MaxAttempts = n }
}

// WithBaseDelay sets the backoff unit; the wait before retry n is n times this.
func WithBaseDelay(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) { o.BaseDelay = d }
}

// WithGenerationTimeout sets the per-attempt budget for full generation calls.
func WithGenerationTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) { o.GenerationTimeout = d }
}

// WithMutationTimeout sets the per-attempt budget for simple mutations.
func WithMutationTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) { o.MutationTimeout = d }
}

// Pipeline turns a "generate artifact for conversation X" request into a
// durable, idempotent, observable operation: pre-check for an existing
// artifact, a bounded attempt loop with per-attempt timeouts and backoff, a
// post-failure reconciliation re-check, and progress reporting through the
// relay. At most one pipeline run per conversation is in flight at a time.
type Pipeline struct {
	store   store.Store
	planner genai.Planner
	relay   Relay
	opts    PipelineOpts

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPipeline creates a generation pipeline.
func NewPipeline(st store.Store, planner genai.Planner, relay Relay, opts ...PipelineOption) *Pipeline {
	cfg := PipelineOpts{
		MaxAttempts:       DefaultMaxAttempts,
		BaseDelay:         DefaultBaseDelay,
		GenerationTimeout: DefaultGenerationTimeout,
		MutationTimeout:   DefaultMutationTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		store:    st,
		planner:  planner,
		relay:    relay,
		opts:     cfg,
		inFlight: make(map[string]struct{}),
	}
}

// acquire takes the per-conversation in-flight guard. A second trigger for a
// conversation whose run is outstanding is rejected, not queued.
func (p *Pipeline) acquire(conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[conversationID]; busy {
		return models.ErrGenerationInFlight
	}
	p.inFlight[conversationID] = struct{}{}
	return nil
}

func (p *Pipeline) release(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, conversationID)
}

// publish emits a progress event if a relay is attached.
func (p *Pipeline) publish(conversationID, step string, percent int) {
	if p.relay == nil {
		return
	}
	p.relay.Publish(models.ProgressEvent{
		ConversationID: conversationID,
		Step:           step,
		Percent:        percent,
	})
}

// startSyntheticProgress emits time-based progress while a long attempt runs.
// Events are marked Synthetic and cap below 100: they are cosmetic and can
// never stand in for a completion signal. Returns a stop function.
func (p *Pipeline) startSyntheticProgress(conversationID, step string) func() {
	if p.relay == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		percent := 10
		ticker := time.NewTicker(p.opts.BaseDelay)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if percent < 90 {
					percent += 10
				}
				p.relay.Publish(models.ProgressEvent{
					ConversationID: conversationID,
					Step:           step,
					Percent:        percent,
					Synthetic:      true,
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// saveJob persists job tracking state. Tracking failures are logged, never
// allowed to fail the generation itself.
func (p *Pipeline) saveJob(ctx context.Context, job *models.GenerationJob) {
	if err := p.store.SaveGenerationJob(ctx, *job); err != nil {
		slog.Warn("Pipeline failed to persist generation job", "error", err, "jobID", job.ID)
	}
}

// backoff waits attempt*BaseDelay, honoring context cancellation.
func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(time.Duration(attempt) * p.opts.BaseDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the bounded attempt loop for one job. precheck returns the id
// of an already-existing artifact (empty when none); it runs before every
// attempt and once more after the loop, so a side effect that completed on
// the far side of a timed-out call is reconciled instead of duplicated or
// declared failed. attempt performs one timed call and returns the new
// artifact id. precheck may be nil for operations with no creation race.
func (p *Pipeline) run(ctx context.Context, job *models.GenerationJob, timeout time.Duration,
	precheck func(ctx context.Context) (string, error),
	attempt func(ctx context.Context) (string, error)) error {

	p.saveJob(ctx, job)

	reconcile := func(note string) bool {
		if precheck == nil {
			return false
		}
		id, err := precheck(ctx)
		if err != nil {
			slog.Warn("Pipeline reconciliation check failed", "error", err, "jobID", job.ID)
			return false
		}
		if id == "" {
			return false
		}
		slog.Info("Pipeline reconciled existing artifact", "jobID", job.ID, "artifactID", id, "at", note)
		job.BindArtifact(id, note != "pre-check")
		p.saveJob(ctx, job)
		p.publish(job.ConversationID, "complete", 100)
		return true
	}

	if reconcile("pre-check") {
		return nil
	}

	var lastErr error
	for i := 1; i <= p.opts.MaxAttempts; i++ {
		if i > 1 {
			// Re-check before retrying: the previous attempt may have
			// completed server-side despite the client-observed failure.
			if reconcile(fmt.Sprintf("retry %d pre-check", i)) {
				return nil
			}
			if err := p.backoff(ctx, i-1); err != nil {
				lastErr = err
				break
			}
		}

		p.publish(job.ConversationID, "generating", 10)
		stop := p.startSyntheticProgress(job.ConversationID, "generating")

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		artifactID, err := attempt(attemptCtx)
		cancel()
		stop()

		if err == nil {
			job.BindArtifact(artifactID, false)
			p.saveJob(ctx, job)
			p.publish(job.ConversationID, "complete", 100)
			return nil
		}

		lastErr = err
		job.MarkRetry(err)
		p.saveJob(ctx, job)
		slog.Warn("Pipeline attempt failed", "jobID", job.ID, "attempt", i, "error", err)
	}

	if reconcile("post-failure") {
		return nil
	}

	job.MarkFailed(lastErr)
	p.saveJob(ctx, job)
	p.publish(job.ConversationID, "failed", 0)
	return fmt.Errorf("%w: %v", models.ErrGenerationExhausted, lastErr)
}

// GenerateMealPlan produces (or finds) the single meal-plan artifact for a
// conversation. Invoking it twice for the same conversation yields the same
// artifact id; it never creates two plans.
func (p *Pipeline) GenerateMealPlan(ctx context.Context, conversationID, userID string, req genai.PlanRequest) (*models.MealPlan, error) {
	if userID == "" {
		return nil, models.ErrNoActiveUser
	}
	if err := p.acquire(conversationID); err != nil {
		return nil, err
	}
	defer p.release(conversationID)

	job := &models.GenerationJob{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           models.ArtifactMealPlan,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}

	precheck := func(ctx context.Context) (string, error) {
		existing, err := p.store.GetMealPlanByConversation(ctx, conversationID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", nil
		}
		return existing.ID, nil
	}

	attempt := func(ctx context.Context) (string, error) {
		meals, err := p.planner.GenerateMealPlan(ctx, req)
		if err != nil {
			return "", err
		}
		plan := models.MealPlan{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			UserID:         userID,
			Meals:          meals,
		}
		if err := p.store.CreateMealPlan(ctx, plan); err != nil {
			if errors.Is(err, store.ErrDuplicateMealPlan) {
				// Lost a race with an earlier completed side effect; the
				// reconciliation check will bind the existing artifact.
				return "", err
			}
			return "", err
		}
		return plan.ID, nil
	}

	if err := p.run(ctx, job, p.opts.GenerationTimeout, precheck, attempt); err != nil {
		return nil, err
	}
	return p.store.GetMealPlan(ctx, job.ArtifactID)
}

// ReviseMealPlan applies a change set to an existing plan. This is an update
// against the same artifact id, never a create; retry, backoff, timeout and
// reconciliation rules match the generation path. An update that landed
// server-side behind a timed-out response shows up as a bumped revision and
// is reconciled instead of surfaced as a failure.
func (p *Pipeline) ReviseMealPlan(ctx context.Context, conversationID, userID string, req genai.PlanRequest, changes models.MealPlanChangeSet) (*models.MealPlan, error) {
	if userID == "" {
		return nil, models.ErrNoActiveUser
	}
	if err := changes.Validate(); err != nil {
		return nil, err
	}
	if err := p.acquire(conversationID); err != nil {
		return nil, err
	}
	defer p.release(conversationID)

	current, err := p.store.GetMealPlan(ctx, changes.MealPlanID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, models.ErrArtifactNotFound
	}

	job := &models.GenerationJob{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           models.ArtifactMealPlan,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}

	precheck := func(ctx context.Context) (string, error) {
		stored, err := p.store.GetMealPlan(ctx, changes.MealPlanID)
		if err != nil {
			return "", err
		}
		if stored == nil || stored.Revision <= current.Revision {
			return "", nil
		}
		return stored.ID, nil
	}

	attempt := func(ctx context.Context) (string, error) {
		meals, err := p.planner.ReviseMealPlan(ctx, req, current.Meals, changes)
		if err != nil {
			return "", err
		}
		updated := *current
		updated.Meals = meals
		updated.Approved = false
		updated.Revision = current.Revision + 1
		if err := p.store.UpdateMealPlan(ctx, updated); err != nil {
			return "", err
		}
		return updated.ID, nil
	}

	if err := p.run(ctx, job, p.opts.GenerationTimeout, precheck, attempt); err != nil {
		return nil, err
	}
	return p.store.GetMealPlan(ctx, changes.MealPlanID)
}

// ApproveMealPlan marks a plan approved. A simple mutation: short timeout,
// same bounded-attempt rules.
func (p *Pipeline) ApproveMealPlan(ctx context.Context, conversationID, planID string) error {
	if err := p.acquire(conversationID); err != nil {
		return err
	}
	defer p.release(conversationID)

	job := &models.GenerationJob{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           models.ArtifactMealPlan,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}

	attempt := func(ctx context.Context) (string, error) {
		plan, err := p.store.GetMealPlan(ctx, planID)
		if err != nil {
			return "", err
		}
		if plan == nil {
			return "", models.ErrArtifactNotFound
		}
		plan.Approved = true
		if err := p.store.UpdateMealPlan(ctx, *plan); err != nil {
			return "", err
		}
		return plan.ID, nil
	}

	return p.run(ctx, job, p.opts.MutationTimeout, nil, attempt)
}

// GenerateShoppingList produces (or finds) the shopping list derived from a
// meal plan. Idempotent by meal-plan id.
func (p *Pipeline) GenerateShoppingList(ctx context.Context, conversationID, userID string, plan models.MealPlan) (*models.ShoppingList, error) {
	if userID == "" {
		return nil, models.ErrNoActiveUser
	}
	if err := p.acquire(conversationID); err != nil {
		return nil, err
	}
	defer p.release(conversationID)

	job := &models.GenerationJob{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           models.ArtifactShoppingList,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}

	precheck := func(ctx context.Context) (string, error) {
		existing, err := p.store.GetShoppingListByMealPlan(ctx, plan.ID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", nil
		}
		return existing.ID, nil
	}

	attempt := func(ctx context.Context) (string, error) {
		items, err := p.planner.GenerateShoppingList(ctx, plan)
		if err != nil {
			return "", err
		}
		list := models.ShoppingList{
			ID:         uuid.NewString(),
			MealPlanID: plan.ID,
			UserID:     userID,
			Items:      items,
		}
		if err := p.store.CreateShoppingList(ctx, list); err != nil {
			return "", err
		}
		return list.ID, nil
	}

	if err := p.run(ctx, job, p.opts.GenerationTimeout, precheck, attempt); err != nil {
		return nil, err
	}
	return p.store.GetShoppingListByMealPlan(ctx, plan.ID)
}
