package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// Identity collector sub-states.
const (
	identityStateName = "ask_name"
	identityStateDone = "done"
)

// IdentityCollector collects the user's name and persists the identity row.
type IdentityCollector struct {
	session  *models.ConversationSession
	store    store.Store
	subState string
	name     string
}

// NewIdentityCollector creates the identity-stage collector.
func NewIdentityCollector(session *models.ConversationSession, st store.Store) *IdentityCollector {
	return &IdentityCollector{
		session:  session,
		store:    st,
		subState: identityStateName,
	}
}

func (c *IdentityCollector) Stage() models.Stage { return models.StageIdentity }

func (c *IdentityCollector) Prompt() string {
	if c.subState == identityStateDone {
		return ""
	}
	return "Welcome! Let's get you set up. What's your name?"
}

func (c *IdentityCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	if c.subState != identityStateName {
		return false, selectOptionHint
	}

	name := strings.TrimSpace(text)
	if name == "" {
		return false, "I didn't catch that. What should I call you?"
	}

	identity := models.UserIdentity{UserID: c.session.UserID, Name: name}
	if err := identity.Validate(); err != nil {
		return false, "I didn't catch that. What should I call you?"
	}

	// Terminal save: the stage persists exactly once, here.
	if err := c.store.SaveIdentity(ctx, identity); err != nil {
		slog.Error("IdentityCollector.ProcessMessage save failed", "error", err, "userID", c.session.UserID)
		return false, "Something went wrong saving your name. Could you tell me again?"
	}

	c.name = name
	c.session.RecordAnswer(models.StageIdentity, "name", text, name)
	c.subState = identityStateDone
	slog.Info("IdentityCollector complete", "conversationID", c.session.ConversationID)
	return true, "Nice to meet you, " + name + "!"
}

func (c *IdentityCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	// The identity stage has no fixed-choice questions.
	return false, c.Prompt()
}

func (c *IdentityCollector) IsComplete() bool { return c.subState == identityStateDone }
