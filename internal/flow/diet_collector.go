package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// Diet-preferences collector sub-states. The snack-name sub-states are
// reachable only from an affirmative include-snacks answer; the branch is
// part of the state machine, not a flag checked elsewhere.
const (
	dietStateType      = "ask_diet_type"
	dietStateAllergies = "ask_allergies"
	dietStateDislikes  = "ask_dislikes"
	dietStateSnacksYN  = "ask_include_snacks"
	dietStateSnackOne  = "ask_snack_one"
	dietStateSnackTwo  = "ask_snack_two"
	dietStateFavorites = "ask_favorites"
	dietStateDone      = "done"
)

// DietCollector collects diet type, allergies, dislikes, the snack branch and
// favorite meals, persisting everything in one write at the end.
type DietCollector struct {
	session  *models.ConversationSession
	store    store.Store
	subState string

	dietType      string
	allergies     []string
	dislikes      []string
	includeSnacks bool
	snackNames    []string
	favorites     []string
}

// NewDietCollector creates the diet-preferences-stage collector.
func NewDietCollector(session *models.ConversationSession, st store.Store) *DietCollector {
	return &DietCollector{
		session:  session,
		store:    st,
		subState: dietStateType,
	}
}

func (c *DietCollector) Stage() models.Stage { return models.StageDietPreferences }

func (c *DietCollector) Prompt() string {
	switch c.subState {
	case dietStateType:
		return "What style of eating fits you best? (e.g. balanced, vegetarian, vegan, keto)"
	case dietStateAllergies:
		return "Any food allergies? List them separated by commas, or say none."
	case dietStateDislikes:
		return "Any foods you just don't like? Commas again, or none."
	case dietStateSnacksYN:
		return "Would you like snacks in your plan? (yes / no)"
	case dietStateSnackOne:
		return "Great! What's the first snack you'd like?"
	case dietStateSnackTwo:
		return "And a second snack?"
	case dietStateFavorites:
		return "Last one: up to two favorite meals you'd like worked in, separated by a comma (or none)."
	}
	return ""
}

func (c *DietCollector) ProcessMessage(ctx context.Context, text string) (bool, string) {
	switch c.subState {
	case dietStateType:
		dietType := strings.TrimSpace(text)
		if dietType == "" {
			return false, "Tell me a diet style, like balanced or vegetarian."
		}
		c.dietType = dietType
		c.session.RecordAnswer(models.StageDietPreferences, "diet_type", text, dietType)
		c.subState = dietStateAllergies
		return true, c.Prompt()

	case dietStateAllergies:
		c.allergies = parseListAnswer(text)
		c.session.RecordAnswer(models.StageDietPreferences, "allergies", text, c.allergies)
		c.subState = dietStateDislikes
		return true, c.Prompt()

	case dietStateDislikes:
		c.dislikes = parseListAnswer(text)
		c.session.RecordAnswer(models.StageDietPreferences, "dislikes", text, c.dislikes)
		c.subState = dietStateSnacksYN
		return true, c.Prompt()

	case dietStateSnacksYN:
		// Yes/no is fixed-choice, but typed answers are accepted too.
		return c.SelectOption(ctx, text)

	case dietStateSnackOne:
		snack := strings.TrimSpace(text)
		if snack == "" {
			return false, "What snack would you like? Name one."
		}
		c.snackNames = append(c.snackNames, snack)
		c.session.RecordAnswer(models.StageDietPreferences, "snack_one", text, snack)
		c.subState = dietStateSnackTwo
		return true, c.Prompt()

	case dietStateSnackTwo:
		snack := strings.TrimSpace(text)
		if snack == "" {
			return false, "Name a second snack."
		}
		c.snackNames = append(c.snackNames, snack)
		c.session.RecordAnswer(models.StageDietPreferences, "snack_two", text, snack)
		c.subState = dietStateFavorites
		return true, c.Prompt()

	case dietStateFavorites:
		favorites := parseListAnswer(text)
		if len(favorites) > models.MaxFavoritesPerPlan {
			return false, fmt.Sprintf("At most %d favorite meals, please. Try again.", models.MaxFavoritesPerPlan)
		}
		c.favorites = favorites
		c.session.RecordAnswer(models.StageDietPreferences, "favorite_meals", text, favorites)
		return c.save(ctx)
	}
	return false, selectOptionHint
}

func (c *DietCollector) SelectOption(ctx context.Context, option string) (bool, string) {
	if c.subState != dietStateSnacksYN {
		return false, c.Prompt()
	}
	yes, ok := parseYesNo(option)
	if !ok {
		return false, "Just a yes or no: would you like snacks in your plan?"
	}
	c.includeSnacks = yes
	c.session.RecordAnswer(models.StageDietPreferences, "include_snacks", option, yes)
	if yes {
		c.subState = dietStateSnackOne
	} else {
		c.subState = dietStateFavorites
	}
	return true, c.Prompt()
}

// save performs the stage's single terminal persistence write.
func (c *DietCollector) save(ctx context.Context) (bool, string) {
	prefs := models.DietPreferences{
		UserID:        c.session.UserID,
		DietType:      c.dietType,
		Allergies:     c.allergies,
		Dislikes:      c.dislikes,
		IncludeSnacks: c.includeSnacks,
		SnackNames:    c.snackNames,
		FavoriteMeals: c.favorites,
	}
	if err := prefs.Validate(); err != nil {
		slog.Error("DietCollector.save validation failed", "error", err, "userID", c.session.UserID)
		return false, "Something looks off with your preferences. " + c.Prompt()
	}
	if err := c.store.SaveDietPreferences(ctx, prefs); err != nil {
		slog.Error("DietCollector.save store write failed", "error", err, "userID", c.session.UserID)
		return false, "I couldn't save your preferences just now. Tell me your favorite meals again."
	}

	c.subState = dietStateDone
	slog.Info("DietCollector complete", "conversationID", c.session.ConversationID)
	return true, "Perfect, your preferences are saved."
}

func (c *DietCollector) IsComplete() bool { return c.subState == dietStateDone }
