package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

// UserContext is the optional per-user data a template can draw on.
// Missing fields fall back to generic wording.
type UserContext struct {
	Name       *string `validate:"omitempty,min=1,max=64"`
	StreakDays *int    `validate:"omitempty,min=0"`
	Goal       *string `validate:"omitempty,min=1,max=200"`
	Mood       *string `validate:"omitempty,oneof=calm encouraging disappointed angry"`
}

const maxNameLength = 64

// UserContextLoader fetches the context for a user.
type UserContextLoader func(ctx context.Context, userID string) (UserContext, error)

// ProfileReader looks up stored user profiles.
type ProfileReader interface {
	GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// ProfileLoader builds a UserContextLoader from stored profiles. Users without
// a profile, or whose name does not fit a greeting, get the generic wording.
func ProfileLoader(profiles ProfileReader) UserContextLoader {
	return func(ctx context.Context, userID string) (UserContext, error) {
		profile, err := profiles.GetByUserID(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return UserContext{}, nil
		}
		if err != nil {
			return UserContext{}, err
		}

		var uc UserContext
		if profile.Name != nil {
			name := strings.TrimSpace(*profile.Name)
			if name != "" && utf8.RuneCountInString(name) <= maxNameLength {
				uc.Name = &name
			}
		}
		return uc, nil
	}
}

var defaultMessages = []string{
	"Hey %s, it's time for your check-in. Did you keep your promise today?",
	"%s, this is your accountability call. What did you get done today?",
	"Time to report in, %s. Walk me through today.",
	"%s, no excuses. Tell me how today went.",
}

var moodVoices = map[string]string{
	"calm":         "21m00Tcm4TlvDq8ikWAM",
	"encouraging":  "21m00Tcm4TlvDq8ikWAM",
	"disappointed": "TxGEqnHWrfWFTfGW9XjX",
	"angry":        "pNInz6obpgDQGcFmaJgB",
}

// TemplateGenerator builds call content from a fixed message set.
type TemplateGenerator struct {
	messages []string
	loadUser UserContextLoader
	randIntn func(n int) int
	validate *validator.Validate
}

type TemplateOption func(*TemplateGenerator)

// WithMessages replaces the message set. Each message takes the user's name
// through exactly one %s verb; NewTemplateGenerator rejects any other shape.
func WithMessages(messages []string) TemplateOption {
	return func(g *TemplateGenerator) {
		if len(messages) > 0 {
			g.messages = messages
		}
	}
}

func WithUserContextLoader(loader UserContextLoader) TemplateOption {
	return func(g *TemplateGenerator) {
		g.loadUser = loader
	}
}

func WithRandIntn(fn func(n int) int) TemplateOption {
	return func(g *TemplateGenerator) {
		if fn != nil {
			g.randIntn = fn
		}
	}
}

func NewTemplateGenerator(opts ...TemplateOption) (*TemplateGenerator, error) {
	g := &TemplateGenerator{
		messages: defaultMessages,
		randIntn: rand.IntN,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	for i, msg := range g.messages {
		if !isNameTemplate(msg) {
			return nil, fmt.Errorf("%w: message %d must contain exactly one %%s and no other verbs", domain.ErrValidation, i)
		}
	}
	return g, nil
}

func isNameTemplate(msg string) bool {
	if strings.Count(msg, "%s") != 1 {
		return false
	}
	rest := strings.ReplaceAll(strings.Replace(msg, "%s", "", 1), "%%", "")
	return !strings.Contains(rest, "%")
}

func (g *TemplateGenerator) Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
	var uc UserContext
	if g.loadUser != nil {
		loaded, err := g.loadUser(ctx, userID)
		if err != nil {
			return domain.CallContent{}, fmt.Errorf("%w: failed to load user context: %w", domain.ErrContentGeneration, err)
		}
		uc = loaded
	}
	if err := g.validate.Struct(uc); err != nil {
		return domain.CallContent{}, fmt.Errorf("%w: invalid user context: %w", domain.ErrContentGeneration, err)
	}

	return g.render(uc), nil
}

func (g *TemplateGenerator) render(uc UserContext) domain.CallContent {
	name := "there"
	if uc.Name != nil {
		name = strings.TrimSpace(*uc.Name)
	}

	idx := g.randIntn(len(g.messages))
	if idx < 0 || idx >= len(g.messages) {
		idx = 0
	}
	text := fmt.Sprintf(g.messages[idx], name)

	if uc.StreakDays != nil && *uc.StreakDays > 0 {
		text += fmt.Sprintf(" You're on a %d day streak.", *uc.StreakDays)
	}
	if uc.Goal != nil {
		text += fmt.Sprintf(" Remember your goal: %s.", strings.TrimSpace(*uc.Goal))
	}

	mood := "encouraging"
	if uc.Mood != nil {
		mood = *uc.Mood
	}

	return domain.CallContent{
		Text: text,
		VoiceParameters: domain.VoiceParameters{
			VoiceID: moodVoices[mood],
			Mood:    mood,
		},
	}
}

var _ Generator = (*TemplateGenerator)(nil)
