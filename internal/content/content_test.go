package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

type fakeGenerator struct {
	generateFn func(ctx context.Context, userID string, callID string) (domain.CallContent, error)
}

func (f fakeGenerator) Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
	return f.generateFn(ctx, userID, callID)
}

func ptr[T any](v T) *T { return &v }

func newTestTemplates(t *testing.T, opts ...TemplateOption) *TemplateGenerator {
	t.Helper()

	gen, err := NewTemplateGenerator(opts...)
	if err != nil {
		t.Fatalf("NewTemplateGenerator() error = %v", err)
	}
	return gen
}

type fakeProfiles struct {
	getFn func(ctx context.Context, userID string) (*domain.UserProfile, error)
}

func (f fakeProfiles) GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return f.getFn(ctx, userID)
}

func TestTemplateGeneratorDeterministicWithInjectedRandom(t *testing.T) {
	t.Parallel()

	gen := newTestTemplates(t,
		WithMessages([]string{"first %s", "second %s"}),
		WithRandIntn(func(n int) int { return 1 }),
		WithUserContextLoader(func(ctx context.Context, userID string) (UserContext, error) {
			return UserContext{Name: ptr("Ada"), StreakDays: ptr(4), Mood: ptr("angry")}, nil
		}),
	)

	got, err := gen.Generate(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Text != "second Ada You're on a 4 day streak." {
		t.Fatalf("Text = %q", got.Text)
	}
	if got.VoiceParameters.Mood != "angry" || got.VoiceParameters.VoiceID != moodVoices["angry"] {
		t.Fatalf("VoiceParameters = %+v", got.VoiceParameters)
	}
}

func TestTemplateGeneratorWithoutUserContext(t *testing.T) {
	t.Parallel()

	gen := newTestTemplates(t, WithRandIntn(func(n int) int { return 0 }))

	got, err := gen.Generate(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(got.Text, "there") {
		t.Fatalf("Text = %q, want generic greeting", got.Text)
	}
	if got.VoiceParameters.Mood != "encouraging" {
		t.Fatalf("Mood = %q, want encouraging", got.VoiceParameters.Mood)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("generated content invalid: %v", err)
	}
}

func TestTemplateGeneratorRejectsInvalidUserContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		uc   UserContext
	}{
		{name: "unknown mood", uc: UserContext{Mood: ptr("ecstatic")}},
		{name: "negative streak", uc: UserContext{StreakDays: ptr(-1)}},
		{name: "empty name", uc: UserContext{Name: ptr("")}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gen := newTestTemplates(t, WithUserContextLoader(func(ctx context.Context, userID string) (UserContext, error) {
				return tt.uc, nil
			}))
			_, err := gen.Generate(context.Background(), "u1", "c1")
			if !errors.Is(err, domain.ErrContentGeneration) {
				t.Fatalf("Generate() error = %v, want ErrContentGeneration", err)
			}
		})
	}
}

func TestTemplateGeneratorLoaderError(t *testing.T) {
	t.Parallel()

	gen := newTestTemplates(t, WithUserContextLoader(func(ctx context.Context, userID string) (UserContext, error) {
		return UserContext{}, errors.New("db down")
	}))
	if _, err := gen.Generate(context.Background(), "u1", "c1"); !errors.Is(err, domain.ErrContentGeneration) {
		t.Fatalf("Generate() error = %v, want ErrContentGeneration", err)
	}
}

func TestNewTemplateGeneratorValidatesMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		messages []string
		wantErr  bool
	}{
		{name: "one name verb", messages: []string{"Hi %s, 100%% done?"}},
		{name: "no verb", messages: []string{"Hi %s", "Time to check in."}, wantErr: true},
		{name: "two name verbs", messages: []string{"%s, %s"}, wantErr: true},
		{name: "other verb", messages: []string{"%s, day %d"}, wantErr: true},
	}

	for _, tt := range tests {
		_, err := NewTemplateGenerator(WithMessages(tt.messages))
		if tt.wantErr && !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: NewTemplateGenerator() error = %v, want ErrValidation", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Fatalf("%s: NewTemplateGenerator() error = %v", tt.name, err)
		}
	}

	for i, msg := range defaultMessages {
		if !isNameTemplate(msg) {
			t.Fatalf("default message %d is not a name template: %q", i, msg)
		}
	}
}

func TestProfileLoader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		profile  *domain.UserProfile
		err      error
		wantName string
		wantErr  bool
	}{
		{name: "named user", profile: &domain.UserProfile{UserID: "u1", Name: ptr("  Ada ")}, wantName: "Ada"},
		{name: "no name", profile: &domain.UserProfile{UserID: "u1"}, wantName: "there"},
		{name: "blank name", profile: &domain.UserProfile{UserID: "u1", Name: ptr("   ")}, wantName: "there"},
		{name: "overlong name", profile: &domain.UserProfile{UserID: "u1", Name: ptr(strings.Repeat("a", 65))}, wantName: "there"},
		{name: "unknown user", err: domain.ErrNotFound, wantName: "there"},
		{name: "store failure", err: errors.New("db down"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			profiles := fakeProfiles{getFn: func(ctx context.Context, userID string) (*domain.UserProfile, error) {
				return tt.profile, tt.err
			}}
			gen := newTestTemplates(t,
				WithMessages([]string{"Hello %s."}),
				WithUserContextLoader(ProfileLoader(profiles)),
			)

			got, err := gen.Generate(context.Background(), "u1", "c1")
			if tt.wantErr {
				if !errors.Is(err, domain.ErrContentGeneration) {
					t.Fatalf("Generate() error = %v, want ErrContentGeneration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if want := "Hello " + tt.wantName + "."; got.Text != want {
				t.Fatalf("Text = %q, want %q", got.Text, want)
			}
		})
	}
}

func TestHTTPGeneratorGenerate(t *testing.T) {
	t.Parallel()

	var gotReq generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Check in now","voiceParameters":{"voiceId":"v1","mood":"calm"}}`))
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPGenerator() error = %v", err)
	}

	got, err := gen.Generate(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if gotReq.UserID != "u1" || gotReq.CallID != "c1" {
		t.Fatalf("request = %+v", gotReq)
	}
	if got.Text != "Check in now" || got.VoiceParameters.VoiceID != "v1" {
		t.Fatalf("content = %+v", got)
	}
}

func TestHTTPGeneratorFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "empty text", status: http.StatusOK, body: `{"text":"   "}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			gen, err := NewHTTPGenerator(server.URL)
			if err != nil {
				t.Fatalf("NewHTTPGenerator() error = %v", err)
			}
			if _, err := gen.Generate(context.Background(), "u1", "c1"); !errors.Is(err, domain.ErrContentGeneration) {
				t.Fatalf("Generate() error = %v, want ErrContentGeneration", err)
			}
		})
	}
}

func TestFallbackGenerator(t *testing.T) {
	t.Parallel()

	failing := fakeGenerator{generateFn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
		return domain.CallContent{}, errors.New("remote down")
	}}
	working := fakeGenerator{generateFn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
		return domain.CallContent{Text: "fallback"}, nil
	}}

	got, err := NewFallbackGenerator(failing, working, nil).Generate(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Text != "fallback" {
		t.Fatalf("Text = %q, want fallback", got.Text)
	}

	_, err = NewFallbackGenerator(failing, failing, nil).Generate(context.Background(), "u1", "c1")
	if !errors.Is(err, domain.ErrContentGeneration) {
		t.Fatalf("Generate() error = %v, want ErrContentGeneration", err)
	}

	canceled := fakeGenerator{generateFn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
		return domain.CallContent{}, context.Canceled
	}}
	_, err = NewFallbackGenerator(canceled, working, nil).Generate(context.Background(), "u1", "c1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
}
