package live

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

func signupDefinition() *definition.Definition {
	return &definition.Definition{
		ID:    "signup",
		Title: "Sign up",
		Steps: []wizard.Step{
			{Index: 1, Title: "Account", Fields: []forms.Field{
				forms.EmailField("email", "Email", forms.WithRequired()),
			}},
			{Index: 2, Title: "Profile", Fields: []forms.Field{
				forms.TextField("username", "Username", forms.WithRequired()),
				forms.NumberField("age", "Age"),
			}},
			{Index: 3, Title: "Confirm", Fields: []forms.Field{
				forms.CheckboxField("terms", "I accept the rules", forms.WithRequired("You must accept the rules")),
			}},
		},
	}
}

func acceptAll(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
	return &wizard.Receipt{ID: "r-1"}, nil
}

func mounted(t *testing.T) *WizardComponent {
	t.Helper()
	w := NewWizardComponent(signupDefinition(), acceptAll, nil)
	require.NoError(t, w.Mount(context.Background(), Params{SessionID: "s1"}))
	return w
}

func TestWizardComponent_Flow(t *testing.T) {
	ctx := context.Background()
	w := mounted(t)
	assert.Equal(t, "signup", w.Name())

	_, err := w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "email", "value": "  nope "})
	require.NoError(t, err)
	assert.Equal(t, "nope", w.State().Values["email"])

	outcome, err := w.HandleEvent(ctx, protocol.EventAdvance, nil)
	require.NoError(t, err)
	assert.Equal(t, wizard.OutcomeInvalid, outcome)
	assert.Equal(t, "Please enter a valid email address", w.State().Errors["email"])

	_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "email", "value": "ana@example.com"})
	require.NoError(t, err)
	outcome, err = w.HandleEvent(ctx, protocol.EventSubmit, nil)
	require.NoError(t, err)
	assert.Equal(t, wizard.OutcomeAdvanced, outcome)
	assert.Equal(t, 2, w.State().CurrentStep)

	_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "age", "value": "42"})
	require.NoError(t, err)
	assert.Equal(t, 42.0, w.State().Values["age"])

	_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "age", "value": "forty"})
	assert.ErrorIs(t, err, ErrBadPayload)

	for _, n := range []any{int8(42), uint16(42), int64(42)} {
		_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "age", "value": n})
		require.NoError(t, err)
		assert.Equal(t, 42.0, w.State().Values["age"], "%T", n)
	}

	_, err = w.HandleEvent(ctx, protocol.EventJump, map[string]any{"step": 3.0})
	assert.ErrorIs(t, err, wizard.ErrStepNotVisited)

	outcome, err = w.HandleEvent(ctx, protocol.EventJump, map[string]any{"step": 1.0})
	require.NoError(t, err, "leaving step 2 needs a username")
	assert.Equal(t, wizard.OutcomeInvalid, outcome)
	assert.Equal(t, "This field is required", w.State().Errors["username"])

	_, err = w.HandleEvent(ctx, protocol.EventRetreat, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, w.State().CurrentStep)

	_, err = w.HandleEvent(ctx, protocol.EventRetreat, nil)
	assert.ErrorIs(t, err, wizard.ErrNoPreviousStep)

	_, err = w.HandleEvent(ctx, protocol.EventReset, nil)
	require.NoError(t, err)
	assert.Empty(t, w.State().Values)
}

func TestWizardComponent_Submit(t *testing.T) {
	ctx := context.Background()
	w := mounted(t)
	events := []struct {
		event   string
		payload map[string]any
	}{
		{protocol.EventSetField, map[string]any{"name": "email", "value": "ana@example.com"}},
		{protocol.EventAdvance, nil},
		{protocol.EventSetField, map[string]any{"name": "username", "value": "ana"}},
		{protocol.EventAdvance, nil},
		{protocol.EventSetField, map[string]any{"name": "terms", "value": "on"}},
	}
	for _, e := range events {
		_, err := w.HandleEvent(ctx, e.event, e.payload)
		require.NoError(t, err, e.event)
	}
	assert.Equal(t, true, w.State().Values["terms"])

	outcome, err := w.HandleEvent(ctx, protocol.EventSubmit, nil)
	require.NoError(t, err)
	assert.Equal(t, wizard.OutcomeSubmitted, outcome)
	assert.Equal(t, wizard.StatusSubmitted, w.State().Status)
	assert.Equal(t, "r-1", w.Controller().Receipt().ID)
}

func TestWizardComponent_BadEvents(t *testing.T) {
	ctx := context.Background()

	unmounted := NewWizardComponent(signupDefinition(), acceptAll, nil)
	_, err := unmounted.HandleEvent(ctx, protocol.EventAdvance, nil)
	assert.ErrorIs(t, err, ErrNotMounted)
	assert.Equal(t, wizard.State{}, unmounted.State())

	w := mounted(t)
	_, err = w.HandleEvent(ctx, "dance", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"value": "x"})
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = w.HandleEvent(ctx, protocol.EventJump, map[string]any{"step": "two"})
	assert.ErrorIs(t, err, ErrBadPayload)

	// Unknown fields are stored as sent.
	_, err = w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "utm", "value": " x "})
	require.NoError(t, err)
	assert.Equal(t, " x ", w.State().Values["utm"])
}

func TestWizardComponent_ResumeAndTerminate(t *testing.T) {
	ctx := context.Background()
	snap := wizard.Snapshot{
		ID:          "w-9",
		CurrentStep: 2,
		Values:      forms.Values{"email": "ana@example.com"},
		Completed:   []int{1},
		Visited:     []int{1, 2},
	}

	var seen []wizard.State
	w := NewWizardComponent(signupDefinition(), acceptAll, nil)
	require.NoError(t, w.Mount(ctx, Params{SessionID: "s1", Resume: &snap, OnChange: func(st wizard.State) {
		seen = append(seen, st)
	}}))

	st := w.State()
	assert.Equal(t, "w-9", st.ID)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Equal(t, wizard.StatusEditing, st.Status)
	assert.Equal(t, snap.Values, w.Snapshot().Values)

	_, err := w.HandleEvent(ctx, protocol.EventSetField, map[string]any{"name": "username", "value": "ana"})
	require.NoError(t, err)
	assert.Len(t, seen, 1)

	require.NoError(t, w.Terminate(ctx, TerminateNormal))
	assert.False(t, w.Controller().Mounted())
	_, err = w.HandleEvent(ctx, protocol.EventAdvance, nil)
	assert.ErrorIs(t, err, wizard.ErrUnmounted)

	bad := wizard.Snapshot{CurrentStep: 7}
	err = NewWizardComponent(signupDefinition(), acceptAll, nil).Mount(ctx, Params{Resume: &bad})
	assert.ErrorIs(t, err, wizard.ErrInvalidSnapshot)
}

func TestTerminateReason(t *testing.T) {
	assert.True(t, TerminateDropped.Resumable())
	assert.True(t, TerminateShutdown.Resumable())
	assert.False(t, TerminateNormal.Resumable())
	assert.Equal(t, "dropped", TerminateDropped.String())
}
