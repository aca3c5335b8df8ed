package sink

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

func TestAuthContext_Header(t *testing.T) {
	assert.Equal(t, "", AuthContext{}.Header())
	assert.Equal(t, "Bearer abc", AuthContext{Token: "abc"}.Header())
	assert.Equal(t, "Token abc", AuthContext{Token: "abc", Scheme: "Token"}.Header())
}

func TestLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSlogLogger(logging.WithOutput(&buf), logging.WithLevel(logging.ParseLevel("debug")))

	ok := Logged("ok", Func(func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		return &wizard.Receipt{ID: "r-1"}, nil
	}), logger)
	receipt, err := ok.Submit(context.Background(), forms.Values{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "r-1", receipt.ID)
	assert.Contains(t, buf.String(), "submission accepted")
	assert.Contains(t, buf.String(), "receipt_id=r-1")

	failing := Logged("bad", Func(func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		return nil, errors.New("username taken")
	}), logger)
	_, err = failing.Submit(context.Background(), nil)
	assert.EqualError(t, err, "username taken")
	assert.Contains(t, buf.String(), "submission rejected")
}

func TestSubmitFunc_DrivesController(t *testing.T) {
	var seen forms.Values
	s := Func(func(ctx context.Context, v forms.Values) (*wizard.Receipt, error) {
		seen = v
		return &wizard.Receipt{ID: "ok"}, nil
	})
	c, err := wizard.New([]wizard.Step{{Index: 1}}, SubmitFunc(s))
	require.NoError(t, err)
	require.NoError(t, c.SetField("name", "Ana"))

	outcome, err := c.AdvanceOrSubmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wizard.OutcomeSubmitted, outcome)
	assert.Equal(t, "Ana", seen["name"])
}
