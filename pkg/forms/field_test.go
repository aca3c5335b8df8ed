package forms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_Constructors(t *testing.T) {
	email := EmailField("email", "Email", WithRequired(), WithPlaceholder("you@example.com"))
	assert.Equal(t, FieldEmail, email.Type)
	assert.True(t, email.Required())
	require.Len(t, email.Rules, 2)
	assert.Equal(t, KindRequired, email.Rules[0].Kind())
	assert.Equal(t, KindPattern, email.Rules[1].Kind())

	msg, ok := email.Validate(Values{"email": ""})
	assert.False(t, ok)
	assert.Equal(t, "This field is required", msg)

	msg, ok = email.Validate(Values{"email": "nope"})
	assert.False(t, ok)
	assert.Equal(t, "Please enter a valid email address", msg)

	bio := TextareaField("bio", "")
	assert.False(t, bio.Required())
	assert.Equal(t, "bio", bio.DisplayLabel())

	format := SelectField("format", "Format", []Option{{Value: "single", Label: "Single elimination"}})
	assert.Len(t, format.Options, 1)
}

func TestField_Coerce(t *testing.T) {
	v, err := CheckboxField("terms", "Terms").Coerce("yes")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = NumberField("size", "Size").Coerce(" 16 ")
	require.NoError(t, err)
	assert.Equal(t, 16.0, v)

	v, err = NumberField("size", "Size").Coerce("")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	_, err = NumberField("size", "Size").Coerce("sixteen")
	assert.Error(t, err)

	v, err = DateField("dob", "Date of birth").Coerce("2001-09-09")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2001, 9, 9, 0, 0, 0, 0, time.UTC), v)

	_, err = DateField("dob", "Date of birth").Coerce("09/09/2001")
	assert.Error(t, err)

	v, err = PasswordField("password", "Password").Coerce(" spaced ")
	require.NoError(t, err)
	assert.Equal(t, " spaced ", v)

	v, err = TextField("username", "Username").Coerce(" ana ")
	require.NoError(t, err)
	assert.Equal(t, "ana", v)
}
