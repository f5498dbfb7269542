package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExactLocale(t *testing.T) {
	c := NewDefaultCatalog()

	msg, err := c.Resolve("auth.required", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "You must be logged in.", msg)
}

func TestResolveRegionalVariant(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Add("de", map[string]string{
		"auth.required": "Du musst angemeldet sein.",
	}))

	// BCP 47 matching: de-AT falls back to de.
	msg, err := c.Resolve("auth.required", nil, "de-AT")
	require.NoError(t, err)
	assert.Equal(t, "Du musst angemeldet sein.", msg)
}

func TestResolveParams(t *testing.T) {
	c := NewDefaultCatalog()

	msg, err := c.Resolve("rateLimitExceeded", map[string]any{"resetIn": 42}, "en")
	require.NoError(t, err)
	assert.Equal(t, "Too many requests. Try again in 42s.", msg)

	msg, err = c.Resolve("invalidInputType", map[string]any{"field": "user.age"}, "en")
	require.NoError(t, err)
	assert.Equal(t, "Invalid value for field user.age.", msg)
}

func TestResolveUnknownCode(t *testing.T) {
	c := NewDefaultCatalog()
	_, err := c.Resolve("ghost.code", nil, "en")
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestResolveInvalidLocale(t *testing.T) {
	c := NewDefaultCatalog()
	_, err := c.Resolve("auth.required", nil, "!!")
	assert.Error(t, err)
}

func TestResolveEmptyCatalog(t *testing.T) {
	c := NewCatalog()
	_, err := c.Resolve("auth.required", nil, "en")
	assert.ErrorIs(t, err, ErrUnknownLocale)
}

func TestAddMergesLocale(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Add("en", map[string]string{"a": "first"}))
	require.NoError(t, c.Add("en", map[string]string{"b": "second"}))

	msg, err := c.Resolve("a", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "first", msg)

	msg, err = c.Resolve("b", nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "second", msg)
}

func TestAddInvalidLocale(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.Add("not a locale", nil))
}

func TestInterpolateKeepsUnknownPlaceholders(t *testing.T) {
	got := interpolate("hello {name}, {missing}", map[string]any{"name": "ada"})
	assert.Equal(t, "hello ada, {missing}", got)
}

func TestDefaultMessagesCoverKnownCodes(t *testing.T) {
	messages := DefaultMessages()
	for _, code := range []string{
		"invalidRequest", "notFound", "auth.required", "auth.forbidden",
		"rateLimitExceeded", "internalServerError", "noReceiversFound",
	} {
		assert.Contains(t, messages, code)
	}
}
