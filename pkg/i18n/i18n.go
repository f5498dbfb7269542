// Package i18n renders machine-readable error codes into human messages.
// Locale resolution uses BCP 47 matching, so "de-AT" finds a "de" catalog
// and "en-US" finds "en". The server wraps Resolve with its own fallback
// chain; this package only answers for locales it actually has.
package i18n

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

// ErrUnknownCode is returned when a code has no message in the matched
// locale.
var ErrUnknownCode = errors.New("i18n: unknown message code")

// ErrUnknownLocale is returned when a locale matches no registered catalog.
var ErrUnknownLocale = errors.New("i18n: unknown locale")

// Catalog maps message codes to templates per locale. Templates interpolate
// parameters with {name} placeholders: "retry in {resetIn}s".
type Catalog struct {
	mu       sync.RWMutex
	tags     []language.Tag
	matcher  language.Matcher
	messages map[language.Tag]map[string]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		messages: make(map[language.Tag]map[string]string),
	}
}

// Add registers message templates for a locale, merging with any existing
// ones. Returns an error when the locale is not a valid BCP 47 tag.
func (c *Catalog) Add(locale string, messages map[string]string) error {
	tag, err := language.Parse(locale)
	if err != nil {
		return fmt.Errorf("i18n: parse locale %q: %w", locale, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.messages[tag]
	if !ok {
		existing = make(map[string]string, len(messages))
		c.messages[tag] = existing
		c.tags = append(c.tags, tag)
		// Matcher preference follows registration order.
		c.matcher = language.NewMatcher(c.tags)
	}
	for code, template := range messages {
		existing[code] = template
	}
	return nil
}

// Resolve renders the message for a code in the best-matching locale.
func (c *Catalog) Resolve(code string, params map[string]any, locale string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.matcher == nil {
		return "", ErrUnknownLocale
	}

	requested, err := language.Parse(locale)
	if err != nil {
		return "", fmt.Errorf("i18n: parse locale %q: %w", locale, err)
	}
	_, index, confidence := c.matcher.Match(requested)
	if confidence == language.No {
		return "", ErrUnknownLocale
	}

	template, ok := c.messages[c.tags[index]][code]
	if !ok {
		return "", ErrUnknownCode
	}
	return interpolate(template, params), nil
}

// interpolate substitutes {name} placeholders. Unknown placeholders stay
// verbatim so a template typo is visible instead of silent.
func interpolate(template string, params map[string]any) string {
	if len(params) == 0 || !strings.ContainsRune(template, '{') {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for key, value := range params {
		pairs = append(pairs, "{"+key+"}", fmt.Sprint(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// DefaultMessages is the built-in English catalog for the protocol error
// taxonomy.
func DefaultMessages() map[string]string {
	return map[string]string{
		"invalidRequest":        "The request is malformed.",
		"notFound":              "The requested endpoint does not exist.",
		"invalidInputType":      "Invalid value for field {field}.",
		"auth.required":         "You must be logged in.",
		"auth.forbidden":        "You are not allowed to do this.",
		"auth.invalidCondition": "The access rule for this endpoint is misconfigured.",
		"rateLimitExceeded":     "Too many requests. Try again in {resetIn}s.",
		"internalServerError":   "Something went wrong. Please try again.",
		"invalidResponseStatus": "The server produced an invalid response.",
		"emptyResponse":         "The server produced no response.",
		"invalidServerResponse": "The server produced an invalid broadcast result.",
		"invalidClientResponse": "A recipient produced an invalid result.",
		"noReceiversFound":      "Nobody is listening on this channel.",
		"clientRejected":        "The recipient rejected this message.",
	}
}

// NewDefaultCatalog creates a catalog seeded with the English defaults.
func NewDefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Add("en", DefaultMessages())
	return c
}
