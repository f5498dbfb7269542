package server

import (
	"encoding/json"
	"time"
)

// RateLimiter checks a counter for a key against a limit within a window.
// The default implementation (NewFixedWindowLimiter) is process-local and
// advisory only: behind multiple server processes each process counts
// independently, so the effective limit scales with the process count. Back
// it with a shared counter store when that matters.
type RateLimiter interface {
	// Allow consumes one unit for key. When the call is rejected, resetIn is
	// the time remaining until the window rolls over.
	Allow(key string, limit int, window time.Duration) (allowed bool, resetIn time.Duration)
}

// ShapeValidator runs a route's declared input descriptor against request
// data. The descriptor extraction tooling is external; the server only needs
// the verdict and the offending field path.
type ShapeValidator interface {
	// Validate returns the empty string when value matches descriptor, or the
	// path of the first mismatching field ("user.age") otherwise.
	Validate(descriptor any, value json.RawMessage) (fieldPath string, ok bool)
}

// Reporter is the external error-reporting sink. Capture must not block the
// dispatch path for long; implementations should buffer or drop.
type Reporter interface {
	Capture(err error, context map[string]any)
}

// Localizer resolves a machine-readable error code to a human message.
// Implementations live in pkg/i18n; the server applies the fallback chain
// (requested locale, default locale, raw code) around it.
type Localizer interface {
	Resolve(code string, params map[string]any, locale string) (string, error)
}
