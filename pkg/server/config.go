package server

import (
	"net/http"
	"time"
)

// IdentitySource selects where the identity token is resolved from at
// handshake time. The two sources are mutually exclusive by deployment flag;
// absent both, every connection is anonymous.
type IdentitySource string

const (
	// IdentityNone disables identity resolution; identity-gated behavior
	// becomes a no-op returning "not authenticated".
	IdentityNone IdentitySource = ""

	// IdentityCookie resolves the token from a cookie-style header field.
	IdentityCookie IdentitySource = "cookie"

	// IdentityCredential resolves the token from an explicit credential
	// field supplied by the client on the upgrade request.
	IdentityCredential IdentitySource = "credential"
)

// Config configures the realtime server.
type Config struct {
	// IdentitySource selects the handshake identity source.
	IdentitySource IdentitySource

	// CookieName is the cookie holding the token when IdentitySource is
	// IdentityCookie.
	CookieName string

	// CredentialParam is the query parameter holding the token when
	// IdentitySource is IdentityCredential.
	CredentialParam string

	// SessionTTL is the store TTL refreshed on every session write.
	SessionTTL time.Duration

	// CheckOrigin validates the upgrade request origin.
	CheckOrigin func(r *http.Request) bool

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize caps inbound wire messages in bytes.
	MaxMessageSize int64

	// SendQueueSize is the per-connection outbound queue length.
	SendQueueSize int

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration

	// PingInterval is the server ping cadence; PongTimeout is how long a
	// connection may stay silent before the read loop gives up.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// InboundRate and InboundBurst configure the per-connection inbound
	// flood guard in messages per second. Zero disables the guard.
	InboundRate  float64
	InboundBurst int

	// RateLimitEnabled turns the route rate-limit stage on.
	RateLimitEnabled bool

	// DefaultRateLimit applies to routes without an override.
	DefaultRateLimit RateLimit

	// GraceIntentional, GraceTransient and GraceDefault are the disconnect
	// grace windows chosen by reason: longest for the deliberate tab-switch
	// signal, medium for recognized transient network reasons, shortest
	// otherwise.
	GraceIntentional time.Duration
	GraceTransient   time.Duration
	GraceDefault     time.Duration

	// IgnoreDisconnectReasons lists reasons that cause no lifecycle
	// transition at all.
	IgnoreDisconnectReasons []string

	// SyncBatchSize is how many recipients a sync fan-out processes between
	// cooperative yields.
	SyncBatchSize int

	// DefaultLocale is the fallback locale for error message rendering.
	DefaultLocale string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		IdentitySource:   IdentityCookie,
		CookieName:       "relay_token",
		CredentialParam:  "token",
		SessionTTL:       24 * time.Hour,
		CheckOrigin:      func(r *http.Request) bool { return true },
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MaxMessageSize:   256 * 1024,
		SendQueueSize:    256,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		PongTimeout:      60 * time.Second,
		InboundRate:      100,
		InboundBurst:     200,
		RateLimitEnabled: true,
		DefaultRateLimit: RateLimit{Limit: 60, Window: time.Minute},
		GraceIntentional: 15 * time.Minute,
		GraceTransient:   2 * time.Minute,
		GraceDefault:     30 * time.Second,
		IgnoreDisconnectReasons: []string{
			ReasonServerShutdown,
		},
		SyncBatchSize: 64,
		DefaultLocale: "en",
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if c.CookieName == "" {
		c.CookieName = d.CookieName
	}
	if c.CredentialParam == "" {
		c.CredentialParam = d.CredentialParam
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.DefaultRateLimit.Limit == 0 {
		c.DefaultRateLimit = d.DefaultRateLimit
	}
	if c.GraceIntentional == 0 {
		c.GraceIntentional = d.GraceIntentional
	}
	if c.GraceTransient == 0 {
		c.GraceTransient = d.GraceTransient
	}
	if c.GraceDefault == 0 {
		c.GraceDefault = d.GraceDefault
	}
	if c.IgnoreDisconnectReasons == nil {
		c.IgnoreDisconnectReasons = d.IgnoreDisconnectReasons
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = d.SyncBatchSize
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = d.DefaultLocale
	}
	return c
}
