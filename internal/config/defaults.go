package config

// DefaultAddr is the default listen address for the WebSocket server.
const DefaultAddr = "127.0.0.1:7070"

// DefaultGeminiModel is the model used for fix generation when none is
// configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Fix loop defaults. Attempts are capped low: a diagnostic the backend
// cannot clear in three tries is surfaced to the user instead of burning
// quota.
const (
	DefaultFixMaxAttempts      = 3
	DefaultFixBackendTimeoutMs = 30000
	DefaultFixVerifyTimeoutMs  = 5000
	DefaultFixBackoffBaseMs    = 500
	DefaultFixBackoffCapMs     = 8000
)

// DefaultCacheCapacity is the in-memory pattern cache size.
const DefaultCacheCapacity = 512
