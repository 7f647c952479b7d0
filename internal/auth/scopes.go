package auth

// Scopes granted to API callers.
const (
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
	ScopeDeviceControl = "device:control"
)
