package model

import "github.com/rotisserie/eris"

// Sentinel errors shared across packages. Match with errors.Is.
var (
	ErrNotFound                = eris.New("not found")
	ErrEngineDisabled          = eris.New("engine disabled")
	ErrBudgetExceeded          = eris.New("daily budget exceeded")
	ErrCredentialMissing       = eris.New("credential missing")
	ErrCredentialInvalid       = eris.New("credential invalid")
	ErrAuthenticationFailed    = eris.New("authentication failed")
	ErrAllProvidersUnavailable = eris.New("all providers unavailable")
	ErrAllProvidersFailed      = eris.New("all providers failed")
	ErrDuplicate               = eris.New("duplicate idempotency key")
)
