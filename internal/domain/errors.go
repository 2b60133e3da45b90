package domain

import "errors"

var (
	// ErrInvalidConfig rejects session parameters; no session is created.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrSessionConflict means the lifecycle operation is not valid in the current state.
	ErrSessionConflict = errors.New("session conflict")
	ErrNoSession       = errors.New("no session")
	ErrSessionNotFound = errors.New("session not found")

	// The following never abort a session; they surface as events and flags.
	ErrAgentDecision       = errors.New("agent decision failed")
	ErrBudgetExhausted     = errors.New("session budget exhausted")
	ErrFeedStale           = errors.New("price feed stale")
	ErrPersistence         = errors.New("checkpoint persistence failed")
	ErrRosterGeneration    = errors.New("roster generation failed")
	ErrInvalidDecision     = errors.New("unparsable decision")
	ErrNoPriceAvailable    = errors.New("no price available")
	ErrLLMUnavailable      = errors.New("llm client not configured")
	ErrPositionNotOpen     = errors.New("no open position")
	ErrPositionAlreadyOpen = errors.New("position already open")
	ErrDCALimit            = errors.New("dca limit reached")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAgentDead           = errors.New("agent is dead")
)
