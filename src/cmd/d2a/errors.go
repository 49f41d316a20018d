package main

import (
	"errors"
	"fmt"

	"d2a-agent/src/agent"
	"d2a-agent/src/api"
	"d2a-agent/src/broker"
	"d2a-agent/src/store"
)

// UserError wraps errors with user-friendly messages
type UserError struct {
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += "\n\nHint: " + e.Hint
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n\nDetails: %v", e.Err)
	}
	return msg
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// WrapError converts known failures to user-friendly messages
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, api.ErrAgentUnreachable):
		return &UserError{
			Message: "Agent API not reachable",
			Hint:    "Start an agent with D2A_API_ADDR set, e.g.\n  D2A_API_ADDR=127.0.0.1:7878 d2a run",
			Err:     err,
		}
	case errors.Is(err, broker.ErrNoRelays), errors.Is(err, broker.ErrRelayDown):
		return &UserError{
			Message: "Could not reach any relay",
			Hint:    "Check D2A_RELAYS and your network connection.",
			Err:     err,
		}
	case errors.Is(err, store.ErrInvalidAffinity):
		return &UserError{
			Message: "Invalid seed file",
			Hint:    "Affinity weights in D2A_SEED_FILE must be between 0 and 1.",
			Err:     err,
		}
	case errors.Is(err, agent.ErrAlreadyRunning), errors.Is(err, agent.ErrStopped):
		return &UserError{
			Message: "Agent cannot be started",
			Err:     err,
		}
	}
	return err
}
