package engine

import (
	"errors"
)

// Failure taxonomy for process orchestration. Callers branch with errors.Is;
// in particular "no process" and "command rejected" must stay distinguishable.
var (
	// ErrResourceExhausted means the port/instance pool is full. Retryable later.
	ErrResourceExhausted = errors.New("engine instance pool exhausted")

	// ErrProcessStartFailure means the binary could not be launched or its
	// control endpoint never became reachable. Fatal for that session.
	ErrProcessStartFailure = errors.New("engine process failed to start")

	// ErrDuplicateSession means a process is already registered for the
	// session id. At most one engine process exists per session.
	ErrDuplicateSession = errors.New("session already has an engine process")

	// ErrProcessNotFound means no process is registered for the session id.
	ErrProcessNotFound = errors.New("no engine process for session")

	// ErrProcessUnreachable means a registered process did not respond.
	ErrProcessUnreachable = errors.New("engine process unreachable")

	// ErrCommandTimeout means dispatch exceeded its bound. The engine may still
	// be working; callers must treat the outcome as unknown, not rolled back.
	ErrCommandTimeout = errors.New("engine command timed out")
)
