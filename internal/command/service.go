package command

import (
	"context"
	"errors"
	"time"

	"molrender/internal/engine"
	"molrender/internal/models"
	"molrender/internal/telemetry"
)

// Dispatcher is the slice of the process manager this service needs.
type Dispatcher interface {
	SendCommand(ctx context.Context, sessionID, command string) (models.CommandResult, error)
}

// Service is the typed command layer over the process manager: per-call
// timeouts, history recording, and the supported-command catalog.
type Service struct {
	dispatcher     Dispatcher
	history        *History
	defaultTimeout time.Duration
	nowFn          func() time.Time
}

// New builds a command service with the given default dispatch timeout.
func New(dispatcher Dispatcher, history *History, defaultTimeout time.Duration) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Service{
		dispatcher:     dispatcher,
		history:        history,
		defaultTimeout: defaultTimeout,
		nowFn:          time.Now,
	}
}

// Execute races a single command against the timeout and records the outcome.
// A timeout means unknown outcome: the engine may still complete the command,
// nothing is rolled back.
func (s *Service) Execute(ctx context.Context, sessionID, cmd string, timeout time.Duration) (models.CommandResult, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.nowFn()
	result, err := s.dispatcher.SendCommand(ctx, sessionID, cmd)
	elapsed := s.nowFn().Sub(start)

	telemetry.CommandsTotal.Inc()
	telemetry.CommandDuration.Observe(elapsed.Seconds())

	if err != nil {
		telemetry.CommandFailures.Inc()
		result = models.CommandResult{Success: false, Error: errorText(err)}
	} else if !result.Success {
		telemetry.CommandFailures.Inc()
	}

	s.history.Append(models.CommandRecord{
		SessionID:       sessionID,
		Command:         cmd,
		Result:          result,
		Timestamp:       start,
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
	return result, err
}

// ExecuteSequence runs commands strictly in order. A failure does not stop
// the sequence; callers inspect the results and abort themselves if needed.
func (s *Service) ExecuteSequence(ctx context.Context, sessionID string, cmds []string) []models.CommandResult {
	results := make([]models.CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		result, _ := s.Execute(ctx, sessionID, cmd, 0)
		results = append(results, result)
	}
	return results
}

// History returns recorded commands for the session, newest first.
func (s *Service) History(sessionID string, limit, offset int) []models.CommandRecord {
	return s.history.List(sessionID, limit, offset)
}

// ClearHistory drops the session's command log.
func (s *Service) ClearHistory(sessionID string) {
	s.history.Clear(sessionID)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrCommandTimeout):
		return "command timed out (outcome unknown)"
	case errors.Is(err, engine.ErrProcessNotFound):
		return "no engine process for session"
	case errors.Is(err, engine.ErrProcessUnreachable):
		return "engine process unreachable"
	default:
		return err.Error()
	}
}
