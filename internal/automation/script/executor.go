package script

import (
	"context"
	"log/slog"

	"github.com/ashureev/dasher-automate/internal/domain"
)

// LogExecutor stands in for the gesture executor: it logs the action and
// reports success. Dismiss, when set, runs after every action.
type LogExecutor struct {
	Logger  *slog.Logger
	Dismiss func()
}

// Perform implements automation.ActionExecutor.
func (e *LogExecutor) Perform(ctx context.Context, verdict domain.Verdict) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Performing action", "action", verdict.Action(), "rule", verdict.Rule)
	if e.Dismiss != nil {
		e.Dismiss()
	}
	return true, nil
}
