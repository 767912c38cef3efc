package builder

import (
	"context"
	"log/slog"
)

// unwinder accumulates compensation steps for external calls already
// performed inside a multi-step operation. On failure the steps run in
// reverse order, restoring the pre-operation state as closely as the
// external systems allow. Compensation failures are logged and skipped;
// there is nothing further the core can do synchronously.
type unwinder struct {
	steps  []func(ctx context.Context) error
	logger *slog.Logger
}

func newUnwinder(logger *slog.Logger) *unwinder {
	return &unwinder{logger: logger}
}

// push registers a compensation for one completed external step.
func (u *unwinder) push(step func(ctx context.Context) error) {
	u.steps = append(u.steps, step)
}

// run executes all registered compensations in reverse order.
func (u *unwinder) run(ctx context.Context) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			u.logger.ErrorContext(ctx, "builder: unwind step failed",
				slog.Int("step", i),
				slog.String("error", err.Error()),
			)
		}
	}
}
