package transfer

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/outboxd/internal/filex"
	"github.com/dmitrijs2005/outboxd/internal/tasks"
)

// queueCleanup removes a fully sent source file. The path stays recorded in
// the store until the removal succeeds, so a failed or interrupted removal is
// tried again, here with backoff and on the next start otherwise.
func (e *Engine) queueCleanup(path string) {
	t := tasks.New(KindCleanup, path,
		func(ctx context.Context) error { return e.removeSource(ctx, path) },
		tasks.WithCancelHook(func(r tasks.CancelReason) { e.cleanupEnded(path, r) }),
	)
	if err := e.cleanup.Queue(t); err != nil {
		e.logger.Error(e.runContext(), "queue cleanup", "path", path, "error", err)
	}
}

func (e *Engine) removeSource(ctx context.Context, path string) error {
	if err := filex.Remove(path); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	if err := e.svc.CompleteCleanup(ctx, path); err != nil {
		return err
	}
	e.cleanupRetries.ClearFailedCount(path)
	e.logger.Debug(ctx, "source removed", "path", path)
	return nil
}

func (e *Engine) cleanupEnded(path string, reason tasks.CancelReason) {
	if reason != tasks.ReasonExecutionFailed || e.stopping() {
		return
	}
	e.cleanupRetries.Schedule(path, func() { e.queueCleanup(path) })
}
