package pipeline

import (
	"context"

	"github.com/ashita-ai/hikaku/internal/model"
)

// DispatchHook is notified after every completed dispatch cycle, successful
// or not. Hooks run asynchronously and never affect the cycle's result.
type DispatchHook interface {
	OnDispatch(ctx context.Context, report model.DispatchReport) error
}

// DispatchHookFunc adapts a function to DispatchHook.
type DispatchHookFunc func(ctx context.Context, report model.DispatchReport) error

// OnDispatch calls f.
func (f DispatchHookFunc) OnDispatch(ctx context.Context, report model.DispatchReport) error {
	return f(ctx, report)
}

func (c *Controller) fireHooks(report model.DispatchReport) {
	for _, h := range c.hooks {
		c.hookWG.Add(1)
		go func() {
			defer c.hookWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.hookTimeout)
			defer cancel()
			if err := h.OnDispatch(ctx, report); err != nil {
				c.logger.Warn("pipeline: dispatch hook failed", "cycle_id", report.CycleID, "error", err)
			}
		}()
	}
}

// Drain waits for in-flight hooks to finish or for ctx to expire.
func (c *Controller) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.hookWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("pipeline: drain timed out waiting for dispatch hooks")
	}
}
