package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runSync invokes each prepared unit inline and stops after a sweep that
// neither prepares a unit nor finishes a task.
func (c *Crew) runSync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed := false
		finished := c.finished
		for d, err := range c.prepare(ctx) {
			if err != nil {
				return err
			}
			progressed = true

			out, err := invoke(ctx, d.worker, d.task, d.unit, d.input, c.cfg.UnitTimeout)
			if err != nil {
				c.failed(d.task, d.unit, err)
				return err
			}
			if err := c.complete(ctx, d.task, d.unit, out); err != nil {
				return err
			}
		}
		if !progressed && c.finished == finished {
			return nil
		}
	}
}

// runThreaded submits prepared units to a ThreadPool and handles their
// completions between sweeps.
func (c *Crew) runThreaded(ctx context.Context) error {
	pool := NewThreadPool(ctx, c.cfg.Threads, c.cfg.UnitTimeout)
	defer pool.WaitAndClose()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, werr := pool.Completed()
		for i, cpl := range done {
			if err := c.complete(ctx, cpl.Task, cpl.Unit, cpl.Output); err != nil {
				// The rest of the batch succeeded in its workers.
				c.settle(ctx, done[i+1:])
				return c.closePool(ctx, pool, err)
			}
		}
		if werr != nil {
			c.failedErr(werr)
			return c.closePool(ctx, pool, werr)
		}
		if err := ctx.Err(); err != nil {
			return c.closePool(ctx, pool, err)
		}

		submitted, finished := 0, c.finished
		for d, err := range c.prepare(ctx) {
			if err != nil {
				return c.closePool(ctx, pool, err)
			}
			pool.Add(d.worker, d.task, d.unit, d.input)
			submitted++
		}
		if submitted == 0 && pool.IsCompleted() {
			if c.finished == finished {
				return nil
			}
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

// closePool lets in-flight units finish, records the ones that succeeded and
// returns cause.
func (c *Crew) closePool(ctx context.Context, pool *ThreadPool, cause error) error {
	c.logger.Warn("waiting for in-flight units", zap.Int("in_flight", pool.InFlight()), zap.Error(cause))
	pool.WaitAndClose()

	done, werr := pool.Completed()
	c.settle(ctx, done)
	if werr != nil && werr != cause {
		c.failedErr(werr)
	}
	return cause
}

// settle records completions that arrive after the run has already failed.
func (c *Crew) settle(ctx context.Context, done []Completion) {
	for _, cpl := range done {
		if err := c.complete(context.WithoutCancel(ctx), cpl.Task, cpl.Unit, cpl.Output); err != nil {
			c.logger.Warn("recording late completion", zap.String("task", cpl.Task.Base().Name()), zap.Error(err))
		}
	}
}

type asyncOutcome struct {
	task   Task
	unit   TaskUnit
	result Result
}

// runAsync launches every prepared unit at once and handles results as they
// arrive. It stops when a sweep leaves nothing in flight.
func (c *Crew) runAsync(ctx context.Context) error {
	finished := make(chan asyncOutcome)
	pending := 0

	for {
		if pending > 0 {
			select {
			case o := <-finished:
				pending--
				if err := c.finishAsync(ctx, o); err != nil {
					return c.drainAsync(ctx, finished, pending, err)
				}
			case <-ctx.Done():
				return c.drainAsync(ctx, finished, pending, ctx.Err())
			}

		collect:
			for {
				select {
				case o := <-finished:
					pending--
					if err := c.finishAsync(ctx, o); err != nil {
						return c.drainAsync(ctx, finished, pending, err)
					}
				default:
					break collect
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return c.drainAsync(ctx, finished, pending, err)
		}
		settled := c.finished
		for d, err := range c.prepare(ctx) {
			if err != nil {
				return c.drainAsync(ctx, finished, pending, err)
			}
			pending++
			go func(d *dispatch, ch <-chan Result) {
				finished <- asyncOutcome{task: d.task, unit: d.unit, result: <-ch}
			}(d, invokeAsync(ctx, d.worker, d.task, d.unit, d.input, c.cfg.UnitTimeout))
		}
		if pending == 0 && c.finished == settled {
			return nil
		}
	}
}

func (c *Crew) finishAsync(ctx context.Context, o asyncOutcome) error {
	if o.result.Err != nil {
		c.failed(o.task, o.unit, o.result.Err)
		return o.result.Err
	}
	return c.complete(ctx, o.task, o.unit, o.result.Output)
}

// drainAsync waits for the pending units, records the ones that succeeded
// and returns cause.
func (c *Crew) drainAsync(ctx context.Context, finished <-chan asyncOutcome, pending int, cause error) error {
	if pending > 0 {
		c.logger.Warn("waiting for in-flight units", zap.Int("in_flight", pending), zap.Error(cause))
	}
	for ; pending > 0; pending-- {
		o := <-finished
		if o.result.Err != nil {
			c.failed(o.task, o.unit, o.result.Err)
			continue
		}
		c.settle(ctx, []Completion{{Task: o.task, Unit: o.unit, Output: o.result.Output}})
	}
	return cause
}
