package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/bazelment/rlph/proc"
)

// RunLoop drives iterations according to the configured mode: once, fixed
// count, or continuous with polling. Shutdown is observed between
// iterations only; an in-flight iteration runs to completion or failure.
func (o *Orchestrator) RunLoop(ctx context.Context, shutdown <-chan struct{}) error {
	if o.cfg.Once {
		return o.RunOnce(ctx)
	}

	var iterations uint32

	for {
		if shutdownRequested(shutdown) {
			o.logger.Info("shutdown requested, exiting loop")
			return nil
		}

		if _, err := o.RunIteration(ctx); err != nil {
			// A single failed iteration does not stop the loop; operator
			// interrupts do.
			if errors.Is(err, proc.ErrInterrupted) || errors.Is(err, context.Canceled) {
				return err
			}
			o.logger.Warn("iteration failed", "error", err)
		}
		iterations++

		if o.cfg.MaxIterations > 0 && iterations >= o.cfg.MaxIterations {
			o.logger.Info("reached max iterations, exiting", "max", o.cfg.MaxIterations)
			return nil
		}

		if !o.cfg.Continuous {
			if o.cfg.MaxIterations == 0 {
				return nil
			}
			continue
		}

		if shutdownRequested(shutdown) {
			o.logger.Info("shutdown requested, exiting loop")
			return nil
		}

		o.logger.Info("polling again", "pollSeconds", o.cfg.PollSeconds)
		if waitOrShutdown(time.Duration(o.cfg.PollSeconds)*time.Second, shutdown) {
			o.logger.Info("shutdown requested, exiting loop")
			return nil
		}
	}
}

func shutdownRequested(shutdown <-chan struct{}) bool {
	if shutdown == nil {
		return false
	}
	select {
	case <-shutdown:
		return true
	default:
		return false
	}
}

// waitOrShutdown sleeps for the poll interval, waking early on shutdown.
// Reports whether shutdown was requested.
func waitOrShutdown(d time.Duration, shutdown <-chan struct{}) bool {
	if shutdown == nil {
		time.Sleep(d)
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-shutdown:
		return true
	}
}
