package app

import (
	"context"
	"fmt"
	"time"

	logx "plughost/pkg/logx"
)

// stepper runs shutdown steps, each bounded so one component cannot stall
// the whole stop. Steps never extend the parent deadline.
type stepper struct {
	log logx.Logger
	ctx context.Context
}

func newStepper(ctx context.Context, log logx.Logger) *stepper {
	return &stepper{log: log, ctx: ctx}
}

func (s *stepper) run(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	s.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := s.ctx
	if max > 0 {
		if dl, ok := s.ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(s.ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			s.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		s.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				s.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
