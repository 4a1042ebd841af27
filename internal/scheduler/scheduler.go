// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs the worker's periodic loops (subscription ensure,
// delta sync) with jittered intervals and cooperative cancellation. A
// failing iteration is logged and the loop continues after the next sleep.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one periodic task iteration.
type Job func(ctx context.Context) error

// Loop describes a periodic task.
type Loop struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Job      Job
}

// Scheduler supervises a set of loops.
type Scheduler struct {
	loops []Loop
}

// New creates a scheduler over the given loops.
func New(loops ...Loop) *Scheduler {
	return &Scheduler{loops: loops}
}

// Run starts every loop and blocks until ctx is cancelled and all loops have
// exited. Each loop runs its job once immediately, then sleeps
// interval + random jitter between iterations. The sleep is cancellable, so
// shutdown never waits for a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range s.loops {
		loop := loop
		g.Go(func() error {
			s.runLoop(ctx, loop)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, loop Loop) {
	slog.Info("loop started",
		"loop", loop.Name,
		"interval", loop.Interval,
		"jitter", loop.Jitter,
	)

	for {
		start := time.Now()
		if err := loop.Job(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("loop iteration failed",
				"loop", loop.Name,
				"error", err,
				"elapsed", time.Since(start),
			)
		}

		if !sleepCtx(ctx, withJitter(loop.Interval, loop.Jitter)) {
			break
		}
	}

	slog.Info("loop stopped", "loop", loop.Name)
}

// withJitter adds up to jitter of random delay to the base interval so
// multiple workers do not align their upstream calls.
func withJitter(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(jitter)))
}

// sleepCtx sleeps for d, returning false when ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
