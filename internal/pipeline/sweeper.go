package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper batch sizing. Users are processed in small concurrent batches
// with a pause between batches so sweep-triggered oracle calls never spike.
const (
	sweepBatchSize  = 2
	sweepBatchDelay = 2 * time.Second
	activeWindow    = 24 * time.Hour
)

// Sweeper periodically walks active users and runs the pipeline's
// maintenance pass for each: pending flush retries, cold-start grouping,
// and due dedup sweeps.
type Sweeper struct {
	pipeline *Pipeline
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper over the pipeline.
func NewSweeper(p *Pipeline, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		pipeline: p,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep loop and blocks until it has exited. Shutdown calls
// this before draining the pipeline so no sweep runs concurrently with the
// final flushes.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	users, err := s.pipeline.ActiveUsers(ctx, time.Now().Add(-activeWindow))
	if err != nil {
		s.logger.Error("sweeper: list active users", "error", err)
		return
	}
	if len(users) == 0 {
		return
	}
	s.logger.Debug("sweeper: pass starting", "users", len(users))

	for start := 0; start < len(users); start += sweepBatchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + sweepBatchSize
		if end > len(users) {
			end = len(users)
		}

		var g errgroup.Group
		for _, userID := range users[start:end] {
			g.Go(func() error {
				if err := s.pipeline.SweepUser(ctx, userID); err != nil {
					s.logger.Error("sweeper: user sweep failed", "user_id", userID, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(users) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sweepBatchDelay):
			}
		}
	}
}
