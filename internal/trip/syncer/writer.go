package syncer

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/steveyegge/tripsync/internal/trip/metrics"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// job is one queued remote operation. A job without run is a barrier.
type job struct {
	op   string
	key  string
	run  func(ctx context.Context) error
	done chan struct{}
}

func (s *Synchronizer[T]) enqueue(j job) {
	s.qmu.Lock()
	s.queue = append(s.queue, j)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synchronizer[T]) dequeue() (job, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue[0] = job{}
	s.queue = s.queue[1:]
	return j, true
}

// Flush waits until every write queued before the call has completed,
// successfully or not.
func (s *Synchronizer[T]) Flush(ctx context.Context) error {
	if s.State() == Closed {
		return ErrClosed
	}
	done := make(chan struct{})
	s.enqueue(job{op: "flush", done: done})

	select {
	case <-done:
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop runs queued jobs one at a time, so remote writes are issued in
// the order the local mutations happened.
func (s *Synchronizer[T]) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.dropQueued()
			return
		case <-s.wake:
		}

		for {
			j, ok := s.dequeue()
			if !ok {
				break
			}
			s.runJob(j)
			if s.ctx.Err() != nil {
				s.dropQueued()
				return
			}
		}
	}
}

func (s *Synchronizer[T]) runJob(j job) {
	if j.run == nil {
		close(j.done)
		return
	}

	attempt := 0
	err := retry.Do(s.ctx, s.writeBackoff(), func(ctx context.Context) error {
		attempt++
		err := j.run(ctx)
		if err != nil && transport.IsRetryable(err) {
			s.logger.Debug("write failed, retrying", "op", j.op, "key", j.key, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	metrics.Writes.WithLabelValues(s.def.Name, j.op, metrics.Result(err)).Inc()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.logger.Debug("write abandoned on close", "op", j.op, "key", j.key)
	default:
		s.report(&Error{Collection: s.def.Name, Op: j.op, Key: j.key, Err: err})
	}
}

func (s *Synchronizer[T]) dropQueued() {
	s.qmu.Lock()
	pending := s.queue
	s.queue = nil
	s.qmu.Unlock()

	dropped := 0
	for _, j := range pending {
		if j.run == nil {
			close(j.done)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		s.logger.Warn("dropping queued writes", "count", dropped)
	}
}

func (s *Synchronizer[T]) writeBackoff() retry.Backoff {
	b := retry.NewExponential(s.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(s.opts.RetryMax, b)
	if s.opts.MaxWriteRetries > 0 {
		b = retry.WithMaxRetries(s.opts.MaxWriteRetries, b)
	}
	return b
}

// reconnect re-subscribes with backoff until it succeeds, the error is not
// retryable, or the synchronizer is closed.
func (s *Synchronizer[T]) reconnect() {
	defer s.wg.Done()

	b := retry.NewExponential(s.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(s.opts.RetryMax, b)

	for {
		err := retry.Do(s.ctx, b, func(ctx context.Context) error {
			err := s.subscribe()
			if err != nil && transport.IsRetryable(err) {
				s.logger.Debug("resubscribe failed", "error", err)
				return retry.RetryableError(err)
			}
			return err
		})

		// The new subscription may already have failed while this loop
		// still owned the reconnect.
		s.mu.Lock()
		again := err == nil && s.state == Reconnecting && !s.denied
		if !again {
			s.reconnecting = false
		}
		s.mu.Unlock()
		if again {
			continue
		}

		if err != nil && s.ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			s.report(&Error{Collection: s.def.Name, Op: "subscribe", Err: err})
		}
		return
	}
}
