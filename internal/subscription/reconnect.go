package subscription

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tunesync/internal/logging"
	"tunesync/internal/realtime"
)

// newRetrySchedule yields initial, 2x, 4x ... capped at max, without jitter.
func newRetrySchedule(initial, max time.Duration) *backoff.ExponentialBackOff {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	schedule.Reset()
	return schedule
}

func (b *Binding[S]) onStatus(attempt uint64, status realtime.Status, err error) {
	switch status {
	case realtime.StatusSubscribed:
		b.subscribed(attempt)
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		if err == nil {
			err = fmt.Errorf("channel reported %s", status)
		}
		b.fail(attempt, err)
	default:
		b.logger.Debug("ignoring channel status", logging.Field("status", string(status)))
	}
}

func (b *Binding[S]) subscribed(attempt uint64) {
	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		return
	}
	if b.state.Connected {
		b.mu.Unlock()
		return
	}
	reload := b.needsReload
	b.needsReload = false
	b.state.Connected = true
	b.state.Phase = PhaseSubscribed
	b.state.Retries = 0
	b.subErr = nil
	b.retry.Reset()
	var seq uint64
	if reload {
		seq = b.beginLoadLocked()
	}
	b.bumpLocked()
	b.mu.Unlock()

	b.logger.Debug("subscription live", logging.Field("reload", reload))
	b.notify()
	if reload {
		go b.runLoad(seq, false)
	}
}

// fail drops the current attempt and either schedules the next one or, once
// the retry budget is spent, parks the binding in the error phase.
func (b *Binding[S]) fail(attempt uint64, cause error) {
	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		return
	}
	b.attempt++
	next := b.attempt
	detach, release := b.takeLeaseLocked()
	stopTimer(&b.refetchTimer)
	b.state.Connected = false
	b.state.Phase = PhaseError
	b.needsReload = true

	var delay time.Duration
	retrying := b.state.Retries < b.opts.MaxRetries
	if retrying {
		delay = b.retry.NextBackOff()
		b.state.Retries++
		b.subErr = cause
		b.retryTimer = time.AfterFunc(delay, func() { b.retryAttempt(next) })
	} else {
		b.subErr = fmt.Errorf("%w: %w", ErrRetriesExhausted, cause)
	}
	retries := b.state.Retries
	b.bumpLocked()
	b.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if release != nil {
		release()
	}

	if retrying {
		b.logger.Warn("subscription failed, retrying",
			logging.Field("error", cause),
			logging.Field("attempt", retries),
			logging.Field("retry_in", delay.String()))
		if b.opts.OnRetry != nil {
			b.opts.OnRetry(retries, delay)
		}
	} else {
		b.logger.Error("subscription failed, giving up",
			logging.Field("error", cause),
			logging.Field("attempts", retries))
	}
	b.notify()
}

func (b *Binding[S]) retryAttempt(attempt uint64) {
	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		return
	}
	b.retryTimer = nil
	b.state.Phase = PhaseSubscribing
	b.bumpLocked()
	b.mu.Unlock()

	b.notify()
	b.setup(attempt)
}
