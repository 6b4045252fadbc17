package subscription

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tunesync/internal/logging"
	"tunesync/internal/realtime"
)

const loadRetryInterval = 250 * time.Millisecond

// beginLoadLocked starts a new snapshot generation. Changes are buffered
// until that generation lands; older generations are dropped.
func (b *Binding[S]) beginLoadLocked() uint64 {
	b.loadSeq++
	if !b.desc.RefetchOnChange {
		b.buffering = true
	}
	return b.loadSeq
}

// runLoad fetches a snapshot. With retry set the fetch is retried with a
// short backoff; this is only used for the first load.
func (b *Binding[S]) runLoad(seq uint64, retry bool) {
	if b.desc.Load == nil {
		b.finishLoad(seq, *new(S), nil, false)
		return
	}

	var (
		data S
		err  error
	)
	if retry {
		schedule := backoff.NewExponentialBackOff()
		schedule.InitialInterval = loadRetryInterval
		schedule.MaxInterval = 2 * time.Second
		data, err = backoff.Retry(b.ctx, func() (S, error) {
			return b.desc.Load(b.ctx)
		},
			backoff.WithBackOff(schedule),
			backoff.WithMaxTries(b.opts.LoadAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.logger.Debug("retrying snapshot load",
					logging.Field("error", err),
					logging.Field("next_retry", next.String()))
			}),
		)
	} else {
		data, err = b.desc.Load(b.ctx)
	}
	b.finishLoad(seq, data, err, true)
}

func (b *Binding[S]) finishLoad(seq uint64, data S, err error, loaded bool) {
	b.mu.Lock()
	if b.closed || seq != b.loadSeq {
		b.mu.Unlock()
		return
	}

	pending := b.pending
	b.pending = nil
	b.buffering = false

	if err != nil {
		b.loadErr = fmt.Errorf("load %s: %w", b.desc.Channel, err)
		b.logger.Warn("snapshot load failed", logging.Field("error", err))
	} else {
		b.loadErr = nil
		if loaded {
			b.state.Data = data
			b.state.Loaded = true
		}
	}
	for _, change := range pending {
		b.applyLocked(change)
	}
	b.bumpLocked()
	b.mu.Unlock()
	b.notify()
}

func (b *Binding[S]) onChange(attempt uint64, change realtime.Change) {
	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		return
	}
	if b.desc.RefetchOnChange {
		b.scheduleRefetchLocked()
		b.mu.Unlock()
		return
	}
	if b.buffering {
		b.pending = append(b.pending, change)
		b.mu.Unlock()
		return
	}
	if !b.applyLocked(change) {
		b.mu.Unlock()
		return
	}
	b.bumpLocked()
	b.mu.Unlock()
	b.notify()
}

func (b *Binding[S]) applyLocked(change realtime.Change) bool {
	if b.desc.Merge == nil {
		return false
	}
	next, err := b.desc.Merge(b.state.Data, change)
	if err != nil {
		b.logger.Warn("dropping change event",
			logging.Field("kind", string(change.Kind)),
			logging.Field("table", change.Table),
			logging.Field("error", err))
		return false
	}
	b.state.Data = next
	return true
}

// scheduleRefetchLocked debounces change-triggered reloads.
func (b *Binding[S]) scheduleRefetchLocked() {
	stopTimer(&b.refetchTimer)
	b.refetchTimer = time.AfterFunc(b.opts.RefetchDelay, b.refetch)
}

func (b *Binding[S]) refetch() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.refetchTimer = nil
	seq := b.beginLoadLocked()
	b.mu.Unlock()

	b.logger.Debug("refetching snapshot")
	b.runLoad(seq, false)
}
