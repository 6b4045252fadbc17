package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunesync/internal/logging"
	"tunesync/internal/realtime"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func testOptions() Options {
	return Options{
		Logger:         logging.New(false),
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		RefetchDelay:   20 * time.Millisecond,
	}
}

func chatDescriptor(load func(ctx context.Context) ([]message, error)) Descriptor[[]message] {
	return Descriptor[[]message]{
		Identifier: "group-42",
		Channel:    "chat_messages:group-42",
		Filters:    []realtime.ChangeFilter{chatFilter},
		Load:       load,
		Merge:      chatMerge,
	}
}

func staticLoad(list ...message) func(context.Context) ([]message, error) {
	return func(context.Context) ([]message, error) { return list, nil }
}

func TestBindWithoutIdentifierStaysIdle(t *testing.T) {
	src := newFakeSource(nil)
	desc := chatDescriptor(staticLoad())
	desc.Identifier = ""

	b := Bind(context.Background(), src, desc, testOptions())
	defer b.Close()

	time.Sleep(20 * time.Millisecond)
	state := b.State()
	require.Equal(t, PhaseIdle, state.Phase)
	require.False(t, state.Connected)
	require.Nil(t, state.Data)
	acquires, _, _ := src.counts()
	require.Zero(t, acquires)
}

func TestChatMessagesEndToEnd(t *testing.T) {
	src := newFakeSource(nil)
	b := Bind(context.Background(), src, chatDescriptor(staticLoad(message{ID: "m2"}, message{ID: "m1"})), testOptions())

	require.Eventually(t, func() bool {
		s := b.State()
		return s.Connected && s.Loaded
	}, waitFor, tick)
	require.Equal(t, PhaseSubscribed, b.State().Phase)
	require.Equal(t, []string{"m2", "m1"}, messageIDs(b.State().Data))

	ch := src.channel("chat_messages:group-42")
	require.NotNil(t, ch)
	ch.emit(insertMessage("m3"))
	require.Equal(t, []string{"m3", "m2", "m1"}, messageIDs(b.State().Data))

	ch.emit(insertMessage("m3"))
	require.Len(t, b.State().Data, 3, "duplicate insert must be ignored")

	b.Close()
	state := b.State()
	require.False(t, state.Connected)
	require.Equal(t, PhaseClosed, state.Phase)
	require.Zero(t, ch.listenerCount())
	require.Zero(t, ch.watcherCount())

	ch.emit(insertMessage("m4"))
	require.Len(t, b.State().Data, 3, "events after close are ignored")

	acquires, releases, live := src.counts()
	require.Equal(t, 1, acquires)
	require.Equal(t, 1, releases)
	require.Zero(t, live)
}

func TestTwoBindingsShareOneChannel(t *testing.T) {
	src := newFakeSource(nil)
	a := Bind(context.Background(), src, chatDescriptor(staticLoad()), testOptions())
	b := Bind(context.Background(), src, chatDescriptor(staticLoad()), testOptions())

	require.Eventually(t, func() bool { return a.State().Connected && b.State().Connected }, waitFor, tick)
	src.mu.Lock()
	created := len(src.created)
	src.mu.Unlock()
	require.Equal(t, 1, created)

	a.Close()
	_, _, live := src.counts()
	require.Equal(t, 1, live, "channel stays while one holder remains")
	require.True(t, b.State().Connected)

	b.Close()
	_, _, live = src.counts()
	require.Zero(t, live)
}

func TestEventsBeforeSnapshotAreReplayed(t *testing.T) {
	src := newFakeSource(nil)
	release := make(chan struct{})
	load := func(ctx context.Context) ([]message, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []message{{ID: "m2"}, {ID: "m1"}}, nil
	}
	b := Bind(context.Background(), src, chatDescriptor(load), testOptions())
	defer b.Close()

	require.Eventually(t, func() bool {
		ch := src.channel("chat_messages:group-42")
		return ch != nil && ch.listenerCount() > 0
	}, waitFor, tick)
	ch := src.channel("chat_messages:group-42")
	ch.emit(insertMessage("m3"))
	ch.emit(insertMessage("m2"))
	require.False(t, b.State().Loaded)
	require.Empty(t, b.State().Data)

	close(release)
	require.Eventually(t, func() bool { return b.State().Loaded }, waitFor, tick)
	require.Equal(t, []string{"m3", "m2", "m1"}, messageIDs(b.State().Data))
}

func TestInitialLoadRetriesThenSurfacesError(t *testing.T) {
	src := newFakeSource(nil)
	var calls atomic.Int32
	load := func(context.Context) ([]message, error) {
		calls.Add(1)
		return nil, errBoom
	}
	opts := testOptions()
	opts.LoadAttempts = 2
	b := Bind(context.Background(), src, chatDescriptor(load), opts)
	defer b.Close()

	require.Eventually(t, func() bool { return b.State().Err != nil }, waitFor, tick)
	state := b.State()
	require.ErrorIs(t, state.Err, errBoom)
	require.False(t, state.Loaded)
	require.True(t, state.Connected, "query errors do not affect channel state")
	require.EqualValues(t, 2, calls.Load())

	src.channel("chat_messages:group-42").emit(insertMessage("m1"))
	require.Equal(t, []string{"m1"}, messageIDs(b.State().Data), "changes still apply after a failed load")
}

func TestChannelErrorsBackOffThenRecover(t *testing.T) {
	src := newFakeSource(func(created int) realtime.Status {
		if created <= 3 {
			return realtime.StatusChannelError
		}
		return realtime.StatusSubscribed
	})

	var mu sync.Mutex
	var delays []time.Duration
	opts := testOptions()
	opts.InitialBackoff = 10 * time.Millisecond
	opts.MaxBackoff = time.Second
	opts.OnRetry = func(_ int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}

	b := Bind(context.Background(), src, chatDescriptor(staticLoad(message{ID: "m1"})), opts)
	defer b.Close()

	require.Eventually(t, func() bool { return b.State().Connected }, waitFor, tick)
	state := b.State()
	require.Zero(t, state.Retries)
	require.NoError(t, state.Err)
	require.Equal(t, PhaseSubscribed, state.Phase)

	mu.Lock()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	require.Len(t, delays, len(want))
	for i := range want {
		require.InDelta(t, float64(want[i]), float64(delays[i]), float64(time.Millisecond), "retry %d", i+1)
	}
	mu.Unlock()

	acquires, releases, live := src.counts()
	require.Equal(t, 4, acquires)
	require.Equal(t, 3, releases)
	require.Equal(t, 1, live)
}

func TestRetriesExhaustedStaysInError(t *testing.T) {
	src := newFakeSource(func(int) realtime.Status { return realtime.StatusTimedOut })
	opts := testOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 4 * time.Millisecond

	b := Bind(context.Background(), src, chatDescriptor(staticLoad()), opts)
	defer b.Close()

	require.Eventually(t, func() bool {
		return errors.Is(b.State().Err, ErrRetriesExhausted)
	}, waitFor, tick)
	state := b.State()
	require.Equal(t, PhaseError, state.Phase)
	require.False(t, state.Connected)
	require.Equal(t, DefaultMaxRetries, state.Retries)

	time.Sleep(30 * time.Millisecond)
	acquires, _, live := src.counts()
	require.Equal(t, DefaultMaxRetries+1, acquires)
	require.Zero(t, live)
}

func TestAcquireErrorsUseTheSameRetryPath(t *testing.T) {
	opts := testOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxRetries = 2
	b := Bind(context.Background(), errSource{err: errBoom}, chatDescriptor(staticLoad()), opts)
	defer b.Close()

	require.Eventually(t, func() bool {
		return errors.Is(b.State().Err, ErrRetriesExhausted)
	}, waitFor, tick)
	require.ErrorIs(t, b.State().Err, errBoom)
}

func TestDefaultRetrySchedule(t *testing.T) {
	schedule := newRetrySchedule(DefaultInitialBackoff, DefaultMaxBackoff)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, expected := range want {
		got := schedule.NextBackOff()
		require.InDelta(t, float64(expected), float64(got), float64(time.Millisecond), "retry %d", i+1)
	}
}

func TestDisconnectAfterSubscribeReloadsSnapshot(t *testing.T) {
	src := newFakeSource(nil)
	var loads atomic.Int32
	load := func(context.Context) ([]message, error) {
		n := loads.Add(1)
		if n == 1 {
			return []message{{ID: "m1"}}, nil
		}
		return []message{{ID: "m2"}, {ID: "m1"}}, nil
	}
	b := Bind(context.Background(), src, chatDescriptor(load), testOptions())
	defer b.Close()

	require.Eventually(t, func() bool { return b.State().Connected && b.State().Loaded }, waitFor, tick)
	first := src.channel("chat_messages:group-42")
	first.report(realtime.StatusChannelError, errors.New("socket lost"))

	require.False(t, b.State().Connected)
	require.Equal(t, 1, b.State().Retries)

	require.Eventually(t, func() bool { return b.State().Connected && loads.Load() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(b.State().Data) == 2 }, waitFor, tick)
	require.Zero(t, b.State().Retries)
	require.NotSame(t, first, src.channel("chat_messages:group-42"))
}

func TestRefetchOnChangeDebouncesAndDropsStaleResults(t *testing.T) {
	src := newFakeSource(nil)
	var loads atomic.Int32
	slow := make(chan struct{})
	slowStarted := make(chan struct{})
	load := func(ctx context.Context) ([]message, error) {
		switch loads.Add(1) {
		case 1:
			return []message{{ID: "v1"}}, nil
		case 2:
			close(slowStarted)
			<-slow
			return []message{{ID: "v2"}}, nil
		default:
			return []message{{ID: "v3"}}, nil
		}
	}
	desc := chatDescriptor(load)
	desc.Merge = nil
	desc.RefetchOnChange = true

	b := Bind(context.Background(), src, desc, testOptions())
	defer b.Close()
	require.Eventually(t, func() bool { return b.State().Loaded && b.State().Connected }, waitFor, tick)
	ch := src.channel("chat_messages:group-42")

	for i := 0; i < 5; i++ {
		ch.emit(insertMessage("x"))
	}
	select {
	case <-slowStarted:
	case <-time.After(waitFor):
		t.Fatalf("refetch did not start")
	}
	time.Sleep(40 * time.Millisecond)
	require.EqualValues(t, 2, loads.Load(), "bursts collapse into one refetch")

	ch.emit(insertMessage("y"))
	require.Eventually(t, func() bool {
		data := b.State().Data
		return len(data) == 1 && data[0].ID == "v3"
	}, waitFor, tick)

	close(slow)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, "v3", b.State().Data[0].ID, "older refetch must not overwrite a newer one")
}

func TestCloseDuringLoadDiscardsResult(t *testing.T) {
	src := newFakeSource(nil)
	started := make(chan struct{})
	var sawCancel atomic.Bool
	load := func(ctx context.Context) ([]message, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return []message{{ID: "late"}}, nil
	}
	opts := testOptions()
	opts.LoadAttempts = 1
	b := Bind(context.Background(), src, chatDescriptor(load), opts)

	<-started
	b.Close()
	require.Eventually(t, sawCancel.Load, waitFor, tick)
	time.Sleep(10 * time.Millisecond)

	state := b.State()
	require.False(t, state.Loaded)
	require.Empty(t, state.Data)
	require.Equal(t, PhaseClosed, state.Phase)
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	src := newFakeSource(func(created int) realtime.Status {
		if created == 1 {
			return realtime.StatusChannelError
		}
		return realtime.StatusSubscribed
	})
	opts := testOptions()
	opts.InitialBackoff = 50 * time.Millisecond
	b := Bind(context.Background(), src, chatDescriptor(staticLoad()), opts)

	require.Eventually(t, func() bool { return b.State().Retries == 1 }, waitFor, tick)
	b.Close()
	time.Sleep(100 * time.Millisecond)

	acquires, _, live := src.counts()
	require.Equal(t, 1, acquires)
	require.Zero(t, live)
}

func TestWatchSeesOrderedStates(t *testing.T) {
	src := newFakeSource(nil)
	b := Bind(context.Background(), src, chatDescriptor(staticLoad(message{ID: "m1"})), testOptions())
	defer b.Close()

	var mu sync.Mutex
	var seen []State[[]message]
	b.Watch(func(s State[[]message]) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := seen[len(seen)-1]
		return last.Connected && last.Loaded
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		if seen[i-1].Loaded {
			require.True(t, seen[i].Loaded, "states must not go back in time")
		}
	}
}
