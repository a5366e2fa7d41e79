package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/cost-report-runner/pkg/event"
)

const (
	regTestOwner       = "arn:aws:iam::123456789012:user/alice"
	regTestIdle        = time.Minute
	regTestGoroutines  = 10
	regTestIterations  = 100
	regTestCleanupWait = 150 * time.Millisecond
	regTestArtifact    = "/home/u/cow/report.xlsx"
)

var regTestOptions = Options{Reports: []string{"ce", "co"}, Region: "us-east-1"}

func newTestRegistry() *Registry {
	return NewRegistry(Config{IdleTimeout: regTestIdle, ChannelCapacity: 16})
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry()

	s := r.Create(regTestOwner, regTestOptions)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatePending, s.State)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, regTestOwner, got.Owner)
	assert.Equal(t, regTestOptions, got.Options)

	other := r.Create(regTestOwner, regTestOptions)
	assert.NotEqual(t, s.ID, other.ID)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UnknownID(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Channel("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, r.MarkRunning("missing"), ErrSessionNotFound)
	require.ErrorIs(t, r.MarkTerminal("missing", Outcome{State: StateFailed}), ErrSessionNotFound)
	_, err = r.Attach("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	r.Detach("missing")
}

func TestRegistry_StateTransitions(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)

	require.NoError(t, r.MarkRunning(s.ID))
	require.ErrorIs(t, r.MarkRunning(s.ID), ErrInvalidTransition)

	require.NoError(t, r.MarkTerminal(s.ID, Outcome{State: StateSucceeded, Artifact: regTestArtifact}))
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, regTestArtifact, got.Artifact)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRegistry_MarkTerminalIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)
	require.NoError(t, r.MarkRunning(s.ID))

	require.NoError(t, r.MarkTerminal(s.ID, Outcome{State: StateFailed, Error: "boom"}))
	require.NoError(t, r.MarkTerminal(s.ID, Outcome{State: StateSucceeded, Artifact: regTestArtifact}))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State, "first outcome wins")
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.Artifact)
}

func TestRegistry_MarkTerminalRejectsNonOutcome(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)

	assert.ErrorIs(t, r.MarkTerminal(s.ID, Outcome{State: StateRunning}), ErrInvalidTransition)
	assert.ErrorIs(t, r.MarkTerminal(s.ID, Outcome{State: StateClosed}), ErrInvalidTransition)
}

func TestRegistry_ReclaimIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)
	ch, err := r.Channel(s.ID)
	require.NoError(t, err)
	require.NoError(t, ch.Push(event.Log("queued")))

	final, ok := r.Reclaim(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, final.State)
	assert.True(t, ch.Closed(), "reclaim discards the channel")

	_, ok = r.Reclaim(s.ID)
	assert.False(t, ok)

	_, err = r.Channel(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_SingleConsumer(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)

	ch, err := r.Attach(s.ID)
	require.NoError(t, err)
	require.NotNil(t, ch)

	_, err = r.Attach(s.ID)
	require.ErrorIs(t, err, ErrConsumerAttached)

	r.Detach(s.ID)
	again, err := r.Attach(s.ID)
	require.NoError(t, err)
	assert.Same(t, ch, again)
}

func TestRegistry_CleanupEvictsIdleSessions(t *testing.T) {
	r := newTestRegistry()

	finished := r.Create(regTestOwner, regTestOptions)
	require.NoError(t, r.MarkRunning(finished.ID))
	require.NoError(t, r.MarkTerminal(finished.ID, Outcome{State: StateSucceeded}))

	neverStarted := r.Create(regTestOwner, regTestOptions)

	running := r.Create(regTestOwner, regTestOptions)
	require.NoError(t, r.MarkRunning(running.ID))

	attached := r.Create(regTestOwner, regTestOptions)
	require.NoError(t, r.MarkRunning(attached.ID))
	require.NoError(t, r.MarkTerminal(attached.ID, Outcome{State: StateFailed}))
	_, err := r.Attach(attached.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Cleanup(), "nothing is idle yet")

	later := time.Now().Add(2 * regTestIdle)
	r.now = func() time.Time { return later }

	assert.Equal(t, 2, r.Cleanup())

	_, err = r.Get(finished.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(neverStarted.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(running.ID)
	require.NoError(t, err, "running jobs are never evicted")
	_, err = r.Get(attached.ID)
	require.NoError(t, err, "attached sessions are never evicted")
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry()
	base := time.Now()
	for i := range 3 {
		at := base.Add(time.Duration(i) * time.Second)
		r.now = func() time.Time { return at }
		r.Create(regTestOwner, regTestOptions)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.True(t, list[0].CreatedAt.Before(list[1].CreatedAt))
	assert.True(t, list[1].CreatedAt.Before(list[2].CreatedAt))
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)
	s.Options.Reports[0] = "mutated"

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "ce", got.Options.Reports[0])
}

func TestRegistry_CleanupRoutineLifecycle(t *testing.T) {
	r := NewRegistry(Config{IdleTimeout: time.Millisecond})
	s := r.Create(regTestOwner, regTestOptions)

	r.StartCleanupRoutine(20 * time.Millisecond)
	time.Sleep(regTestCleanupWait)

	_, err := r.Get(s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, r.Close())
}

func TestRegistry_CloseDiscardsChannels(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(regTestOwner, regTestOptions)
	ch, err := r.Channel(s.ID)
	require.NoError(t, err)

	popErr := make(chan error, 1)
	go func() {
		_, err := ch.Pop(context.Background(), time.Minute)
		popErr <- err
	}()

	require.NoError(t, r.Close())
	select {
	case err := <-popErr:
		assert.ErrorIs(t, err, event.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Pop was not woken by Close")
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CloseWithoutStart(t *testing.T) {
	assert.NoError(t, newTestRegistry().Close())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for range regTestGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range regTestIterations {
				s := r.Create(regTestOwner, regTestOptions)
				_ = r.MarkRunning(s.ID)
				if ch, err := r.Channel(s.ID); err == nil {
					_ = ch.Push(event.Log("x"))
				}
				_ = r.MarkTerminal(s.ID, Outcome{State: StateSucceeded})
				_ = r.MarkTerminal(s.ID, Outcome{State: StateFailed})
				_, _ = r.Get(s.ID)
				_ = r.List()
				r.Reclaim(s.ID)
				r.Reclaim(s.ID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
