package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(t *testing.T, tr *Tracker, provider string) {
	t.Helper()
	ticket, err := tr.Acquire(provider)
	require.NoError(t, err)
	ticket.Failure()
}

func TestTracker_OpensAfterThreshold(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 3, Cooldown: time.Hour}, zerolog.Nop())

	fail(t, tr, "openai")
	fail(t, tr, "openai")
	assert.Equal(t, StateClosed, tr.Snapshot("openai").State)

	fail(t, tr, "openai")

	_, err := tr.Acquire("openai")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	snap := tr.Snapshot("openai")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.Equal(t, 3, snap.TotalFailures)
	assert.WithinDuration(t, time.Now().Add(time.Hour), snap.OpenUntil, time.Minute)

	// Other providers are unaffected.
	ticket, err := tr.Acquire("mistral")
	require.NoError(t, err)
	ticket.Success()
}

func TestTracker_SuccessResetsCounter(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 3, Cooldown: time.Hour}, zerolog.Nop())

	fail(t, tr, "openai")
	fail(t, tr, "openai")

	ticket, err := tr.Acquire("openai")
	require.NoError(t, err)
	ticket.Success()

	fail(t, tr, "openai")
	fail(t, tr, "openai")
	assert.Equal(t, StateClosed, tr.Snapshot("openai").State)
	assert.Equal(t, 2, tr.Snapshot("openai").ConsecutiveFailures)
}

func TestTracker_LateSuccessKeepsOpenCircuitCounts(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 2, Cooldown: time.Hour}, zerolog.Nop())

	slow, err := tr.Acquire("openai")
	require.NoError(t, err)
	late, err := tr.Acquire("openai")
	require.NoError(t, err)

	fail(t, tr, "openai")
	fail(t, tr, "openai")
	require.Equal(t, StateOpen, tr.Snapshot("openai").State)

	slow.Success()
	late.Failure()

	snap := tr.Snapshot("openai")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, 3, snap.TotalFailures)
}

func TestTracker_HalfOpenSingleTrial(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 1, Cooldown: 50 * time.Millisecond}, zerolog.Nop())

	fail(t, tr, "claude")
	_, err := tr.Acquire("claude")
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(80 * time.Millisecond)

	trial, err := tr.Acquire("claude")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, tr.Snapshot("claude").State)

	_, err = tr.Acquire("claude")
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one trial while half-open")

	trial.Success()

	snap := tr.Snapshot("claude")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.True(t, snap.OpenUntil.IsZero())

	ticket, err := tr.Acquire("claude")
	require.NoError(t, err)
	ticket.Success()
}

func TestTracker_HalfOpenFailureReopens(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 1, Cooldown: 50 * time.Millisecond}, zerolog.Nop())

	fail(t, tr, "gemini")
	time.Sleep(80 * time.Millisecond)

	trial, err := tr.Acquire("gemini")
	require.NoError(t, err)
	trial.Failure()

	_, err = tr.Acquire("gemini")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, tr.Snapshot("gemini").TotalFailures)
}

func TestTracker_AbandonReleasesTrial(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 1, Cooldown: 50 * time.Millisecond}, zerolog.Nop())

	fail(t, tr, "gemini")
	time.Sleep(80 * time.Millisecond)

	trial, err := tr.Acquire("gemini")
	require.NoError(t, err)
	trial.Abandon()

	assert.Equal(t, StateOpen, tr.Snapshot("gemini").State)
	assert.Equal(t, 1, tr.Snapshot("gemini").TotalFailures)

	time.Sleep(80 * time.Millisecond)
	trial, err = tr.Acquire("gemini")
	require.NoError(t, err, "trial slot must not stay taken after abandon")
	trial.Success()
}

func TestTracker_AbandonWhileClosedIsNotAFailure(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 1, Cooldown: time.Hour}, zerolog.Nop())

	ticket, err := tr.Acquire("openai")
	require.NoError(t, err)
	ticket.Abandon()
	ticket.Failure() // already settled

	assert.Equal(t, StateClosed, tr.Snapshot("openai").State)
	assert.Equal(t, 0, tr.Snapshot("openai").TotalFailures)
}

func TestTracker_ConcurrentFailures(t *testing.T) {
	tr := NewTracker(Settings{FailureThreshold: 1000, Cooldown: time.Hour}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := tr.Acquire("openai")
			if err != nil {
				return
			}
			ticket.Failure()
		}()
	}
	wg.Wait()

	snap := tr.Snapshot("openai")
	assert.Equal(t, 100, snap.TotalFailures)
	assert.Equal(t, 100, snap.ConsecutiveFailures)
	assert.Equal(t, StateClosed, snap.State)
}

func TestTracker_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	tr := NewTracker(Settings{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		OnStateChange: func(provider string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, to)
		},
	}, zerolog.Nop())

	fail(t, tr, "openai")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestTracker_Snapshots(t *testing.T) {
	tr := NewTracker(Settings{}, zerolog.Nop())
	fail(t, tr, "mistral")
	fail(t, tr, "claude")

	snaps := tr.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "claude", snaps[0].Provider)
	assert.Equal(t, "mistral", snaps[1].Provider)
	assert.Equal(t, StateClosed, tr.Snapshot("unknown").State)
}
