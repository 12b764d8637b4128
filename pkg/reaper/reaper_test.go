package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthole-hpc/porthole/pkg/orchestrator"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/types"
)

type fakeStopper struct {
	mu      sync.Mutex
	stopped []types.SessionKey
	reasons []types.EndReason
}

func (f *fakeStopper) Stop(_ context.Context, key types.SessionKey, opts orchestrator.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	f.reasons = append(f.reasons, opts.Reason)
	return nil
}

func (f *fakeStopper) stoppedKeys() []types.SessionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SessionKey(nil), f.stopped...)
}

func key(user string) types.SessionKey {
	return types.SessionKey{User: user, Cluster: "gemini", IDE: types.IDECode}
}

func TestScanReapsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, err := state.Open(t.TempDir(), time.Hour, clock)
	require.NoError(t, err)
	defer store.Close()

	now := clock.Now().UTC()
	stale := now.Add(-31 * time.Minute)
	fresh := now.Add(-5 * time.Minute)

	require.NoError(t, store.Create(&types.Session{
		Key: key("alice"), Status: types.StatusRunning, JobID: "12345", LastActivity: stale,
	}))
	require.NoError(t, store.Create(&types.Session{
		Key: key("bob"), Status: types.StatusRunning, JobID: "67890", LastActivity: fresh,
	}))
	require.NoError(t, store.Create(&types.Session{
		Key: key("carol"), Status: types.StatusPending, JobID: "22222", LastActivity: stale,
	}))

	stopper := &fakeStopper{}
	r := New(store, stopper, 30*time.Minute, clock)
	r.Scan(context.Background())

	require.Len(t, stopper.stoppedKeys(), 1)
	assert.Equal(t, key("alice"), stopper.stoppedKeys()[0])
	assert.Equal(t, types.EndReasonIdle, stopper.reasons[0])
}

func TestScanSkipsSessionsWithoutActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, err := state.Open(t.TempDir(), time.Hour, clock)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Create(&types.Session{
		Key: key("alice"), Status: types.StatusRunning, JobID: "1",
	}))

	stopper := &fakeStopper{}
	r := New(store, stopper, 30*time.Minute, clock)
	r.Scan(context.Background())

	assert.Empty(t, stopper.stoppedKeys())
}

func TestDisabledReaperStartsNothing(t *testing.T) {
	store, err := state.Open(t.TempDir(), time.Hour, clockwork.NewRealClock())
	require.NoError(t, err)
	defer store.Close()

	r := New(store, &fakeStopper{}, 0, clockwork.NewRealClock())
	r.Start()
	r.Stop() // returns immediately
}

func TestLoopScansOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, err := state.Open(t.TempDir(), time.Hour, clock)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Create(&types.Session{
		Key: key("alice"), Status: types.StatusRunning, JobID: "1",
		LastActivity: clock.Now().UTC().Add(-2 * time.Hour),
	}))

	stopper := &fakeStopper{}
	r := New(store, stopper, 30*time.Minute, clock)
	r.Start()

	clock.BlockUntil(1)
	clock.Advance(scanInterval)
	require.Eventually(t, func() bool {
		return len(stopper.stoppedKeys()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
}
