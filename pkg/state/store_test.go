package state

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthole-hpc/porthole/pkg/types"
)

func testKey(ide types.IDE) types.SessionKey {
	return types.SessionKey{User: "alice", Cluster: "gemini", IDE: ide}
}

func openTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 7*24*time.Hour, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t, nil)

	sess := &types.Session{Key: testKey(types.IDECode), JobID: "12345"}
	require.NoError(t, s.Create(sess))

	got, err := s.Get(testKey(types.IDECode))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, "12345", got.JobID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(testKey(types.IDEJupyter))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConflict(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode), JobID: "12345"}))

	err := s.Create(&types.Session{Key: testKey(types.IDECode)})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "12345", conflict.Existing.JobID)

	// A terminal session frees the key.
	_, err = s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusCancelled
		sess.EndReason = types.EndReasonUser
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode), JobID: "12346"}))
}

func TestConcurrentCreateExactlyOneWins(t *testing.T) {
	s := openTestStore(t, nil)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Create(&types.Session{Key: testKey(types.IDERStudio)})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		conflicts++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, conflicts)
}

func TestUpdateTerminalStampsEndedAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clock)

	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode)}))

	got, err := s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, got.EndedAt)

	clock.Advance(time.Hour)
	got, err = s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusFailed
		sess.EndReason = types.EndReasonTunnelLost
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, clock.Now().UTC(), *got.EndedAt)
}

func TestUpdateRejectsTerminalReopen(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode)}))
	_, err := s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusRunning
		return nil
	})
	assert.Error(t, err)
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 7*24*time.Hour, nil)
	require.NoError(t, err)

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(&types.Session{
		Key:     testKey(types.IDEJupyter),
		JobID:   "12345",
		Release: "2026.1",
		CPUs:    4,
	}))
	_, err = s.Update(testKey(types.IDEJupyter), func(sess *types.Session) error {
		sess.Status = types.StatusRunning
		sess.Node = "gemini-c07"
		sess.IDEPort = 8888
		sess.LocalPort = 37241
		sess.Token = "tok"
		sess.StartedAt = &started
		sess.LastActivity = started
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, 7*24*time.Hour, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(testKey(types.IDEJupyter))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, "gemini-c07", got.Node)
	assert.Equal(t, 8888, got.IDEPort)
	assert.Equal(t, 37241, got.LocalPort)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "2026.1", got.Release)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started, *got.StartedAt)
}

func TestRetentionDropsOldTerminalOnLoad(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	s, err := Open(dir, 24*time.Hour, clock)
	require.NoError(t, err)
	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode)}))
	_, err = s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	clock.Advance(48 * time.Hour)
	s2, err := Open(dir, 24*time.Hour, clock)
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get(testKey(types.IDECode))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveUserClusters(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.Create(&types.Session{Key: types.SessionKey{User: "alice", Cluster: "gemini", IDE: types.IDECode}}))
	require.NoError(t, s.Create(&types.Session{Key: types.SessionKey{User: "alice", Cluster: "apollo", IDE: types.IDECode}}))
	require.NoError(t, s.Create(&types.Session{Key: types.SessionKey{User: "bob", Cluster: "gemini", IDE: types.IDEJupyter}}))

	got := s.ActiveUserClusters()
	assert.Equal(t, map[string][]string{
		"alice": {"apollo", "gemini"},
		"bob":   {"gemini"},
	}, got)
}

func TestHistory(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode), JobID: "12345"}))
	_, err := s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusRunning
		return nil
	})
	require.NoError(t, err)
	_, err = s.Update(testKey(types.IDECode), func(sess *types.Session) error {
		sess.Status = types.StatusCancelled
		sess.EndReason = types.EndReasonIdle
		return nil
	})
	require.NoError(t, err)

	history, err := s.History("alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first.
	assert.Equal(t, types.StatusCancelled, history[0].Status)
	assert.Equal(t, types.EndReasonIdle, history[0].EndReason)
	assert.Equal(t, types.StatusPending, history[2].Status)

	history, err = s.History("bob", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clock)

	require.NoError(t, s.Create(&types.Session{Key: testKey(types.IDECode)}))
	clock.Advance(5 * time.Minute)
	s.Touch(testKey(types.IDECode))

	got, err := s.Get(testKey(types.IDECode))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC(), got.LastActivity)

	// Touching an unknown key is a no-op.
	s.Touch(testKey(types.IDEJupyter))
}
