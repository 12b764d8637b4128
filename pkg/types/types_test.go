package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	key := SessionKey{User: "alice", Cluster: "gemini", IDE: IDECode}
	assert.Equal(t, "alice/gemini/code", key.String())

	parsed, err := ParseSessionKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseSessionKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "alice", "alice/gemini", "alice//code", "a/b/c/d"} {
		_, err := ParseSessionKey(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestLaunchSpecMemoryBytes(t *testing.T) {
	tests := []struct {
		mem      string
		expected int64
		wantErr  bool
	}{
		{"40G", 40 << 30, false},
		{"512M", 512 << 20, false},
		{"1T", 1 << 40, false},
		{"4000", 4000 << 20, false},
		{"16k", 16 << 10, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1G", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.mem, func(t *testing.T) {
			got, err := LaunchSpec{Memory: tt.mem}.MemoryBytes()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		expected int64
		wantErr  bool
	}{
		{"12:00:00", 12 * 3600, false},
		{"11:58:47", 11*3600 + 58*60 + 47, false},
		{"1-06:00:00", 86400 + 6*3600, false},
		{"45:00", 45 * 60, false},
		{"30", 30 * 60, false}, // bare value is minutes
		{"INVALID", 0, true},
		{"N/A", 0, true},
		{"UNLIMITED", 0, true},
		{"", 0, true},
		{"1:2:3:4", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12:00:00", FormatDuration(12*3600))
	assert.Equal(t, "00:00:00", FormatDuration(-5))
	assert.Equal(t, "26:10:05", FormatDuration(26*3600+10*60+5))
}

func TestSessionTerminalAndActive(t *testing.T) {
	s := &Session{Status: StatusPending}
	assert.True(t, s.Active())
	assert.False(t, s.Status.Terminal())

	s.Status = StatusRunning
	assert.True(t, s.Active())

	for _, st := range []SessionStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		s.Status = st
		assert.False(t, s.Active())
		assert.True(t, st.Terminal())
	}
}

func TestSessionJSONRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	s := &Session{
		Key:              SessionKey{User: "alice", Cluster: "gemini", IDE: IDEJupyter},
		Status:           StatusRunning,
		JobID:            "12345",
		Node:             "gemini-c07",
		IDEPort:          8888,
		LocalPort:        37241,
		Token:            "secret",
		Release:          "2026.1",
		CPUs:             4,
		MemoryBytes:      40 << 30,
		WalltimeSeconds:  12 * 3600,
		TimeLeftSeconds:  11 * 3600,
		TimeLimitSeconds: 12 * 3600,
		CreatedAt:        started.Add(-time.Minute),
		UpdatedAt:        started,
		StartedAt:        &started,
		LastActivity:     started,
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Session
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *s, back)
	assert.Nil(t, back.EndedAt)
}

func TestSessionClone(t *testing.T) {
	started := time.Now().UTC()
	s := &Session{Status: StatusRunning, StartedAt: &started}
	cp := s.Clone()
	cp.Status = StatusFailed
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, started, *s.StartedAt)
}
