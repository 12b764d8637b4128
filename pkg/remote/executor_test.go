package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTransient(t *testing.T) {
	tests := []struct {
		kind      FailKind
		transient bool
	}{
		{FailConnect, true},
		{FailTimeout, true},
		{FailExit, false},
	}
	for _, tt := range tests {
		e := &Error{Kind: tt.kind, Cluster: "gemini"}
		assert.Equal(t, tt.transient, e.Transient(), "kind %s", tt.kind)
	}
}

func TestErrorMessages(t *testing.T) {
	exit := &Error{Kind: FailExit, Cluster: "gemini", ExitCode: 1, Stderr: "cat: no such file\n"}
	assert.Equal(t, "remote command on gemini exited 1: cat: no such file", exit.Error())

	timeout := &Error{Kind: FailTimeout, Cluster: "gemini"}
	assert.Contains(t, timeout.Error(), "timed out")

	connect := &Error{Kind: FailConnect, Cluster: "gemini", Err: errors.New("dial tcp: refused")}
	assert.Contains(t, connect.Error(), "dial tcp: refused")
}

func TestErrorUnwrapsThroughWrapping(t *testing.T) {
	inner := &Error{Kind: FailConnect, Cluster: "gemini", Err: errors.New("broken pipe")}
	wrapped := fmt.Errorf("submit: %w", inner)

	var re *Error
	require.True(t, errors.As(wrapped, &re))
	assert.True(t, re.Transient())
	assert.ErrorContains(t, wrapped, "broken pipe")
}
