package localexec

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hook tests use unix commands")
	}
}

func TestNew_Allowlist(t *testing.T) {
	tests := []struct {
		cmd     string
		allowed []string
		ok      bool
	}{
		{"cat", []string{"cat"}, true},
		{"cat", []string{"tee", "cat"}, true},
		{"rm", []string{"cat"}, false},
		{"cat", nil, false},
		{"", []string{""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			_, err := New("sms", Hook{Command: tt.cmd}, tt.allowed)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDeliver_PayloadOnStdin(t *testing.T) {
	skipOnWindows(t)
	l, err := New("sms", Hook{Command: "cat"}, []string{"cat"})
	require.NoError(t, err)
	assert.Equal(t, "sms", l.Name())

	out, err := l.Deliver(context.Background(), "req-1", "hello council")
	require.NoError(t, err)
	assert.Equal(t, "hello council", out.Stdout)
	assert.Equal(t, "sms", out.Channel)
	assert.Zero(t, out.ExitCode)
}

func TestDeliver_RequestIDInEnv(t *testing.T) {
	skipOnWindows(t)
	l, err := New("env", Hook{Command: "env"}, []string{"env"})
	require.NoError(t, err)

	out, err := l.Deliver(context.Background(), "req-42", "")
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, RequestIDEnv+"=req-42")
}

func TestDeliver_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	l, err := New("broken", Hook{Command: "false"}, []string{"false"})
	require.NoError(t, err)

	out, err := l.Deliver(context.Background(), "req-1", "x")
	require.Error(t, err)
	require.NotNil(t, out)
	assert.NotZero(t, out.ExitCode)
}

func TestDeliver_MissingBinary(t *testing.T) {
	l, err := New("ghost", Hook{Command: "lexgate-no-such-hook"}, []string{"lexgate-no-such-hook"})
	require.NoError(t, err)

	out, err := l.Deliver(context.Background(), "req-1", "x")
	assert.Error(t, err)
	assert.Nil(t, out)
}
