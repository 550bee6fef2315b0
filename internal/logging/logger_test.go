package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New(Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewObserved(t *testing.T) {
	l, logs := NewObserved()
	l.Info("simulated delivery", zap.String("request_id", "r1"))

	entries := logs.FilterMessage("simulated delivery").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].ContextMap()["request_id"])
}
