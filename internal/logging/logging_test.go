package logging

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	l, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	require.Error(t, err)
}

func TestWatermill_ForwardsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	adapter := Watermill(zap.New(core)).With(watermill.LogFields{"topic": "manual"})

	adapter.Info("consumed", watermill.LogFields{"payment_id": "p1"})
	adapter.Error("handler failed", errors.New("boom"), nil)
	adapter.Trace("tick", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "consumed", entries[0].Message)
	assert.Equal(t, "manual", entries[0].ContextMap()["topic"])
	assert.Equal(t, "p1", entries[0].ContextMap()["payment_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}
