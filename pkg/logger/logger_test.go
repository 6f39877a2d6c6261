package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("debug", "json", &buf)

	l.WithField("run_id", "r-1").Info("batch processed", Field{Key: "batch", Value: 2}, Err(errors.New("boom")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "batch processed", entry["msg"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, float64(2), entry["batch"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("warn", "json", &buf)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	l := NewWithOutput("info", "json", &buf)
	ctx := IntoContext(context.Background(), l)
	ctx = With(ctx, Fields{"account": "main"})

	FromContext(ctx).Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "main", entry["account"])
}

func TestErrField_Nil(t *testing.T) {
	assert.Equal(t, Field{Key: "error", Value: ""}, Err(nil))
}

func TestNewWithOutput_Fallbacks(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("verbose", "logfmt", &buf)

	l.Debug("dropped")
	assert.Zero(t, buf.Len(), "unknown level means info")

	l.Info("kept", Field{Key: "account", Value: "main"})
	assert.Contains(t, buf.String(), "account=main")
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithFields(Fields{"a": 1}).Error("nothing")
	})
}
