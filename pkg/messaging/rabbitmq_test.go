package messaging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("run.requested", map[string]string{"task_id": "abc"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "run.requested", msg.Type)
	assert.NotNil(t, msg.Metadata)
	assert.True(t, time.Since(msg.Timestamp) < time.Second)

	var payload map[string]string
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "abc", payload["task_id"])
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	a, err := NewMessage("x", 1)
	require.NoError(t, err)
	b, err := NewMessage("x", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNewMessage_Unmarshalable(t *testing.T) {
	_, err := NewMessage("x", make(chan int))
	assert.Error(t, err)
}

func TestDecodeHandler(t *testing.T) {
	msg, err := NewMessage("run.finished", map[string]int{"failed": 2})
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	var got *Message
	h := DecodeHandler(func(m *Message) error {
		got = m
		return nil
	})

	require.NoError(t, h(body))
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "run.finished", got.Type)
}

func TestDecodeHandler_Invalid(t *testing.T) {
	called := false
	h := DecodeHandler(func(*Message) error {
		called = true
		return nil
	})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing type", `{"id":"1","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h([]byte(tt.body))
			assert.True(t, errors.Is(err, ErrInvalidMessage))
		})
	}
	assert.False(t, called)
}

func TestMessage_DecodeEmpty(t *testing.T) {
	m := &Message{ID: "1", Type: "x"}
	assert.Error(t, m.Decode(&struct{}{}))
}
