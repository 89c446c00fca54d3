// ABOUTME: Tests for message validation and record-to-envelope mapping.

package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		ID:         "m1",
		From:       "agent-a",
		To:         "agent-b",
		Type:       TypeNotification,
		Content:    "hello",
		Timestamp:  time.Now(),
		Priority:   PriorityNormal,
		MaxRetries: 3,
		Status:     StatusPending,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validMessage().Validate())

	t.Run("empty target", func(t *testing.T) {
		m := validMessage()
		m.To = ""
		require.ErrorIs(t, m.Validate(), ErrEmptyTarget)
	})

	t.Run("unknown type", func(t *testing.T) {
		m := validMessage()
		m.Type = "broadcast"
		require.ErrorIs(t, m.Validate(), ErrInvalidType)
	})

	t.Run("retry count over budget", func(t *testing.T) {
		m := validMessage()
		m.RetryCount = 4
		require.ErrorIs(t, m.Validate(), ErrRetryBudget)
	})

	t.Run("retry count at budget", func(t *testing.T) {
		m := validMessage()
		m.RetryCount = 3
		require.NoError(t, m.Validate())
	})

	t.Run("request without correlation id", func(t *testing.T) {
		m := validMessage()
		m.Type = TypeRequest
		require.ErrorIs(t, m.Validate(), ErrNoCorrelation)

		m.CorrelationID = "corr-1"
		require.NoError(t, m.Validate())
	})

	t.Run("response without correlation id", func(t *testing.T) {
		m := validMessage()
		m.Type = TypeResponse
		require.ErrorIs(t, m.Validate(), ErrNoCorrelation)
	})
}

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeNotification.Valid())
	assert.True(t, TypeRequest.Valid())
	assert.True(t, TypeResponse.Valid())
	assert.False(t, Type("").Valid())
	assert.False(t, Type("broadcast").Valid())
}

func TestEnvelope(t *testing.T) {
	m := validMessage()
	m.CorrelationID = "corr-1"
	m.Metadata = map[string]string{"trace": "t1"}
	m.RetryCount = 2

	env := m.Envelope()
	assert.Equal(t, m.ID, env.ID)
	assert.Equal(t, m.From, env.From)
	assert.Equal(t, m.To, env.To)
	assert.Equal(t, m.Type, env.Type)
	assert.Equal(t, m.Content, env.Content)
	assert.Equal(t, m.Timestamp, env.Timestamp)
	assert.Equal(t, m.CorrelationID, env.CorrelationID)
	assert.Equal(t, m.Metadata, env.Metadata)
}
