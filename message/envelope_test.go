package message

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainMsg struct{ body string }

func (plainMsg) Type() string { return "plain" }

type urgentMsg struct{}

func (urgentMsg) Type() string       { return "urgent" }
func (urgentMsg) Priority() Priority { return PriorityCritical }

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityOf(plainMsg{}))
	assert.Equal(t, PriorityCritical, PriorityOf(urgentMsg{}))
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(plainMsg{body: "hi"})

	require.NotEqual(t, uuid.Nil, env.ID)
	assert.Equal(t, "plain", env.Payload.Type())
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.True(t, env.Sender.IsZero())
	assert.True(t, env.ReplyTo.IsZero())
	assert.Equal(t, uuid.Nil, env.CorrelationID)
	assert.WithinDuration(t, time.Now(), env.CreatedAt, time.Second)

	_, hasTTL := env.TTL()
	assert.False(t, hasTTL)
}

func TestEnvelopePriorityFromMessage(t *testing.T) {
	env := NewEnvelope(urgentMsg{})
	assert.Equal(t, PriorityCritical, env.Priority)

	env = env.WithPriority(PriorityLow)
	assert.Equal(t, PriorityLow, env.Priority)
}

func TestEnvelopeBuilders(t *testing.T) {
	sender := NewAddress("sender")
	replyTo := NewAddress("reply")
	corr := uuid.New()

	base := NewEnvelope(plainMsg{})
	env := base.WithSender(sender).WithReplyTo(replyTo).WithCorrelation(corr)

	assert.Equal(t, sender, env.Sender)
	assert.Equal(t, replyTo, env.ReplyTo)
	assert.Equal(t, corr, env.CorrelationID)

	// builders copy, the original stays untouched
	assert.True(t, base.Sender.IsZero())
	assert.Equal(t, uuid.Nil, base.CorrelationID)
}

func TestEnvelopeExpiry(t *testing.T) {
	t.Run("no ttl never expires", func(t *testing.T) {
		env := NewEnvelope(plainMsg{})
		assert.False(t, env.Expired(time.Now().Add(24*time.Hour)))
	})

	t.Run("zero ttl expires immediately", func(t *testing.T) {
		env := NewEnvelope(plainMsg{}).WithTTL(0)
		assert.True(t, env.Expired(time.Now()))
	})

	t.Run("expires only after ttl elapses", func(t *testing.T) {
		env := NewEnvelope(plainMsg{}).WithTTL(time.Minute)
		assert.False(t, env.Expired(env.CreatedAt.Add(30*time.Second)))
		assert.True(t, env.Expired(env.CreatedAt.Add(2*time.Minute)))
	})
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "unknown", Priority(42).String())
}
