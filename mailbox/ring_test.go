package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkover/troupe/message"
)

func TestRingCapacityRoundsUp(t *testing.T) {
	m := NewRing(10, Reject)
	defer m.Close()
	assert.Equal(t, 16, m.Cap())

	exact := NewRing(8, Reject)
	defer exact.Close()
	assert.Equal(t, 8, exact.Cap())
}

func TestRingRejectAtCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewRing(2, Reject)
	defer m.Close()

	require.NoError(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: 1})))
	require.NoError(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: 2})))
	require.ErrorIs(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: 3})), ErrFull)
	assert.Equal(t, 2, m.Len())

	env, err := m.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Payload.(note).seq)
}

func TestRingDropAtCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewRing(1, Drop)
	defer m.Close()

	require.NoError(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: 1})))
	require.NoError(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: 2})))
	assert.Equal(t, 1, m.Len())
	assert.EqualValues(t, 1, m.Metrics().Snapshot().Dropped)
}
