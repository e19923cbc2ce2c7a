package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkover/troupe/message"
)

func TestUnboundedNeverSheds(t *testing.T) {
	ctx := context.Background()
	m := NewUnbounded()
	defer m.Close()

	for i := 0; i < 5000; i++ {
		require.NoError(t, m.Enqueue(ctx, message.NewEnvelope(note{seq: i})))
	}
	assert.Equal(t, 5000, m.Len())
	assert.Equal(t, 0, m.Cap())

	snap := m.Metrics().Snapshot()
	assert.EqualValues(t, 5000, snap.Enqueued)
	assert.EqualValues(t, 0, snap.Dropped)
	assert.EqualValues(t, 0, snap.Rejected)

	for i := 0; i < 5000; i++ {
		env, err := m.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, i, env.Payload.(note).seq)
	}
}
