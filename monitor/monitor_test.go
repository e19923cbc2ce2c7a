package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthConstructors(t *testing.T) {
	assert.True(t, Ok().Healthy())
	assert.Equal(t, "healthy", Ok().String())

	d := Degraded("queue backing up")
	assert.False(t, d.Healthy())
	assert.Equal(t, StatusDegraded, d.Status)
	assert.Equal(t, "degraded: queue backing up", d.String())

	f := Failed("handler panic")
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, "failed: handler panic", f.String())
}

func TestRecorderKeepsOrder(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 4; i++ {
		r.Record(NewEvent(KindActorStarted, fmt.Sprintf("actor-%d", i)))
	}

	evs := r.Events()
	require.Len(t, evs, 4)
	assert.Equal(t, "actor-0", evs[0].Subject)
	assert.Equal(t, "actor-3", evs[3].Subject)
}

func TestRecorderEvictsOldest(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(NewEvent(KindActorStopped, fmt.Sprintf("actor-%d", i)))
	}

	evs := r.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, "actor-2", evs[0].Subject)
	assert.Equal(t, "actor-4", evs[2].Subject)
}

func TestMultiFansOut(t *testing.T) {
	a := NewRecorder(8)
	b := NewRecorder(8)
	sink := Multi(a, b, Nop{})

	sink.Record(NewEvent(KindRegistered, "worker@1"))

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(log.New(&buf, "", 0))

	sink.Record(NewEvent(KindActorFailed, "worker@1").WithErr(errors.New("boom")))
	sink.Record(NewEvent(KindActorStarted, "worker@1"))

	out := buf.String()
	assert.Contains(t, out, "actor.failed subject=worker@1 err=boom")
	assert.Contains(t, out, "actor.started subject=worker@1")
}
