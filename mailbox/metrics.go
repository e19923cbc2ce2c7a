package mailbox

import "go.uber.org/atomic"

// Metrics counts mailbox traffic. All counters are monotonic and safe for
// concurrent use.
type Metrics struct {
	enqueued *atomic.Uint64
	dequeued *atomic.Uint64
	dropped  *atomic.Uint64
	rejected *atomic.Uint64
	expired  *atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{
		enqueued: atomic.NewUint64(0),
		dequeued: atomic.NewUint64(0),
		dropped:  atomic.NewUint64(0),
		rejected: atomic.NewUint64(0),
		expired:  atomic.NewUint64(0),
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64
	Rejected uint64
	Expired  uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Enqueued: m.enqueued.Load(),
		Dequeued: m.dequeued.Load(),
		Dropped:  m.dropped.Load(),
		Rejected: m.rejected.Load(),
		Expired:  m.expired.Load(),
	}
}

// RecordExpired counts an envelope discarded after its TTL elapsed. The
// execution loop calls this when it drops expired mail instead of
// delivering it.
func (m *Metrics) RecordExpired() {
	m.expired.Inc()
}

func (m *Metrics) recordEnqueue() { m.enqueued.Inc() }
func (m *Metrics) recordDequeue() { m.dequeued.Inc() }
func (m *Metrics) recordDrop()    { m.dropped.Inc() }
func (m *Metrics) recordReject()  { m.rejected.Inc() }
