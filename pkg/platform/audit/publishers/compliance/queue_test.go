package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "consentd/pkg/platform/audit"
)

type syncMirror struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *syncMirror) Publish(_ context.Context, records ...audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *syncMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestQueuedMirrorForwardsInBackground(t *testing.T) {
	next := &syncMirror{}
	q := NewQueuedMirror(next, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	require.NoError(t, q.Publish(context.Background(), audit.Record{ID: "r1"}, audit.Record{ID: "r2"}))
	assert.Eventually(t, func() bool { return next.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestQueuedMirrorRejectsWhenFull(t *testing.T) {
	q := NewQueuedMirror(&syncMirror{}, 1, nil)
	require.NoError(t, q.Publish(context.Background(), audit.Record{ID: "r1"}))
	assert.ErrorIs(t, q.Publish(context.Background(), audit.Record{ID: "r2"}), ErrQueueFull)
}

func TestQueuedMirrorDrainsOnShutdown(t *testing.T) {
	next := &syncMirror{}
	q := NewQueuedMirror(next, 8, nil)
	for i := range 3 {
		require.NoError(t, q.Publish(context.Background(), audit.Record{Sequence: int64(i + 1)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))
	assert.Equal(t, 3, next.count())
}

func TestPublisherCountsQueueOverflow(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	q := NewQueuedMirror(&syncMirror{}, 1, nil)
	p := New(nil, WithMirror(q), WithMetrics(m))

	p.Announce(context.Background(), audit.Record{ID: "r1"})
	p.Announce(context.Background(), audit.Record{ID: "r2"})
	assert.Len(t, q.inbox, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mirrorFailures))
}
