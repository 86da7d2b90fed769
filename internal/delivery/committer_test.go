package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/sequence"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []eventlog.Event
}

func (p *recordingPusher) PushEvent(userID string, ev eventlog.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, ev)
}

func (p *recordingPusher) events() []eventlog.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventlog.Event(nil), p.pushed...)
}

func newTestCommitter(t *testing.T) (*Committer, *eventlog.MemoryLog, *recordingPusher) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	pusher := &recordingPusher{}
	seq := sequence.NewStore(nil, zap.NewNop())
	return NewCommitter(seq, log, pusher, 0, zap.NewNop()), log, pusher
}

func TestCommitter_CommitAssignsPersistsAndPushes(t *testing.T) {
	c, log, pusher := newTestCommitter(t)
	ctx := context.Background()

	ev, err := c.Commit(ctx, "alice", eventlog.ChannelPrimary, 1, json.RawMessage(`{"kind":"message"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, uint64(1), ev.StepCount)
	assert.False(t, ev.CreatedAt.IsZero())

	stored, err := log.QueryRange(ctx, "alice", eventlog.ChannelPrimary, 0, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	pushed := pusher.events()
	require.Len(t, pushed, 1)
	assert.Equal(t, uint64(1), pushed[0].Sequence)
}

func TestCommitter_SequencesArePerUserPerChannel(t *testing.T) {
	c, _, _ := newTestCommitter(t)
	ctx := context.Background()

	ev1, err := c.Commit(ctx, "alice", eventlog.ChannelPrimary, 1, nil)
	require.NoError(t, err)
	ev2, err := c.Commit(ctx, "bob", eventlog.ChannelPrimary, 1, nil)
	require.NoError(t, err)
	ev3, err := c.Commit(ctx, "alice", eventlog.ChannelSecondary, 1, nil)
	require.NoError(t, err)
	ev4, err := c.Commit(ctx, "alice", eventlog.ChannelPrimary, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(1), ev2.Sequence, "other users have independent counters")
	assert.Equal(t, uint64(1), ev3.Sequence, "other channels have independent counters")
	assert.Equal(t, uint64(2), ev4.Sequence)
}

func TestCommitter_CommitBatchIsContiguous(t *testing.T) {
	c, _, _ := newTestCommitter(t)
	ctx := context.Background()

	_, err := c.Commit(ctx, "alice", eventlog.ChannelPrimary, 1, nil)
	require.NoError(t, err)

	ev, start, end, err := c.CommitBatch(ctx, "alice", eventlog.ChannelPrimary, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), start)
	assert.Equal(t, uint64(6), end)
	assert.Equal(t, uint64(6), ev.Sequence)
	assert.Equal(t, uint64(5), ev.StepCount)
}

func TestCommitter_ConcurrentCommitsNeverCollide(t *testing.T) {
	c, log, _ := newTestCommitter(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A message and a read-receipt style producer racing on the
			// same user must interleave without overlap.
			if _, err := c.Commit(ctx, "alice", eventlog.ChannelPrimary, 1, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, err := log.QueryRange(ctx, "alice", eventlog.ChannelPrimary, 0, n)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestCommitter_RejectsZeroStep(t *testing.T) {
	c, _, _ := newTestCommitter(t)

	_, err := c.Commit(context.Background(), "alice", eventlog.ChannelPrimary, 0, nil)
	assert.ErrorIs(t, err, sequence.ErrInvalidStep)
}
