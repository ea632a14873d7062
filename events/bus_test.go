package events

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_AssignsMonotonicSeq(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Publish(ctx, "t1", TypeReviewStarted, nil)
	b.Publish(ctx, "t1", TypeReviewProgress, map[string]any{"index": 1})

	ch, cancel := b.Subscribe("t1", -1)
	defer cancel()

	ev1 := <-ch
	ev2 := <-ch
	assert.Equal(t, int64(0), ev1.Seq)
	assert.Equal(t, int64(1), ev2.Seq)
}

func TestSubscribe_ReplaysOnlyEventsAfterLastSeen(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Publish(ctx, "t1", TypeReviewProgress, i)
	}

	ch, cancel := b.Subscribe("t1", 1)
	defer cancel()

	ev := <-ch
	assert.Equal(t, int64(2), ev.Seq)
}

func TestRingBuffer_DropsOldestNeverNewest(t *testing.T) {
	b := NewWithBufferSize(2)
	ctx := context.Background()
	b.Publish(ctx, "t1", TypeReviewProgress, 0)
	b.Publish(ctx, "t1", TypeReviewProgress, 1)
	b.Publish(ctx, "t1", TypeReviewProgress, 2)

	ch, cancel := b.Subscribe("t1", -1)
	defer cancel()

	first := <-ch
	second := <-ch
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestWriteSSE_FramesWithRealNewlines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, Event{Seq: 0, Type: "done", Payload: nil}))
	assert.Contains(t, buf.String(), "event: done\n")
	assert.Contains(t, buf.String(), "\n\n")
}
