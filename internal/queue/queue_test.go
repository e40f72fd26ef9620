package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance/internal/session"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	evt := session.AuditEvent{
		SessionID: "sess-1",
		StudentID: "alice",
		ActorID:   "alice",
		Action:    session.AuditMark,
		At:        time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC),
	}
	require.NoError(t, q.Publish(ctx, evt))

	out, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-out:
		assert.Equal(t, evt, got)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestInMemoryPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewInMemory(0)
	err := q.Publish(ctx, session.AuditEvent{SessionID: "sess-1"})
	assert.ErrorIs(t, err, context.Canceled)
}
