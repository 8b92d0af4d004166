package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_AssignsIDAndTimestamp(t *testing.T) {
	s := NewMemoryStore()
	msg := &Message{RecipientAddr: "0xworker", JobID: "job_1", Subject: "Revision requested", Body: "please fix formatting"}
	require.NoError(t, s.Create(context.Background(), msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestListForAgent_ReturnsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Message{RecipientAddr: "0xworker", Subject: "first"}))
	require.NoError(t, s.Create(ctx, &Message{RecipientAddr: "0xworker", Subject: "second"}))

	msgs, err := s.ListForAgent(ctx, "0XWORKER", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Subject)
	assert.Equal(t, "first", msgs[1].Subject)
}

func TestMarkRead_SetsReadAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	msg := &Message{RecipientAddr: "0xworker", Subject: "hello"}
	require.NoError(t, s.Create(ctx, msg))

	require.NoError(t, s.MarkRead(ctx, msg.ID))

	msgs, err := s.ListForAgent(ctx, "0xworker", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].ReadAt)
}
