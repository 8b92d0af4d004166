package reputation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_NewAgentDefaultsToElite(t *testing.T) {
	u := New(NewMemoryStore())
	s, err := u.Get(context.Background(), "0xagent")
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Value)
	assert.Equal(t, TierElite, s.Tier)
	assert.Equal(t, 0, s.JobsCompleted)
}

func TestRecordRating_FirstRatingAveragesAgainstDefault(t *testing.T) {
	u := New(NewMemoryStore())
	ctx := context.Background()

	// w = min(0, 50) = 0, so new = (5.0*0 + 3.0)/1 = 3.0
	s, err := u.RecordRating(ctx, "0xagent", 3.0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.Value)
	assert.Equal(t, 1, s.JobsCompleted)
	assert.Equal(t, TierEstablished, s.Tier)
}

func TestRecordRating_WeightCapsAtFiftyJobs(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Update(context.Background(), "0xagent", 4.0, 100))
	u := New(store)

	// w = min(100, 50) = 50, so new = (4.0*50 + 5.0)/51
	s, err := u.RecordRating(context.Background(), "0xagent", 5.0)
	require.NoError(t, err)
	assert.InDelta(t, 4.02, s.Value, 0.01)
	assert.Equal(t, 101, s.JobsCompleted)
}

func TestRecordRating_PersistsAcrossCalls(t *testing.T) {
	u := New(NewMemoryStore())
	ctx := context.Background()

	_, err := u.RecordRating(ctx, "0xagent", 5.0)
	require.NoError(t, err)
	s2, err := u.RecordRating(ctx, "0xagent", 1.0)
	require.NoError(t, err)

	// w = min(1, 50) = 1, so new = (5.0*1 + 1.0)/2 = 3.0
	assert.Equal(t, 3.0, s2.Value)
	assert.Equal(t, 2, s2.JobsCompleted)
}

func TestTierFor_Boundaries(t *testing.T) {
	assert.Equal(t, TierElite, tierFor(4.5))
	assert.Equal(t, TierTrusted, tierFor(4.0))
	assert.Equal(t, TierEstablished, tierFor(3.0))
	assert.Equal(t, TierEmerging, tierFor(1.5))
	assert.Equal(t, TierNew, tierFor(1.0))
}

func TestRecordRating_IsCaseInsensitiveOnAddress(t *testing.T) {
	u := New(NewMemoryStore())
	ctx := context.Background()

	_, err := u.RecordRating(ctx, "0xABCD", 4.0)
	require.NoError(t, err)

	s, err := u.Get(ctx, "0xabcd")
	require.NoError(t, err)
	assert.Equal(t, 1, s.JobsCompleted)
}
