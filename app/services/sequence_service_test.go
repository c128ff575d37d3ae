package services

import (
	"context"
	"testing"

	"KotApp/app/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSequence(t *testing.T, start, max int64) *SequenceService {
	t.Helper()
	db, err := database.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewSequenceService(db, start, max)
}

func TestSequenceService_StrictlyIncreasing(t *testing.T) {
	seq := newSequence(t, 36650, 0)
	ctx := context.Background()

	current, err := seq.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(36649), current)

	var last int64
	for i := 0; i < 5; i++ {
		n, err := seq.NextOrderNumber(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, last)
		last = n
	}
	assert.Equal(t, int64(36654), last)
}

func TestSequenceService_RestartsAfterMax(t *testing.T) {
	seq := newSequence(t, 1, 3)
	ctx := context.Background()

	var got []int64
	for i := 0; i < 5; i++ {
		n, err := seq.NextOrderNumber(ctx)
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []int64{1, 2, 3, 1, 2}, got)
}

func TestSequenceService_Reset(t *testing.T) {
	seq := newSequence(t, 100, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := seq.NextOrderNumber(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, seq.Reset(ctx))

	n, err := seq.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestSequenceService_Provisional(t *testing.T) {
	seq := newSequence(t, 10, 11)

	_, ok := seq.Provisional()
	assert.False(t, ok, "no number drawn yet")

	n, err := seq.NextOrderNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	next, ok := seq.Provisional()
	require.True(t, ok)
	assert.Equal(t, int64(11), next)

	next, ok = seq.Provisional()
	require.True(t, ok)
	assert.Equal(t, int64(10), next, "wraps past max")
}

func TestSequenceService_DurableCounterFollowsProvisionalNumbers(t *testing.T) {
	seq := newSequence(t, 500, 0)
	ctx := context.Background()

	_, err := seq.NextOrderNumber(ctx)
	require.NoError(t, err)
	seq.Provisional()
	seq.Provisional()

	n, err := seq.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(503), n)
}
