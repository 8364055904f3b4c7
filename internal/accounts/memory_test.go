package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/types"
)

func TestMemory_CreateAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, err := m.Create(ctx, "acct_1", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, types.Account{ID: "acct_1", BillingID: "cus_1"}, a)

	got, ok, err := m.Get(ctx, "acct_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)

	got, ok, err = m.GetByBillingID(ctx, "cus_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestMemory_CreateIdempotentSamePair(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Create(ctx, "acct_1", "cus_1")
	require.NoError(t, err)

	a, err := m.Create(ctx, "acct_1", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", a.BillingID)
}

func TestMemory_CreateConflictOnMismatchedBillingID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Create(ctx, "acct_1", "cus_1")
	require.NoError(t, err)

	_, err = m.Create(ctx, "acct_1", "cus_other")
	require.Error(t, err)
	assert.True(t, types.ErrorHasCode(err, types.ErrCodeConflictAccountMapping))
}

func TestMemory_DeleteRemovesBothIndexes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Create(ctx, "acct_1", "cus_1")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "acct_1"))

	_, ok, err := m.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.GetByBillingID(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_DeleteAbsentIsNoop(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Delete(context.Background(), "acct_missing"))
}

func TestMemory_GetAbsent(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.Get(context.Background(), "acct_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
