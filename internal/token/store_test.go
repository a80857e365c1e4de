package token

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotes/mergecore/internal/clock"
)

func expiryInMs(ms int64) ExpiryFunc[string] {
	return func(string) (int64, error) { return ms, nil }
}

func TestStore_GetCachesUntilExpiryMargin(t *testing.T) {
	mock := clock.NewMock(0)
	var calls int32
	refresh := func(ctx context.Context, guid string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "tok-" + guid, nil
	}

	store := New(mock, refresh, expiryInMs(int64((10*time.Minute)/time.Millisecond)), 2)

	tok, err := store.Get(context.Background(), "doc1", "Doc One", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-doc1", tok)

	tok, err = store.Get(context.Background(), "doc1", "Doc One", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-doc1", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestStore_GetRefreshesPastExpiryMargin(t *testing.T) {
	mock := clock.NewMock(0)
	var calls int32
	refresh := func(ctx context.Context, guid string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "tok", nil
	}

	store := New(mock, refresh, expiryInMs(int64((4*time.Minute)/time.Millisecond)), 2)

	_, err := store.Get(context.Background(), "doc1", "Doc One", nil)
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "doc1", "Doc One", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestStore_FailedRefreshEvictsAfterThreeAttempts(t *testing.T) {
	mock := clock.NewMock(0)
	refresh := func(ctx context.Context, guid string) (string, error) {
		return "", errors.New("network down")
	}

	store := New(mock, refresh, expiryInMs(0), 2)

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := store.Get(context.Background(), "doc1", "Doc One", nil)
		require.Error(t, err)
	}

	_, ok := store.GetSync("doc1")
	assert.False(t, ok)
}

func TestStore_GetSyncPeeksWithoutRefreshing(t *testing.T) {
	mock := clock.NewMock(0)
	var calls int32
	refresh := func(ctx context.Context, guid string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "tok", nil
	}
	store := New(mock, refresh, expiryInMs(int64((10*time.Minute)/time.Millisecond)), 2)

	_, ok := store.GetSync("doc1")
	assert.False(t, ok)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestDefaultJWTExpiry_DecodesExpClaim(t *testing.T) {
	// header.payload.signature with payload {"exp":1700000000}
	token := "eyJhbGciOiJub25lIn0.eyJleHAiOjE3MDAwMDAwMDB9."
	ms := DefaultJWTExpiry(token)
	assert.Equal(t, int64(1700000000)*1000, ms)
}
