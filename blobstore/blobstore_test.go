package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "bafyone", []byte("car-bytes")))
	got, err := s.Get(ctx, "bafyone")
	require.NoError(t, err)
	require.Equal(t, []byte("car-bytes"), got)
	require.Equal(t, 1, s.Len())
}

func TestMemoryStore_PutIsWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "bafyone", []byte("first")))
	require.NoError(t, s.Put(ctx, "bafyone", []byte("second")))
	got, err := s.Get(ctx, "bafyone")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "bafymissing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "bafyone", []byte("stable")))
	got, _ := s.Get(ctx, "bafyone")
	got[0] = 'X'
	again, _ := s.Get(ctx, "bafyone")
	require.Equal(t, []byte("stable"), again)
}
