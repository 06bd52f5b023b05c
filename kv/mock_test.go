package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_GetSetDel(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	_, found, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "missing key is a miss, not an error")

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	value, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, m.Del(ctx, "k"))
	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 3, m.GetCalls)
	assert.Equal(t, 1, m.SetCalls)
	assert.Equal(t, 1, m.DelCalls)
}

func TestMock_ValueIsolation(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	original := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", original, 0))
	original[0] = 'X'

	value, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("abc"), value, "stored value must not alias caller buffers")

	value[0] = 'Y'
	again, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMock_PersistentErrors(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.GetErr = fmt.Errorf("down")

	for i := 0; i < 3; i++ {
		_, _, err := m.Get(ctx, "k")
		require.Error(t, err)
	}
}

func TestMock_FailCountIsTransient(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.Seed("k", []byte("v"))
	m.FailCount = 2

	_, _, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMockFailure)
	err = m.Ping(ctx)
	require.ErrorIs(t, err, ErrMockFailure)

	value, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestMock_Reset(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	m.GetErr = fmt.Errorf("down")
	m.FailCount = 5

	m.Reset()

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.SetCalls)
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "users.0123abcd", sanitizeKey("users:0123abcd"))
	assert.Equal(t, "plain", sanitizeKey("plain"))
}
