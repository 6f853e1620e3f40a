package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStringStoreSetGet(t *testing.T) {
	s := NewStringStore()
	s.Set("foo", []byte("bar"), time.Time{})
	v, ok := s.Get("foo")
	require.True(t, ok)
	require.Equal(t, "bar", string(v))
}

func TestStringStoreExpiry(t *testing.T) {
	s := NewStringStore()
	s.Set("foo", []byte("bar"), time.Now().Add(10*time.Millisecond))
	_, ok := s.Get("foo")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = s.Get("foo")
	require.False(t, ok, "expired key must read as absent")
	require.Equal(t, 0, s.Size())
	require.NotContains(t, s.Keys(), "foo")
}

func TestStringStoreSetClearsExpiry(t *testing.T) {
	s := NewStringStore()
	s.Set("foo", []byte("bar"), time.Now().Add(time.Millisecond))
	s.Set("foo", []byte("baz"), time.Time{})
	_, ok := s.ExpiryOf("foo")
	require.False(t, ok, "a bare SET must clear any prior TTL")
	time.Sleep(10 * time.Millisecond)
	v, ok := s.Get("foo")
	require.True(t, ok)
	require.Equal(t, "baz", string(v))
}

func TestStringStoreIncr(t *testing.T) {
	s := NewStringStore()
	n, err := s.Incr("counter", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr("counter", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	s.Set("notanumber", []byte("abc"), time.Time{})
	_, err = s.Incr("notanumber", 1)
	require.ErrorIs(t, err, ErrNotInteger)
}

func TestStringStoreRemove(t *testing.T) {
	s := NewStringStore()
	s.Set("foo", []byte("bar"), time.Time{})
	require.True(t, s.Remove("foo"))
	require.False(t, s.Exists("foo"))
	require.False(t, s.Remove("foo"))
}
