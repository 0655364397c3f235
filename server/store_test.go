package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStoreLifespan(t *testing.T) {
	s := NewStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Put("c", "short", []byte("1"), time.Second)
	s.Put("c", "forever", []byte("2"), 0)
	assert.Equal(t, 2, s.Size("c"))

	now = now.Add(time.Second)
	_, ok := s.Get("c", "short")
	assert.False(t, ok, "entry must expire at its lifespan")
	assert.True(t, s.ContainsKey("c", "forever"))
	assert.Equal(t, 1, s.Size("c"))

	// An expired entry does not block PutIfAbsent.
	_, stored := s.PutIfAbsent("c", "short", []byte("3"), 0)
	assert.True(t, stored)

	s.Put("c", "gone", []byte("4"), time.Millisecond)
	now = now.Add(time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 2, s.Size("c"))
}

func TestStorePreviousValues(t *testing.T) {
	s := NewStore()

	prev, existed := s.Put("c", "k", []byte("v1"), 0)
	assert.False(t, existed)
	assert.Nil(t, prev)

	prev, existed = s.Put("c", "k", []byte("v2"), 0)
	assert.True(t, existed)
	assert.Equal(t, []byte("v1"), prev)

	existing, stored := s.PutIfAbsent("c", "k", []byte("v3"), 0)
	assert.False(t, stored)
	assert.Equal(t, []byte("v2"), existing)

	prev, existed = s.Remove("c", "k")
	assert.True(t, existed)
	assert.Equal(t, []byte("v2"), prev)

	_, existed = s.Remove("c", "k")
	assert.False(t, existed)

	s.Put("c", "k", []byte("v"), 0)
	s.Clear("c")
	assert.Equal(t, 0, s.Size("c"))
}
