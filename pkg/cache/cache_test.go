package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	c := New(30)
	c.Add("a", "A", 10)
	c.Add("b", "B", 10)
	c.Add("c", "C", 10)
	assert.Equal(t, 3, c.Len())

	// touch "a" so "b" is now least recent
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Add("d", "D", 10)
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestDirtyPinned(t *testing.T) {
	c := New(20)
	c.Add("a", "A", 10)
	c.Add("b", "B", 10)
	c.SetDirty("a")
	c.SetDirty("b")

	// everything is dirty, so the insert overshoots the budget
	c.Add("c", "C", 10)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(30), c.MemUsed())

	snap := c.DirtySnapshot()
	require.Len(t, snap, 2)
	assert.True(t, c.ClearDirty("a", snap["a"]))

	c.Add("d", "D", 10)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.True(t, c.IsDirty("b"))
}

func TestClearDirtyStaleStamp(t *testing.T) {
	c := New(100)
	c.Add("a", "A", 10)
	c.SetDirty("a")
	snap := c.DirtySnapshot()

	time.Sleep(time.Millisecond)
	c.SetDirty("a") // a newer write lands during the flush

	assert.False(t, c.ClearDirty("a", snap["a"]))
	assert.True(t, c.IsDirty("a"))
}

func TestAddBlocking(t *testing.T) {
	c := New(20)
	c.Add("a", "A", 10)
	c.Add("b", "B", 10)
	c.SetDirty("a")
	c.SetDirty("b")

	// flush "a" shortly after the insert starts waiting
	go func() {
		time.Sleep(150 * time.Millisecond)
		snap := c.DirtySnapshot()
		c.ClearDirty("a", snap["a"])
	}()

	err := c.AddBlocking(context.Background(), "c", "C", 10, 2*time.Second)
	require.NoError(t, err)
	_, ok := c.Get("c")
	assert.True(t, ok)
}

func TestAddBlockingKeepsBudget(t *testing.T) {
	c := New(100)
	c.Add("dirty", "D", 60)
	c.SetDirty("dirty")
	c.Add("clean", "C", 20)

	// some clean bytes exist, but evicting them all still cannot make room
	err := c.AddBlocking(context.Background(), "big", "B", 50, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
	assert.LessOrEqual(t, c.MemUsed(), int64(100))

	// a fit that only needs the clean bytes goes through
	err = c.AddBlocking(context.Background(), "small", "S", 30, 200*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, c.MemUsed(), int64(100))
	_, ok := c.Get("small")
	assert.True(t, ok)
}

func TestAddBlockingTimeout(t *testing.T) {
	c := New(10)
	c.Add("a", "A", 10)
	c.SetDirty("a")

	err := c.AddBlocking(context.Background(), "b", "B", 10, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
}

func TestTombstones(t *testing.T) {
	c := New(100)
	c.Add("a", "A", 10)
	c.MarkDeleted("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.True(t, c.IsDeleted("a"))

	// recreating the id clears the tombstone
	c.Add("a", "A2", 10)
	assert.False(t, c.IsDeleted("a"))
}
