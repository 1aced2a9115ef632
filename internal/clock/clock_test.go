// ABOUTME: Tests for the fake clock's timer scheduling semantics.
// ABOUTME: Covers firing order, Stop, and Reset behavior under Advance.

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.False(t, timer.Stop())
}

func TestFake_ResetReschedules(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	timer := c.AfterFunc(time.Second, func() { count++ })

	c.Advance(time.Second)
	assert.Equal(t, 1, count)

	timer.Reset(time.Second)
	c.Advance(time.Second)
	assert.Equal(t, 2, count)
}
