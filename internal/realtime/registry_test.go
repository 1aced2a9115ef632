// ABOUTME: Tests for the listener registry's ordering, handles, and snapshot semantics.
// ABOUTME: Covers panic isolation and mutation-during-dispatch behavior.

package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skillswap/chat-client/internal/wire"
)

func TestRegistry_DispatchInRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []int
	r.Register(wire.TopicMessages, func(any) { order = append(order, 1) })
	r.Register(wire.TopicMessages, func(any) { order = append(order, 2) })
	r.Register(wire.TopicMessages, func(any) { order = append(order, 3) })

	r.Dispatch(wire.TopicMessages, "payload")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	unregister := r.Register(wire.TopicTyping, func(any) { calls++ })

	r.Dispatch(wire.TopicTyping, nil)
	assert.Equal(t, 1, calls)

	unregister()
	unregister() // second invocation is a no-op
	r.Dispatch(wire.TopicTyping, nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Count(wire.TopicTyping))
}

func TestRegistry_UnregisterDoesNotAffectOthers(t *testing.T) {
	r := NewRegistry(nil)

	var got []string
	r.Register(wire.TopicMessages, func(any) { got = append(got, "a") })
	unregisterB := r.Register(wire.TopicMessages, func(any) { got = append(got, "b") })
	r.Register(wire.TopicMessages, func(any) { got = append(got, "c") })

	unregisterB()
	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestRegistry_PanickingListenerIsIsolated(t *testing.T) {
	r := NewRegistry(nil)

	var got []string
	r.Register(wire.TopicMessages, func(any) { got = append(got, "first") })
	r.Register(wire.TopicMessages, func(any) { panic("listener bug") })
	r.Register(wire.TopicMessages, func(any) { got = append(got, "last") })

	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, []string{"first", "last"}, got)
}

func TestRegistry_RegistrationDuringDispatchTakesEffectNextDispatch(t *testing.T) {
	r := NewRegistry(nil)

	lateCalls := 0
	r.Register(wire.TopicMessages, func(any) {
		if lateCalls == 0 {
			r.Register(wire.TopicMessages, func(any) { lateCalls++ })
		}
	})

	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, 0, lateCalls, "listener added mid-dispatch must not run in the same dispatch")

	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, 1, lateCalls)
}

func TestRegistry_RemovalDuringDispatchTakesEffectNextDispatch(t *testing.T) {
	r := NewRegistry(nil)

	secondCalls := 0
	var unregisterSecond func()
	r.Register(wire.TopicMessages, func(any) { unregisterSecond() })
	unregisterSecond = r.Register(wire.TopicMessages, func(any) { secondCalls++ })

	// The snapshot for this dispatch was taken before the removal ran.
	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, 1, secondCalls)

	r.Dispatch(wire.TopicMessages, nil)
	assert.Equal(t, 1, secondCalls)
}
