package eventbus

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterPayload struct {
	values []int
}

func (p *counterPayload) Clone() any {
	return &counterPayload{values: append([]int(nil), p.values...)}
}

func TestPublishOrderTopicThenWildcard(t *testing.T) {
	bus := New()
	var order []string

	bus.Subscribe("*", func(ev Event) { order = append(order, "wild:"+ev.Topic) })
	bus.Subscribe("device_connected", func(Event) { order = append(order, "first") })
	bus.Subscribe("device_connected", func(Event) { order = append(order, "second") })
	bus.Subscribe("other", func(Event) { order = append(order, "other") })

	n := bus.Publish("device_connected", "x")

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "wild:device_connected"}, order)
}

func TestPublishIsolatesPanics(t *testing.T) {
	bus := New()
	var got atomic.Int32

	bus.Subscribe("t", func(Event) { panic("subscriber bug") })
	bus.Subscribe("t", func(Event) { got.Add(1) })
	bus.Subscribe(Wildcard, func(Event) { got.Add(1) })

	require.NotPanics(t, func() { bus.Publish("t", nil) })
	assert.Equal(t, int32(2), got.Load())
}

func TestPublishOnWildcardDeliversOnce(t *testing.T) {
	bus := New()
	calls := 0
	bus.Subscribe(Wildcard, func(Event) { calls++ })

	bus.Publish(Wildcard, "ping")
	assert.Equal(t, 1, calls)
}

func TestEmptyTopicIsDropped(t *testing.T) {
	bus := New()
	bus.Subscribe(Wildcard, func(Event) { t.Fatal("should not be delivered") })
	assert.Equal(t, 0, bus.Publish("", "x"))
}

func TestActivationFiresOnFirstSubscribeOnly(t *testing.T) {
	var armed atomic.Int32
	bus := New(WithActivation(func() { armed.Add(1) }))

	assert.Equal(t, int32(0), armed.Load())
	bus.Subscribe("a", func(Event) {})
	bus.Subscribe("b", func(Event) {})
	assert.Equal(t, int32(1), armed.Load())
}

func TestSubscribersReceiveIndependentCopies(t *testing.T) {
	bus := New()
	original := &counterPayload{values: []int{1}}

	bus.Subscribe("t", func(ev Event) {
		p := ev.Payload.(*counterPayload)
		p.values[0] = 99
	})
	var seen int
	bus.Subscribe("t", func(ev Event) { seen = ev.Payload.(*counterPayload).values[0] })

	bus.Publish("t", original)
	assert.Equal(t, 1, seen)
	assert.Equal(t, 1, original.values[0])
}

func TestCancelRemovesSubscription(t *testing.T) {
	var hook []int
	bus := New(WithPublishHook(func(_ string, n int) { hook = append(hook, n) }))
	calls := 0
	cancel := bus.Subscribe("t", func(Event) { calls++ })

	bus.Publish("t", nil)
	cancel()
	cancel()
	bus.Publish("t", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Count("t"))
	assert.Equal(t, []int{1, 0}, hook)
}
