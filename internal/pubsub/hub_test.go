package pubsub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BrandonDHaskell/Portunus/presence/internal/pubsub"
)

func TestHub_PublishReachesSubscribersInOrder(t *testing.T) {
	var h pubsub.Hub[int]
	var got []string

	h.Subscribe(func(v int) { got = append(got, "first") })
	h.Subscribe(func(v int) { got = append(got, "second") })
	h.Publish(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	var h pubsub.Hub[string]
	count := 0

	unsubscribe := h.Subscribe(func(string) { count++ })
	h.Publish("a")
	unsubscribe()
	unsubscribe()
	h.Publish("b")

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, h.Len())
}

func TestHub_SubscriberMayUnsubscribeDuringPublish(t *testing.T) {
	var h pubsub.Hub[int]
	calls := 0

	var unsubscribe func()
	unsubscribe = h.Subscribe(func(int) {
		calls++
		unsubscribe()
	})
	h.Publish(1)
	h.Publish(2)

	assert.Equal(t, 1, calls)
}
