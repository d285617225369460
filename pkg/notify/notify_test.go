package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversOnlyToListSubscribers(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil)
	l1 := h.Subscribe("L1")
	l2 := h.Subscribe("L2")
	defer l2.Close()

	require.NoError(t, h.Publish(ctx, Event{ListID: "L1", StateVector: []byte{1}, Origin: "phone"}))
	ev := <-l1.C
	assert.Equal(t, "L1", ev.ListID)
	assert.Equal(t, "phone", ev.Origin)
	assert.Empty(t, l2.C)

	l1.Close()
	l1.Close()
	_, open := <-l1.C
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("L1"))
	assert.Equal(t, 1, h.Subscribers("L2"))
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil)
	s := h.Subscribe("L")
	defer s.Close()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, h.Publish(ctx, Event{ListID: "L"}))
	}
	assert.Len(t, s.C, subscriberBuffer)
}

func TestEventEncoding(t *testing.T) {
	payload, err := encodeEvent(Event{ListID: "L", StateVector: []byte{1, 2}, Origin: "d"})
	require.NoError(t, err)
	ev, err := decodeEvent(Channel("L"), payload)
	require.NoError(t, err)
	assert.Equal(t, Event{ListID: "L", StateVector: []byte{1, 2}, Origin: "d"}, ev)

	ev, err = decodeEvent(Channel("M"), `{"stateVector":null}`)
	require.NoError(t, err)
	assert.Equal(t, "M", ev.ListID)

	_, err = decodeEvent(Channel("M"), "nope")
	assert.Error(t, err)
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	_, err := NewRedisBroker(context.Background(), "", NewHub(nil), nil)
	assert.ErrorIs(t, err, ErrEmptyRedisURL)
	_, err = NewRedisBroker(context.Background(), "http://nope", NewHub(nil), nil)
	assert.Error(t, err)
}
