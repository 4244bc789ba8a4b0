package liveserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == want
	}, time.Second, 5*time.Millisecond)
}

// TestRegisterUnregister verifies client and user counts through the
// register/unregister cycle.
func TestRegisterUnregister(t *testing.T) {
	hub := startHub(t)

	c1 := NewClient("c1", 7)
	c2 := NewClient("c2", 7)
	c3 := NewClient("c3", 8)
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)
	waitForCount(t, hub, 3)
	assert.Equal(t, 2, hub.UserCount())

	hub.Unregister(c1)
	waitForCount(t, hub, 2)
	assert.Equal(t, 2, hub.UserCount())

	hub.Unregister(c2)
	waitForCount(t, hub, 1)
	assert.Equal(t, 1, hub.UserCount())
}

// TestPushToUserRoutesPerUser verifies messages reach only the owning user's
// clients.
func TestPushToUserRoutesPerUser(t *testing.T) {
	hub := startHub(t)

	mine := NewClient("mine", 7)
	other := NewClient("other", 8)
	hub.Register(mine)
	hub.Register(other)
	waitForCount(t, hub, 2)

	delivered := hub.PushToUser(7, TypePriceAlert, json.RawMessage(`{"symbol":"AAPL"}`))
	assert.True(t, delivered)

	select {
	case msg := <-mine.GetSendChan():
		assert.Equal(t, TypePriceAlert, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("owning user's client got nothing")
	}

	select {
	case msg := <-other.GetSendChan():
		t.Fatalf("foreign user received message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPushToUserNoClients verifies push reports non-delivery for a user with
// no live connection.
func TestPushToUserNoClients(t *testing.T) {
	hub := startHub(t)
	assert.False(t, hub.PushToUser(42, TypeLossAlert, json.RawMessage(`{}`)))
}

// TestPushToUserAllClients verifies every connection of the user gets a copy.
func TestPushToUserAllClients(t *testing.T) {
	hub := startHub(t)

	a := NewClient("a", 7)
	b := NewClient("b", 7)
	hub.Register(a)
	hub.Register(b)
	waitForCount(t, hub, 2)

	require.True(t, hub.PushToUser(7, TypeLossAlert, json.RawMessage(`{}`)))
	assert.Len(t, a.GetSendChan(), 1)
	assert.Len(t, b.GetSendChan(), 1)
}

// TestSlowClientUnregistered verifies a client with a full queue is dropped
// from the hub on the next push.
func TestSlowClientUnregistered(t *testing.T) {
	hub := startHub(t)

	slow := NewClient("slow", 7)
	hub.Register(slow)
	waitForCount(t, hub, 1)

	// Fill the buffered send queue without draining.
	for slow.Send(Message{Type: TypeStatus}) {
	}

	delivered := hub.PushToUser(7, TypePriceAlert, json.RawMessage(`{}`))
	assert.False(t, delivered)
	waitForCount(t, hub, 0)
}

// TestBroadcast verifies every connected client receives a broadcast.
func TestBroadcast(t *testing.T) {
	hub := startHub(t)

	c1 := NewClient("c1", 7)
	c2 := NewClient("c2", 8)
	hub.Register(c1)
	hub.Register(c2)
	waitForCount(t, hub, 2)

	hub.Broadcast(NewMessage(TypeStatus, map[string]string{"state": "draining"}))
	assert.Len(t, c1.GetSendChan(), 1)
	assert.Len(t, c2.GetSendChan(), 1)
}

// TestShutdownClosesClients verifies context cancellation closes every client
// send channel.
func TestShutdownClosesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := NewClient("c", 7)
	hub.Register(c)
	waitForCount(t, hub, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not shut down")
	}

	_, open := <-c.GetSendChan()
	assert.False(t, open)
	assert.Zero(t, hub.ClientCount())
}

// TestClientSendAfterClose verifies sends to a closed client are rejected.
func TestClientSendAfterClose(t *testing.T) {
	c := NewClient("c", 7)
	assert.True(t, c.Send(Message{Type: TypeStatus}))
	c.Close()
	c.Close()
	assert.False(t, c.Send(Message{Type: TypeStatus}))
}
