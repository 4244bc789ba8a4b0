package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamhub/internal/core"
	"streamhub/pkg/logging"
)

type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// TestNotifyFansOutToAllChannels verifies every registered channel gets every
// notification.
func TestNotifyFansOutToAllChannels(t *testing.T) {
	n := NewNotifier(2, logging.Nop())
	defer n.Close()

	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	n.AddChannel(a)
	n.AddChannel(b)

	n.Notify(Notification{Owner: 7, Type: TypePriceAlert})
	n.Notify(Notification{Owner: 8, Type: TypeLossAlert})

	assert.Eventually(t, func() bool {
		return a.count() == 2 && b.count() == 2
	}, time.Second, 10*time.Millisecond)
}

// TestNotifyChannelFailureIsolated verifies one failing channel does not
// block delivery on the others.
func TestNotifyChannelFailureIsolated(t *testing.T) {
	n := NewNotifier(2, logging.Nop())
	defer n.Close()

	broken := &recordingChannel{name: "broken", err: errors.New("smtp down")}
	good := &recordingChannel{name: "good"}
	n.AddChannel(broken)
	n.AddChannel(good)

	n.Notify(Notification{Owner: 7, Type: TypePriceAlert})

	assert.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 10*time.Millisecond)
}

type fakePusher struct {
	mu    sync.Mutex
	users []core.UserID
	types []string
	data  []json.RawMessage
}

func (p *fakePusher) PushToUser(user core.UserID, messageType string, data json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, user)
	p.types = append(p.types, messageType)
	p.data = append(p.data, data)
	return true
}

// TestPushChannelMarshalsPayload verifies the push channel forwards the
// payload as JSON to the owner.
func TestPushChannelMarshalsPayload(t *testing.T) {
	pusher := &fakePusher{}
	ch := NewPushChannel(pusher)
	assert.Equal(t, "push", ch.Name())

	err := ch.Send(context.Background(), Notification{
		Owner: 7,
		Type:  TypePriceAlert,
		Data:  map[string]interface{}{"symbol": "AAPL", "price": "101.5"},
	})
	require.NoError(t, err)

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.Len(t, pusher.users, 1)
	assert.Equal(t, core.UserID(7), pusher.users[0])
	assert.Equal(t, TypePriceAlert, pusher.types[0])
	assert.JSONEq(t, `{"symbol":"AAPL","price":"101.5"}`, string(pusher.data[0]))
}

type staticAddresses map[core.UserID]string

func (a staticAddresses) EmailFor(ctx context.Context, user core.UserID) (string, error) {
	addr, ok := a[user]
	if !ok {
		return "", errors.New("no address on file")
	}
	return addr, nil
}

// TestEmailChannelSkipsWithoutEmailPart verifies notifications without an
// email part never hit the delivery API.
func TestEmailChannelSkipsWithoutEmailPart(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	ch := NewEmailChannel(srv.URL, "key", "alerts@example.com", staticAddresses{7: "owner@example.com"})
	require.NoError(t, ch.Send(context.Background(), Notification{Owner: 7, Type: TypeLossAlert}))
	assert.Zero(t, hits)
}

// TestEmailChannelDelivers verifies the request shape of an opted-in delivery.
func TestEmailChannelDelivers(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	ch := NewEmailChannel(srv.URL, "key", "alerts@example.com", staticAddresses{7: "owner@example.com"})
	err := ch.Send(context.Background(), Notification{
		Owner: 7,
		Type:  TypeLossAlert,
		Email: &EmailMessage{Subject: "Loss limit reached", Body: "Position POS1 is down 612.40."},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "owner@example.com", got["to"])
	assert.Equal(t, "alerts@example.com", got["from"])
	assert.Equal(t, "Loss limit reached", got["subject"])
}

// TestEmailChannelErrors verifies unresolvable addresses and non-2xx
// responses surface as errors.
func TestEmailChannelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewEmailChannel(srv.URL, "key", "alerts@example.com", staticAddresses{})
	email := &EmailMessage{Subject: "s", Body: "b"}

	err := ch.Send(context.Background(), Notification{Owner: 99, Email: email})
	assert.Error(t, err) // no address on file

	ch = NewEmailChannel(srv.URL, "key", "alerts@example.com", staticAddresses{7: "owner@example.com"})
	err = ch.Send(context.Background(), Notification{Owner: 7, Email: email})
	assert.Error(t, err) // upstream 502
}
