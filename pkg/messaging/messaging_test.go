package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, l *Loopback) *Envelope {
	t.Helper()
	select {
	case env := <-l.Inbox():
		return env
	default:
		t.Fatal("no envelope queued")
		return nil
	}
}

// TestDirectDelivery covers point-to-point routing.
func TestDirectDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Join("uuid-a")
	b := hub.Join("uuid-b")

	env := NewEnvelope("uuid-a", "uuid-b", TypeController, "vote", []byte("<x/>"))
	require.NoError(t, a.Send(env))

	got := recv(t, b)
	assert.Equal(t, "uuid-a", got.From)
	assert.Equal(t, "vote", got.Subtype)
	assert.Equal(t, []byte("<x/>"), got.PayloadXML)
	assert.NotEmpty(t, got.Reference)
}

// TestBroadcastSkipsSender covers To == "" fan-out.
func TestBroadcastSkipsSender(t *testing.T) {
	hub := NewHub()
	a := hub.Join("uuid-a")
	b := hub.Join("uuid-b")
	c := hub.Join("uuid-c")

	require.NoError(t, a.Send(NewEnvelope("uuid-a", "", TypeController, "vote", nil)))

	assert.NotNil(t, recv(t, b))
	assert.NotNil(t, recv(t, c))
	select {
	case <-a.Inbox():
		t.Fatal("sender received its own broadcast")
	default:
	}
}

// TestUnknownPeer covers the routing error.
func TestUnknownPeer(t *testing.T) {
	hub := NewHub()
	a := hub.Join("uuid-a")

	err := a.Send(NewEnvelope("uuid-a", "uuid-gone", TypeController, "vote", nil))
	assert.Error(t, err)
}

// TestDedupeByReference covers at-least-once redelivery: the same
// reference is delivered once.
func TestDedupeByReference(t *testing.T) {
	hub := NewHub()
	a := hub.Join("uuid-a")
	b := hub.Join("uuid-b")

	env := NewEnvelope("uuid-a", "uuid-b", TypeController, "vote", nil)
	require.NoError(t, a.Send(env))
	require.NoError(t, a.Send(env)) // retry replays the same reference

	assert.NotNil(t, recv(t, b))
	select {
	case <-b.Inbox():
		t.Fatal("duplicate delivered")
	default:
	}
}

// TestRefCacheWindow covers eviction: old references age out of the
// window and would be accepted again.
func TestRefCacheWindow(t *testing.T) {
	c := newRefCache()
	assert.False(t, c.observe("ref-0"))
	assert.True(t, c.observe("ref-0"))

	for i := 0; i < dedupeWindow; i++ {
		c.observe(string(rune('a'+i%26)) + "-" + string(rune('0'+i%10)) + "-" + itoa(i))
	}
	assert.False(t, c.observe("ref-0"), "evicted reference is fresh again")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// TestDropPeerClosesInbox covers membership loss on the hub.
func TestDropPeerClosesInbox(t *testing.T) {
	hub := NewHub()
	a := hub.Join("uuid-a")
	b := hub.Join("uuid-b")

	hub.Drop("uuid-b")
	_, open := <-b.Inbox()
	assert.False(t, open)

	err := a.Send(NewEnvelope("uuid-a", "uuid-b", TypeController, "vote", nil))
	assert.Error(t, err, "dropped peer is unroutable")
}
