package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

type stubPeer struct {
	clientId  string
	apiKey    string
	closeCode int
}

func (p *stubPeer) ClientId() string              { return p.clientId }
func (p *stubPeer) ApiKey() string                { return p.apiKey }
func (p *stubPeer) Send(message.Envelope) bool    { return true }
func (p *stubPeer) Close(code int, reason string) { p.closeCode = code }
func (p *stubPeer) LastSeen() time.Time           { return time.Time{} }

func TestPutAndGet(t *testing.T) {
	table := NewClientTable()
	p := &stubPeer{clientId: "c1", apiKey: "k1"}

	table.Put(p)

	got, has := table.Get("c1")
	require.True(t, has)
	assert.Same(t, Peer(p), got)
	assert.Equal(t, 1, table.Count())
}

func TestTakeEvictsForReplacement(t *testing.T) {
	table := NewClientTable()
	old := &stubPeer{clientId: "c1", apiKey: "k1"}
	table.Put(old)

	evicted, had := table.Take("c1")
	require.True(t, had)
	assert.Same(t, Peer(old), evicted)

	_, stillThere := table.Get("c1")
	assert.False(t, stillThere)

	replacement := &stubPeer{clientId: "c1", apiKey: "k1"}
	table.Put(replacement)
	got, _ := table.Get("c1")
	assert.Same(t, Peer(replacement), got)
}

func TestRemoveIgnoresStaleSession(t *testing.T) {
	table := NewClientTable()
	old := &stubPeer{clientId: "c1", apiKey: "k1"}
	newer := &stubPeer{clientId: "c1", apiKey: "k1"}

	table.Put(old)
	_, _ = table.Take("c1")
	table.Put(newer)

	// The old session's deferred cleanup must not evict its replacement.
	assert.False(t, table.Remove(old))
	got, has := table.Get("c1")
	require.True(t, has)
	assert.Same(t, Peer(newer), got)

	assert.True(t, table.Remove(newer))
	assert.Zero(t, table.Count())
}

func TestApiKeyIndexTracksMembership(t *testing.T) {
	table := NewClientTable()
	a := &stubPeer{clientId: "c1", apiKey: "k1"}
	b := &stubPeer{clientId: "c2", apiKey: "k1"}
	c := &stubPeer{clientId: "c3", apiKey: "k2"}

	table.Put(a)
	table.Put(b)
	table.Put(c)

	assert.Len(t, table.ByApiKey("k1"), 2)
	assert.Len(t, table.ByApiKey("k2"), 1)
	assert.Empty(t, table.ByApiKey("k3"))

	table.Remove(a)
	assert.Len(t, table.ByApiKey("k1"), 1)

	table.Remove(b)
	assert.Empty(t, table.ByApiKey("k1"))
}
