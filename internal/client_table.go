package internal

import (
	"fmt"
	"sync"
	"time"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

type MissingClientIdError struct {
	Id string
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%s", e.Id)
}

// Peer is the handle the client table keeps for one connected session. The
// concrete implementation lives in pkg/session; the table only needs
// identity, delivery, and teardown.
type Peer interface {
	ClientId() string
	ApiKey() string
	Send(env message.Envelope) bool
	Close(code int, reason string)
	LastSeen() time.Time
}

// ClientTable is the per-replica map from client ID to its live peer
// session, with a secondary index by API key. One lock guards both maps;
// it is held only across map mutation, never across I/O.
type ClientTable struct {
	mut      sync.RWMutex
	peers    map[string]Peer
	byApiKey map[string]map[string]Peer
}

func NewClientTable() *ClientTable {
	return &ClientTable{
		peers:    make(map[string]Peer),
		byApiKey: make(map[string]map[string]Peer),
	}
}

// Take removes and returns the current session for clientId, if any. The
// handshake path uses this to evict a duplicate before inserting its
// replacement, so the old session's close is observable before the new one
// appears in the table.
func (t *ClientTable) Take(clientId string) (Peer, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	p, has := t.peers[clientId]
	if !has {
		return nil, false
	}
	t.removeLocked(p)
	return p, true
}

// Put inserts a session. Any previous session for the same client ID must
// already have been evicted via Take.
func (t *ClientTable) Put(p Peer) {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.peers[p.ClientId()] = p
	keyed, has := t.byApiKey[p.ApiKey()]
	if !has {
		keyed = make(map[string]Peer)
		t.byApiKey[p.ApiKey()] = keyed
	}
	keyed[p.ClientId()] = p
}

// Remove drops p from the table, but only while p is still the registered
// session for its client ID. Returns false when a newer session has already
// replaced it.
func (t *ClientTable) Remove(p Peer) bool {
	t.mut.Lock()
	defer t.mut.Unlock()

	current, has := t.peers[p.ClientId()]
	if !has || current != p {
		return false
	}
	t.removeLocked(p)
	return true
}

func (t *ClientTable) removeLocked(p Peer) {
	delete(t.peers, p.ClientId())
	if keyed, has := t.byApiKey[p.ApiKey()]; has {
		delete(keyed, p.ClientId())
		if len(keyed) == 0 {
			delete(t.byApiKey, p.ApiKey())
		}
	}
}

func (t *ClientTable) Get(clientId string) (Peer, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	p, has := t.peers[clientId]
	return p, has
}

func (t *ClientTable) ByApiKey(apiKey string) []Peer {
	t.mut.RLock()
	defer t.mut.RUnlock()

	keyed := t.byApiKey[apiKey]
	out := make([]Peer, 0, len(keyed))
	for _, p := range keyed {
		out = append(out, p)
	}
	return out
}

func (t *ClientTable) All() []Peer {
	t.mut.RLock()
	defer t.mut.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *ClientTable) Count() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.peers)
}
