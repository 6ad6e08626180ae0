package internal

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
)

// ShapeHints are optional per-type formatting hints the relay carries
// through without interpreting; the edge reads them when shaping the final
// HTTP response.
type ShapeHints struct {
	Format    string
	ActiveTab string
}

// Result is the single outcome of a waiter: either the peer's response
// envelope or a relay error, never both.
type Result struct {
	Body message.Envelope
	Err  error
}

// Waiter is one entry in the pending-request table: the suspended response
// path for an in-flight request, plus the metadata needed to shape and
// route the eventual reply.
type Waiter struct {
	RequestId      string
	Type           string
	OriginReplica  string
	OriginId       string // requestId at the origin replica; equals RequestId for local requests
	TargetClientId string
	Hints          ShapeHints
	CreatedAt      time.Time
	Deadline       time.Time

	resolve func(Result)
}

func NewWaiter(resolve func(Result)) *Waiter {
	return &Waiter{resolve: resolve}
}

// Resolve delivers the outcome. Callers must hold the waiter exclusively,
// which the store's atomic Take guarantees.
func (w *Waiter) Resolve(r Result) {
	w.resolve(r)
}

// PendingStore is the per-replica pending-request table. Every mutation is
// a map operation under one lock; Take and TakeExpired are the only removal
// paths and each removes a waiter at most once, so each waiter resolves
// exactly once.
type PendingStore struct {
	clk clock.Clock

	mut       sync.Mutex
	waiters   map[string]*Waiter
	lastNanos int64
}

func NewPendingStore(clk clock.Clock) *PendingStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingStore{
		clk:     clk,
		waiters: make(map[string]*Waiter),
	}
}

// NextRequestId allocates a correlation ID of the form {type}_{nanos}. The
// nanosecond counter is strictly monotonic, so IDs never collide within the
// replica's lifetime.
func (s *PendingStore) NextRequestId(reqType string) string {
	s.mut.Lock()
	defer s.mut.Unlock()

	nanos := s.clk.Now().UnixNano()
	if nanos <= s.lastNanos {
		nanos = s.lastNanos + 1
	}
	s.lastNanos = nanos

	return fmt.Sprintf("%s_%d", reqType, nanos)
}

func (s *PendingStore) Register(w *Waiter) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, has := s.waiters[w.RequestId]; has {
		return &errors.DuplicateRequestId{RequestId: w.RequestId}
	}
	s.waiters[w.RequestId] = w
	return nil
}

// Take atomically removes and returns the waiter for requestId. A second
// Take for the same ID yields nothing; duplicate or late responses are
// dropped by their caller.
func (s *PendingStore) Take(requestId string) (*Waiter, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	w, has := s.waiters[requestId]
	if !has {
		return nil, false
	}
	delete(s.waiters, requestId)
	return w, true
}

// TakeExpired removes and returns every waiter past its deadline.
func (s *PendingStore) TakeExpired(now time.Time) []*Waiter {
	s.mut.Lock()
	defer s.mut.Unlock()

	var expired []*Waiter
	for id, w := range s.waiters {
		if now.After(w.Deadline) {
			expired = append(expired, w)
			delete(s.waiters, id)
		}
	}
	return expired
}

func (s *PendingStore) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.waiters)
}
