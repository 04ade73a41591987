// Package correlation maintains the bidirectional mapping between locally
// generated client order ids and exchange-assigned order ids. It is used to
// match asynchronous exchange confirmations back to in-flight requests.
package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrEmptyID is returned when either id of the pair is empty
	ErrEmptyID = errors.New("empty order id")
	// ErrConflict is returned when either id is already mapped. Callers
	// treat this as an invariant violation: it means two live orders claim
	// the same identity.
	ErrConflict = errors.New("correlation index conflict")
	// ErrPairMismatch is returned by Remove when the stored pair does not
	// match the given one exactly
	ErrPairMismatch = errors.New("correlation pair mismatch")
)

// pairing is one immutable generation of the index. Both directions are built
// together and swapped in atomically, so an observer can never see the
// forward mapping without the reverse one.
type pairing struct {
	byClient   map[string]string
	byExchange map[string]string
}

func (p *pairing) clone() *pairing {
	next := &pairing{
		byClient:   make(map[string]string, len(p.byClient)+1),
		byExchange: make(map[string]string, len(p.byExchange)+1),
	}
	for k, v := range p.byClient {
		next.byClient[k] = v
	}
	for k, v := range p.byExchange {
		next.byExchange[k] = v
	}
	return next
}

// Index is a concurrent bidirectional client-id/exchange-id map. Lookups are
// wait-free reads of the current generation; mutations copy the maps and
// publish a new generation, serialized by a writer lock.
type Index struct {
	mu    sync.Mutex
	state atomic.Pointer[pairing]
}

// NewIndex creates an empty index
func NewIndex() *Index {
	idx := &Index{}
	idx.state.Store(&pairing{
		byClient:   map[string]string{},
		byExchange: map[string]string{},
	})
	return idx
}

// TryAdd maps clientID and exchangeID to each other. It fails without side
// effects if either key is already present in either direction. On success
// both directions become visible atomically.
func (i *Index) TryAdd(clientID, exchangeID string) error {
	if clientID == "" || exchangeID == "" {
		return ErrEmptyID
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.state.Load()
	if _, ok := cur.byClient[clientID]; ok {
		return ErrConflict
	}
	if _, ok := cur.byExchange[exchangeID]; ok {
		return ErrConflict
	}
	// Ids must not collide across directions either: an exchange id that is
	// already used as a client id (or vice versa) would make confirmations
	// ambiguous.
	if _, ok := cur.byClient[exchangeID]; ok {
		return ErrConflict
	}
	if _, ok := cur.byExchange[clientID]; ok {
		return ErrConflict
	}

	next := cur.clone()
	next.byClient[clientID] = exchangeID
	next.byExchange[exchangeID] = clientID
	i.state.Store(next)
	return nil
}

// Remove unmaps the pair. It removes both directions or neither: if the
// stored pair does not match the given ids exactly, nothing changes.
func (i *Index) Remove(clientID, exchangeID string) error {
	if clientID == "" || exchangeID == "" {
		return ErrEmptyID
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.state.Load()
	stored, ok := cur.byClient[clientID]
	if !ok || stored != exchangeID {
		return ErrPairMismatch
	}
	if back, ok := cur.byExchange[exchangeID]; !ok || back != clientID {
		return ErrPairMismatch
	}

	next := cur.clone()
	delete(next.byClient, clientID)
	delete(next.byExchange, exchangeID)
	i.state.Store(next)
	return nil
}

// ExchangeID resolves a client order id to its exchange order id
func (i *Index) ExchangeID(clientID string) (string, bool) {
	id, ok := i.state.Load().byClient[clientID]
	return id, ok
}

// ClientID resolves an exchange order id to its client order id
func (i *Index) ClientID(exchangeID string) (string, bool) {
	id, ok := i.state.Load().byExchange[exchangeID]
	return id, ok
}

// Len returns the number of mapped pairs
func (i *Index) Len() int {
	return len(i.state.Load().byClient)
}
