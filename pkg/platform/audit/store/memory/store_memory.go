package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	audit "consentd/pkg/platform/audit"
)

// InMemoryStore keeps one hash chain per chain key. Records are copied on the
// way in and out so callers cannot mutate stored history.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]audit.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chains: make(map[string][]audit.Record)}
}

func (s *InMemoryStore) Append(_ context.Context, record audit.Record) (audit.Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.SourceEvent = bytes.Clone(record.SourceEvent)

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[record.ChainKey]
	var prev *audit.Record
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
		if audit.ComputeHash(prev.HashPrev, *prev) != prev.HashCurr {
			return audit.Record{}, audit.ErrCorruptChain
		}
	}
	linked := audit.Link(prev, record)
	s.chains[record.ChainKey] = append(chain, linked)
	return clone(linked), nil
}

func (s *InMemoryStore) ListByChain(_ context.Context, chainKey string) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey]
	out := make([]audit.Record, len(chain))
	for i := range chain {
		out[i] = clone(chain[i])
	}
	return out, nil
}

// ListAll returns every chain's records; chains are not ordered relative to each other.
func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, chain := range s.chains {
		for i := range chain {
			out = append(out, clone(chain[i]))
		}
	}
	return out, nil
}

func clone(r audit.Record) audit.Record {
	r.SourceEvent = bytes.Clone(r.SourceEvent)
	return r
}
