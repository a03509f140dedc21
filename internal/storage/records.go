// Package storage provides the record-store abstraction the engine is
// written against, plus the concrete local (sqlite), remote (HTTP) and
// in-memory implementations.
package storage

import (
	"context"
	"encoding/json"
	"sync"

	"dosewise/internal/errors"
)

// Op is a predicate operator. The document store only supports equality
// and timestamp comparison.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Predicate is one query condition against a collection field.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Eq builds an equality predicate.
func Eq(field, value string) Predicate { return Predicate{Field: field, Op: OpEq, Value: value} }

// Gte builds a greater-or-equal predicate.
func Gte(field, value string) Predicate { return Predicate{Field: field, Op: OpGte, Value: value} }

// Lte builds a less-or-equal predicate.
func Lte(field, value string) Predicate { return Predicate{Field: field, Op: OpLte, Value: value} }

// RecordStore is a keyed, queryable document store. The local and remote
// variants share this contract; the remote variant may fail with
// ErrStoreUnavailable at any call.
type RecordStore interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Query(ctx context.Context, collection string, preds ...Predicate) ([]json.RawMessage, error)
	Upsert(ctx context.Context, collection, id string, payload json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
}

// MemoryStore is a map-backed RecordStore used in tests and as a remote
// stand-in. Failure injection simulates connectivity loss.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	unavailable bool
	failNext    int
	upserts     int
	deletes     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]json.RawMessage)}
}

// SetAvailable toggles simulated connectivity.
func (s *MemoryStore) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !ok
}

// FailNext makes the next n write calls fail with ErrStoreUnavailable.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// UpsertCount reports how many upserts have been applied.
func (s *MemoryStore) UpsertCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func (s *MemoryStore) checkWrite() error {
	if s.unavailable {
		return errors.ErrStoreUnavailable
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.ErrStoreUnavailable
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, errors.ErrStoreUnavailable
	}
	coll, ok := s.collections[collection]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	payload, ok := coll[id]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	return payload, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, preds ...Predicate) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, errors.ErrStoreUnavailable
	}

	var out []json.RawMessage
	for _, payload := range s.collections[collection] {
		if matches(payload, preds) {
			out = append(out, payload)
		}
	}
	return out, nil
}

func matches(payload json.RawMessage, preds []Predicate) bool {
	if len(preds) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	for _, p := range preds {
		raw, ok := doc[p.Field]
		if !ok {
			return false
		}
		val, ok := raw.(string)
		if !ok {
			b, _ := json.Marshal(raw)
			val = string(b)
		}
		switch p.Op {
		case OpEq:
			if val != p.Value {
				return false
			}
		case OpGte:
			if val < p.Value {
				return false
			}
		case OpLte:
			if val > p.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *MemoryStore) Upsert(ctx context.Context, collection, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		s.collections[collection] = coll
	}
	coll[id] = append(json.RawMessage(nil), payload...)
	s.upserts++
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	delete(s.collections[collection], id)
	s.deletes++
	return nil
}
