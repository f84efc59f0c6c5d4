package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// It honors the same version-conditional write contract as the
// Postgres store.
type MemoryStore struct {
	mu          sync.RWMutex
	escrows     map[string]*Escrow
	transitions []*Transition
	nextTrID    int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		nextTrID: 1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers never mutate the stored record directly.
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateVersioned(ctx context.Context, e *Escrow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrStateConflict
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == partyID || e.SellerID == partyID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.DisputeOpenedAt != nil {
			continue
		}
		var since *time.Time
		switch e.Status {
		case StatusSellerAcknowledged:
			since = e.AcknowledgedAt
		case StatusDeliveryConfirmed:
			since = e.CompletedAt
		default:
			continue
		}
		if since == nil || !since.Before(cutoff) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr.ID = m.nextTrID
	m.nextTrID++
	cp := *tr
	m.transitions = append(m.transitions, &cp)
	return nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, escrowID string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transition
	for _, tr := range m.transitions {
		if tr.EscrowID == escrowID {
			cp := *tr
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
