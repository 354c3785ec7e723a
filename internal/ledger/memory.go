package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory Store. It backs devices running without a local
// database and doubles as the test fixture for everything layered on Store.
type MemStore struct {
	deviceID string

	mu        sync.RWMutex
	records   map[uuid.UUID]*Record
	byVoucher map[string]uuid.UUID
	snapshot  Snapshot
	allowance decimal.Decimal

	lease struct {
		owner   string
		expires time.Time
		version int
	}
}

// NewMemStore creates an in-memory store with the given offline allowance.
func NewMemStore(deviceID string, allowance decimal.Decimal) *MemStore {
	return &MemStore{
		deviceID:  deviceID,
		records:   make(map[uuid.UUID]*Record),
		byVoucher: make(map[string]uuid.UUID),
		allowance: allowance,
		snapshot: Snapshot{
			DeviceID:      deviceID,
			TotalSent:     decimal.Zero,
			TotalReceived: decimal.Zero,
		},
	}
}

func (s *MemStore) Add(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(rec)
}

func (s *MemStore) AddWithAllowance(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.allowance.Sub(rec.Amount)
	if remaining.IsNegative() {
		return ErrAllowanceExceeded
	}
	if err := s.addLocked(rec); err != nil {
		return err
	}
	s.allowance = remaining
	return nil
}

func (s *MemStore) addLocked(rec *Record) error {
	if rec.VoucherRef != "" {
		if _, exists := s.byVoucher[rec.VoucherRef]; exists {
			return ErrDuplicateVoucher
		}
	}

	stored := cloneRecord(rec)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.DeviceID == "" {
		stored.DeviceID = s.deviceID
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	stored.Version = 1

	s.records[stored.ID] = stored
	if stored.VoucherRef != "" {
		s.byVoucher[stored.VoucherRef] = stored.ID
	}
	rec.ID = stored.ID
	rec.DeviceID = stored.DeviceID
	rec.Status = stored.Status
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	rec.Version = stored.Version

	s.recalcLocked()
	return nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemStore) GetAll(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemStore) GetByStatus(ctx context.Context, status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, cloneRecord(rec))
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemStore) GetByVoucherRef(ctx context.Context, voucherRef string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byVoucher[voucherRef]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(s.records[id]), nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, settlementTxRef string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	// Re-applying the current status is a no-op; a settled record keeps
	// the ref it settled with.
	if rec.Status == status {
		return cloneRecord(rec), nil
	}
	if !CanTransition(rec.Status, status) {
		return nil, ErrInvalidTransition
	}

	rec.Status = status
	if status == StatusSettled && rec.SettlementTxRef == "" {
		rec.SettlementTxRef = settlementTxRef
	}
	rec.UpdatedAt = time.Now()
	rec.Version++

	s.recalcLocked()
	return cloneRecord(rec), nil
}

func (s *MemStore) RecalculateBalances(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recalcLocked()
	snap := s.snapshot
	return &snap, nil
}

func (s *MemStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snapshot
	return &snap, nil
}

// recalcLocked rebuilds the snapshot from pending records. Only pending
// records count toward the offline totals.
func (s *MemStore) recalcLocked() {
	sent := decimal.Zero
	received := decimal.Zero
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			continue
		}
		switch rec.Direction {
		case DirectionSent:
			sent = sent.Add(rec.Amount)
		case DirectionReceived:
			received = received.Add(rec.Amount)
		}
	}
	s.snapshot = Snapshot{
		DeviceID:      s.deviceID,
		TotalSent:     sent,
		TotalReceived: received,
		LastUpdated:   time.Now(),
	}
}

func (s *MemStore) Allowance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowance, nil
}

func (s *MemStore) SpendAllowance(ctx context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.allowance.Sub(amount)
	if remaining.IsNegative() {
		return ErrAllowanceExceeded
	}
	s.allowance = remaining
	return nil
}

func (s *MemStore) RestoreAllowance(ctx context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allowance = s.allowance.Add(amount)
	return nil
}

func (s *MemStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.lease.owner != "" && s.lease.owner != owner && s.lease.expires.After(now) {
		return ErrLeaseHeld
	}
	s.lease.owner = owner
	s.lease.expires = now.Add(ttl)
	s.lease.version++
	return nil
}

func (s *MemStore) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease.owner != owner {
		return nil
	}
	s.lease.owner = ""
	s.lease.expires = time.Time{}
	s.lease.version++
	return nil
}

func (s *MemStore) PurgeSettled(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.Status != StatusSettled {
			continue
		}
		delete(s.records, id)
		if rec.VoucherRef != "" {
			delete(s.byVoucher, rec.VoucherRef)
		}
		removed++
	}
	if removed > 0 {
		s.recalcLocked()
	}
	return removed, nil
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	return &c
}

func sortByCreatedAt(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
