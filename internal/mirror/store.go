package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/obs"
)

const (
	keyPlatform        = "platform_assets"
	prefixRegistration = "registration/"
	prefixPurchase     = "purchase/"
	prefixReward       = "reward/"
	prefixRetirement   = "retirement/"
	prefixBalance      = "balance/"

	maxCASAttempts = 8
)

var errCorrupt = errors.New("mirror: corrupt entry")

// Store is the typed API over a KV. Every read-modify-write runs under one
// mutex, and quantity changes additionally use compare-and-swap on Version so
// that several processes sharing a durable KV cannot oversell.
type Store struct {
	kv  KV
	mu  sync.Mutex
	now func() time.Time
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: func() time.Time { return time.Now().UTC() }}
}

// PlatformAssets returns the singleton. A missing or corrupt entry yields the
// zero value; corrupt entries are reset.
func (s *Store) PlatformAssets(ctx context.Context) (PlatformAssets, error) {
	var pa PlatformAssets
	_, err := s.get(ctx, keyPlatform, &pa)
	switch {
	case err == nil:
		return pa, nil
	case errors.Is(err, ErrNotFound):
		return PlatformAssets{}, nil
	case errors.Is(err, errCorrupt):
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.put(ctx, keyPlatform, PlatformAssets{}); err != nil {
			return PlatformAssets{}, err
		}
		return PlatformAssets{}, nil
	default:
		return PlatformAssets{}, err
	}
}

// SavePlatformAssets replaces the singleton.
func (s *Store) SavePlatformAssets(ctx context.Context, pa PlatformAssets) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa.UpdatedAt = s.now()
	return s.put(ctx, keyPlatform, pa)
}

// CreateRegistration inserts r. The id must be unused.
func (s *Store) CreateRegistration(ctx context.Context, r Registration) (Registration, error) {
	if r.ID == "" {
		return Registration{}, errors.New("mirror: registration id is required")
	}
	r.Version = 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insert(ctx, prefixRegistration+r.ID, r); err != nil {
		return Registration{}, err
	}
	return r, nil
}

func (s *Store) Registration(ctx context.Context, id string) (Registration, error) {
	var r Registration
	if _, err := s.getOrDrop(ctx, prefixRegistration+id, &r); err != nil {
		return Registration{}, err
	}
	return r, nil
}

// Registrations lists every registration ordered by id.
func (s *Store) Registrations(ctx context.Context) ([]Registration, error) {
	return list[Registration](ctx, s, prefixRegistration)
}

// ReserveQuantity atomically decrements Remaining by qty.
func (s *Store) ReserveQuantity(ctx context.Context, id string, qty int64) (Registration, error) {
	if qty <= 0 {
		return Registration{}, fmt.Errorf("mirror: invalid quantity %d", qty)
	}
	return s.adjustRemaining(ctx, id, func(r *Registration) error {
		if qty > r.Remaining {
			return fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientQuantity, qty, r.Remaining)
		}
		r.Remaining -= qty
		return nil
	})
}

// ReleaseQuantity returns a reservation. Remaining never exceeds Capacity.
func (s *Store) ReleaseQuantity(ctx context.Context, id string, qty int64) (Registration, error) {
	if qty <= 0 {
		return Registration{}, fmt.Errorf("mirror: invalid quantity %d", qty)
	}
	return s.adjustRemaining(ctx, id, func(r *Registration) error {
		r.Remaining += qty
		if r.Remaining > r.Capacity {
			r.Remaining = r.Capacity
		}
		return nil
	})
}

func (s *Store) adjustRemaining(ctx context.Context, id string, mutate func(*Registration) error) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := prefixRegistration + id
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var r Registration
		raw, err := s.getOrDrop(ctx, key, &r)
		if err != nil {
			return Registration{}, err
		}
		if err := mutate(&r); err != nil {
			return Registration{}, err
		}
		r.Version++
		next, err := json.Marshal(r)
		if err != nil {
			return Registration{}, err
		}
		ok, err := s.kv.CompareAndSwap(ctx, key, raw, next)
		if err != nil {
			return Registration{}, err
		}
		if ok {
			return r, nil
		}
	}
	return Registration{}, fmt.Errorf("%w: registration %s", ErrVersionConflict, id)
}

func (s *Store) CreatePurchase(ctx context.Context, p PurchaseRecord) (PurchaseRecord, error) {
	if p.ID == "" {
		return PurchaseRecord{}, errors.New("mirror: purchase id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insert(ctx, prefixPurchase+p.ID, p); err != nil {
		return PurchaseRecord{}, err
	}
	return p, nil
}

func (s *Store) Purchase(ctx context.Context, id string) (PurchaseRecord, error) {
	var p PurchaseRecord
	if _, err := s.getOrDrop(ctx, prefixPurchase+id, &p); err != nil {
		return PurchaseRecord{}, err
	}
	return p, nil
}

func (s *Store) Purchases(ctx context.Context) ([]PurchaseRecord, error) {
	return list[PurchaseRecord](ctx, s, prefixPurchase)
}

// CreateReward stores at most one award per (purchase, side). When one exists
// it is returned with created=false.
func (s *Store) CreateReward(ctx context.Context, a RewardAward) (award RewardAward, created bool, err error) {
	if a.PurchaseID == "" || a.Side == "" {
		return RewardAward{}, false, errors.New("mirror: reward needs purchase id and side")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	key := rewardKey(a.PurchaseID, a.Side)
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.insert(ctx, key, a)
	if errors.Is(err, ErrAlreadyExists) {
		var existing RewardAward
		if _, err := s.getOrDrop(ctx, key, &existing); err != nil {
			return RewardAward{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return RewardAward{}, false, err
	}
	return a, true, nil
}

// Reward returns the award for one side of a purchase.
func (s *Store) Reward(ctx context.Context, purchaseID string, side Side) (RewardAward, error) {
	var a RewardAward
	if _, err := s.getOrDrop(ctx, rewardKey(purchaseID, side), &a); err != nil {
		return RewardAward{}, err
	}
	return a, nil
}

// Rewards lists the awards of one purchase.
func (s *Store) Rewards(ctx context.Context, purchaseID string) ([]RewardAward, error) {
	return list[RewardAward](ctx, s, prefixReward+purchaseID+"/")
}

func (s *Store) CreateRetirement(ctx context.Context, r RetirementRecord) (RetirementRecord, error) {
	if r.ID == "" {
		return RetirementRecord{}, errors.New("mirror: retirement id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insert(ctx, prefixRetirement+r.ID, r); err != nil {
		return RetirementRecord{}, err
	}
	return r, nil
}

// Retirements lists retirements, optionally filtered by holder.
func (s *Store) Retirements(ctx context.Context, holder ledger.AccountID) ([]RetirementRecord, error) {
	all, err := list[RetirementRecord](ctx, s, prefixRetirement)
	if err != nil || holder == "" {
		return all, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Holder == holder {
			out = append(out, r)
		}
	}
	return out, nil
}

// Balance returns the cached snapshot. ok is false when nothing is cached.
func (s *Store) Balance(ctx context.Context, account ledger.AccountID) (BalanceSnapshot, bool, error) {
	var b BalanceSnapshot
	_, err := s.getOrDrop(ctx, prefixBalance+string(account), &b)
	if errors.Is(err, ErrNotFound) {
		return BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return BalanceSnapshot{}, false, err
	}
	return b, true, nil
}

func (s *Store) PutBalance(ctx context.Context, b ledger.Balance) (BalanceSnapshot, error) {
	snap := BalanceSnapshot{Balance: b, FetchedAt: s.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, prefixBalance+string(b.Account), snap); err != nil {
		return BalanceSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) InvalidateBalance(ctx context.Context, account ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, prefixBalance+string(account))
}

// helpers ----------------------------------------------------------------

func rewardKey(purchaseID string, side Side) string {
	return prefixReward + purchaseID + "/" + string(side)
}

func (s *Store) get(ctx context.Context, key string, v any) ([]byte, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		obs.Logger().WithError(err).WithField("key", key).Warn("mirror: corrupt entry")
		return raw, errCorrupt
	}
	return raw, nil
}

// getOrDrop reads a collection entry. Corrupt entries are deleted and
// reported as ErrNotFound.
func (s *Store) getOrDrop(ctx context.Context, key string, v any) ([]byte, error) {
	raw, err := s.get(ctx, key, v)
	if errors.Is(err, errCorrupt) {
		if derr := s.kv.Delete(ctx, key); derr != nil {
			return nil, derr
		}
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, raw)
}

func (s *Store) insert(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := s.kv.CompareAndSwap(ctx, key, nil, raw)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	return nil
}

func list[T any](ctx context.Context, s *Store, prefix string) ([]T, error) {
	entries, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			obs.Logger().WithError(err).WithField("key", e.Key).Warn("mirror: dropping corrupt entry")
			if derr := s.kv.Delete(ctx, e.Key); derr != nil {
				return nil, derr
			}
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
