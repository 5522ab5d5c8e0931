package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"agripulse.org/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRegistration(t *testing.T, s *Store, id string, capacity int64) Registration {
	t.Helper()
	r, err := s.CreateRegistration(context.Background(), Registration{
		ID:        id,
		Owner:     "0.0.5002",
		FarmName:  "Olive Grove",
		PriceUSD:  decimal.RequireFromString("12.50"),
		Capacity:  capacity,
		Remaining: capacity,
		Status:    StatusApproved,
	})
	require.NoError(t, err)
	return r
}

func TestPlatformAssetsLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewStore(kv)

	pa, err := s.PlatformAssets(ctx)
	require.NoError(t, err)
	assert.False(t, pa.Initialized())
	assert.Len(t, pa.Missing(), 5)

	pa.AuditTopic = "0.0.5001"
	pa.CreditToken = "0.0.5002"
	require.NoError(t, s.SavePlatformAssets(ctx, pa))
	got, err := s.PlatformAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.TopicID("0.0.5001"), got.AuditTopic)
	assert.Equal(t, []string{"asset_collection", "seller_rewards", "buyer_rewards"}, got.Missing())

	require.NoError(t, kv.Set(ctx, keyPlatform, []byte("{not json")))
	got, err = s.PlatformAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlatformAssets{}, got)
	raw, err := kv.Get(ctx, keyPlatform)
	require.NoError(t, err)
	var reset PlatformAssets
	require.NoError(t, json.Unmarshal(raw, &reset))
	assert.False(t, reset.Initialized())
}

func TestCreateRegistrationRejectsDuplicate(t *testing.T) {
	s := NewStore(NewMemoryKV())
	r := seedRegistration(t, s, "reg_1", 100)
	assert.Equal(t, int64(1), r.Version)
	assert.False(t, r.CreatedAt.IsZero())

	_, err := s.CreateRegistration(context.Background(), Registration{ID: "reg_1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.Registration(context.Background(), "reg_1")
	require.NoError(t, err)
	assert.True(t, got.PriceUSD.Equal(decimal.RequireFromString("12.5")))
}

func TestReserveAndReleaseQuantity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())
	seedRegistration(t, s, "reg_1", 100)

	r, err := s.ReserveQuantity(ctx, "reg_1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), r.Remaining)
	assert.Equal(t, int64(2), r.Version)

	_, err = s.ReserveQuantity(ctx, "reg_1", 71)
	assert.ErrorIs(t, err, ErrInsufficientQuantity)

	r, err = s.ReleaseQuantity(ctx, "reg_1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.Remaining, "release is capped at capacity")

	_, err = s.ReserveQuantity(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())
	seedRegistration(t, s, "reg_1", 100)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReserveQuantity(ctx, "reg_1", 10); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	r, err := s.Registration(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Remaining)
}

type conflictingKV struct {
	*MemoryKV
}

func (conflictingKV) CompareAndSwap(context.Context, string, []byte, []byte) (bool, error) {
	return false, nil
}

func TestReserveGivesUpOnPersistentConflict(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryKV()
	seedRegistration(t, NewStore(mem), "reg_1", 10)

	s := NewStore(conflictingKV{mem})
	_, err := s.ReserveQuantity(ctx, "reg_1", 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestCorruptEntriesAreDropped(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewStore(kv)
	seedRegistration(t, s, "reg_1", 10)
	require.NoError(t, kv.Set(ctx, prefixRegistration+"reg_2", []byte("garbage")))

	all, err := s.Registrations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "reg_1", all[0].ID)

	_, err = kv.Get(ctx, prefixRegistration+"reg_2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, prefixPurchase+"pur_1", []byte("[")))
	_, err = s.Purchase(ctx, "pur_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRewardIsUniquePerSide(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	first, created, err := s.CreateReward(ctx, RewardAward{ID: "rwd_1", PurchaseID: "pur_1", Side: SideSeller, Tier: "Bronze"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateReward(ctx, RewardAward{ID: "rwd_2", PurchaseID: "pur_1", Side: SideSeller, Tier: "Silver"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = s.CreateReward(ctx, RewardAward{ID: "rwd_3", PurchaseID: "pur_1", Side: SideBuyer, Tier: "Sapling"})
	require.NoError(t, err)
	assert.True(t, created)

	rewards, err := s.Rewards(ctx, "pur_1")
	require.NoError(t, err)
	assert.Len(t, rewards, 2)

	got, err := s.Reward(ctx, "pur_1", SideBuyer)
	require.NoError(t, err)
	assert.Equal(t, "Sapling", got.Tier)
}

func TestBalanceCache(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())

	_, ok, err := s.Balance(ctx, "0.0.5003")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.PutBalance(ctx, ledger.Balance{Account: "0.0.5003", Native: 42})
	require.NoError(t, err)
	snap, ok, err := s.Balance(ctx, "0.0.5003")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), snap.Native)
	assert.False(t, snap.FetchedAt.IsZero())

	require.NoError(t, s.InvalidateBalance(ctx, "0.0.5003"))
	_, ok, _ = s.Balance(ctx, "0.0.5003")
	assert.False(t, ok)
}

func TestRetirementsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryKV())
	for i, holder := range []ledger.AccountID{"0.0.1", "0.0.2", "0.0.1"} {
		_, err := s.CreateRetirement(ctx, RetirementRecord{ID: "ret_" + string(rune('a'+i)), Holder: holder, Quantity: 5})
		require.NoError(t, err)
	}
	mine, err := s.Retirements(ctx, "0.0.1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	all, err := s.Retirements(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
