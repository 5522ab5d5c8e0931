package retirement

import (
	"context"
	"testing"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, readLag int) (*Service, *ledger.InMemory, *mirror.Store, ledger.AccountID, mirror.PlatformAssets) {
	t.Helper()
	ctx := context.Background()
	mem := ledger.NewInMemory(ledger.WithReadLag(readLag))
	store := mirror.NewStore(mirror.NewMemoryKV())
	treasury, err := mem.CreateAccount(ctx, 0)
	require.NoError(t, err)
	holder, err := mem.CreateAccount(ctx, 0)
	require.NoError(t, err)

	credit, err := mem.CreateFungibleToken(ctx, ledger.FungibleTokenSpec{Name: "CC", Symbol: "CC", Treasury: treasury})
	require.NoError(t, err)
	_, err = mem.MintFungible(ctx, credit, 100)
	require.NoError(t, err)
	require.NoError(t, mem.Associate(ctx, holder, credit))
	_, err = mem.Transfer(ctx, ledger.TransferTx{
		Tokens:  []ledger.TokenLeg{{Token: credit, Account: treasury, Amount: -40}, {Token: credit, Account: holder, Amount: 40}},
		Signers: []ledger.AccountID{treasury},
	})
	require.NoError(t, err)

	assets := mirror.PlatformAssets{AuditTopic: "0.0.1", CreditToken: credit, AssetCollection: "0.0.2", SellerRewards: "0.0.3", BuyerRewards: "0.0.4"}
	require.NoError(t, store.SavePlatformAssets(ctx, assets))
	refresher := saga.NewBalanceRefresher(mem, store, saga.RefreshPolicy{Attempts: 5, InitialBackoff: time.Millisecond})
	return New(mem, store, refresher, nil), mem, store, holder, assets
}

func TestRetire(t *testing.T) {
	svc, mem, store, holder, assets := setup(t, 0)
	ctx := context.Background()

	res, err := svc.Retire(ctx, holder, 15, "  offset 2025 emissions ")
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.Record.Quantity)
	assert.Equal(t, "offset 2025 emissions", res.Record.Reason)
	assert.True(t, res.BalanceConverged)
	tb, _ := res.Balance.Token(assets.CreditToken)
	assert.Equal(t, int64(25), tb.Balance)

	info, err := mem.TokenInfo(ctx, assets.CreditToken)
	require.NoError(t, err)
	assert.Equal(t, int64(85), info.TotalSupply)

	recs, err := store.Retirements(ctx, holder)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRetireWaitsForLaggingReads(t *testing.T) {
	svc, _, _, holder, assets := setup(t, 2)
	// Drain the lag left by setup.
	for i := 0; i < 2; i++ {
		_, _ = svc.ledger.GetBalance(context.Background(), holder)
	}
	res, err := svc.Retire(context.Background(), holder, 10, "")
	require.NoError(t, err)
	assert.True(t, res.BalanceConverged)
	tb, _ := res.Balance.Token(assets.CreditToken)
	assert.Equal(t, int64(30), tb.Balance)
}

func TestRetirePreconditions(t *testing.T) {
	svc, _, store, holder, _ := setup(t, 0)
	ctx := context.Background()

	for _, qty := range []int64{0, -1, 41} {
		_, err := svc.Retire(ctx, holder, qty, "")
		assert.True(t, saga.IsPrecondition(err), "qty %d: %v", qty, err)
	}
	_, err := svc.Retire(ctx, "", 1, "")
	assert.True(t, saga.IsPrecondition(err))

	require.NoError(t, store.SavePlatformAssets(ctx, mirror.PlatformAssets{}))
	_, err = svc.Retire(ctx, holder, 1, "")
	assert.ErrorIs(t, err, saga.ErrPlatformNotInitialized)
}
