package saga

import (
	"context"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
)

// BalanceReader is the slice of the ledger gateway used for balance refresh.
type BalanceReader interface {
	GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error)
}

// RefreshPolicy bounds the post-write balance polling.
type RefreshPolicy struct {
	// Delay is waited once before the first read.
	Delay          time.Duration
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BalanceRefresher re-reads balances after a ledger write until the query
// side reflects it.
type BalanceRefresher struct {
	ledger BalanceReader
	store  *mirror.Store
	policy RefreshPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewBalanceRefresher(l BalanceReader, store *mirror.Store, policy RefreshPolicy) *BalanceRefresher {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 250 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &BalanceRefresher{ledger: l, store: store, policy: policy, sleep: sleepCtx}
}

// Refresh invalidates the cached snapshot, waits the propagation delay, then
// polls until until(balance) holds or attempts run out. The last read is
// cached either way; converged tells whether the predicate held. A nil until
// accepts the first successful read.
func (b *BalanceRefresher) Refresh(ctx context.Context, account ledger.AccountID, until func(ledger.Balance) bool) (snap mirror.BalanceSnapshot, converged bool, err error) {
	if err := b.store.InvalidateBalance(ctx, account); err != nil {
		return mirror.BalanceSnapshot{}, false, err
	}
	if err := b.sleep(ctx, b.policy.Delay); err != nil {
		return mirror.BalanceSnapshot{}, false, err
	}

	var (
		last    ledger.Balance
		haveOne bool
		lastErr error
	)
	backoff := b.policy.InitialBackoff
	for attempt := 0; attempt < b.policy.Attempts; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, backoff); err != nil {
				return mirror.BalanceSnapshot{}, false, err
			}
			backoff *= 2
			if backoff > b.policy.MaxBackoff {
				backoff = b.policy.MaxBackoff
			}
		}
		bal, err := b.ledger.GetBalance(ctx, account)
		if err != nil {
			lastErr = err
			continue
		}
		last, haveOne = bal, true
		if until == nil || until(bal) {
			converged = true
			break
		}
	}
	if !haveOne {
		return mirror.BalanceSnapshot{}, false, lastErr
	}
	if !converged {
		obs.Logger().WithField("account", account).WithField("attempts", b.policy.Attempts).
			Warn("balance did not converge; caching last read")
	}
	snap, err = b.store.PutBalance(ctx, last)
	return snap, converged, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
