// Package purchase runs the instant purchase saga: one atomic payment and
// credit transfer followed by reward issuance for both counterparties.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agripulse.org/internal/ai"
	"agripulse.org/internal/audit"
	"agripulse.org/internal/content"
	"agripulse.org/internal/ids"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
)

const name = "purchase"

// Ledger is the slice of the gateway the saga uses.
type Ledger interface {
	saga.BalanceReader
	Transfer(ctx context.Context, tx ledger.TransferTx) (ledger.TxRef, error)
	MintAndTransferNFT(ctx context.Context, collection ledger.TokenID, recipient ledger.AccountID, metadataRef string) (ledger.Serial, error)
}

// Order is a buyer's request.
type Order struct {
	Buyer          ledger.AccountID `json:"buyer"`
	RegistrationID string           `json:"registration_id"`
	Quantity       int64            `json:"quantity"`
}

// RewardResult reports the reward issued, or attempted, for one side.
type RewardResult struct {
	Side  mirror.Side         `json:"side"`
	Tier  string              `json:"tier"`
	Award *mirror.RewardAward `json:"award,omitempty"`
	Err   error               `json:"-"`
	Error string              `json:"error,omitempty"`
}

// Result is the outcome of a successful purchase. Reward failures do not
// fail the purchase; they are listed in Rewards.
type Result struct {
	Purchase         mirror.PurchaseRecord  `json:"purchase"`
	Quote            Quote                  `json:"quote"`
	Balance          mirror.BalanceSnapshot `json:"balance"`
	BalanceConverged bool                   `json:"balance_converged"`
	Rewards          []RewardResult         `json:"rewards"`
}

// Options configures a Saga.
type Options struct {
	Treasury     ledger.AccountID
	SharePercent int
	BuyerTiers   TierTable
	SellerTiers  TierTable
	// Retry bounds the retries of the transfer on ambiguous errors and of the
	// persists that follow a committed ledger write.
	Retry saga.RetryPolicy
}

// Saga wires the collaborators of a purchase run.
type Saga struct {
	ledger    Ledger
	publisher content.Publisher
	ai        ai.Service
	rates     *RateCache
	store     *mirror.Store
	refresher *saga.BalanceRefresher
	bus       *stream.Bus
	opts      Options
	now       func() time.Time
}

// New builds a Saga. svc may be nil, in which case rewards use default art.
func New(l Ledger, pub content.Publisher, svc ai.Service, rates *RateCache, store *mirror.Store, refresher *saga.BalanceRefresher, bus *stream.Bus, opts Options) *Saga {
	return &Saga{
		ledger:    l,
		publisher: pub,
		ai:        svc,
		rates:     rates,
		store:     store,
		refresher: refresher,
		bus:       bus,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Quote prices an order without executing it.
func (s *Saga) Quote(ctx context.Context, registrationID string, qty int64) (Quote, error) {
	reg, err := s.store.Registration(ctx, registrationID)
	if err != nil {
		return Quote{}, err
	}
	rate, err := s.rates.Rate(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("conversion rate: %w", err)
	}
	return NewQuote(reg.PriceUSD, qty, rate, s.opts.SharePercent)
}

// Run executes the order. The remaining quantity is reserved before the
// transfer and released only if the ledger definitely refused it. Run ignores
// the caller's cancellation.
func (s *Saga) Run(ctx context.Context, o Order) (res Result, err error) {
	ctx = saga.Detach(ctx)
	rep := saga.NewReporter(ctx, name, s.bus)
	defer func() { rep.Finish(err) }()

	assets, reg, q, before, err := s.check(ctx, o)
	if err != nil {
		return Result{}, err
	}
	res.Quote = q
	rep.Info(fmt.Sprintf("Buying %d credits from %s for %s HBAR", o.Quantity, reg.FarmName, tinybarsToHbar(q.TotalTinybars)), "")

	if _, err := s.store.ReserveQuantity(ctx, reg.ID, o.Quantity); err != nil {
		if errors.Is(err, mirror.ErrInsufficientQuantity) {
			remaining := reg.Remaining
			if cur, gerr := s.store.Registration(ctx, reg.ID); gerr == nil {
				remaining = cur.Remaining
			}
			return Result{}, &saga.PreconditionError{Msg: fmt.Sprintf("only %d credits remain on this farm", remaining), Err: err}
		}
		return Result{}, err
	}

	purchaseID := ids.New(ids.PrefixPurchase)
	tx := ledger.TransferTx{
		Hbar: []ledger.HbarLeg{
			{Account: o.Buyer, Amount: -q.TotalTinybars},
			{Account: reg.Owner, Amount: q.FarmerShare},
			{Account: s.opts.Treasury, Amount: q.Commission},
		},
		Tokens: []ledger.TokenLeg{
			{Token: assets.CreditToken, Account: s.opts.Treasury, Amount: -o.Quantity},
			{Token: assets.CreditToken, Account: o.Buyer, Amount: o.Quantity},
		},
		Signers:        []ledger.AccountID{o.Buyer, s.opts.Treasury},
		Memo:           "purchase " + purchaseID,
		IdempotencyKey: purchaseID,
	}
	var ref ledger.TxRef
	err = rep.Run(ctx, "transfer", func(ctx context.Context) error {
		// Resubmitting with the same idempotency key returns the committed ref.
		return saga.Retry(ctx, s.opts.Retry, ledger.Ambiguous, func(ctx context.Context) error {
			var err error
			ref, err = s.ledger.Transfer(ctx, tx)
			return err
		})
	})
	if err != nil {
		if ledger.Ambiguous(err) {
			// The transfer may have committed; the reservation stays so the
			// credits cannot be sold twice.
			s.reconcile(ctx, rep, "purchase.transfer.unresolved", purchaseID, reg.ID, "", err)
			return Result{}, err
		}
		if _, rerr := s.store.ReleaseQuantity(ctx, reg.ID, o.Quantity); rerr != nil {
			rep.Log().WithError(rerr).WithField("registration_id", reg.ID).Error("release reservation failed")
		}
		return Result{}, err
	}
	rep.Success(fmt.Sprintf("Transferred %d credits to %s", o.Quantity, o.Buyer), string(ref))

	record := mirror.PurchaseRecord{
		ID:             purchaseID,
		Buyer:          o.Buyer,
		Seller:         reg.Owner,
		RegistrationID: reg.ID,
		Quantity:       o.Quantity,
		UnitPriceUSD:   q.UnitPriceUSD,
		USDPerHbar:     q.USDPerHbar,
		TotalTinybars:  q.TotalTinybars,
		FarmerShare:    q.FarmerShare,
		Commission:     q.Commission,
		TxRef:          ref,
		CreatedAt:      s.now(),
	}
	err = rep.Run(ctx, "persist", func(ctx context.Context) error {
		return saga.Retry(ctx, s.opts.Retry, nil, func(ctx context.Context) error {
			stored, err := s.store.CreatePurchase(ctx, record)
			if errors.Is(err, mirror.ErrAlreadyExists) {
				stored, err = s.store.Purchase(ctx, purchaseID)
			}
			if err == nil {
				record = stored
			}
			return err
		})
	})
	if err != nil {
		var se *saga.Error
		if errors.As(err, &se) {
			se.TxRef = ref
		}
		s.reconcile(ctx, rep, "purchase.persist.unrecorded", purchaseID, reg.ID, ref, err)
		return Result{}, err
	}
	res.Purchase = record

	// The purchase is committed; nothing below fails the saga.
	want := creditBalance(before, assets.CreditToken) + o.Quantity
	snap, converged, rerr := s.refresher.Refresh(ctx, o.Buyer, func(b ledger.Balance) bool {
		return creditBalance(b, assets.CreditToken) >= want
	})
	switch {
	case rerr != nil:
		rep.Warn("Balance refresh failed; showing the last known balance", "")
		rep.Log().WithError(rerr).Warn("balance refresh failed")
	case !converged:
		rep.Warn("The ledger has not caught up yet; balance may be stale", "")
	}
	res.Balance, res.BalanceConverged = snap, converged && rerr == nil

	res.Rewards = s.issueRewards(ctx, rep, assets, reg, record)
	return res, nil
}

// check validates the order before any external write.
func (s *Saga) check(ctx context.Context, o Order) (mirror.PlatformAssets, mirror.Registration, Quote, ledger.Balance, error) {
	var (
		reg mirror.Registration
		q   Quote
		bal ledger.Balance
	)
	assets, err := s.store.PlatformAssets(ctx)
	if err != nil {
		return assets, reg, q, bal, err
	}
	if err := saga.RequirePlatform(assets); err != nil {
		return assets, reg, q, bal, err
	}
	if o.Buyer == "" {
		return assets, reg, q, bal, saga.Precondition("buyer has no ledger account")
	}
	if o.Quantity <= 0 {
		return assets, reg, q, bal, saga.Precondition("select at least one credit")
	}
	reg, err = s.store.Registration(ctx, o.RegistrationID)
	if errors.Is(err, mirror.ErrNotFound) {
		return assets, reg, q, bal, saga.Precondition("farm %s does not exist", o.RegistrationID)
	}
	if err != nil {
		return assets, reg, q, bal, err
	}
	switch {
	case !reg.Approved():
		return assets, reg, q, bal, saga.Precondition("farm %s is not approved", reg.ID)
	case reg.Owner == o.Buyer:
		return assets, reg, q, bal, saga.Precondition("you cannot buy credits from your own farm")
	case o.Quantity > reg.Remaining:
		return assets, reg, q, bal, saga.Precondition("quantity %d exceeds the %d credits remaining", o.Quantity, reg.Remaining)
	}

	rate, err := s.rates.Rate(ctx)
	if err != nil {
		return assets, reg, q, bal, fmt.Errorf("conversion rate: %w", err)
	}
	q, err = NewQuote(reg.PriceUSD, o.Quantity, rate, s.opts.SharePercent)
	if err != nil {
		return assets, reg, q, bal, saga.Precondition("cannot price this purchase: %v", err)
	}

	bal, err = s.ledger.GetBalance(ctx, o.Buyer)
	if err != nil {
		return assets, reg, q, bal, fmt.Errorf("read buyer balance: %w", err)
	}
	if _, ok := bal.Token(assets.CreditToken); !ok {
		return assets, reg, q, bal, saga.Precondition("associate your account with the credit token first")
	}
	if bal.Native < q.TotalTinybars {
		return assets, reg, q, bal, saga.Precondition("insufficient HBAR: need %s, have %s", tinybarsToHbar(q.TotalTinybars), tinybarsToHbar(bal.Native))
	}
	return assets, reg, q, bal, nil
}

// reconcile writes an audit entry for a purchase whose ledger and mirror
// state may disagree.
func (s *Saga) reconcile(ctx context.Context, rep *saga.Reporter, event, purchaseID, registrationID string, ref ledger.TxRef, cause error) {
	fields := map[string]any{
		"purchase_id":     purchaseID,
		"registration_id": registrationID,
		"error":           cause.Error(),
	}
	if ref != "" {
		fields["tx_ref"] = string(ref)
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		rep.Log().WithError(err).Error("reconciliation entry failed")
	}
}

func creditBalance(b ledger.Balance, token ledger.TokenID) int64 {
	tb, _ := b.Token(token)
	return tb.Balance
}

func tinybarsToHbar(v int64) string {
	whole, frac := v/ledger.TinybarsPerHbar, v%ledger.TinybarsPerHbar
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%08d", whole, frac)
}

func logAIFallback(err error, side mirror.Side) {
	obs.ObserveAIDegraded("image")
	obs.Logger().WithError(err).WithField("side", side).Warn("reward artwork generation failed; using default art")
}
