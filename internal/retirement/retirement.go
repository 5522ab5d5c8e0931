// Package retirement permanently removes carbon credits from a holder's
// balance and records the retirement.
package retirement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agripulse.org/internal/ids"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
)

const name = "retirement"

// Ledger is the slice of the gateway retirement uses.
type Ledger interface {
	saga.BalanceReader
	Wipe(ctx context.Context, token ledger.TokenID, account ledger.AccountID, amount int64) error
}

// Result is a completed retirement.
type Result struct {
	Record           mirror.RetirementRecord `json:"record"`
	Balance          mirror.BalanceSnapshot  `json:"balance"`
	BalanceConverged bool                    `json:"balance_converged"`
}

type Service struct {
	ledger    Ledger
	store     *mirror.Store
	refresher *saga.BalanceRefresher
	bus       *stream.Bus
	now       func() time.Time
}

func New(l Ledger, store *mirror.Store, refresher *saga.BalanceRefresher, bus *stream.Bus) *Service {
	return &Service{
		ledger:    l,
		store:     store,
		refresher: refresher,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Retire wipes qty credits from holder and persists the record.
func (s *Service) Retire(ctx context.Context, holder ledger.AccountID, qty int64, reason string) (res Result, err error) {
	ctx = saga.Detach(ctx)
	rep := saga.NewReporter(ctx, name, s.bus)
	defer func() { rep.Finish(err) }()

	assets, err := s.store.PlatformAssets(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := saga.RequirePlatform(assets); err != nil {
		return Result{}, err
	}
	switch {
	case holder == "":
		return Result{}, saga.Precondition("holder has no ledger account")
	case qty <= 0:
		return Result{}, saga.Precondition("retire at least one credit")
	}
	bal, err := s.ledger.GetBalance(ctx, holder)
	if err != nil {
		return Result{}, fmt.Errorf("read holder balance: %w", err)
	}
	tb, ok := bal.Token(assets.CreditToken)
	if !ok {
		return Result{}, saga.Precondition("account is not associated with the credit token")
	}
	if tb.Balance < qty {
		return Result{}, saga.Precondition("cannot retire %d credits, only %d held", qty, tb.Balance)
	}

	err = rep.Run(ctx, "wipe", func(ctx context.Context) error {
		return s.ledger.Wipe(ctx, assets.CreditToken, holder, qty)
	})
	if err != nil {
		return Result{}, err
	}

	err = rep.Run(ctx, "persist", func(ctx context.Context) error {
		var err error
		res.Record, err = s.store.CreateRetirement(ctx, mirror.RetirementRecord{
			ID:        ids.New(ids.PrefixRetirement),
			Holder:    holder,
			Token:     assets.CreditToken,
			Quantity:  qty,
			Reason:    strings.TrimSpace(reason),
			CreatedAt: s.now(),
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	rep.Success(fmt.Sprintf("Retired %d credits", qty), "")

	want := tb.Balance - qty
	snap, converged, rerr := s.refresher.Refresh(ctx, holder, func(b ledger.Balance) bool {
		t, _ := b.Token(assets.CreditToken)
		return t.Balance <= want
	})
	if rerr != nil {
		rep.Log().WithError(rerr).Warn("balance refresh failed")
	}
	res.Balance, res.BalanceConverged = snap, converged && rerr == nil
	return res, nil
}
