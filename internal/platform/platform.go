// Package platform creates the ledger entities the marketplace runs on: the
// audit topic, the credit token and three collections.
package platform

import (
	"context"
	"fmt"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
)

const name = "platform_init"

// Ledger is the slice of the gateway initialization uses.
type Ledger interface {
	CreateAppendOnlyTopic(ctx context.Context, spec ledger.TopicSpec) (ledger.TopicID, error)
	CreateFungibleToken(ctx context.Context, spec ledger.FungibleTokenSpec) (ledger.TokenID, error)
	CreateCollection(ctx context.Context, spec ledger.CollectionSpec) (ledger.TokenID, error)
}

// Options names the platform assets.
type Options struct {
	Treasury ledger.AccountID
	// Network scopes the idempotency keys so two deployments never collide.
	Network string
}

// Saga runs initialization.
type Saga struct {
	ledger Ledger
	store  *mirror.Store
	bus    *stream.Bus
	opts   Options
}

func New(l Ledger, store *mirror.Store, bus *stream.Bus, opts Options) *Saga {
	return &Saga{ledger: l, store: store, bus: bus, opts: opts}
}

type step struct {
	name   string
	label  string
	get    func(*mirror.PlatformAssets) string
	create func(ctx context.Context, key string) (string, error)
	set    func(*mirror.PlatformAssets, string)
}

func (s *Saga) steps() []step {
	t := s.opts.Treasury
	return []step{
		{
			name:  "audit_topic",
			label: "audit topic",
			get:   func(p *mirror.PlatformAssets) string { return string(p.AuditTopic) },
			set:   func(p *mirror.PlatformAssets, v string) { p.AuditTopic = ledger.TopicID(v) },
			create: func(ctx context.Context, key string) (string, error) {
				id, err := s.ledger.CreateAppendOnlyTopic(ctx, ledger.TopicSpec{Memo: "AgriPulse verification audit log", Submitter: t, IdempotencyKey: key})
				return string(id), err
			},
		},
		{
			name:  "credit_token",
			label: "carbon credit token",
			get:   func(p *mirror.PlatformAssets) string { return string(p.CreditToken) },
			set:   func(p *mirror.PlatformAssets, v string) { p.CreditToken = ledger.TokenID(v) },
			create: func(ctx context.Context, key string) (string, error) {
				id, err := s.ledger.CreateFungibleToken(ctx, ledger.FungibleTokenSpec{
					Name: "AgriPulse Carbon Credit", Symbol: "APCC", Decimals: 0, Treasury: t,
					Memo: "1 unit = 1 verified carbon credit", IdempotencyKey: key,
				})
				return string(id), err
			},
		},
		s.collection("asset_collection", "farm certificate collection", "AgriPulse Farm Certificates", "APFARM",
			func(p *mirror.PlatformAssets) *ledger.TokenID { return &p.AssetCollection }),
		s.collection("seller_rewards", "farm reward collection", "AgriPulse Farm Rewards", "APFRWD",
			func(p *mirror.PlatformAssets) *ledger.TokenID { return &p.SellerRewards }),
		s.collection("buyer_rewards", "buyer reward collection", "AgriPulse Buyer Rewards", "APBRWD",
			func(p *mirror.PlatformAssets) *ledger.TokenID { return &p.BuyerRewards }),
	}
}

func (s *Saga) collection(stepName, label, tokenName, symbol string, field func(*mirror.PlatformAssets) *ledger.TokenID) step {
	return step{
		name:  stepName,
		label: label,
		get:   func(p *mirror.PlatformAssets) string { return string(*field(p)) },
		set:   func(p *mirror.PlatformAssets, v string) { *field(p) = ledger.TokenID(v) },
		create: func(ctx context.Context, key string) (string, error) {
			id, err := s.ledger.CreateCollection(ctx, ledger.CollectionSpec{
				Name: tokenName, Symbol: symbol, Treasury: s.opts.Treasury, IdempotencyKey: key,
			})
			return string(id), err
		},
	}
}

// IdempotencyKey is the deterministic key used for one creation step.
func (s *Saga) IdempotencyKey(step string) string {
	return fmt.Sprintf("agripulse/%s/%s/%s", s.opts.Network, s.opts.Treasury, step)
}

// Run creates whatever is missing, in order, persisting after every step.
// A fully initialized platform makes no ledger calls.
func (s *Saga) Run(ctx context.Context) (assets mirror.PlatformAssets, err error) {
	ctx = saga.Detach(ctx)
	rep := saga.NewReporter(ctx, name, s.bus)
	defer func() { rep.Finish(err) }()

	if s.opts.Treasury == "" {
		return mirror.PlatformAssets{}, saga.Precondition("treasury account is not configured")
	}
	assets, err = s.store.PlatformAssets(ctx)
	if err != nil {
		return mirror.PlatformAssets{}, err
	}
	if assets.Initialized() {
		rep.Info("Platform already initialized", "")
		return assets, nil
	}

	for _, st := range s.steps() {
		if id := st.get(&assets); id != "" {
			rep.Info(fmt.Sprintf("Using existing %s %s", st.label, id), "")
			continue
		}
		var id string
		err = rep.Run(ctx, st.name, func(ctx context.Context) error {
			var err error
			id, err = st.create(ctx, s.IdempotencyKey(st.name))
			return err
		})
		if err != nil {
			return assets, err
		}
		st.set(&assets, id)
		err = rep.Run(ctx, st.name+"_persist", func(ctx context.Context) error {
			return s.store.SavePlatformAssets(ctx, assets)
		})
		if err != nil {
			return assets, err
		}
		rep.Success(fmt.Sprintf("Created %s %s", st.label, id), "")
	}
	assets.UpdatedAt = time.Now().UTC()
	rep.Success("Platform initialized", "")
	return assets, nil
}
