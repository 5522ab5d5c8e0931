package registration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"agripulse.org/internal/ai"
	"agripulse.org/internal/audit"
	"agripulse.org/internal/content"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
	"agripulse.org/internal/verify"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scorer struct{ confidence int }

func (s scorer) GenerateImage(context.Context, string) ([]byte, error) {
	return nil, errors.New("unused")
}

func (s scorer) ScoreText(context.Context, ai.ScoreRequest) (ai.Score, error) {
	return ai.Score{Confidence: s.confidence}, nil
}

// failingMint rejects certificate minting.
type failingMint struct{ *ledger.InMemory }

func (failingMint) MintAndTransferNFT(context.Context, ledger.TokenID, ledger.AccountID, string) (ledger.Serial, error) {
	return 0, ledger.Reject("mintAndTransferNft", ledger.StatusMaxSupplyReached)
}

// cancelAfterCertificate mints the certificate and then cancels the caller's
// context.
type cancelAfterCertificate struct {
	*ledger.InMemory
	cancel context.CancelFunc
}

func (c cancelAfterCertificate) MintAndTransferNFT(ctx context.Context, col ledger.TokenID, to ledger.AccountID, ref string) (ledger.Serial, error) {
	serial, err := c.InMemory.MintAndTransferNFT(ctx, col, to, ref)
	c.cancel()
	return serial, err
}

type env struct {
	mem      *ledger.InMemory
	store    *mirror.Store
	pub      *content.Memory
	bus      *stream.Bus
	assets   mirror.PlatformAssets
	treasury ledger.AccountID
	farmer   ledger.AccountID
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		mem:   ledger.NewInMemory(),
		store: mirror.NewStore(mirror.NewMemoryKV()),
		pub:   content.NewMemory(),
		bus:   stream.New(64),
	}
	var err error
	e.treasury, err = e.mem.CreateAccount(ctx, 0)
	require.NoError(t, err)
	e.farmer, err = e.mem.CreateAccount(ctx, 0)
	require.NoError(t, err)

	topic, err := e.mem.CreateAppendOnlyTopic(ctx, ledger.TopicSpec{Memo: "audit", Submitter: e.treasury})
	require.NoError(t, err)
	credit, err := e.mem.CreateFungibleToken(ctx, ledger.FungibleTokenSpec{Name: "Carbon Credit", Symbol: "CC", Treasury: e.treasury})
	require.NoError(t, err)
	var cols [3]ledger.TokenID
	for i, sym := range []string{"FARM", "SREW", "BREW"} {
		cols[i], err = e.mem.CreateCollection(ctx, ledger.CollectionSpec{Name: sym, Symbol: sym, Treasury: e.treasury})
		require.NoError(t, err)
	}
	e.assets = mirror.PlatformAssets{AuditTopic: topic, CreditToken: credit, AssetCollection: cols[0], SellerRewards: cols[1], BuyerRewards: cols[2]}
	require.NoError(t, e.store.SavePlatformAssets(ctx, e.assets))
	return e
}

func (e *env) saga(l Ledger, confidence int) *Saga {
	return New(l, e.pub, verify.New(scorer{confidence}, verify.Options{}), e.store, e.bus)
}

func (e *env) draft() Draft {
	return Draft{
		Owner:        e.farmer,
		FarmName:     "Olive Ridge",
		Location:     "Jenin",
		Description:  "Terraced olive groves with cover crops and drip irrigation.",
		CropCategory: "olives",
		Area:         20,
		AreaUnit:     "hectare",
		Practices:    []string{"cover_cropping", "drip_irrigation", "no_till"},
		PriceUSD:     decimal.RequireFromString("12.50"),
	}
}

func TestCapacity(t *testing.T) {
	dunums, credits, err := Capacity(20, "hectare", []string{"cover_cropping", "drip_irrigation", "no_till"})
	require.NoError(t, err)
	assert.Equal(t, "200", dunums.String())
	assert.Equal(t, int64(360), credits)

	dunums, credits, err = Capacity(10, "acre", []string{"agroforestry", "agroforestry"})
	require.NoError(t, err)
	assert.Equal(t, "40.47", dunums.String())
	assert.Equal(t, int64(60), credits)

	_, _, err = Capacity(5, "furlong", nil)
	assert.Error(t, err)
	_, _, err = Capacity(5, "dunum", []string{"alchemy"})
	assert.Error(t, err)
	_, _, err = Capacity(0, "dunum", nil)
	assert.Error(t, err)
}

func TestRunApproved(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	doc := &Document{Name: "deed.pdf", MIME: "application/pdf", Data: []byte("%PDF-1.7")}

	reg, err := e.saga(e.mem, 80).Run(ctx, e.draft(), doc)
	require.NoError(t, err)

	assert.Equal(t, mirror.StatusApproved, reg.Status)
	assert.Equal(t, 95, reg.Score)
	assert.Equal(t, int64(360), reg.Capacity)
	assert.Equal(t, int64(360), reg.Remaining)
	assert.Equal(t, int64(360), reg.MintedSupply)
	assert.NotEmpty(t, reg.AuditRef)
	assert.NotEmpty(t, reg.DocumentRef)
	assert.NotEmpty(t, reg.RecordRef)
	assert.Equal(t, ledger.Serial(1), reg.CertificateNFT)

	stored, err := e.store.Registration(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, stored.ID)

	info, err := e.mem.TokenInfo(ctx, e.assets.CreditToken)
	require.NoError(t, err)
	assert.Equal(t, int64(360), info.TotalSupply)

	items, err := e.mem.ListCollectionItems(ctx, e.assets.AssetCollection)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, e.farmer, items[0].Owner)

	obj, err := e.pub.Get(content.Address(items[0].MetadataRef))
	require.NoError(t, err)
	var meta content.Metadata
	require.NoError(t, json.Unmarshal(obj.Data, &meta))
	traits := map[string]any{}
	for _, a := range meta.Attributes {
		traits[a.TraitType] = a.Value
	}
	assert.Equal(t, string(reg.AuditRef), traits["audit_ref"])
	assert.Equal(t, reg.RecordRef, traits["record"])

	msgs := e.mem.Messages(e.assets.AuditTopic)
	require.Len(t, msgs, 1)
	var summary audit.DecisionSummary
	require.NoError(t, json.Unmarshal(msgs[0], &summary))
	assert.Equal(t, "approved", summary.Decision)
	assert.Equal(t, reg.ID, summary.ID)
}

func TestRunRejectedStillAudits(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	reg, err := e.saga(e.mem, 10).Run(ctx, e.draft(), nil)
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusRejected, reg.Status)
	assert.Equal(t, 45, reg.Score)
	assert.NotEmpty(t, reg.Reason)
	assert.NotEmpty(t, reg.AuditRef)
	assert.Zero(t, reg.Remaining)

	info, err := e.mem.TokenInfo(ctx, e.assets.CreditToken)
	require.NoError(t, err)
	assert.Zero(t, info.TotalSupply)
	assert.Len(t, e.mem.Messages(e.assets.AuditTopic), 1)
}

func TestMintFailureKeepsAuditRefAndPersistsNothing(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.saga(failingMint{e.mem}, 80).Run(ctx, e.draft(), nil)
	var se *saga.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mint_certificate", se.Step)
	assert.NotEmpty(t, se.AuditRef)

	regs, err := e.store.Registrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)
	assert.Len(t, e.mem.Messages(e.assets.AuditTopic), 1)

	events := e.bus.Recent(0)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.Error, events[len(events)-1].Severity)
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	d := e.draft()
	d.Owner = ""
	_, err := e.saga(e.mem, 80).Run(ctx, d, nil)
	assert.True(t, saga.IsPrecondition(err))

	d = e.draft()
	d.Practices = []string{"moon_planting"}
	_, err = e.saga(e.mem, 80).Run(ctx, d, nil)
	assert.True(t, saga.IsPrecondition(err))

	bare := setup(t)
	require.NoError(t, bare.store.SavePlatformAssets(ctx, mirror.PlatformAssets{}))
	_, err = bare.saga(bare.mem, 80).Run(ctx, bare.draft(), nil)
	assert.ErrorIs(t, err, saga.ErrPlatformNotInitialized)
	assert.Empty(t, bare.mem.Messages(bare.assets.AuditTopic))
}

func TestCallerCancellationAfterMintStillPersists(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := e.saga(cancelAfterCertificate{e.mem, cancel}, 80).Run(ctx, e.draft(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(360), reg.MintedSupply)

	stored, err := e.store.Registration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusApproved, stored.Status)
	assert.Equal(t, ledger.Serial(1), stored.CertificateNFT)
}
