package mirror

import (
	"time"

	"agripulse.org/internal/ledger"

	"github.com/shopspring/decimal"
)

// Status is the registration decision.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Registration is a farm submitted for verification. Decision fields are set
// once when the record is created; only Remaining and Version change later.
type Registration struct {
	ID           string           `json:"id"`
	Owner        ledger.AccountID `json:"owner"`
	FarmName     string           `json:"farm_name"`
	Location     string           `json:"location"`
	Description  string           `json:"description"`
	CropCategory string           `json:"crop_category"`
	Area         float64          `json:"area"`
	AreaUnit     string           `json:"area_unit"`
	Dunums       float64          `json:"dunums"`
	Practices    []string         `json:"practices"`
	PriceUSD     decimal.Decimal  `json:"price_usd"`
	Capacity     int64            `json:"capacity"`
	Remaining    int64            `json:"remaining"`

	Status          Status        `json:"status"`
	Score           int           `json:"score"`
	Reason          string        `json:"reason,omitempty"`
	AIStatus        string        `json:"ai_status,omitempty"`
	AuditRef        ledger.TxRef  `json:"audit_ref"`
	CertificateNFT  ledger.Serial `json:"certificate_serial,omitempty"`
	CertificateMeta string        `json:"certificate_metadata,omitempty"`
	RecordRef       string        `json:"record_ref,omitempty"`
	DocumentRef     string        `json:"document_ref,omitempty"`
	MintedSupply    int64         `json:"minted_supply,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Approved reports whether the registration passed verification.
func (r Registration) Approved() bool { return r.Status == StatusApproved }

// PlatformAssets holds the ledger entities created once at platform setup.
type PlatformAssets struct {
	AuditTopic      ledger.TopicID `json:"audit_topic,omitempty"`
	CreditToken     ledger.TokenID `json:"credit_token,omitempty"`
	AssetCollection ledger.TokenID `json:"asset_collection,omitempty"`
	SellerRewards   ledger.TokenID `json:"seller_rewards,omitempty"`
	BuyerRewards    ledger.TokenID `json:"buyer_rewards,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// Initialized reports whether every field is populated.
func (p PlatformAssets) Initialized() bool {
	return len(p.Missing()) == 0
}

// Missing lists the unpopulated fields.
func (p PlatformAssets) Missing() []string {
	var out []string
	if p.AuditTopic == "" {
		out = append(out, "audit_topic")
	}
	if p.CreditToken == "" {
		out = append(out, "credit_token")
	}
	if p.AssetCollection == "" {
		out = append(out, "asset_collection")
	}
	if p.SellerRewards == "" {
		out = append(out, "seller_rewards")
	}
	if p.BuyerRewards == "" {
		out = append(out, "buyer_rewards")
	}
	return out
}

// Tokens returns the populated token ids.
func (p PlatformAssets) Tokens() []ledger.TokenID {
	var out []ledger.TokenID
	for _, t := range []ledger.TokenID{p.CreditToken, p.AssetCollection, p.SellerRewards, p.BuyerRewards} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// PurchaseRecord is written once after the ledger transfer succeeds.
type PurchaseRecord struct {
	ID             string           `json:"id"`
	Buyer          ledger.AccountID `json:"buyer"`
	Seller         ledger.AccountID `json:"seller"`
	RegistrationID string           `json:"registration_id"`
	Quantity       int64            `json:"quantity"`
	UnitPriceUSD   decimal.Decimal  `json:"unit_price_usd"`
	USDPerHbar     decimal.Decimal  `json:"usd_per_hbar"`
	TotalTinybars  int64            `json:"total_tinybars"`
	FarmerShare    int64            `json:"farmer_share"`
	Commission     int64            `json:"commission"`
	TxRef          ledger.TxRef     `json:"tx_ref"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Side identifies the counterparty of a reward.
type Side string

const (
	SideBuyer  Side = "buyer"
	SideSeller Side = "seller"
)

// RewardAward links a minted reward collectible to its purchase.
type RewardAward struct {
	ID          string           `json:"id"`
	PurchaseID  string           `json:"purchase_id"`
	Side        Side             `json:"side"`
	Recipient   ledger.AccountID `json:"recipient"`
	Tier        string           `json:"tier"`
	Threshold   int64            `json:"threshold"`
	Collection  ledger.TokenID   `json:"collection"`
	Serial      ledger.Serial    `json:"serial"`
	MetadataRef string           `json:"metadata_ref"`
	ImageRef    string           `json:"image_ref"`
	DefaultArt  bool             `json:"default_art,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RetirementRecord is written after a successful ledger wipe.
type RetirementRecord struct {
	ID        string           `json:"id"`
	Holder    ledger.AccountID `json:"holder"`
	Token     ledger.TokenID   `json:"token"`
	Quantity  int64            `json:"quantity"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// BalanceSnapshot is the cached ledger read for one account.
type BalanceSnapshot struct {
	ledger.Balance
	FetchedAt time.Time `json:"fetched_at"`
}
