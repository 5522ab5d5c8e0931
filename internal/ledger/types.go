package ledger

import (
	"sort"
	"time"
)

// Entity identifiers use the ledger's shard.realm.num notation ("0.0.1234").
type (
	AccountID string
	TokenID   string
	TopicID   string
	TxRef     string
	Serial    int64
)

// TinybarsPerHbar converts the native currency to its minor unit. No floats.
const TinybarsPerHbar int64 = 100_000_000

// TokenKind distinguishes fungible credit tokens from NFT collections.
type TokenKind string

const (
	KindFungible    TokenKind = "FUNGIBLE_COMMON"
	KindCollectible TokenKind = "NON_FUNGIBLE_UNIQUE"
)

// FungibleTokenSpec describes a fungible token. Supply starts at zero and is
// minted on demand into the treasury.
type FungibleTokenSpec struct {
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	Decimals       int32     `json:"decimals"`
	Treasury       AccountID `json:"treasury"`
	Memo           string    `json:"memo,omitempty"`
	Immutable      bool      `json:"immutable,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// CollectionSpec describes an NFT collection.
type CollectionSpec struct {
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	Treasury       AccountID `json:"treasury"`
	MaxSupply      int64     `json:"max_supply,omitempty"`
	Memo           string    `json:"memo,omitempty"`
	Immutable      bool      `json:"immutable,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// TopicSpec describes an append-only consensus topic.
type TopicSpec struct {
	Memo           string    `json:"memo"`
	Submitter      AccountID `json:"submitter,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// HbarLeg moves native currency. Negative amounts debit the account.
type HbarLeg struct {
	Account AccountID `json:"account"`
	Amount  int64     `json:"amount"`
}

// TokenLeg moves fungible token units. Negative amounts debit the account.
type TokenLeg struct {
	Token   TokenID   `json:"token"`
	Account AccountID `json:"account"`
	Amount  int64     `json:"amount"`
}

// NFTLeg moves one collectible.
type NFTLeg struct {
	Token  TokenID   `json:"token"`
	Serial Serial    `json:"serial"`
	From   AccountID `json:"from"`
	To     AccountID `json:"to"`
}

// TransferTx is a single atomic multi-party transfer. Every account that is
// debited must appear in Signers. The ledger applies all legs or none.
type TransferTx struct {
	Hbar           []HbarLeg   `json:"hbar,omitempty"`
	Tokens         []TokenLeg  `json:"tokens,omitempty"`
	NFTs           []NFTLeg    `json:"nfts,omitempty"`
	Signers        []AccountID `json:"signers"`
	Memo           string      `json:"memo,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// TokenBalance is one token holding. For collections Balance is the number of
// items held.
type TokenBalance struct {
	Token   TokenID   `json:"token"`
	Kind    TokenKind `json:"kind"`
	Balance int64     `json:"balance"`
}

// Balance is a point-in-time read of an account.
type Balance struct {
	Account AccountID      `json:"account"`
	Native  int64          `json:"native"`
	Tokens  []TokenBalance `json:"tokens"`
	AsOf    time.Time      `json:"as_of"`
}

// Token returns the holding for id and whether the account is associated with it.
func (b Balance) Token(id TokenID) (TokenBalance, bool) {
	for _, t := range b.Tokens {
		if t.Token == id {
			return t, true
		}
	}
	return TokenBalance{}, false
}

// TokenInfo describes a token definition.
type TokenInfo struct {
	ID          TokenID   `json:"id"`
	Kind        TokenKind `json:"kind"`
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	Treasury    AccountID `json:"treasury"`
	TotalSupply int64     `json:"total_supply"`
	Immutable   bool      `json:"immutable"`
	Deleted     bool      `json:"deleted"`
	Memo        string    `json:"memo,omitempty"`
}

// NFT is one item of a collection.
type NFT struct {
	Token       TokenID   `json:"token"`
	Serial      Serial    `json:"serial"`
	Owner       AccountID `json:"owner"`
	MetadataRef string    `json:"metadata_ref"`
}

func sortTokenBalances(tbs []TokenBalance) {
	sort.Slice(tbs, func(i, j int) bool { return tbs[i].Token < tbs[j].Token })
}
