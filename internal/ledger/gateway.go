package ledger

import "context"

// Gateway is the ledger contract consumed by the sagas. Every call is an
// independent network round trip and may fail with a *RejectionError.
type Gateway interface {
	CreateFungibleToken(ctx context.Context, spec FungibleTokenSpec) (TokenID, error)
	// MintFungible mints amount units into the token treasury and returns the new supply.
	MintFungible(ctx context.Context, token TokenID, amount int64) (int64, error)
	CreateCollection(ctx context.Context, spec CollectionSpec) (TokenID, error)
	MintAndTransferNFT(ctx context.Context, collection TokenID, recipient AccountID, metadataRef string) (Serial, error)
	Transfer(ctx context.Context, tx TransferTx) (TxRef, error)
	Wipe(ctx context.Context, token TokenID, account AccountID, amount int64) error
	BurnBatch(ctx context.Context, collection TokenID, serials []Serial) error
	Associate(ctx context.Context, account AccountID, tokens ...TokenID) error
	Dissociate(ctx context.Context, account AccountID, tokens ...TokenID) error
	DeleteToken(ctx context.Context, token TokenID) error
	CreateAppendOnlyTopic(ctx context.Context, spec TopicSpec) (TopicID, error)
	AppendMessage(ctx context.Context, topic TopicID, message []byte) (TxRef, error)
	GetBalance(ctx context.Context, account AccountID) (Balance, error)
	ListHeldTokens(ctx context.Context, account AccountID) ([]TokenID, error)
	ListCollectionItems(ctx context.Context, collection TokenID) ([]NFT, error)
	TokenInfo(ctx context.Context, token TokenID) (TokenInfo, error)
}
