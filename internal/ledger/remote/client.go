package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agripulse.org/internal/auth"
	"agripulse.org/internal/ledger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	headerUserID = "x-agripulse-user-id"
	headerRoles  = "x-agripulse-roles"
)

// Client wraps the gRPC connection to a ledger daemon.
type Client struct {
	conn grpc.ClientConnInterface
	raw  *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, raw: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection when the client owns it.
func (c *Client) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// Gateway adapts the gRPC client to the ledger.Gateway interface.
type Gateway struct {
	client  *Client
	timeout time.Duration
}

var _ ledger.Gateway = (*Gateway)(nil)

// NewGateway returns a Gateway. A positive timeout bounds every call.
func NewGateway(client *Client, timeout time.Duration) *Gateway {
	return &Gateway{client: client, timeout: timeout}
}

func call[Req, Resp any](ctx context.Context, g *Gateway, method string, req Req) (Resp, error) {
	var out Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode %s: %w", method, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp := new(wrapperspb.BytesValue)
	if err := g.client.conn.Invoke(outgoingWithIdentity(ctx), fullMethod(method), wrapperspb.Bytes(payload), resp); err != nil {
		return out, mapLedgerError(err)
	}
	if err := json.Unmarshal(resp.GetValue(), &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", method, err)
	}
	return out, nil
}

func (g *Gateway) CreateFungibleToken(ctx context.Context, spec ledger.FungibleTokenSpec) (ledger.TokenID, error) {
	resp, err := call[ledger.FungibleTokenSpec, idResponse](ctx, g, methodCreateFungibleToken, spec)
	return ledger.TokenID(resp.ID), err
}

func (g *Gateway) MintFungible(ctx context.Context, token ledger.TokenID, amount int64) (int64, error) {
	resp, err := call[mintFungibleRequest, mintFungibleResponse](ctx, g, methodMintFungible, mintFungibleRequest{Token: token, Amount: amount})
	return resp.Supply, err
}

func (g *Gateway) CreateCollection(ctx context.Context, spec ledger.CollectionSpec) (ledger.TokenID, error) {
	resp, err := call[ledger.CollectionSpec, idResponse](ctx, g, methodCreateCollection, spec)
	return ledger.TokenID(resp.ID), err
}

func (g *Gateway) MintAndTransferNFT(ctx context.Context, collection ledger.TokenID, recipient ledger.AccountID, metadataRef string) (ledger.Serial, error) {
	resp, err := call[mintNFTRequest, mintNFTResponse](ctx, g, methodMintAndTransferNFT, mintNFTRequest{
		Collection:  collection,
		Recipient:   recipient,
		MetadataRef: metadataRef,
	})
	return resp.Serial, err
}

func (g *Gateway) Transfer(ctx context.Context, tx ledger.TransferTx) (ledger.TxRef, error) {
	resp, err := call[ledger.TransferTx, txResponse](ctx, g, methodTransfer, tx)
	return resp.TxRef, err
}

func (g *Gateway) Wipe(ctx context.Context, token ledger.TokenID, account ledger.AccountID, amount int64) error {
	_, err := call[wipeRequest, empty](ctx, g, methodWipe, wipeRequest{Token: token, Account: account, Amount: amount})
	return err
}

func (g *Gateway) BurnBatch(ctx context.Context, collection ledger.TokenID, serials []ledger.Serial) error {
	_, err := call[burnRequest, empty](ctx, g, methodBurnBatch, burnRequest{Collection: collection, Serials: serials})
	return err
}

func (g *Gateway) Associate(ctx context.Context, account ledger.AccountID, tokens ...ledger.TokenID) error {
	_, err := call[associationRequest, empty](ctx, g, methodAssociate, associationRequest{Account: account, Tokens: tokens})
	return err
}

func (g *Gateway) Dissociate(ctx context.Context, account ledger.AccountID, tokens ...ledger.TokenID) error {
	_, err := call[associationRequest, empty](ctx, g, methodDissociate, associationRequest{Account: account, Tokens: tokens})
	return err
}

func (g *Gateway) DeleteToken(ctx context.Context, token ledger.TokenID) error {
	_, err := call[tokenRequest, empty](ctx, g, methodDeleteToken, tokenRequest{Token: token})
	return err
}

func (g *Gateway) CreateAppendOnlyTopic(ctx context.Context, spec ledger.TopicSpec) (ledger.TopicID, error) {
	resp, err := call[ledger.TopicSpec, idResponse](ctx, g, methodCreateAppendOnlyTopic, spec)
	return ledger.TopicID(resp.ID), err
}

func (g *Gateway) AppendMessage(ctx context.Context, topic ledger.TopicID, message []byte) (ledger.TxRef, error) {
	resp, err := call[appendRequest, txResponse](ctx, g, methodAppendMessage, appendRequest{Topic: topic, Message: message})
	return resp.TxRef, err
}

func (g *Gateway) GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error) {
	return call[accountRequest, ledger.Balance](ctx, g, methodGetBalance, accountRequest{Account: account})
}

func (g *Gateway) ListHeldTokens(ctx context.Context, account ledger.AccountID) ([]ledger.TokenID, error) {
	resp, err := call[accountRequest, heldTokensResponse](ctx, g, methodListHeldTokens, accountRequest{Account: account})
	return resp.Tokens, err
}

func (g *Gateway) ListCollectionItems(ctx context.Context, collection ledger.TokenID) ([]ledger.NFT, error) {
	resp, err := call[tokenRequest, collectionItemsResponse](ctx, g, methodListCollectionItems, tokenRequest{Token: collection})
	return resp.Items, err
}

func (g *Gateway) TokenInfo(ctx context.Context, token ledger.TokenID) (ledger.TokenInfo, error) {
	return call[tokenRequest, ledger.TokenInfo](ctx, g, methodTokenInfo, tokenRequest{Token: token})
}

// Helpers -----------------------------------------------------------------

func outgoingWithIdentity(ctx context.Context) context.Context {
	var pairs []string
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		pairs = append(pairs, headerUserID, userID)
	}
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		pairs = append(pairs, headerRoles, strings.Join(roles, ","))
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
