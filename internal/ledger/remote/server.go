package remote

import (
	"context"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/obs"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type server struct {
	handlers map[string]handlerFunc
}

// Register exposes gw on s under ServiceName.
func Register(s grpc.ServiceRegistrar, gw ledger.Gateway) {
	srv := &server{handlers: map[string]handlerFunc{
		methodCreateFungibleToken: unary(func(ctx context.Context, spec ledger.FungibleTokenSpec) (idResponse, error) {
			id, err := gw.CreateFungibleToken(ctx, spec)
			return idResponse{ID: string(id)}, err
		}),
		methodMintFungible: unary(func(ctx context.Context, req mintFungibleRequest) (mintFungibleResponse, error) {
			supply, err := gw.MintFungible(ctx, req.Token, req.Amount)
			return mintFungibleResponse{Supply: supply}, err
		}),
		methodCreateCollection: unary(func(ctx context.Context, spec ledger.CollectionSpec) (idResponse, error) {
			id, err := gw.CreateCollection(ctx, spec)
			return idResponse{ID: string(id)}, err
		}),
		methodMintAndTransferNFT: unary(func(ctx context.Context, req mintNFTRequest) (mintNFTResponse, error) {
			serial, err := gw.MintAndTransferNFT(ctx, req.Collection, req.Recipient, req.MetadataRef)
			return mintNFTResponse{Serial: serial}, err
		}),
		methodTransfer: unary(func(ctx context.Context, tx ledger.TransferTx) (txResponse, error) {
			ref, err := gw.Transfer(ctx, tx)
			return txResponse{TxRef: ref}, err
		}),
		methodWipe: unary(func(ctx context.Context, req wipeRequest) (empty, error) {
			return empty{}, gw.Wipe(ctx, req.Token, req.Account, req.Amount)
		}),
		methodBurnBatch: unary(func(ctx context.Context, req burnRequest) (empty, error) {
			return empty{}, gw.BurnBatch(ctx, req.Collection, req.Serials)
		}),
		methodAssociate: unary(func(ctx context.Context, req associationRequest) (empty, error) {
			return empty{}, gw.Associate(ctx, req.Account, req.Tokens...)
		}),
		methodDissociate: unary(func(ctx context.Context, req associationRequest) (empty, error) {
			return empty{}, gw.Dissociate(ctx, req.Account, req.Tokens...)
		}),
		methodDeleteToken: unary(func(ctx context.Context, req tokenRequest) (empty, error) {
			return empty{}, gw.DeleteToken(ctx, req.Token)
		}),
		methodCreateAppendOnlyTopic: unary(func(ctx context.Context, spec ledger.TopicSpec) (idResponse, error) {
			id, err := gw.CreateAppendOnlyTopic(ctx, spec)
			return idResponse{ID: string(id)}, err
		}),
		methodAppendMessage: unary(func(ctx context.Context, req appendRequest) (txResponse, error) {
			ref, err := gw.AppendMessage(ctx, req.Topic, req.Message)
			return txResponse{TxRef: ref}, err
		}),
		methodGetBalance: unary(func(ctx context.Context, req accountRequest) (ledger.Balance, error) {
			return gw.GetBalance(ctx, req.Account)
		}),
		methodListHeldTokens: unary(func(ctx context.Context, req accountRequest) (heldTokensResponse, error) {
			tokens, err := gw.ListHeldTokens(ctx, req.Account)
			return heldTokensResponse{Tokens: tokens}, err
		}),
		methodListCollectionItems: unary(func(ctx context.Context, req tokenRequest) (collectionItemsResponse, error) {
			items, err := gw.ListCollectionItems(ctx, req.Token)
			return collectionItemsResponse{Items: items}, err
		}),
		methodTokenInfo: unary(func(ctx context.Context, req tokenRequest) (ledger.TokenInfo, error) {
			return gw.TokenInfo(ctx, req.Token)
		}),
	}}
	methods := make([]string, 0, len(srv.handlers))
	for m := range srv.handlers {
		methods = append(methods, m)
	}
	s.RegisterService(serviceDesc(methods), srv)
}

func (s *server) handle(ctx context.Context, method string, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	h, ok := s.handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := h(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(out), nil
}

// LoggingInterceptor logs every call with the caller identity forwarded by the client.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := logrus.Fields{
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(headerUserID); len(v) > 0 {
				fields["user_id"] = v[0]
			}
		}
		entry := obs.Logger().WithFields(fields)
		if err != nil {
			entry.WithError(err).Warn("ledger call failed")
		} else {
			entry.Debug("ledger call")
		}
		return resp, err
	}
}
