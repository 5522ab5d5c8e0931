package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"agripulse.org/internal/ledger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service exposing a ledger.Gateway.
const ServiceName = "agripulse.ledger.v1.Gateway"

// Method names. Payloads are JSON documents carried in a BytesValue.
const (
	methodCreateFungibleToken   = "CreateFungibleToken"
	methodMintFungible          = "MintFungible"
	methodCreateCollection      = "CreateCollection"
	methodMintAndTransferNFT    = "MintAndTransferNFT"
	methodTransfer              = "Transfer"
	methodWipe                  = "Wipe"
	methodBurnBatch             = "BurnBatch"
	methodAssociate             = "Associate"
	methodDissociate            = "Dissociate"
	methodDeleteToken           = "DeleteToken"
	methodCreateAppendOnlyTopic = "CreateAppendOnlyTopic"
	methodAppendMessage         = "AppendMessage"
	methodGetBalance            = "GetBalance"
	methodListHeldTokens        = "ListHeldTokens"
	methodListCollectionItems   = "ListCollectionItems"
	methodTokenInfo             = "TokenInfo"
)

type idResponse struct {
	ID string `json:"id"`
}

type mintFungibleRequest struct {
	Token  ledger.TokenID `json:"token"`
	Amount int64          `json:"amount"`
}

type mintFungibleResponse struct {
	Supply int64 `json:"supply"`
}

type mintNFTRequest struct {
	Collection  ledger.TokenID   `json:"collection"`
	Recipient   ledger.AccountID `json:"recipient"`
	MetadataRef string           `json:"metadata_ref"`
}

type mintNFTResponse struct {
	Serial ledger.Serial `json:"serial"`
}

type txResponse struct {
	TxRef ledger.TxRef `json:"tx_ref"`
}

type wipeRequest struct {
	Token   ledger.TokenID   `json:"token"`
	Account ledger.AccountID `json:"account"`
	Amount  int64            `json:"amount"`
}

type burnRequest struct {
	Collection ledger.TokenID  `json:"collection"`
	Serials    []ledger.Serial `json:"serials"`
}

type associationRequest struct {
	Account ledger.AccountID `json:"account"`
	Tokens  []ledger.TokenID `json:"tokens"`
}

type tokenRequest struct {
	Token ledger.TokenID `json:"token"`
}

type appendRequest struct {
	Topic   ledger.TopicID `json:"topic"`
	Message []byte         `json:"message"`
}

type accountRequest struct {
	Account ledger.AccountID `json:"account"`
}

type heldTokensResponse struct {
	Tokens []ledger.TokenID `json:"tokens"`
}

type collectionItemsResponse struct {
	Items []ledger.NFT `json:"items"`
}

type empty struct{}

// handlerFunc serves one method on raw payloads.
type handlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// unary adapts a typed gateway call to a handlerFunc.
func unary[Req, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode response: %v", err)
		}
		return out, nil
	}
}

// dispatcher is the handler type registered on the grpc.Server.
type dispatcher interface {
	handle(ctx context.Context, method string, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func methodHandler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		d := srv.(dispatcher)
		if interceptor == nil {
			return d.handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return d.handle(ctx, method, req.(*wrapperspb.BytesValue))
		})
	}
}

func serviceDesc(methods []string) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*dispatcher)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "agripulse/ledger/v1/gateway",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m, Handler: methodHandler(m)})
	}
	return desc
}

func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, method)
}
