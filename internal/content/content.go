// Package content publishes artifacts to content-addressed storage and
// returns their ipfs:// addresses.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

const scheme = "ipfs://"

// ErrNotFound is returned when an address has no stored content.
var ErrNotFound = errors.New("content: not found")

// Address is an ipfs://<cid> URI.
type Address string

// CID parses the content identifier out of the address.
func (a Address) CID() (cid.Cid, error) {
	raw, ok := strings.CutPrefix(string(a), scheme)
	if !ok {
		return cid.Undef, fmt.Errorf("content: address %q lacks %s scheme", a, scheme)
	}
	return cid.Decode(raw)
}

func (a Address) String() string { return string(a) }

// AddressOf returns the address for c.
func AddressOf(c cid.Cid) Address {
	return Address(scheme + c.String())
}

// Publisher stores bytes or JSON documents and returns their address.
type Publisher interface {
	PublishBytes(ctx context.Context, data []byte, name, mime string) (Address, error)
	PublishJSON(ctx context.Context, v any) (Address, error)
}

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Sum computes the CIDv1 (raw, sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	return rawPrefix.Sum(data)
}
