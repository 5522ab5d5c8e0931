package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes for the entities persisted in the mirror.
const (
	PrefixRegistration = "reg"
	PrefixPurchase     = "pur"
	PrefixReward       = "rwd"
	PrefixRetirement   = "ret"
	PrefixEvent        = "evt"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier, optionally prefixed
// ("reg_01H...").
func New(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	entropyMu.Unlock()
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Time extracts the creation time encoded in an identifier produced by New.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}
