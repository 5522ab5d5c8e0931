package purchase

import (
	"errors"
	"fmt"

	"agripulse.org/internal/ledger"

	"github.com/shopspring/decimal"
)

// ErrNonPositivePayment is returned when a quote rounds to zero tinybars.
var ErrNonPositivePayment = errors.New("computed payment is not positive")

var (
	tinybarsPerHbar = decimal.NewFromInt(ledger.TinybarsPerHbar)
	hundred         = decimal.NewFromInt(100)
)

// Quote is the priced payment for a purchase. FarmerShare + Commission always
// equals TotalTinybars.
type Quote struct {
	Quantity      int64           `json:"quantity"`
	UnitPriceUSD  decimal.Decimal `json:"unit_price_usd"`
	USDPerHbar    decimal.Decimal `json:"usd_per_hbar"`
	TotalUSD      decimal.Decimal `json:"total_usd"`
	TotalTinybars int64           `json:"total_tinybars"`
	SharePercent  int             `json:"share_percent"`
	FarmerShare   int64           `json:"farmer_share"`
	Commission    int64           `json:"commission"`
}

// NewQuote prices qty credits at unitPriceUSD. The total is floored to whole
// tinybars; the farmer share is floored and the commission is the remainder.
func NewQuote(unitPriceUSD decimal.Decimal, qty int64, usdPerHbar decimal.Decimal, sharePercent int) (Quote, error) {
	if qty <= 0 {
		return Quote{}, fmt.Errorf("quantity must be positive, got %d", qty)
	}
	if !usdPerHbar.IsPositive() {
		return Quote{}, fmt.Errorf("conversion rate must be positive, got %s", usdPerHbar)
	}
	if sharePercent < 1 || sharePercent > 99 {
		return Quote{}, fmt.Errorf("share percent must be within 1..99, got %d", sharePercent)
	}
	totalUSD := unitPriceUSD.Mul(decimal.NewFromInt(qty))
	total := totalUSD.Mul(tinybarsPerHbar).Div(usdPerHbar).Floor()
	if !total.IsPositive() {
		return Quote{}, ErrNonPositivePayment
	}
	share := total.Mul(decimal.NewFromInt(int64(sharePercent))).Div(hundred).Floor()
	return Quote{
		Quantity:      qty,
		UnitPriceUSD:  unitPriceUSD,
		USDPerHbar:    usdPerHbar,
		TotalUSD:      totalUSD,
		TotalTinybars: total.IntPart(),
		SharePercent:  sharePercent,
		FarmerShare:   share.IntPart(),
		Commission:    total.Sub(share).IntPart(),
	}, nil
}
