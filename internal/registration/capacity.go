package registration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Area units accepted on a draft.
const (
	UnitDunum   = "dunum"
	UnitHectare = "hectare"
	UnitAcre    = "acre"
)

var unitToDunum = map[string]decimal.Decimal{
	UnitDunum:   decimal.NewFromInt(1),
	UnitHectare: decimal.NewFromInt(10),
	UnitAcre:    decimal.RequireFromString("4.047"),
}

// PracticeFactors is credits issued per dunum for each sustainable practice.
var PracticeFactors = map[string]decimal.Decimal{
	"agroforestry":       decimal.RequireFromString("1.5"),
	"composting":         decimal.RequireFromString("0.7"),
	"cover_cropping":     decimal.RequireFromString("0.8"),
	"crop_rotation":      decimal.RequireFromString("0.5"),
	"drip_irrigation":    decimal.RequireFromString("0.4"),
	"no_till":            decimal.RequireFromString("0.6"),
	"organic_fertilizer": decimal.RequireFromString("0.5"),
	"rotational_grazing": decimal.RequireFromString("0.9"),
}

// Practices returns the known practice names in order.
func Practices() []string {
	out := make([]string, 0, len(PracticeFactors))
	for p := range PracticeFactors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ToDunums converts area to dunums.
func ToDunums(area float64, unit string) (decimal.Decimal, error) {
	if area <= 0 {
		return decimal.Zero, fmt.Errorf("area must be positive, got %v", area)
	}
	factor, ok := unitToDunum[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown area unit %q", unit)
	}
	return decimal.NewFromFloat(area).Mul(factor), nil
}

// Capacity returns the area in dunums and the credits the farm may issue:
// floor(dunums * sum of practice factors). Duplicate practices count once.
func Capacity(area float64, unit string, practices []string) (dunums decimal.Decimal, credits int64, err error) {
	dunums, err = ToDunums(area, unit)
	if err != nil {
		return decimal.Zero, 0, err
	}
	seen := make(map[string]struct{}, len(practices))
	sum := decimal.Zero
	for _, p := range practices {
		key := strings.ToLower(strings.TrimSpace(p))
		if _, dup := seen[key]; dup {
			continue
		}
		f, ok := PracticeFactors[key]
		if !ok {
			return decimal.Zero, 0, fmt.Errorf("unknown practice %q", p)
		}
		seen[key] = struct{}{}
		sum = sum.Add(f)
	}
	return dunums, dunums.Mul(sum).Floor().IntPart(), nil
}

// normalizePractices lowercases and dedups the practice list, keeping order.
func normalizePractices(practices []string) []string {
	seen := make(map[string]struct{}, len(practices))
	out := make([]string, 0, len(practices))
	for _, p := range practices {
		key := strings.ToLower(strings.TrimSpace(p))
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
