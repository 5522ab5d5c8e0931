package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"agripulse.org/internal/obs"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// RateSource reports how many USD one HBAR is worth.
type RateSource interface {
	USDPerHbar(ctx context.Context) (decimal.Decimal, error)
}

// StaticRate is a fixed conversion rate.
type StaticRate decimal.Decimal

func (r StaticRate) USDPerHbar(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

// HTTPRate reads the rate from a JSON price endpoint. Path is a gjson path to
// the numeric USD price.
type HTTPRate struct {
	URL    string
	Path   string
	Client *http.Client
}

func (h HTTPRate) USDPerHbar(ctx context.Context) (decimal.Decimal, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read rate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch rate: unexpected status %d", resp.StatusCode)
	}
	v := gjson.GetBytes(body, h.Path)
	if !v.Exists() {
		return decimal.Zero, fmt.Errorf("rate path %q not found", h.Path)
	}
	rate, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", v.String(), err)
	}
	return rate, nil
}

// RateCache keeps the last good conversion rate for ttl.
type RateCache struct {
	src      RateSource
	ttl      time.Duration
	fallback decimal.Decimal
	now      func() time.Time

	mu      sync.Mutex
	rate    decimal.Decimal
	fetched time.Time
}

// NewRateCache wraps src. fallback is served until the first successful fetch.
func NewRateCache(src RateSource, fallback decimal.Decimal, ttl time.Duration) *RateCache {
	return &RateCache{src: src, ttl: ttl, fallback: fallback, now: time.Now}
}

// Rate returns the cached rate, refreshing it when stale. A failed refresh
// falls back to the last good rate.
func (c *RateCache) Rate(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	fresh := !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.ttl
	rate := c.rate
	c.mu.Unlock()
	if fresh {
		return rate, nil
	}
	if err := c.Refresh(ctx); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.fetched.IsZero() {
			return c.rate, nil
		}
		if c.fallback.IsPositive() {
			return c.fallback, nil
		}
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate, nil
}

// Refresh fetches the rate from the source.
func (c *RateCache) Refresh(ctx context.Context) error {
	rate, err := c.src.USDPerHbar(ctx)
	if err == nil && !rate.IsPositive() {
		err = fmt.Errorf("non-positive rate %s", rate)
	}
	if err != nil {
		obs.Logger().WithError(err).Warn("conversion rate refresh failed")
		return err
	}
	c.mu.Lock()
	c.rate = rate
	c.fetched = c.now()
	c.mu.Unlock()
	return nil
}

// Schedule registers a periodic refresh on cr.
func (c *RateCache) Schedule(cr *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		return 0, errors.New("empty refresh schedule")
	}
	return cr.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.Refresh(ctx)
	})
}
