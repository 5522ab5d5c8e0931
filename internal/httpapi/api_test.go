package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agripulse.org/internal/auth"
	"agripulse.org/internal/config"
	"agripulse.org/internal/content"
	"agripulse.org/internal/decommission"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/platform"
	"agripulse.org/internal/purchase"
	"agripulse.org/internal/registration"
	"agripulse.org/internal/retirement"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
	"agripulse.org/internal/verify"

	"github.com/shopspring/decimal"
)

const hbar = ledger.TinybarsPerHbar

type testEnv struct {
	mem      *ledger.InMemory
	store    *mirror.Store
	bus      *stream.Bus
	handler  http.Handler
	treasury ledger.AccountID
	farmer   ledger.AccountID
	buyer    ledger.AccountID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("AGRIPULSE_AUTH_SECRET", "httpapi-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	ctx := context.Background()
	e := &testEnv{
		mem:   ledger.NewInMemory(),
		store: mirror.NewStore(mirror.NewMemoryKV()),
		bus:   stream.New(128),
	}
	var err error
	if e.treasury, err = e.mem.CreateAccount(ctx, 0); err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if e.farmer, err = e.mem.CreateAccount(ctx, 0); err != nil {
		t.Fatalf("farmer: %v", err)
	}
	if e.buyer, err = e.mem.CreateAccount(ctx, 30_000*hbar); err != nil {
		t.Fatalf("buyer: %v", err)
	}

	pub := content.NewMemory()
	refresher := saga.NewBalanceRefresher(e.mem, e.store, saga.RefreshPolicy{Attempts: 2, InitialBackoff: time.Millisecond})
	rates := purchase.NewRateCache(purchase.StaticRate(decimal.RequireFromString("0.07")), decimal.Zero, time.Hour)
	deps := Deps{
		Store:        e.store,
		Ledger:       e.mem,
		Bus:          e.bus,
		Platform:     platform.New(e.mem, e.store, e.bus, platform.Options{Treasury: e.treasury, Network: "testnet"}),
		Registration: registration.New(e.mem, pub, verify.New(nil, verify.Options{}), e.store, e.bus),
		Purchase: purchase.New(e.mem, pub, nil, rates, e.store, refresher, e.bus, purchase.Options{
			Treasury:     e.treasury,
			SharePercent: 90,
			BuyerTiers:   purchase.NewTierTable([]config.Tier{{Name: "Seedling", Threshold: 10}, {Name: "Sapling", Threshold: 100}}),
			SellerTiers:  purchase.NewTierTable([]config.Tier{{Name: "Bronze", Threshold: 100}, {Name: "Silver", Threshold: 500}}),
		}),
		Retirement:   retirement.New(e.mem, e.store, refresher, e.bus),
		Decommission: decommission.New(e.mem, e.treasury, e.store, e.bus, 2),
	}
	e.handler = New(deps, Options{Version: "test", RateBurst: 1000, RatePerSec: 1000, IssueTokens: true}).Handler()
	return e
}

func (e *testEnv) token(t *testing.T, account ledger.AccountID, roles ...string) string {
	t.Helper()
	tok, err := auth.GenerateToken("user-"+string(account), string(account), roles, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "192.0.2.10:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (e *testEnv) initPlatform(t *testing.T) mirror.PlatformAssets {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/platform/init", e.token(t, e.treasury, auth.RoleAdmin), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("platform init: %d %s", rr.Code, rr.Body.String())
	}
	return decode[mirror.PlatformAssets](t, rr)
}

func farmDraft() map[string]any {
	return map[string]any{
		"farm_name":     "Olive Ridge",
		"location":      "Jenin",
		"description":   "Terraced olive groves with dry-stone walls and native cover crops.",
		"crop_category": "orchard",
		"area":          200,
		"area_unit":     "dunum",
		"practices":     []string{"crop_rotation", "no_till"},
		"price_usd":     "12.50",
	}
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
	if rr := e.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/metrics", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestAuthErrors(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/platform/init", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = e.do(t, http.MethodPost, "/v1/platform/init", "garbage", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
	rr = e.do(t, http.MethodPost, "/v1/platform/init", e.token(t, e.buyer, auth.RoleBuyer), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["request_id"] == nil {
		t.Fatalf("error body lacks request_id: %v", body)
	}
}

func TestIssueToken(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"user": "amal", "account": string(e.farmer), "roles": []string{auth.RoleFarmer},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("token: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[tokenResponse](t, rr)
	claims, err := auth.ParseAndValidate(resp.Token)
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	if claims.Account != string(e.farmer) {
		t.Fatalf("account = %q", claims.Account)
	}

	rr = e.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{"user": "amal"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without roles, got %d", rr.Code)
	}
}

func TestRegistrationRequiresPlatform(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/registrations", e.token(t, e.farmer, auth.RoleFarmer), farmDraft())
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rr.Code, rr.Body.String())
	}
	body := decode[errorBody](t, rr)
	if body.Error != "The platform has not been initialized yet." {
		t.Fatalf("unexpected reason %q", body.Error)
	}
}

func TestMarketplaceFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	assets := e.initPlatform(t)
	if !assets.Initialized() {
		t.Fatalf("platform not initialized: %+v", assets)
	}
	if err := e.mem.Associate(ctx, e.buyer, assets.CreditToken); err != nil {
		t.Fatalf("associate: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/v1/registrations", e.token(t, e.farmer, auth.RoleFarmer), farmDraft())
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	reg := decode[mirror.Registration](t, rr)
	if !reg.Approved() || reg.Capacity != 220 || reg.Owner != e.farmer {
		t.Fatalf("unexpected registration %+v", reg)
	}

	rr = e.do(t, http.MethodGet, "/v1/registrations?status=approved", e.token(t, e.buyer, auth.RoleBuyer), nil)
	list := decode[struct {
		Items []mirror.Registration `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID != reg.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	buyerTok := e.token(t, e.buyer, auth.RoleBuyer)
	rr = e.do(t, http.MethodGet, "/v1/registrations/"+reg.ID+"/quote?quantity=150", buyerTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rr.Code, rr.Body.String())
	}
	if q := decode[purchase.Quote](t, rr); q.TotalTinybars != 2678571428571 {
		t.Fatalf("quote total = %d", q.TotalTinybars)
	}

	rr = e.do(t, http.MethodPost, "/v1/purchases", buyerTok, map[string]any{"registration_id": reg.ID, "quantity": 150})
	if rr.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[purchase.Result](t, rr)
	if res.Purchase.FarmerShare+res.Purchase.Commission != res.Purchase.TotalTinybars {
		t.Fatalf("split does not add up: %+v", res.Purchase)
	}
	if len(res.Rewards) != 2 {
		t.Fatalf("expected two rewards, got %+v", res.Rewards)
	}

	rr = e.do(t, http.MethodGet, "/v1/purchases/"+res.Purchase.ID, buyerTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get purchase: %d", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/purchases", e.token(t, e.farmer, auth.RoleAdmin), map[string]any{"registration_id": reg.ID, "quantity": 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("own-farm purchase should be 400, got %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/v1/balances/"+string(e.buyer)+"?refresh=true", buyerTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance: %d", rr.Code)
	}
	bal := decode[struct {
		Balance mirror.BalanceSnapshot `json:"balance"`
		Cached  bool                   `json:"cached"`
	}](t, rr)
	if tb, ok := bal.Balance.Token(assets.CreditToken); !ok || tb.Balance != 150 || bal.Cached {
		t.Fatalf("unexpected balance %+v", bal)
	}

	rr = e.do(t, http.MethodPost, "/v1/retirements", buyerTok, map[string]any{"quantity": 40, "reason": "2026 footprint"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("retire: %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(t, http.MethodGet, "/v1/retirements", buyerTok, nil)
	recs := decode[struct {
		Items []mirror.RetirementRecord `json:"items"`
	}](t, rr)
	if len(recs.Items) != 1 || recs.Items[0].Quantity != 40 {
		t.Fatalf("unexpected retirements %+v", recs)
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, e.buyer, auth.RoleBuyer)
	rr := e.do(t, http.MethodGet, "/v1/registrations/reg_missing", tok, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/v1/nowhere", tok, nil)
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Header().Get("Content-Type"), "json") {
		t.Fatalf("expected JSON 404, got %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestDecommissionPermissions(t *testing.T) {
	e := newTestEnv(t)
	assets := e.initPlatform(t)

	req := map[string]any{"tokens": []string{string(assets.BuyerRewards)}, "mode": "purge"}
	rr := e.do(t, http.MethodPost, "/v1/decommissions", e.token(t, e.buyer, auth.RoleBuyer), req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("buyer purge should be 403, got %d", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/decommissions", e.token(t, e.farmer, auth.RoleAdmin), req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin purge: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[decommission.Result](t, rr)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEventStreamReplaysRecent(t *testing.T) {
	e := newTestEnv(t)
	e.bus.Publish("platform", "Audit topic created", stream.Success, "")

	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tok := e.token(t, e.buyer, auth.RoleBuyer)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?access_token="+tok, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("event: %v", err)
		}
		if evt.Message != "Audit topic created" {
			t.Fatalf("unexpected event %+v", evt)
		}
		return
	}
	t.Fatalf("stream ended without events: %v", sc.Err())
}
