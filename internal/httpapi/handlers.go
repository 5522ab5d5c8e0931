package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"agripulse.org/internal/auth"
	"agripulse.org/internal/decommission"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/purchase"
	"agripulse.org/internal/registration"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

func unavailable(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusServiceUnavailable, "not configured")
}

// --- platform ---

func (a *API) InitPlatform(w http.ResponseWriter, r *http.Request) {
	if !require(w, r, auth.PermPlatformInit) {
		return
	}
	if a.deps.Platform == nil {
		unavailable(w, r)
		return
	}
	assets, err := a.deps.Platform.Run(r.Context())
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (a *API) GetPlatform(w http.ResponseWriter, r *http.Request) {
	assets, err := a.deps.Store.PlatformAssets(r.Context())
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets":      assets,
		"initialized": assets.Initialized(),
		"missing":     assets.Missing(),
	})
}

// --- registrations ---

type documentPayload struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"`
}

type registrationRequest struct {
	FarmName     string           `json:"farm_name"`
	Location     string           `json:"location"`
	Description  string           `json:"description"`
	CropCategory string           `json:"crop_category"`
	Area         float64          `json:"area"`
	AreaUnit     string           `json:"area_unit"`
	Practices    []string         `json:"practices"`
	PriceUSD     decimal.Decimal  `json:"price_usd"`
	Document     *documentPayload `json:"document,omitempty"`
}

func (a *API) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	if !require(w, r, auth.PermRegister) {
		return
	}
	owner, ok := callerAccount(w, r)
	if !ok {
		return
	}
	if a.deps.Registration == nil {
		unavailable(w, r)
		return
	}
	var req registrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var doc *registration.Document
	if req.Document != nil {
		data, err := base64.StdEncoding.DecodeString(req.Document.Data)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "document data must be base64")
			return
		}
		doc = &registration.Document{Name: req.Document.Name, MIME: req.Document.MIME, Data: data}
	}
	reg, err := a.deps.Registration.Run(r.Context(), registration.Draft{
		Owner:        ledger.AccountID(owner),
		FarmName:     req.FarmName,
		Location:     req.Location,
		Description:  req.Description,
		CropCategory: req.CropCategory,
		Area:         req.Area,
		AreaUnit:     req.AreaUnit,
		Practices:    req.Practices,
		PriceUSD:     req.PriceUSD,
	}, doc)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// ListRegistrations supports ?status= and ?owner= filters.
func (a *API) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := a.deps.Store.Registrations(r.Context())
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	status := mirror.Status(r.URL.Query().Get("status"))
	owner := ledger.AccountID(r.URL.Query().Get("owner"))
	out := make([]mirror.Registration, 0, len(regs))
	for _, reg := range regs {
		if status != "" && reg.Status != status {
			continue
		}
		if owner != "" && reg.Owner != owner {
			continue
		}
		out = append(out, reg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := a.deps.Store.Registration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// --- purchases ---

func (a *API) QuotePurchase(w http.ResponseWriter, r *http.Request) {
	if a.deps.Purchase == nil {
		unavailable(w, r)
		return
	}
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil || qty <= 0 {
		writeError(w, r, http.StatusBadRequest, "quantity must be a positive integer")
		return
	}
	q, err := a.deps.Purchase.Quote(r.Context(), mux.Vars(r)["id"], qty)
	if err != nil {
		if errors.Is(err, purchase.ErrNonPositivePayment) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type purchaseRequest struct {
	RegistrationID string `json:"registration_id"`
	Quantity       int64  `json:"quantity"`
}

func (a *API) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	if !require(w, r, auth.PermPurchase) {
		return
	}
	buyer, ok := callerAccount(w, r)
	if !ok {
		return
	}
	if a.deps.Purchase == nil {
		unavailable(w, r)
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Purchase.Run(r.Context(), purchase.Order{
		Buyer:          ledger.AccountID(buyer),
		RegistrationID: req.RegistrationID,
		Quantity:       req.Quantity,
	})
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := a.deps.Store.Purchase(r.Context(), id)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	rewards, err := a.deps.Store.Rewards(r.Context(), id)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": p, "rewards": rewards})
}

// --- retirements ---

type retirementRequest struct {
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason"`
}

func (a *API) CreateRetirement(w http.ResponseWriter, r *http.Request) {
	if !require(w, r, auth.PermRetire) {
		return
	}
	holder, ok := callerAccount(w, r)
	if !ok {
		return
	}
	if a.deps.Retirement == nil {
		unavailable(w, r)
		return
	}
	var req retirementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Retirement.Retire(r.Context(), ledger.AccountID(holder), req.Quantity, req.Reason)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListRetirements lists the caller's retirements unless ?holder= is given.
func (a *API) ListRetirements(w http.ResponseWriter, r *http.Request) {
	holder := r.URL.Query().Get("holder")
	if holder == "" {
		acct, ok := callerAccount(w, r)
		if !ok {
			return
		}
		holder = acct
	}
	recs, err := a.deps.Store.Retirements(r.Context(), ledger.AccountID(holder))
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

// --- decommission ---

type decommissionRequest struct {
	Tokens []ledger.TokenID  `json:"tokens"`
	Mode   decommission.Mode `json:"mode"`
}

func (a *API) Decommission(w http.ResponseWriter, r *http.Request) {
	var req decommissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm := auth.PermDecommissionDetach
	if req.Mode == decommission.ModePurge {
		perm = auth.PermDecommissionPurge
	}
	if !require(w, r, perm) {
		return
	}
	if a.deps.Decommission == nil {
		unavailable(w, r)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := a.deps.Decommission.Run(r.Context(), decommission.Request{
		Tokens:     req.Tokens,
		Mode:       req.Mode,
		Caller:     ledger.AccountID(p.Account),
		Privileged: p.HasPermission(auth.PermDecommissionPurge),
	})
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- balances ---

// GetBalance serves the cached snapshot, reading through to the ledger when
// nothing is cached or ?refresh=true.
func (a *API) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(mux.Vars(r)["account"])
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if !refresh {
		snap, ok, err := a.deps.Store.Balance(r.Context(), account)
		if err != nil {
			writeSagaError(w, r, err)
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, map[string]any{"balance": snap, "cached": true})
			return
		}
	}
	if a.deps.Ledger == nil {
		unavailable(w, r)
		return
	}
	b, err := a.deps.Ledger.GetBalance(r.Context(), account)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	snap, err := a.deps.Store.PutBalance(r.Context(), b)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": snap, "cached": false})
}
