// Package httpapi exposes the marketplace sagas and the local mirror over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"agripulse.org/internal/decommission"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/platform"
	"agripulse.org/internal/purchase"
	"agripulse.org/internal/registration"
	"agripulse.org/internal/retirement"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"

	"github.com/gorilla/mux"
)

// Deps are the components the API dispatches to. Nil sagas leave their
// routes answering 503.
type Deps struct {
	Store        *mirror.Store
	Ledger       saga.BalanceReader
	Bus          *stream.Bus
	Platform     *platform.Saga
	Registration *registration.Saga
	Purchase     *purchase.Saga
	Retirement   *retirement.Service
	Decommission *decommission.Processor
	// Ready is the readiness probe; nil means always ready.
	Ready func(ctx context.Context) error
}

// Options tunes the HTTP surface.
type Options struct {
	Version     string
	RateBurst   int
	RatePerSec  int
	MaxBody     int64
	TokenTTL    time.Duration
	IssueTokens bool
}

func (o *Options) defaults() {
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 10
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 8 << 20
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
}

type API struct {
	router *mux.Router
	deps   Deps
	opts   Options
}

func New(deps Deps, opts Options) *API {
	opts.defaults()
	a := &API{router: mux.NewRouter(), deps: deps, opts: opts}
	r := a.router

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Readyz).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/token", a.handleAuthToken).Methods(http.MethodPost)

	r.HandleFunc("/v1/platform/init", a.InitPlatform).Methods(http.MethodPost)
	r.HandleFunc("/v1/platform", a.GetPlatform).Methods(http.MethodGet)

	r.HandleFunc("/v1/registrations", a.CreateRegistration).Methods(http.MethodPost)
	r.HandleFunc("/v1/registrations", a.ListRegistrations).Methods(http.MethodGet)
	r.HandleFunc("/v1/registrations/{id}", a.GetRegistration).Methods(http.MethodGet)
	r.HandleFunc("/v1/registrations/{id}/quote", a.QuotePurchase).Methods(http.MethodGet)

	r.HandleFunc("/v1/purchases", a.CreatePurchase).Methods(http.MethodPost)
	r.HandleFunc("/v1/purchases/{id}", a.GetPurchase).Methods(http.MethodGet)

	r.HandleFunc("/v1/retirements", a.CreateRetirement).Methods(http.MethodPost)
	r.HandleFunc("/v1/retirements", a.ListRetirements).Methods(http.MethodGet)

	r.HandleFunc("/v1/decommissions", a.Decommission).Methods(http.MethodPost)

	r.HandleFunc("/v1/balances/{account}", a.GetBalance).Methods(http.MethodGet)

	r.HandleFunc("/v1/events", a.Stream).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return a
}

// Handler returns the router wrapped in the middleware chain, outermost first:
// request id, logging, security headers, CORS, metrics, rate limit, body
// limit, auth.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBody)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = obs.Instrument(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agripulse",
		"version": a.opts.Version,
	})
}

func (a *API) Readyz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "agripulse",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
