package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"agripulse.org/internal/auth"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/saga"
)

type errorBody struct {
	Error     string `json:"error"`
	Step      string `json:"step,omitempty"`
	AuditRef  string `json:"audit_ref,omitempty"`
	TxRef     string `json:"tx_ref,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}

// writeSagaError maps a saga or store failure to a status code and a
// user-facing reason.
func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: saga.Describe(err), RequestID: RequestIDFromContext(r.Context())}
	var se *saga.Error
	if errors.As(err, &se) {
		body.Step = se.Step
		body.AuditRef = string(se.AuditRef)
		body.TxRef = string(se.TxRef)
	}
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		obs.Logger().WithError(err).WithField("request_id", body.RequestID).Error("request failed")
	}
	writeJSON(w, code, body)
}

func statusFor(err error) int {
	var pre *saga.PreconditionError
	switch {
	case errors.Is(err, saga.ErrPlatformNotInitialized):
		return http.StatusConflict
	case errors.Is(err, mirror.ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &pre):
		return http.StatusBadRequest
	case errors.Is(err, mirror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	}
	if _, ok := ledger.StatusOf(err); ok {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
