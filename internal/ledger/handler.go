package ledger

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxRequestBody bounds ledger request bodies.
const maxRequestBody = 64 << 10

// Handler serves the ledger wire contract on top of a Service:
//
//	POST /debit              -> 200 success | 402 insufficient_funds | 503 transient_error
//	POST /refund             -> 200 {"success":true,...}
//	GET  /balance/{user_id}  -> 200 {"user_id":...,"remaining_quota":...}
type Handler struct {
	svc    Service
	apiKey string
	mux    *http.ServeMux
}

// NewHandler creates a handler. An empty apiKey disables authentication.
func NewHandler(svc Service, apiKey string) *Handler {
	h := &Handler{svc: svc, apiKey: apiKey, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /debit", h.handleDebit)
	h.mux.HandleFunc("POST /refund", h.handleRefund)
	h.mux.HandleFunc("GET /balance/{user_id}", h.handleBalance)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(h.apiKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleDebit(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON(w, r)
	if !ok {
		return
	}
	res := gjson.ParseBytes(body)
	req := DebitRequest{
		SessionID:      res.Get("session_id").String(),
		UserID:         res.Get("user_id").String(),
		MinuteIndex:    int(res.Get("minute_index").Int()),
		Amount:         res.Get("amount").Int(),
		IdempotencyKey: res.Get("idempotency_key").String(),
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	out, err := h.svc.Debit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch out.Kind {
	case OutcomeSuccess:
		resp, _ := sjson.SetBytes(nil, "outcome", string(OutcomeSuccess))
		resp, _ = sjson.SetBytes(resp, "new_balance", out.NewBalance)
		resp, _ = sjson.SetBytes(resp, "charged", out.Charged)
		resp, _ = sjson.SetBytes(resp, "skipped", out.Duplicate)
	resp, _ = sjson.SetBytes(resp, "unmatched", out.Unmatched)
		if out.Duplicate {
			log.Info().
				Str("session_id", req.SessionID).
				Int("minute", req.MinuteIndex).
				Msg("ledger: duplicate debit skipped")
		}
		writeJSON(w, http.StatusOK, resp)
	case OutcomeInsufficientFunds:
		resp, _ := sjson.SetBytes(nil, "outcome", string(OutcomeInsufficientFunds))
		resp, _ = sjson.SetBytes(resp, "balance", out.NewBalance)
		writeJSON(w, http.StatusPaymentRequired, resp)
	default:
		msg := "transient ledger failure"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		resp, _ := sjson.SetBytes(nil, "outcome", string(OutcomeTransient))
		resp, _ = sjson.SetBytes(resp, "error", msg)
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON(w, r)
	if !ok {
		return
	}
	res := gjson.ParseBytes(body)
	req := RefundRequest{
		SessionID:      res.Get("session_id").String(),
		UserID:         res.Get("user_id").String(),
		Amount:         res.Get("amount").Int(),
		Reason:         res.Get("reason").String(),
		IdempotencyKey: res.Get("idempotency_key").String(),
		DebitKey:       res.Get("debit_key").String(),
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	out, err := h.svc.Refund(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp, _ := sjson.SetBytes(nil, "success", true)
	resp, _ = sjson.SetBytes(resp, "refunded", out.Refunded)
	resp, _ = sjson.SetBytes(resp, "new_balance", out.NewBalance)
	resp, _ = sjson.SetBytes(resp, "skipped", out.Duplicate)
	resp, _ = sjson.SetBytes(resp, "unmatched", out.Unmatched)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	quota, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp, _ := sjson.SetBytes(nil, "user_id", userID)
	resp, _ = sjson.SetBytes(resp, "remaining_quota", quota)
	writeJSON(w, http.StatusOK, resp)
}

func readJSON(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	return body, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("ledger: request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	resp, _ := sjson.SetBytes(nil, "error", msg)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
