package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/azizikri/token-faucet/internal/usecase"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type SetPausedRequest struct {
	Paused *bool `json:"paused"`
}

type ClaimRecordResponse struct {
	Identity     string     `json:"identity"`
	LastClaimAt  *time.Time `json:"last_claim_at"`
	NextClaimAt  *time.Time `json:"next_claim_at"`
	TotalClaimed int64      `json:"total_claimed"`
}

type CanClaimResponse struct {
	Identity string `json:"identity"`
	CanClaim bool   `json:"can_claim"`
}

type AllowanceResponse struct {
	Identity  string `json:"identity"`
	Remaining int64  `json:"remaining"`
}

type BalanceResponse struct {
	Identity string `json:"identity"`
	Balance  int64  `json:"balance"`
}

type StatusResponse struct {
	Paused                bool     `json:"paused"`
	Admin                 string   `json:"admin"`
	Admins                []string `json:"admins"`
	FaucetAmount          int64    `json:"faucet_amount"`
	MaxClaimAmount        int64    `json:"max_claim_amount"`
	CooldownPeriodSeconds int64    `json:"cooldown_period_seconds"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type Handler struct {
	faucet   usecase.FaucetGateway
	tokens   TokenValidator
	balances usecase.BalanceReader
	throttle *Throttle
	clock    usecase.Clock
	logger   *zap.SugaredLogger
}

type HandlerOption func(*Handler)

// WithBalances enables GET /balance/{identity}.
func WithBalances(b usecase.BalanceReader) HandlerOption {
	return func(h *Handler) {
		h.balances = b
	}
}

func WithThrottle(t *Throttle) HandlerOption {
	return func(h *Handler) {
		h.throttle = t
	}
}

func WithClock(c usecase.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = c
	}
}

func WithLogger(logger *zap.SugaredLogger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler serves faucet over HTTP. Callers prove their identity with a
// bearer token checked by tokens.
func NewHandler(faucet usecase.FaucetGateway, tokens TokenValidator, opts ...HandlerOption) *Handler {
	h := &Handler{
		faucet: faucet,
		tokens: tokens,
		clock:  usecase.SystemClock{},
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/faucet", func(r chi.Router) {
		r.Use(Authenticate(h.tokens))
		if h.throttle != nil {
			r.Use(h.throttle.Middleware)
		}
		r.Post("/claim", h.RequestTokens)
		r.Put("/paused", h.SetPaused)
		r.Get("/status", h.GetStatus)
		r.Get("/claimable/{identity}", h.CanClaim)
		r.Get("/allowance/{identity}", h.RemainingAllowance)
		r.Get("/records/{identity}", h.GetClaimRecord)
		r.Get("/balance/{identity}", h.GetBalance)
	})
}

func (h *Handler) RequestTokens(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "MISSING_TOKEN", "missing bearer token")
		return
	}

	record, err := h.faucet.RequestTokens(r.Context(), identity)
	if err != nil {
		if errors.Is(err, domain.ErrCooldownNotElapsed) {
			h.setRetryAfter(r.Context(), w, identity)
		}
		h.handleError(w, err)
		return
	}

	cooldown := h.cooldown(r.Context())
	writeJSON(w, http.StatusOK, recordResponse(record, cooldown))
}

func (h *Handler) SetPaused(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "MISSING_TOKEN", "missing bearer token")
		return
	}

	var req SetPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if err := h.faucet.SetPaused(r.Context(), caller, *req.Paused); err != nil {
		h.handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.faucet.Status(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Paused:                status.Paused,
		Admin:                 status.Admin,
		Admins:                status.Admins,
		FaucetAmount:          status.FaucetAmount,
		MaxClaimAmount:        status.MaxClaimAmount,
		CooldownPeriodSeconds: int64(status.CooldownPeriod / time.Second),
	})
}

func (h *Handler) CanClaim(w http.ResponseWriter, r *http.Request) {
	identity, err := domain.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	canClaim, err := h.faucet.CanClaim(r.Context(), identity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CanClaimResponse{Identity: identity, CanClaim: canClaim})
}

func (h *Handler) RemainingAllowance(w http.ResponseWriter, r *http.Request) {
	identity, err := domain.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	remaining, err := h.faucet.RemainingAllowance(r.Context(), identity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AllowanceResponse{Identity: identity, Remaining: remaining})
}

func (h *Handler) GetClaimRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.faucet.ClaimRecord(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponse(record, h.cooldown(r.Context())))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		writeError(w, http.StatusNotFound, "NOT_SUPPORTED", "ledger does not expose balances")
		return
	}

	identity, err := domain.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	balance, err := h.balances.BalanceOf(r.Context(), identity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{Identity: identity, Balance: balance})
}

func (h *Handler) cooldown(ctx context.Context) time.Duration {
	status, err := h.faucet.Status(ctx)
	if err != nil {
		h.logger.Warnw("failed to read faucet status", "error", err)
		return 0
	}
	return status.CooldownPeriod
}

func (h *Handler) setRetryAfter(ctx context.Context, w http.ResponseWriter, identity string) {
	record, err := h.faucet.ClaimRecord(ctx, identity)
	if err != nil {
		return
	}
	next := record.NextClaimAt(h.cooldown(ctx))
	if wait := next.Sub(h.clock.Now()); wait > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "INVALID_IDENTITY", err.Error())
	case errors.Is(err, domain.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, "PAUSED", err.Error())
	case errors.Is(err, domain.ErrCooldownNotElapsed):
		writeError(w, http.StatusTooManyRequests, "COOLDOWN_NOT_ELAPSED", err.Error())
	case errors.Is(err, domain.ErrLifetimeLimitReached):
		writeError(w, http.StatusForbidden, "LIFETIME_LIMIT_REACHED", err.Error())
	case errors.Is(err, domain.ErrNotAdmin):
		writeError(w, http.StatusForbidden, "NOT_ADMIN", err.Error())
	case errors.Is(err, domain.ErrLedgerFailure):
		h.logger.Warnw("ledger failure", "error", err)
		writeError(w, http.StatusBadGateway, "LEDGER_FAILURE", domain.ErrLedgerFailure.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		h.logger.Errorw("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func recordResponse(record domain.ClaimRecord, cooldown time.Duration) ClaimRecordResponse {
	resp := ClaimRecordResponse{
		Identity:     record.Identity,
		TotalClaimed: record.TotalClaimed,
	}
	if record.HasClaimed() {
		last := record.LastClaimAt
		next := record.NextClaimAt(cooldown)
		resp.LastClaimAt = &last
		resp.NextClaimAt = &next
	}
	return resp
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: message})
}
