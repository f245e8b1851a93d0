package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/scheduler"
	"github.com/punchamoorthee/depositops/internal/service"
)

// Engine is the core the handlers drive.
type Engine interface {
	Register(ctx context.Context, req service.RegisterRequest) (*domain.Receipt, error)
	AccountView(ctx context.Context, accountID int64) (*domain.AccountView, error)
	Plans() []domain.Plan
	CreateDeposit(ctx context.Context, accountID int64, plan domain.PlanName, amount int64) (*domain.Receipt, error)
	ConfirmDeposit(ctx context.Context, depositID int64) (*domain.Receipt, error)
	SettleDeposit(ctx context.Context, depositID int64) (*domain.Receipt, error)
	RequestWithdrawal(ctx context.Context, accountID, amount int64, walletID string) (*domain.Receipt, error)
	CompleteWithdrawal(ctx context.Context, withdrawalID int64) (*domain.Receipt, error)
}

// SweepRunner runs one settlement sweep on demand.
type SweepRunner interface {
	RunSettlement(ctx context.Context) (domain.SweepReport, error)
}

type Handler struct {
	engine Engine
	sweeps SweepRunner
	logger *zap.Logger
}

func NewHandler(engine Engine, sweeps SweepRunner, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, sweeps: sweeps, logger: logger}
}

type response struct {
	Status   bool   `json:"status"`
	Message  string `json:"message"`
	Notified *bool  `json:"notified,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type planView struct {
	Name          domain.PlanName `json:"name"`
	Minimum       int64           `json:"minimum"`
	Maximum       int64           `json:"maximum"`
	Payout        string          `json:"payout_percent"`
	ReferralBonus string          `json:"referral_bonus_percent"`
	DurationHours float64         `json:"duration_hours"`
}

type depositRequest struct {
	Plan   domain.PlanName `json:"plan"`
	Amount int64           `json:"amount"`
}

type withdrawalRequest struct {
	Amount   int64  `json:"amount"`
	WalletID string `json:"wallet_id"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, response{Status: true, Message: "ok"})
}

func (h *Handler) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	plans := h.engine.Plans()
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, planView{
			Name:          p.Name,
			Minimum:       p.Minimum,
			Maximum:       p.Maximum,
			Payout:        p.Payout.String(),
			ReferralBonus: p.ReferralBonus.String(),
			DurationHours: p.Duration.Hours(),
		})
	}
	respondWithJSON(w, http.StatusOK, response{Status: true, Message: "Plans", Data: out})
}

func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.engine.Register(r.Context(), req)
	h.respondReceipt(w, http.StatusCreated, receipt, err)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.engine.AccountView(r.Context(), id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, response{Status: true, Message: "Account", Data: view})
}

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.engine.CreateDeposit(r.Context(), id, req.Plan, req.Amount)
	h.respondReceipt(w, http.StatusCreated, receipt, err)
}

func (h *Handler) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.engine.RequestWithdrawal(r.Context(), id, req.Amount, req.WalletID)
	h.respondReceipt(w, http.StatusCreated, receipt, err)
}

func (h *Handler) ConfirmDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := h.engine.ConfirmDeposit(r.Context(), id)
	h.respondReceipt(w, http.StatusOK, receipt, err)
}

func (h *Handler) SettleDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := h.engine.SettleDeposit(r.Context(), id)
	h.respondReceipt(w, http.StatusOK, receipt, err)
}

func (h *Handler) CompleteWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := h.engine.CompleteWithdrawal(r.Context(), id)
	h.respondReceipt(w, http.StatusOK, receipt, err)
}

func (h *Handler) RunSettlementHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// The sweep outlives a disconnected caller; each deposit commits on its own.
	report, err := h.sweeps.RunSettlement(context.WithoutCancel(r.Context()))
	if errors.Is(err, scheduler.ErrSweepRunning) {
		respondWithError(w, http.StatusConflict, "Settlement sweep already running")
		return
	}
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.logger.Info("manual settlement sweep",
		zap.Int("settled", report.Settled),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)))
	respondWithJSON(w, http.StatusOK, response{Status: true, Message: "Settlement sweep finished", Data: report})
}

// Helpers

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondReceipt(w http.ResponseWriter, code int, receipt *domain.Receipt, err error) {
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if !receipt.Applied {
		code = http.StatusOK
	}
	notified := receipt.Notified
	resp := response{Status: true, Message: receipt.Message, Data: receipt.Data}
	if receipt.Applied {
		resp.Notified = &notified
	}
	respondWithJSON(w, code, resp)
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		h.logger.Error("request failed", zap.Error(err))
	}
	respondWithError(w, statusFor(kind), domain.MessageOf(err))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, response{Status: false, Message: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
