/*
handlers.go - HTTP API handlers for the claves engine

PURPOSE:
  Exposes the engine to the community, payments and admin subsystems over
  JSON. Handlers parse the request, call exactly one engine operation and
  serialize the result. No business rule lives here.

ENDPOINTS:
  Users:
    POST   /api/users                          Register (credits new-user bonus)
    GET    /api/users/{id}                     Profile, balance, streak, badges, stats
    GET    /api/users/{id}/balance             Current balance
    GET    /api/users/{id}/transactions        Ledger history, oldest first
    GET    /api/users/{id}/badges              Granted badges
    POST   /api/users/{id}/subscription        Tier change + subscription bonus

  Daily login and streak:
    POST   /api/users/{id}/daily-claim         Daily bonus + streak evaluation
    GET    /api/users/{id}/streak              Streak state
    POST   /api/users/{id}/streak/repair       Paid repair of an at-risk streak
    POST   /api/users/{id}/streak/accept       Accept a broken streak
    POST   /api/users/{id}/streak/freezes      Buy an inventory freeze

  Community:
    POST   /api/users/{id}/spend               Priced debit (any priced reason)
    POST   /api/reactions                      Reaction (charge, refund, counters)
    POST   /api/posts                          New post
    POST   /api/replies                        New reply
    POST   /api/answers/accepted               Accepted-answer reward

  Badges:
    GET    /api/badges                         Catalog

  Admin:
    POST   /api/admin/adjustments              Signed balance correction
    POST   /api/admin/badges/grants            Special (manual) badge grant
    POST   /api/admin/weekly-reset             Run the weekly freebie reset now
    GET    /api/admin/audit/{id}               Balance vs transaction sum

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error
  class (see statusFor):
  - 400: Validation errors and other business rejections
  - 402: Insufficient balance
  - 404: Unknown user or badge
  - 409: Already claimed today, nothing to repair
  - 500: Integrity violations and infrastructure errors

SECURITY NOTE:
  No authentication. The service is meant to sit behind the platform's
  gateway, which authenticates callers and scopes user ids.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the engine every endpoint delegates to.
type Handler struct {
	Engine *engine.Engine
	log    *zap.Logger
}

// NewHandler creates a handler over eng. log may be nil.
func NewHandler(eng *engine.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: eng, log: log}
}

func userParam(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Register creates a profile and credits the new-user bonus.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	reg, err := h.Engine.Register(r.Context(), ledger.UserID(req.UserID), profile.Tier(req.Tier))
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}

	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RegistrationDTO{Profile: toProfileDTO(reg.Profile), Created: reg.Created, Balance: reg.Balance})
}

// GetUser returns the full summary for one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	p, err := h.Engine.Profile(ctx, userID)
	if err != nil {
		h.fail(w, r, "load profile", err)
		return
	}
	balance, err := h.Engine.Ledger.Balance(ctx, userID)
	if err != nil {
		h.fail(w, r, "load balance", err)
		return
	}
	st, err := h.Engine.Streak.State(ctx, userID)
	if err != nil {
		h.fail(w, r, "load streak", err)
		return
	}
	grants, err := h.Engine.Badges.Grants(ctx, userID)
	if err != nil {
		h.fail(w, r, "load badges", err)
		return
	}
	counters, err := h.Engine.Badges.Counters(ctx, userID)
	if err != nil {
		h.fail(w, r, "load stats", err)
		return
	}

	writeJSON(w, http.StatusOK, UserSummaryDTO{
		Profile: toProfileDTO(p),
		Balance: balance,
		Streak:  toStreakDTO(st),
		Badges:  toGrantDTOs(grants),
		Stats:   toStats(counters),
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	balance, err := h.Engine.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: balance})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.Ledger.Transactions(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "load transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBadges(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Engine.Badges.Grants(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "load badges", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTOs(grants))
}

// Subscribe records a paid subscription and credits its bonus once per
// payment reference.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.SubscriptionBonus(r.Context(), userParam(r), profile.Tier(req.Tier), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "subscription bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

// =============================================================================
// DAILY LOGIN AND STREAK HANDLERS
// =============================================================================

// ClaimDaily runs the daily login flow. An at-risk streak is not an error:
// the claim succeeds and the streak block tells the client to offer a
// repair.
func (h *Handler) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	claim, err := h.Engine.Bonus.Claim(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "daily claim", err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(claim))
}

func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Streak.State(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "load streak", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTO(st))
}

func (h *Handler) RepairStreak(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.Streak.Repair(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "repair streak", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakOutcomeDTO(out))
}

func (h *Handler) AcceptBroken(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.Streak.AcceptBroken(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, "accept broken streak", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakOutcomeDTO(out))
}

func (h *Handler) BuyFreeze(w http.ResponseWriter, r *http.Request) {
	var req BuyFreezeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required", nil)
		return
	}
	st, err := h.Engine.Streak.BuyFreeze(r.Context(), userParam(r), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "buy freeze", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTO(st))
}

// =============================================================================
// COMMUNITY HANDLERS
// =============================================================================

// Spend charges the configured price of any priced reason.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	reason, err := ledger.ParseReason(req.Reason)
	if err != nil {
		h.fail(w, r, "spend", err)
		return
	}
	res, err := h.Engine.Ledger.Spend(r.Context(), userParam(r), reason, req.ReferenceID)
	if err != nil {
		h.fail(w, r, "spend", err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.React(r.Context(),
		ledger.UserID(req.ReactorID), ledger.UserID(req.OwnerID),
		engine.ReactionKind(req.Kind), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "react", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(res))
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CreatePost(r.Context(), ledger.UserID(req.UserID), engine.PostKind(req.Kind), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "create post", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(res))
}

func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Reply(r.Context(), ledger.UserID(req.UserID), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "reply", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(res))
}

func (h *Handler) AcceptAnswer(w http.ResponseWriter, r *http.Request) {
	var req AcceptAnswerRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.AcceptAnswer(r.Context(), ledger.UserID(req.AuthorID), req.ReferenceID)
	if err != nil {
		h.fail(w, r, "accept answer", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(res))
}

// =============================================================================
// BADGE HANDLERS
// =============================================================================

// ListBadges returns the catalog, sorted by stat and threshold.
func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	defs := h.Engine.Badges.Catalog().All()
	dtos := make([]BadgeDTO, len(defs))
	for i, d := range defs {
		dtos[i] = toBadgeDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies a signed admin correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required", nil)
		return
	}

	ctx := r.Context()
	userID := ledger.UserID(req.UserID)
	var (
		res ledger.Result
		err error
	)
	if req.Amount < 0 {
		res, err = h.Engine.Ledger.Debit(ctx, userID, -req.Amount, ledger.ReasonAdminAdjustment, req.ReferenceID)
	} else {
		res, err = h.Engine.Ledger.Credit(ctx, userID, req.Amount, ledger.ReasonAdminAdjustment, req.ReferenceID)
	}
	if err != nil {
		h.fail(w, r, "admin adjustment", err)
		return
	}
	h.log.Info("admin adjustment",
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("reference_id", req.ReferenceID),
		zap.Bool("replayed", res.Replayed))
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

func (h *Handler) GrantBadge(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Badges.Grant(r.Context(), ledger.UserID(req.UserID), req.BadgeID)
	if err != nil {
		h.fail(w, r, "grant badge", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyGranted {
		status = http.StatusOK
	}
	writeJSON(w, status, GrantResultDTO{
		Grant:          toGrantDTOs([]badge.Grant{res.Grant})[0],
		AlreadyGranted: res.AlreadyGranted,
	})
}

// TriggerWeeklyReset runs the freebie reset for every user now instead of
// waiting for the scheduler.
func (h *Handler) TriggerWeeklyReset(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.Streak.ResetDueWeeks(r.Context(), h.Engine)
	if err != nil {
		h.fail(w, r, "weekly reset", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetDTO{Reset: n})
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.Ledger.Audit(r.Context(), userParam(r))
	dto := AuditDTO{
		UserID:       string(a.UserID),
		Balance:      a.Balance,
		Sum:          a.Sum,
		Transactions: a.Transactions,
		Consistent:   err == nil && a.Consistent(),
	}
	if err != nil && !ledger.IsIntegrityViolation(err) {
		h.fail(w, r, "audit", err)
		return
	}
	// A failed audit is still a report, not a server error.
	writeJSON(w, http.StatusOK, dto)
}

// Health reports whether the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps err to a status and writes it. Business rejections are
// expected and logged at debug; everything else is logged as an error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", fields...)
	} else {
		h.log.Debug("request rejected", fields...)
	}

	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		resp.Required = insufficient.Required
		resp.Available = insufficient.Available
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, bonus.ErrAlreadyClaimedToday),
		errors.Is(err, streak.ErrNotAtRisk),
		errors.Is(err, streak.ErrNoFreezeAvailable):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, badge.ErrBadgeNotFound):
		return http.StatusNotFound
	case ledger.IsBusinessRejection(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
