/*
handlers.go - HTTP API handlers for the contribution and dues ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger package.

ENDPOINTS:
  Collection periods:
    GET    /api/periods                        List periods (?church_id=)
    POST   /api/periods                        Open a period (manager)
    GET    /api/periods/{id}                   Period with contributors
    POST   /api/periods/{id}/contributions     Record a contribution

  Dues:
    POST   /api/dues/process                   Run the dues processor (manager)
    GET    /api/dues/runs                      Processing history (?period_id=)
    GET    /api/dues/schedule                  Scheduler status
    GET    /api/dues                           Due records (?period_id=&entity_id=&unpaid=)
    POST   /api/dues/{id}/pay                  Record a payment (manager)

  Wallets:
    GET    /api/wallets                        All wallets
    GET    /api/wallets/{kind}/{id}            Wallet with entries

  Admin:
    GET    /api/admin/audit                    Consistency check

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    POST   /api/scenarios/load                 Load a demo scenario (manager)

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: ledger operations (periods, contributions, dues, audit)
  - Store: SQLite store, used for health checks and demo seeding
  - Scheduler: optional, reported by /api/dues/schedule

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate request shape (validator/v10)
  3. Call the ledger service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Caller role may not perform the operation
  - 404: Resource not found
  - 409: Conflict (idempotency key reused, period closed)
  - 422: Amount or running total beyond the storable range
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
	"github.com/warp/dues-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *ledger.Service
	Store     *sqlite.Store
	Scheduler *DuesScheduler
	Logger    *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the service and its SQLite store.
func NewHandler(svc *ledger.Service, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		Store:    store,
		Logger:   logger.Named("api"),
		validate: newValidator(),
	}
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// COLLECTION PERIOD ENDPOINTS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	filter := ledger.PeriodFilter{ChurchID: r.URL.Query().Get("church_id")}
	periods, err := h.Service.Store.ListPeriods(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	now := h.Service.Now()
	out := make([]PeriodDTO, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodDTO(p, now, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	in, err := periodInput(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Service.OpenPeriod(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, OpenPeriodResponse{
		Period:        toPeriodDTO(res.Period, h.Service.Now(), true),
		Eligible:      res.Eligible,
		Pushed:        res.Pushed,
		AlreadyPushed: res.AlreadyPushed,
		Failed:        res.Failed,
	})
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Store.GetPeriod(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p, h.Service.Now(), true))
}

func (h *Handler) RecordContribution(w http.ResponseWriter, r *http.Request) {
	var req ContributionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	p, err := h.Service.RecordContribution(r.Context(), ledger.ContributionInput{
		PeriodID:         chi.URLParam(r, "id"),
		EntityID:         req.EntityID,
		EntityKind:       ledger.EntityKind(req.EntityKind),
		Amount:           req.Amount,
		CoveredMembers:   req.CoveredMembers,
		RefTransactionID: req.RefTransactionID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p, h.Service.Now(), true))
}

func periodInput(req CreatePeriodRequest) (ledger.PeriodInput, error) {
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		return ledger.PeriodInput{}, err
	}
	in := ledger.PeriodInput{
		ChurchID:         req.ChurchID,
		Name:             req.Name,
		Kind:             ledger.PeriodKind(req.Kind),
		AmountType:       ledger.AmountType(req.AmountType),
		ContributionMode: ledger.ContributionMode(req.ContributionMode),
		FixedAmount:      req.FixedAmount,
		MinimumAmount:    req.MinimumAmount,
		DefaultAmount:    req.DefaultAmount,
		DueDate:          due,
	}
	if req.StartDate != "" {
		t, err := parseDate("start_date", req.StartDate)
		if err != nil {
			return ledger.PeriodInput{}, err
		}
		in.StartDate = &t
	}
	if req.EndDate != "" {
		t, err := parseDate("end_date", req.EndDate)
		if err != nil {
			return ledger.PeriodInput{}, err
		}
		in.EndDate = &t
	}
	return in, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseDate(field, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, &ledger.ValidationError{Field: field, Message: "must be YYYY-MM-DD or RFC 3339"}
}

// =============================================================================
// DUES ENDPOINTS
// =============================================================================

// ProcessDues runs the same processor the scheduler uses. An empty body
// sweeps every overdue period.
func (h *Handler) ProcessDues(w http.ResponseWriter, r *http.Request) {
	var req ProcessDuesRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	summary, err := h.Service.ProcessDues(r.Context(), req.PeriodID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) ListDuesRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Service.Store.ListDuesRuns(r.Context(), r.URL.Query().Get("period_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]DuesRunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toDuesRunDTO(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, ScheduleDTO{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) ListDues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.DueFilter{
		PeriodID: q.Get("period_id"),
		EntityID: q.Get("entity_id"),
	}
	if raw := q.Get("unpaid"); raw != "" {
		unpaid, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unpaid flag", err)
			return
		}
		filter.UnpaidOnly = unpaid
	}

	dues, err := h.Service.Store.ListDues(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]DueDTO, 0, len(dues))
	for _, d := range dues {
		out = append(out, toDueDTO(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// PayDue records a payment on the due ledger. With settle_wallet the wallet
// is debited in the same transaction.
func (h *Handler) PayDue(w http.ResponseWriter, r *http.Request) {
	var req PayDueRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	dueID := chi.URLParam(r, "id")

	if req.SettleWallet {
		due, wallet, err := h.Service.SettleDue(r.Context(), dueID, req.PaidAmount, req.Ref)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		wdto := toWalletDTO(wallet)
		writeJSON(w, http.StatusOK, PayDueResponse{Due: toDueDTO(due), Wallet: &wdto})
		return
	}

	due, err := h.Service.MarkPaid(r.Context(), dueID, req.PaidAmount, req.Ref)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PayDueResponse{Due: toDueDTO(due)})
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.Service.Store.ListWallets(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]WalletDTO, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, toWalletDTO(wl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	kind := ledger.EntityKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		h.writeDomainError(w, r, &ledger.ValidationError{Field: "kind", Message: "must be member or house"})
		return
	}

	snap, err := h.Service.Store.GetWallet(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDetailDTO(snap))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Audit(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "request validation failed"}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Fields = append(resp.Fields, FieldErrorDTO{Field: fe.Field(), Message: validationMessage(fe)})
		}
	} else {
		resp.Details = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	default:
		return "is invalid"
	}
}

// writeDomainError maps ledger errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Details: verr.Error(),
			Fields:  []FieldErrorDTO{{Field: verr.Field, Message: verr.Message}},
		})
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation failed", err)
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey), errors.Is(err, ledger.ErrDuplicateDue):
		writeError(w, http.StatusConflict, "duplicate request", err)
	case errors.Is(err, ledger.ErrPeriodClosed), errors.Is(err, ledger.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, ledger.ErrAmountOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, "amount out of range", err)
	default:
		h.Logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
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

func forbidden(w http.ResponseWriter, actor ledger.Actor) {
	writeError(w, http.StatusForbidden, "forbidden",
		fmt.Errorf("actor %q with role %q: %w", actor.ID, actor.Role, ledger.ErrForbidden))
}
