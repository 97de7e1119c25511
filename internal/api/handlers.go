package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/punchamoorthee/bookescrow/internal/models"
	"github.com/punchamoorthee/bookescrow/internal/service"
	"go.uber.org/zap"
)

type Handler struct {
	transfers *service.TransferService
	escrows   *service.RentalEscrow
	log       *zap.Logger
}

func NewHandler(transfers *service.TransferService, escrows *service.RentalEscrow, log *zap.Logger) *Handler {
	return &Handler{transfers: transfers, escrows: escrows, log: log}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OpenAccountRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	acc, err := h.transfers.OpenAccount(r.Context(), callerFrom(r), req)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+string(acc.ID))
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := domain.Identity(mux.Vars(r)["id"])
	account, err := h.transfers.Account(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id := domain.Identity(mux.Vars(r)["id"])
	entries, err := h.transfers.Entries(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	// 2. Read and Hash Body
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	hash := sha256.Sum256(bodyBytes)
	reqHash := hex.EncodeToString(hash[:])

	var req models.TransferRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	// 3. Business Validations
	if req.Amount <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}
	if req.FromAccountID == req.ToAccountID {
		respondWithError(w, http.StatusUnprocessableEntity, "Self-transfer not allowed")
		return
	}

	// 4. Call Service
	resp, existing, err := h.transfers.ProcessTransfer(r.Context(), callerFrom(r), req, idempotencyKey, reqHash)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	// Handle Idempotent Replay
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", resp.Transfer.ID))
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) MintAssetHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MintAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	holding, err := h.transfers.MintAsset(r.Context(), callerFrom(r), req)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, holding)
}

func (h *Handler) InitializeEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InitializeEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	caller := callerFrom(r)
	if req.AssetAccount == "" {
		req.AssetAccount = caller
	}
	rec, err := h.escrows.Initialize(r.Context(), service.InitializeParams{
		EscrowID:       req.ID,
		Initializer:    caller,
		AssetAccount:   req.AssetAccount,
		PayoutAccount:  req.PayoutAccount,
		AssetID:        req.AssetID,
		PricePerPeriod: req.PricePerPeriod,
		DepositAmount:  req.DepositAmount,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/escrows/"+rec.ID)
	respondWithJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ListEscrowsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.EscrowFilter{
		State:       domain.State(q.Get("state")),
		Initializer: domain.Identity(q.Get("initializer")),
		Taker:       domain.Identity(q.Get("taker")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		f.Limit = n
	}
	recs, err := h.escrows.List(r.Context(), f)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.EscrowRecord{}
	}
	respondWithJSON(w, http.StatusOK, models.EscrowListResponse{Escrows: recs})
}

func (h *Handler) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.escrows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) QuoteEscrowHandler(w http.ResponseWriter, r *http.Request) {
	q, err := h.escrows.Quote(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, q)
}

func (h *Handler) RequestEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RequestEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	rec, err := h.escrows.Request(r.Context(), mux.Vars(r)["id"], callerFrom(r), req.RentalPeriods)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) AcceptEscrowHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.escrows.Accept(r.Context(), mux.Vars(r)["id"], callerFrom(r))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) ReturnEscrowHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.escrows.Return(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

// decodeOptional accepts an empty body as the zero value.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrEscrowNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrEscrowExists),
		errors.Is(err, domain.ErrAssetExists),
		errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrRentalPeriodNotOver),
		errors.Is(err, domain.ErrAssetNotSingleton),
		errors.Is(err, domain.ErrInvalidTerms),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrIdempotencyMismatch),
		errors.Is(err, domain.ErrAccountNotEmpty):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondWithError(w, code, "Internal Server Error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
