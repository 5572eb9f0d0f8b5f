package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/backroom-pos/backroom/internal/platform/httpx"
	"github.com/backroom-pos/backroom/internal/shared"
)

// IdempotencyKeyHeader carries the optional client-supplied dedupe token.
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceiveStock)
	r.Post("/issues", h.handleIssueStock)
	r.Get("/items", h.handleLookupItem)
	r.Get("/items/{itemID}/quantity", h.handleCurrentQuantity)
	r.Get("/items/{itemID}/transactions", h.handleListTransactions)
	r.Post("/items/{itemID}/archive", h.handleArchiveItem)
	r.Post("/items/{itemID}/restore", h.handleRestoreItem)
}

type receiveStockRequest struct {
	ProductID     int64   `json:"product_id" validate:"required"`
	Size          string  `json:"size" validate:"required"`
	Condition     string  `json:"condition" validate:"required,oneof=NEW PRE_OWNED"`
	UnitCost      float64 `json:"unit_cost" validate:"gte=0"`
	Status        string  `json:"status"`
	Quantity      int64   `json:"quantity" validate:"gte=0"`
	Vendor        string  `json:"vendor" validate:"required"`
	PaymentMethod string  `json:"payment_method" validate:"required"`
	Note          string  `json:"note"`
	PurchaseDate  string  `json:"purchase_date"`
}

type issueStockRequest struct {
	ItemID   int64  `json:"item_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	Note     string `json:"note"`
}

type itemResponse struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"product_id"`
	Size      string  `json:"size"`
	Condition string  `json:"condition"`
	UnitCost  float64 `json:"unit_cost"`
	Status    string  `json:"status"`
	Quantity  int64   `json:"quantity"`
	Archived  bool    `json:"archived"`
}

type transactionResponse struct {
	ID         int64     `json:"id"`
	ItemID     int64     `json:"item_id"`
	Type       string    `json:"type"`
	Quantity   int64     `json:"quantity"`
	ActorID    string    `json:"actor_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type purchaseResponse struct {
	ID            int64     `json:"id"`
	Number        string    `json:"number"`
	ItemID        int64     `json:"item_id"`
	Vendor        string    `json:"vendor"`
	PaymentMethod string    `json:"payment_method"`
	Quantity      int64     `json:"quantity"`
	UnitCost      float64   `json:"unit_cost"`
	PurchaseDate  time.Time `json:"purchase_date"`
}

type receiveStockResponse struct {
	Item        itemResponse        `json:"item"`
	Transaction transactionResponse `json:"transaction"`
	Purchase    purchaseResponse    `json:"purchase"`
}

func (h *Handler) handleReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req receiveStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var purchaseDate time.Time
	if req.PurchaseDate != "" {
		parsed, err := time.Parse("2006-01-02", req.PurchaseDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "purchase_date must be YYYY-MM-DD")
			return
		}
		purchaseDate = parsed
	}
	result, err := h.service.ReceiveStock(r.Context(), ReceiveStockInput{
		ProductID:      req.ProductID,
		Size:           req.Size,
		Condition:      Condition(req.Condition),
		UnitCost:       req.UnitCost,
		Status:         req.Status,
		Quantity:       req.Quantity,
		Vendor:         req.Vendor,
		PaymentMethod:  req.PaymentMethod,
		ActorID:        shared.ActorFromContext(r.Context()),
		Note:           req.Note,
		PurchaseDate:   purchaseDate,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiveStockResponse{
		Item:        toItemResponse(result.Item),
		Transaction: toTransactionResponse(result.Transaction),
		Purchase:    toPurchaseResponse(result.Purchase),
	})
}

func (h *Handler) handleIssueStock(w http.ResponseWriter, r *http.Request) {
	var req issueStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	record, err := h.service.IssueStock(r.Context(), IssueStockInput{
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		ActorID:  shared.ActorFromContext(r.Context()),
		Note:     req.Note,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(record))
}

func (h *Handler) handleLookupItem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id is required")
		return
	}
	key := ItemKey{
		ProductID: productID,
		Size:      q.Get("size"),
		Condition: Condition(q.Get("condition")),
	}
	item, err := h.service.LookupItem(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) handleCurrentQuantity(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemIDParam(w, r)
	if !ok {
		return
	}
	qty, err := h.service.CurrentQuantity(r.Context(), itemID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"quantity": qty})
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemIDParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}
	txs, err := h.service.ListTransactions(r.Context(), itemID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleArchiveItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.ArchiveItem(r.Context(), itemID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestoreItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.RestoreItem(r.Context(), itemID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) itemIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || itemID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id must be a positive integer")
		return 0, false
	}
	return itemID, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrItemArchived):
		httpx.Problem(w, http.StatusConflict, "Item Archived", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrItemExists), errors.Is(err, ErrSequenceConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "please retry the request")
	default:
		h.logger.Error("ledger request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toItemResponse(item InventoryItem) itemResponse {
	return itemResponse{
		ID:        item.ID,
		ProductID: item.ProductID,
		Size:      item.Size,
		Condition: string(item.Condition),
		UnitCost:  item.UnitCost,
		Status:    item.Status,
		Quantity:  item.Quantity,
		Archived:  item.Archived(),
	}
}

func toTransactionResponse(t StockTransaction) transactionResponse {
	return transactionResponse{
		ID:         t.ID,
		ItemID:     t.ItemID,
		Type:       string(t.Type),
		Quantity:   t.Quantity,
		ActorID:    t.ActorID,
		Note:       t.Note,
		OccurredAt: t.OccurredAt,
	}
}

func toPurchaseResponse(p Purchase) purchaseResponse {
	return purchaseResponse{
		ID:            p.ID,
		Number:        p.Number,
		ItemID:        p.ItemID,
		Vendor:        p.Vendor,
		PaymentMethod: p.PaymentMethod,
		Quantity:      p.Quantity,
		UnitCost:      p.UnitCost,
		PurchaseDate:  p.PurchaseDate,
	}
}
