package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/backroom-pos/backroom/internal/shared"
)

// receiveIdempotencyModule scopes receive-stock idempotency keys in the store.
const receiveIdempotencyModule = "ledger.receive"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindItemByKey(ctx context.Context, key ItemKey) (InventoryItem, error)
	GetItem(ctx context.Context, itemID int64) (InventoryItem, error)
	CurrentQuantity(ctx context.Context, itemID int64) (int64, error)
	ListTransactions(ctx context.Context, itemID int64, limit int) ([]StockTransaction, error)
	ArchiveItem(ctx context.Context, itemID int64) error
	RestoreItem(ctx context.Context, itemID int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort abstracts the read-side quantity cache.
type CachePort interface {
	Get(ctx context.Context, itemID int64) (int64, bool)
	Set(ctx context.Context, itemID, quantity int64)
	Invalidate(ctx context.Context, itemID int64)
}

// MetricsPort abstracts ledger metrics collection.
type MetricsPort interface {
	ObserveMovement(txType string)
	ObserveInsufficientStock()
	ObserveCompensation(failedSteps int)
}

// Service coordinates stock-mutation operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       CachePort
	metrics     MetricsPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service. Audit, idempotency, cache and metrics are optional.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, cache CachePort, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// ReceiveStockInput describes a stock-in request.
type ReceiveStockInput struct {
	ProductID      int64
	Size           string
	Condition      Condition
	UnitCost       float64
	Status         string
	Quantity       int64
	Vendor         string
	PaymentMethod  string
	ActorID        string
	Note           string
	PurchaseDate   time.Time
	IdempotencyKey string
}

// ReceiveStockResult is the triple produced by a successful stock-in.
type ReceiveStockResult struct {
	Item        InventoryItem
	Transaction StockTransaction
	Purchase    Purchase
}

// IssueStockInput describes a stock-out request.
type IssueStockInput struct {
	ItemID   int64
	Quantity int64
	ActorID  string
	Note     string
}

func (in ReceiveStockInput) validate() error {
	switch {
	case in.ProductID == 0:
		return fmt.Errorf("%w: product required", ErrValidation)
	case in.Size == "":
		return fmt.Errorf("%w: size required", ErrValidation)
	case !in.Condition.Valid():
		return fmt.Errorf("%w: condition must be NEW or PRE_OWNED", ErrValidation)
	case in.Vendor == "":
		return fmt.Errorf("%w: vendor required", ErrValidation)
	case in.PaymentMethod == "":
		return fmt.Errorf("%w: payment method required", ErrValidation)
	case in.Quantity < 0:
		return fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	case in.UnitCost < 0:
		return fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}
	return nil
}

// ReceiveStock posts a stock-in: create-or-increment the item, append the IN
// transaction, issue the next purchase-order number and create the purchase
// record. The steps run as a saga inside one database transaction with the
// item row locked throughout; on any step failure the completed steps are
// compensated in reverse order and the original error is returned, leaving
// the ledger in its pre-call state.
func (s *Service) ReceiveStock(ctx context.Context, input ReceiveStockInput) (ReceiveStockResult, error) {
	if err := input.validate(); err != nil {
		return ReceiveStockResult{}, err
	}
	qty := input.Quantity
	if qty == 0 {
		qty = 1
	}
	now := s.clock()
	purchaseDate := input.PurchaseDate
	if purchaseDate.IsZero() {
		purchaseDate = now
	}
	key := ItemKey{ProductID: input.ProductID, Size: input.Size, Condition: input.Condition}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, receiveIdempotencyModule); err != nil {
			return ReceiveStockResult{}, err
		}
		insertedKey = true
	}

	var result ReceiveStockResult
	saga := NewSaga(s.logger)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fail := func(err error) error {
			failed := saga.Compensate(ctx)
			if s.metrics != nil {
				s.metrics.ObserveCompensation(failed)
			}
			return err
		}

		var (
			item    InventoryItem
			found   bool
			prevQty int64
		)
		if err := saga.Run(ctx, SagaStep{
			Name:  "lookup",
			State: SagaLookupDone,
			Run: func(ctx context.Context) error {
				existing, err := tx.FindItemByKeyForUpdate(ctx, key)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						return nil
					}
					return err
				}
				item = existing
				found = true
				return nil
			},
		}); err != nil {
			return fail(err)
		}

		var itemStep SagaStep
		if found {
			prevQty = item.Quantity
			itemStep = SagaStep{
				Name:  "increment-item",
				State: SagaItemReady,
				Run: func(ctx context.Context) error {
					newQty, err := applyDelta(ctx, tx, item.ID, qty)
					if err != nil {
						return err
					}
					item.Quantity = newQty
					return nil
				},
				Compensate: func(ctx context.Context) error {
					return tx.UpdateItemQuantity(ctx, item.ID, prevQty)
				},
			}
		} else {
			itemStep = SagaStep{
				Name:  "create-item",
				State: SagaItemReady,
				Run: func(ctx context.Context) error {
					fresh := InventoryItem{
						ProductID: input.ProductID,
						Size:      input.Size,
						Condition: input.Condition,
						UnitCost:  input.UnitCost,
						Status:    defaultString(input.Status, "IN_STOCK"),
						Quantity:  qty,
						CreatedAt: now,
						UpdatedAt: now,
					}
					id, err := tx.InsertItem(ctx, fresh)
					if err != nil {
						return err
					}
					fresh.ID = id
					item = fresh
					return nil
				},
				Compensate: func(ctx context.Context) error {
					return tx.DeleteItem(ctx, item.ID)
				},
			}
		}
		if err := saga.Run(ctx, itemStep); err != nil {
			return fail(err)
		}

		var txRecord StockTransaction
		if err := saga.Run(ctx, SagaStep{
			Name:  "record-transaction",
			State: SagaTransactionRecorded,
			Run: func(ctx context.Context) error {
				rec, err := recordMovement(ctx, tx, item.ID, TransactionTypeIn, qty, input.ActorID, input.Note, now)
				if err != nil {
					return err
				}
				txRecord = rec
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return tx.DeleteTransaction(ctx, txRecord.ID)
			},
		}); err != nil {
			return fail(err)
		}

		var number string
		if err := saga.Run(ctx, SagaStep{
			Name:  "issue-document-number",
			State: SagaDocumentIssued,
			Run: func(ctx context.Context) error {
				issued, err := NextDocumentNumber(ctx, tx, PurchaseOrderPrefix)
				if err != nil {
					return err
				}
				number = issued
				return nil
			},
			// The counter bump is undone by the transaction rollback itself;
			// decrementing it here could reuse a number another caller has
			// already been issued.
		}); err != nil {
			return fail(err)
		}

		var purchase Purchase
		if err := saga.Run(ctx, SagaStep{
			Name: "create-purchase",
			Run: func(ctx context.Context) error {
				p := Purchase{
					Number:        number,
					ItemID:        item.ID,
					Vendor:        input.Vendor,
					PaymentMethod: input.PaymentMethod,
					Quantity:      qty,
					UnitCost:      input.UnitCost,
					PurchaseDate:  purchaseDate,
				}
				id, err := tx.InsertPurchase(ctx, p)
				if err != nil {
					return err
				}
				p.ID = id
				purchase = p
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return tx.DeletePurchase(ctx, purchase.ID)
			},
		}); err != nil {
			return fail(err)
		}

		saga.Commit()
		result = ReceiveStockResult{Item: item, Transaction: txRecord, Purchase: purchase}
		return nil
	})
	if err != nil {
		if insertedKey {
			if derr := s.idempotency.Release(context.WithoutCancel(ctx), input.IdempotencyKey, receiveIdempotencyModule); derr != nil {
				s.logger.Error("release idempotency key", slog.Any("error", derr))
			}
		}
		return ReceiveStockResult{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveMovement(string(TransactionTypeIn))
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, result.Item.ID)
	}
	s.recordAudit(ctx, input.ActorID, "ledger:IN", result.Item.ID, map[string]any{
		"product_id": input.ProductID,
		"qty":        qty,
		"number":     result.Purchase.Number,
	})
	return result, nil
}

// IssueStock posts a stock-out after the insufficient-stock pre-check. The
// decrement and the OUT transaction share one locked transaction; nothing is
// written when the check fails.
func (s *Service) IssueStock(ctx context.Context, input IssueStockInput) (StockTransaction, error) {
	if input.ItemID == 0 {
		return StockTransaction{}, fmt.Errorf("%w: item required", ErrValidation)
	}
	if input.Quantity <= 0 {
		return StockTransaction{}, ErrInvalidQuantity
	}
	now := s.clock()
	var record StockTransaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}
		if item.Archived() {
			return ErrItemArchived
		}
		if item.Quantity < input.Quantity {
			return ErrInsufficientStock
		}
		if _, err := applyDelta(ctx, tx, item.ID, -input.Quantity); err != nil {
			return err
		}
		record, err = recordMovement(ctx, tx, item.ID, TransactionTypeOut, input.Quantity, input.ActorID, input.Note, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) && s.metrics != nil {
			s.metrics.ObserveInsufficientStock()
		}
		return StockTransaction{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveMovement(string(TransactionTypeOut))
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, input.ItemID)
	}
	s.recordAudit(ctx, input.ActorID, "ledger:OUT", input.ItemID, map[string]any{
		"qty": input.Quantity,
	})
	return record, nil
}

// LookupItem finds the non-deleted item for the key, ErrNotFound otherwise.
func (s *Service) LookupItem(ctx context.Context, key ItemKey) (InventoryItem, error) {
	if key.ProductID == 0 || key.Size == "" || !key.Condition.Valid() {
		return InventoryItem{}, fmt.Errorf("%w: product, size and condition required", ErrValidation)
	}
	return s.repo.FindItemByKey(ctx, key)
}

// CurrentQuantity returns the on-hand quantity, served from cache when warm.
// A read racing a concurrent movement can re-populate the cache with the
// pre-movement value; that staleness lasts at most the cache TTL, after which
// the next read falls through to the repository again.
func (s *Service) CurrentQuantity(ctx context.Context, itemID int64) (int64, error) {
	if itemID == 0 {
		return 0, fmt.Errorf("%w: item required", ErrValidation)
	}
	if s.cache != nil {
		if qty, ok := s.cache.Get(ctx, itemID); ok {
			return qty, nil
		}
	}
	qty, err := s.repo.CurrentQuantity(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, itemID, qty)
	}
	return qty, nil
}

// ListTransactions returns the movement history of an item, newest first.
func (s *Service) ListTransactions(ctx context.Context, itemID int64, limit int) ([]StockTransaction, error) {
	if itemID == 0 {
		return nil, fmt.Errorf("%w: item required", ErrValidation)
	}
	return s.repo.ListTransactions(ctx, itemID, limit)
}

// ArchiveItem soft-deletes an item; its history remains readable by ID.
func (s *Service) ArchiveItem(ctx context.Context, itemID int64, actorID string) error {
	if itemID == 0 {
		return fmt.Errorf("%w: item required", ErrValidation)
	}
	if err := s.repo.ArchiveItem(ctx, itemID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, itemID)
	}
	s.recordAudit(ctx, actorID, "ledger:ARCHIVE", itemID, nil)
	return nil
}

// RestoreItem clears the soft-delete marker.
func (s *Service) RestoreItem(ctx context.Context, itemID int64, actorID string) error {
	if itemID == 0 {
		return fmt.Errorf("%w: item required", ErrValidation)
	}
	if err := s.repo.RestoreItem(ctx, itemID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "ledger:RESTORE", itemID, nil)
	return nil
}

// applyDelta applies a signed delta to the locked item row and persists the
// result, rejecting any change that would drive the quantity negative before
// a write occurs. Must run in the same transaction as the stock transaction
// insert that justifies the delta.
func applyDelta(ctx context.Context, tx TxRepository, itemID, delta int64) (int64, error) {
	item, err := tx.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if item.Archived() {
		return 0, ErrItemArchived
	}
	newQty := item.Quantity + delta
	if newQty < 0 {
		return 0, ErrInsufficientStock
	}
	if err := tx.UpdateItemQuantity(ctx, itemID, newQty); err != nil {
		return 0, err
	}
	return newQty, nil
}

// recordMovement appends the immutable stock transaction backing a quantity
// change. Always paired with exactly one applyDelta carrying the signed
// equivalent of qty.
func recordMovement(ctx context.Context, tx TxRepository, itemID int64, txType TransactionType, qty int64, actorID, note string, at time.Time) (StockTransaction, error) {
	if qty <= 0 {
		return StockTransaction{}, ErrInvalidQuantity
	}
	record := StockTransaction{
		ItemID:     itemID,
		Type:       txType,
		Quantity:   qty,
		ActorID:    actorID,
		Note:       note,
		OccurredAt: at,
	}
	id, err := tx.InsertTransaction(ctx, record)
	if err != nil {
		return StockTransaction{}, err
	}
	record.ID = id
	return record, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, itemID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_item",
		EntityID: fmt.Sprintf("%d", itemID),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
