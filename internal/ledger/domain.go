package ledger

import (
	"errors"
	"time"
)

// Condition enumerates physical item conditions.
type Condition string

const (
	// ConditionNew marks factory-new stock.
	ConditionNew Condition = "NEW"
	// ConditionPreOwned marks pre-owned stock.
	ConditionPreOwned Condition = "PRE_OWNED"
)

// Valid reports whether the condition is a known value.
func (c Condition) Valid() bool {
	return c == ConditionNew || c == ConditionPreOwned
}

// TransactionType enumerates supported stock movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement.
	TransactionTypeIn TransactionType = "IN"
	// TransactionTypeOut represents an outbound movement.
	TransactionTypeOut TransactionType = "OUT"
)

// ItemKey identifies a stock-keeping unit: one product in one size and condition.
type ItemKey struct {
	ProductID int64
	Size      string
	Condition Condition
}

// InventoryItem is a physical stock-keeping unit owned by the warehouse.
// Quantity is mutated only through the ledger and never goes negative.
type InventoryItem struct {
	ID        int64
	ProductID int64
	Size      string
	Condition Condition
	UnitCost  float64
	Status    string
	Quantity  int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Key returns the lookup key of the item.
func (i InventoryItem) Key() ItemKey {
	return ItemKey{ProductID: i.ProductID, Size: i.Size, Condition: i.Condition}
}

// Archived reports whether the item has been soft-deleted.
func (i InventoryItem) Archived() bool {
	return i.DeletedAt != nil
}

// StockTransaction is an immutable append-only fact describing one quantity change.
type StockTransaction struct {
	ID         int64
	ItemID     int64
	Type       TransactionType
	Quantity   int64
	ActorID    string
	Note       string
	OccurredAt time.Time
}

// Delta returns the signed quantity change the transaction represents.
func (t StockTransaction) Delta() int64 {
	if t.Type == TransactionTypeOut {
		return -t.Quantity
	}
	return t.Quantity
}

// Purchase is a procurement record tied 1:1 to a stock-in event.
type Purchase struct {
	ID            int64
	Number        string
	ItemID        int64
	Vendor        string
	PaymentMethod string
	Quantity      int64
	UnitCost      float64
	PurchaseDate  time.Time
}

var (
	// ErrValidation indicates malformed input, rejected before any write.
	ErrValidation = errors.New("ledger: invalid input")
	// ErrNotFound indicates the referenced item does not exist.
	ErrNotFound = errors.New("ledger: item not found")
	// ErrInsufficientStock indicates an issue request exceeding current quantity.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrItemExists indicates two callers raced to create the same item key; retryable.
	ErrItemExists = errors.New("ledger: item already exists for key")
	// ErrSequenceConflict indicates a write conflict the caller should retry:
	// colliding document numbers, a serialization abort or a deadlock.
	ErrSequenceConflict = errors.New("ledger: document number conflict")
	// ErrItemArchived indicates a movement against a soft-deleted item.
	ErrItemArchived = errors.New("ledger: item archived")
)
