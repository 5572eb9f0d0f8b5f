package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/backroom-pos/backroom/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the saga and service.
// Row-returning lookups lock the target row for the duration of the transaction.
type TxRepository interface {
	FindItemByKeyForUpdate(ctx context.Context, key ItemKey) (InventoryItem, error)
	GetItemForUpdate(ctx context.Context, itemID int64) (InventoryItem, error)
	InsertItem(ctx context.Context, item InventoryItem) (int64, error)
	UpdateItemQuantity(ctx context.Context, itemID, quantity int64) error
	DeleteItem(ctx context.Context, itemID int64) error
	InsertTransaction(ctx context.Context, tx StockTransaction) (int64, error)
	DeleteTransaction(ctx context.Context, txID int64) error
	NextDocumentNumber(ctx context.Context, prefix string) (int64, error)
	InsertPurchase(ctx context.Context, purchase Purchase) (int64, error)
	DeletePurchase(ctx context.Context, purchaseID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

const itemColumns = `id, product_id, size, condition, unit_cost, status, quantity, created_at, updated_at, deleted_at`

// WithTx executes the callback inside a read-committed transaction. Every
// read that feeds a write takes a FOR UPDATE row lock, so contending callers
// block on the lock and proceed once the winner commits; repeatable read
// would abort the waiter with a serialization failure instead.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return classifyTxError(err)
}

// FindItemByKey returns the non-deleted item for the key, ErrNotFound otherwise.
func (r *Repository) FindItemByKey(ctx context.Context, key ItemKey) (InventoryItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items
WHERE product_id=$1 AND size=$2 AND condition=$3 AND deleted_at IS NULL`, key.ProductID, key.Size, string(key.Condition))
	return scanItem(row)
}

// GetItem returns the item by ID regardless of soft-delete state.
func (r *Repository) GetItem(ctx context.Context, itemID int64) (InventoryItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id=$1`, itemID)
	return scanItem(row)
}

// CurrentQuantity reads the on-hand quantity of a non-deleted item.
func (r *Repository) CurrentQuantity(ctx context.Context, itemID int64) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT quantity FROM inventory_items WHERE id=$1 AND deleted_at IS NULL`, itemID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

// ListTransactions returns the movement history of an item, newest first.
func (r *Repository) ListTransactions(ctx context.Context, itemID int64, limit int) ([]StockTransaction, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, tx_type, quantity, COALESCE(actor_id,''), COALESCE(note,''), occurred_at
FROM stock_transactions WHERE item_id=$1 AND deleted_at IS NULL
ORDER BY occurred_at DESC, id DESC LIMIT $2`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs := []StockTransaction{}
	for rows.Next() {
		var t StockTransaction
		if err := rows.Scan(&t.ID, &t.ItemID, &t.Type, &t.Quantity, &t.ActorID, &t.Note, &t.OccurredAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// ArchiveItem soft-deletes the item.
func (r *Repository) ArchiveItem(ctx context.Context, itemID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE inventory_items SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreItem clears the soft-delete marker.
func (r *Repository) RestoreItem(ctx context.Context, itemID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE inventory_items SET deleted_at=NULL, updated_at=NOW() WHERE id=$1 AND deleted_at IS NOT NULL`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) FindItemByKeyForUpdate(ctx context.Context, key ItemKey) (InventoryItem, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items
WHERE product_id=$1 AND size=$2 AND condition=$3 AND deleted_at IS NULL FOR UPDATE`, key.ProductID, key.Size, string(key.Condition))
	return scanItem(row)
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, itemID int64) (InventoryItem, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id=$1 FOR UPDATE`, itemID)
	return scanItem(row)
}

func (r *txRepository) InsertItem(ctx context.Context, item InventoryItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_items (product_id, size, condition, unit_cost, status, quantity, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`,
		item.ProductID, item.Size, string(item.Condition), item.UnitCost, item.Status, item.Quantity).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrItemExists
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) UpdateItemQuantity(ctx context.Context, itemID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_items SET quantity=$2, updated_at=NOW() WHERE id=$1`, itemID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) DeleteItem(ctx context.Context, itemID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM inventory_items WHERE id=$1`, itemID)
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx StockTransaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (item_id, tx_type, quantity, actor_id, note, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		tx.ItemID, string(tx.Type), tx.Quantity, nullString(tx.ActorID), nullString(tx.Note), tx.OccurredAt).Scan(&id)
	return id, err
}

func (r *txRepository) DeleteTransaction(ctx context.Context, txID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM stock_transactions WHERE id=$1`, txID)
	return err
}

// NextDocumentNumber bumps the per-prefix counter row and returns the new value.
// The upsert takes a row lock, so concurrent issuers serialize here.
func (r *txRepository) NextDocumentNumber(ctx context.Context, prefix string) (int64, error) {
	var value int64
	err := r.tx.QueryRow(ctx, `INSERT INTO document_counters (prefix, last_value) VALUES ($1, 1)
ON CONFLICT (prefix) DO UPDATE SET last_value = document_counters.last_value + 1
RETURNING last_value`, prefix).Scan(&value)
	return value, err
}

func (r *txRepository) InsertPurchase(ctx context.Context, purchase Purchase) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (number, item_id, vendor, payment_method, quantity, unit_cost, purchase_date)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		purchase.Number, purchase.ItemID, purchase.Vendor, purchase.PaymentMethod, purchase.Quantity, purchase.UnitCost, purchase.PurchaseDate).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrSequenceConflict
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) DeletePurchase(ctx context.Context, purchaseID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM purchases WHERE id=$1`, purchaseID)
	return err
}

func scanItem(row pgx.Row) (InventoryItem, error) {
	var item InventoryItem
	err := row.Scan(&item.ID, &item.ProductID, &item.Size, &item.Condition, &item.UnitCost,
		&item.Status, &item.Quantity, &item.CreatedAt, &item.UpdatedAt, &item.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryItem{}, ErrNotFound
		}
		return InventoryItem{}, err
	}
	return item, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classifyTxError maps Postgres serialization aborts (40001) and deadlocks
// (40P01) onto the retryable conflict error so callers answer with a retry
// hint instead of an internal failure.
func classifyTxError(err error) error {
	if err == nil {
		return nil
	}
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
