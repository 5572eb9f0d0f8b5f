package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryRepo serializes transactions with a single mutex, mirroring the row
// locks that serialize writers against Postgres.
type memoryRepo struct {
	mu           sync.Mutex
	items        map[int64]InventoryItem
	transactions map[int64]StockTransaction
	purchases    map[int64]Purchase
	counters     map[string]int64
	nextID       int64

	failPurchase    bool
	failTransaction bool
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:        make(map[int64]InventoryItem),
		transactions: make(map[int64]StockTransaction),
		purchases:    make(map[int64]Purchase),
		counters:     make(map[string]int64),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) FindItemByKey(ctx context.Context, key ItemKey) (InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{repo: r}).FindItemByKeyForUpdate(ctx, key)
}

func (r *memoryRepo) GetItem(ctx context.Context, itemID int64) (InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return InventoryItem{}, ErrNotFound
	}
	return item, nil
}

func (r *memoryRepo) CurrentQuantity(ctx context.Context, itemID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok || item.Archived() {
		return 0, ErrNotFound
	}
	return item.Quantity, nil
}

func (r *memoryRepo) ListTransactions(ctx context.Context, itemID int64, limit int) ([]StockTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []StockTransaction{}
	for _, t := range r.transactions {
		if t.ItemID == itemID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) ArchiveItem(ctx context.Context, itemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok || item.Archived() {
		return ErrNotFound
	}
	now := time.Now()
	item.DeletedAt = &now
	r.items[itemID] = item
	return nil
}

func (r *memoryRepo) RestoreItem(ctx context.Context, itemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok || !item.Archived() {
		return ErrNotFound
	}
	item.DeletedAt = nil
	r.items[itemID] = item
	return nil
}

func (tx *memoryTx) FindItemByKeyForUpdate(ctx context.Context, key ItemKey) (InventoryItem, error) {
	for _, item := range tx.repo.items {
		if item.Key() == key && !item.Archived() {
			return item, nil
		}
	}
	return InventoryItem{}, ErrNotFound
}

func (tx *memoryTx) GetItemForUpdate(ctx context.Context, itemID int64) (InventoryItem, error) {
	item, ok := tx.repo.items[itemID]
	if !ok {
		return InventoryItem{}, ErrNotFound
	}
	return item, nil
}

func (tx *memoryTx) InsertItem(ctx context.Context, item InventoryItem) (int64, error) {
	for _, existing := range tx.repo.items {
		if existing.Key() == item.Key() && !existing.Archived() {
			return 0, ErrItemExists
		}
	}
	tx.repo.nextID++
	item.ID = tx.repo.nextID
	tx.repo.items[item.ID] = item
	return item.ID, nil
}

func (tx *memoryTx) UpdateItemQuantity(ctx context.Context, itemID, quantity int64) error {
	item, ok := tx.repo.items[itemID]
	if !ok {
		return ErrNotFound
	}
	item.Quantity = quantity
	tx.repo.items[itemID] = item
	return nil
}

func (tx *memoryTx) DeleteItem(ctx context.Context, itemID int64) error {
	delete(tx.repo.items, itemID)
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t StockTransaction) (int64, error) {
	if tx.repo.failTransaction {
		return 0, errors.New("forced transaction failure")
	}
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.repo.transactions[t.ID] = t
	return t.ID, nil
}

func (tx *memoryTx) DeleteTransaction(ctx context.Context, txID int64) error {
	delete(tx.repo.transactions, txID)
	return nil
}

func (tx *memoryTx) NextDocumentNumber(ctx context.Context, prefix string) (int64, error) {
	tx.repo.counters[prefix]++
	return tx.repo.counters[prefix], nil
}

func (tx *memoryTx) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	if tx.repo.failPurchase {
		return 0, errors.New("forced purchase failure")
	}
	for _, existing := range tx.repo.purchases {
		if existing.Number == p.Number {
			return 0, ErrSequenceConflict
		}
	}
	tx.repo.nextID++
	p.ID = tx.repo.nextID
	tx.repo.purchases[p.ID] = p
	return p.ID, nil
}

func (tx *memoryTx) DeletePurchase(ctx context.Context, purchaseID int64) error {
	delete(tx.repo.purchases, purchaseID)
	return nil
}

func (r *memoryRepo) transactionSum(itemID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, t := range r.transactions {
		if t.ItemID == itemID {
			sum += t.Delta()
		}
	}
	return sum
}

func receiveInput(productID int64) ReceiveStockInput {
	return ReceiveStockInput{
		ProductID:     productID,
		Size:          "US 10",
		Condition:     ConditionNew,
		UnitCost:      120.50,
		Quantity:      5,
		Vendor:        "Acme Supply",
		PaymentMethod: "WIRE",
		ActorID:       "tester",
	}
}

func TestReceiveStockCreatesItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, receiveInput(77))
	require.NoError(t, err)
	require.Equal(t, int64(5), result.Item.Quantity)
	require.Equal(t, "IN_STOCK", result.Item.Status)
	require.Equal(t, "R3VPO1", result.Purchase.Number)
	require.Equal(t, TransactionTypeIn, result.Transaction.Type)
	require.Equal(t, int64(5), result.Transaction.Quantity)
	require.Equal(t, result.Item.ID, result.Purchase.ItemID)
	require.Equal(t, result.Item.Quantity, repo.transactionSum(result.Item.ID))
}

func TestReceiveStockIncrementsExistingItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	first, err := svc.ReceiveStock(ctx, receiveInput(77))
	require.NoError(t, err)

	input := receiveInput(77)
	input.Quantity = 3
	second, err := svc.ReceiveStock(ctx, input)
	require.NoError(t, err)

	require.Equal(t, first.Item.ID, second.Item.ID)
	require.Equal(t, int64(8), second.Item.Quantity)
	require.Equal(t, "R3VPO2", second.Purchase.Number)
	require.Len(t, repo.purchases, 2)
	require.Equal(t, int64(8), repo.transactionSum(first.Item.ID))
}

func TestReceiveStockDefaultsQuantityToOne(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)

	input := receiveInput(12)
	input.Quantity = 0
	result, err := svc.ReceiveStock(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Item.Quantity)
	require.Equal(t, int64(1), result.Transaction.Quantity)
}

func TestReceiveStockValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil, nil)
	ctx := context.Background()

	input := receiveInput(1)
	input.Condition = "REFURBISHED"
	_, err := svc.ReceiveStock(ctx, input)
	require.ErrorIs(t, err, ErrValidation)

	input = receiveInput(1)
	input.Vendor = ""
	_, err = svc.ReceiveStock(ctx, input)
	require.ErrorIs(t, err, ErrValidation)

	input = receiveInput(1)
	input.Quantity = -2
	_, err = svc.ReceiveStock(ctx, input)
	require.ErrorIs(t, err, ErrValidation)
}

func TestReceiveStockCompensatesOnPurchaseFailure(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)

	repo.failPurchase = true
	_, err := svc.ReceiveStock(context.Background(), receiveInput(42))
	require.Error(t, err)
	require.Contains(t, err.Error(), "forced purchase failure")

	require.Empty(t, repo.items)
	require.Empty(t, repo.transactions)
	require.Empty(t, repo.purchases)
}

func TestReceiveStockCompensationRestoresQuantity(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	first, err := svc.ReceiveStock(ctx, receiveInput(42))
	require.NoError(t, err)

	repo.failPurchase = true
	_, err = svc.ReceiveStock(ctx, receiveInput(42))
	require.Error(t, err)

	item, err := repo.GetItem(ctx, first.Item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), item.Quantity)
	require.Len(t, repo.transactions, 1)
	require.Len(t, repo.purchases, 1)
	require.Equal(t, item.Quantity, repo.transactionSum(item.ID))

	// The failed attempt must not burn a visible number for later callers.
	repo.failPurchase = false
	repo.counters[PurchaseOrderPrefix] = 1
	third, err := svc.ReceiveStock(ctx, receiveInput(42))
	require.NoError(t, err)
	require.Equal(t, "R3VPO2", third.Purchase.Number)
}

func TestIssueStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(9))
	require.NoError(t, err)

	record, err := svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 2, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, TransactionTypeOut, record.Type)
	require.Equal(t, int64(2), record.Quantity)

	qty, err := svc.CurrentQuantity(ctx, received.Item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), qty)
	require.Equal(t, qty, repo.transactionSum(received.Item.ID))
}

func TestIssueStockInsufficient(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(9))
	require.NoError(t, err)

	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 6})
	require.ErrorIs(t, err, ErrInsufficientStock)

	qty, err := svc.CurrentQuantity(ctx, received.Item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), qty)
	require.Len(t, repo.transactions, 1)
}

func TestIssueStockInvalidQuantity(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.IssueStock(ctx, IssueStockInput{ItemID: 1, Quantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: 1, Quantity: -3})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestIssueStockArchivedItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(9))
	require.NoError(t, err)
	require.NoError(t, svc.ArchiveItem(ctx, received.Item.ID, "tester"))

	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 1})
	require.ErrorIs(t, err, ErrItemArchived)

	require.NoError(t, svc.RestoreItem(ctx, received.Item.ID, "tester"))
	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 1})
	require.NoError(t, err)
}

func TestLookupItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(31))
	require.NoError(t, err)

	item, err := svc.LookupItem(ctx, ItemKey{ProductID: 31, Size: "US 10", Condition: ConditionNew})
	require.NoError(t, err)
	require.Equal(t, received.Item.ID, item.ID)

	_, err = svc.LookupItem(ctx, ItemKey{ProductID: 31, Size: "US 11", Condition: ConditionNew})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.LookupItem(ctx, ItemKey{ProductID: 31, Size: "US 10"})
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.ArchiveItem(ctx, received.Item.ID, "tester"))
	_, err = svc.LookupItem(ctx, ItemKey{ProductID: 31, Size: "US 10", Condition: ConditionNew})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(5))
	require.NoError(t, err)
	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 1})
	require.NoError(t, err)

	txs, err := svc.ListTransactions(ctx, received.Item.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, TransactionTypeOut, txs[0].Type)
	require.Equal(t, TransactionTypeIn, txs[1].Type)
}

func TestQuantityMatchesTransactionSum(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	received, err := svc.ReceiveStock(ctx, receiveInput(88))
	require.NoError(t, err)
	itemID := received.Item.ID

	input := receiveInput(88)
	input.Quantity = 7
	_, err = svc.ReceiveStock(ctx, input)
	require.NoError(t, err)
	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: itemID, Quantity: 4})
	require.NoError(t, err)
	_, err = svc.IssueStock(ctx, IssueStockInput{ItemID: itemID, Quantity: 20})
	require.ErrorIs(t, err, ErrInsufficientStock)

	qty, err := svc.CurrentQuantity(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(8), qty)
	require.Equal(t, qty, repo.transactionSum(itemID))
}

func TestConcurrentIssueStockKeepsQuantityNonNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	input := receiveInput(55)
	input.Quantity = 10
	received, err := svc.ReceiveStock(ctx, input)
	require.NoError(t, err)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.IssueStock(ctx, IssueStockInput{ItemID: received.Item.ID, Quantity: 3})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	issued, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			issued++
		case errors.Is(err, ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected issue error: %v", err)
		}
	}
	require.Equal(t, 3, issued)
	require.Equal(t, attempts-3, rejected)

	qty, err := svc.CurrentQuantity(ctx, received.Item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), qty)
	require.Equal(t, qty, repo.transactionSum(received.Item.ID))
}

func TestConcurrentReceiveStockNumbersAreDistinct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	const n = 10
	numbers := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(productID int64) {
			defer wg.Done()
			result, err := svc.ReceiveStock(ctx, receiveInput(productID))
			if err != nil {
				numbers <- ""
				return
			}
			numbers <- result.Purchase.Number
		}(int64(200 + i))
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for number := range numbers {
		require.NotEmpty(t, number)
		require.False(t, seen[number], "number %s issued twice", number)
		seen[number] = true
	}
	for i := 1; i <= n; i++ {
		require.True(t, seen[fmt.Sprintf("%s%d", PurchaseOrderPrefix, i)])
	}
}

func TestConcurrentReceiveSameKeyAccumulates(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			input := receiveInput(300)
			input.Quantity = 2
			_, err := svc.ReceiveStock(ctx, input)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	item, err := svc.LookupItem(ctx, ItemKey{ProductID: 300, Size: "US 10", Condition: ConditionNew})
	require.NoError(t, err)
	require.Equal(t, int64(2*writers), item.Quantity)
	require.Equal(t, item.Quantity, repo.transactionSum(item.ID))

	txs, err := svc.ListTransactions(ctx, item.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, writers)
}

func TestDocumentNumbersAreSequential(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	numbers := []string{}
	for i := int64(1); i <= 4; i++ {
		result, err := svc.ReceiveStock(ctx, receiveInput(100+i))
		require.NoError(t, err)
		numbers = append(numbers, result.Purchase.Number)
	}
	require.Equal(t, []string{"R3VPO1", "R3VPO2", "R3VPO3", "R3VPO4"}, numbers)
}
