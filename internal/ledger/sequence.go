package ledger

import (
	"context"
	"fmt"
)

// PurchaseOrderPrefix prefixes every issued purchase-order number.
const PurchaseOrderPrefix = "R3VPO"

// NextDocumentNumber issues the next document number for the prefix.
// It must run inside the same transaction as the write that consumes the
// number; the counter row serializes concurrent issuers, so two callers can
// never observe the same value.
func NextDocumentNumber(ctx context.Context, tx TxRepository, prefix string) (string, error) {
	value, err := tx.NextDocumentNumber(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("ledger: next document number: %w", err)
	}
	return fmt.Sprintf("%s%d", prefix, value), nil
}
