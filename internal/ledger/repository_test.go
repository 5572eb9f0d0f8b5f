package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestClassifyTxErrorMapsSerializationFailures(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
	err := classifyTxError(fmt.Errorf("exec counter upsert: %w", serialization))
	require.ErrorIs(t, err, ErrSequenceConflict)

	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	err = classifyTxError(deadlock)
	require.ErrorIs(t, err, ErrSequenceConflict)
}

func TestClassifyTxErrorPassesOtherErrorsThrough(t *testing.T) {
	require.NoError(t, classifyTxError(nil))

	unique := &pgconn.PgError{Code: "23505"}
	require.NotErrorIs(t, classifyTxError(unique), ErrSequenceConflict)

	plain := errors.New("connection reset")
	require.Same(t, plain, classifyTxError(plain))

	require.ErrorIs(t, classifyTxError(ErrInsufficientStock), ErrInsufficientStock)
}
