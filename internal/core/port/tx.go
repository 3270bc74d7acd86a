package port

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// TxRunner executes fn inside a single database transaction. The transaction
// commits when fn returns nil and rolls back on any error, so every write fn
// performs through tx-scoped repositories lands or vanishes together.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}
