package store

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/model"
)

// TransactionRepo handles transaction persistence.
type TransactionRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTransactionRepo creates a transaction repository.
func NewTransactionRepo(pool *pgxpool.Pool, logger *zap.Logger) *TransactionRepo {
	return &TransactionRepo{pool: pool, logger: logger}
}

// PersistFiling writes the filing's extracted transactions and marks the
// filing processed, all inside one database transaction. When replace is
// set, rows from an earlier run of the same filing are removed first, so a
// reprocessed filing never double-counts. The sequence column preserves
// document order.
func (r *TransactionRepo) PersistFiling(ctx context.Context, filingID int64, txs []model.Transaction, replace bool) error {
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if replace {
		db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		db.DeleteFrom("transactions")
		db.Where(db.Equal("filing_id", filingID))

		query, args := db.Build()
		if _, err := dbtx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("clear filing %d transactions: %w", filingID, err)
		}
	}

	if len(txs) > 0 {
		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("transactions")
		sb.Cols("filing_id", "insider_id", "seq", "trade_date", "operation", "asset", "quantity", "price", "volume", "intermediary")
		for seq, tx := range txs {
			sb.Values(filingID, tx.InsiderID, seq, tx.Date, tx.Operation, tx.Asset, tx.Quantity, tx.Price, tx.Volume, tx.Intermediary)
		}

		query, args := sb.Build()
		if _, err := dbtx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert filing %d transactions: %w", filingID, err)
		}
	}

	if err := markProcessed(ctx, dbtx, filingID); err != nil {
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit filing %d: %w", filingID, err)
	}

	r.logger.Info("persisted filing",
		zap.Int64("filing_id", filingID),
		zap.Int("transactions", len(txs)))
	return nil
}

// ListByFiling returns the filing's transactions in document order.
func (r *TransactionRepo) ListByFiling(ctx context.Context, filingID int64) ([]model.Transaction, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "filing_id", "insider_id", "trade_date", "operation", "asset", "quantity", "price", "volume", "intermediary")
	sb.From("transactions")
	sb.Where(sb.Equal("filing_id", filingID))
	sb.OrderBy("seq")

	query, args := sb.Build()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list filing %d transactions: %w", filingID, err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		if err := rows.Scan(&tx.ID, &tx.FilingID, &tx.InsiderID, &tx.Date, &tx.Operation, &tx.Asset, &tx.Quantity, &tx.Price, &tx.Volume, &tx.Intermediary); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list filing %d transactions: %w", filingID, err)
	}
	return txs, nil
}
