package store

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/model"
)

var filingColumns = []string{"id", "protocol", "issuer_cnpj", "reference_date", "document_url", "processed_at"}

// FilingRepo handles filing persistence.
type FilingRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewFilingRepo creates a filing repository.
func NewFilingRepo(pool *pgxpool.Pool, logger *zap.Logger) *FilingRepo {
	return &FilingRepo{pool: pool, logger: logger}
}

// ListUnprocessed returns filings without a terminal outcome, oldest first.
// limit <= 0 means no limit.
func (r *FilingRepo) ListUnprocessed(ctx context.Context, limit int) ([]model.Filing, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(filingColumns...)
	sb.From("filings")
	sb.Where(sb.IsNull("processed_at"))
	sb.OrderBy("id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed filings: %w", err)
	}
	defer rows.Close()

	var filings []model.Filing
	for rows.Next() {
		var f model.Filing
		if err := rows.Scan(&f.ID, &f.Protocol, &f.IssuerCNPJ, &f.ReferenceDate, &f.DocumentURL, &f.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan filing: %w", err)
		}
		filings = append(filings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unprocessed filings: %w", err)
	}
	return filings, nil
}

// CreateBatch inserts newly discovered filings. Filings whose protocol is
// already known are skipped; the return value counts the rows actually
// inserted.
func (r *FilingRepo) CreateBatch(ctx context.Context, filings []model.Filing) (int64, error) {
	if len(filings) == 0 {
		return 0, nil
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("filings")
	sb.Cols("protocol", "issuer_cnpj", "reference_date", "document_url")
	for _, f := range filings {
		sb.Values(f.Protocol, f.IssuerCNPJ, f.ReferenceDate, f.DocumentURL)
	}
	sb.SQL("ON CONFLICT (protocol) DO NOTHING")

	query, args := sb.Build()
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert filings: %w", err)
	}

	r.logger.Info("stored discovered filings",
		zap.Int("candidates", len(filings)),
		zap.Int64("inserted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// MarkProcessed records a terminal outcome for the filing.
func (r *FilingRepo) MarkProcessed(ctx context.Context, filingID int64) error {
	return markProcessed(ctx, r.pool, filingID)
}

// execer covers both the pool and an open transaction, so marking a filing
// processed can ride inside the persistence transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func markProcessed(ctx context.Context, db execer, filingID int64) error {
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("filings")
	sb.Set(sb.Assign("processed_at", time.Now().UTC()))
	sb.Where(sb.Equal("id", filingID))

	query, args := sb.Build()
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark filing %d processed: %w", filingID, err)
	}
	return nil
}
