package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/model"
	"github.com/cvmdata/insider-pipeline/internal/normalize"
)

// InsiderRepo handles insider persistence. Lookups use the normalized name
// key, so formatting differences between filings collapse onto one row.
type InsiderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewInsiderRepo creates an insider repository.
func NewInsiderRepo(pool *pgxpool.Pool, logger *zap.Logger) *InsiderRepo {
	return &InsiderRepo{pool: pool, logger: logger}
}

// FindByIssuerAndName returns the insider for the issuer and name, or nil
// when no row exists.
func (r *InsiderRepo) FindByIssuerAndName(ctx context.Context, issuerCNPJ, name string) (*model.Insider, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "issuer_cnpj", "name", "document", "classification")
	sb.From("insiders")
	sb.Where(
		sb.Equal("issuer_cnpj", issuerCNPJ),
		sb.Equal("name_key", normalize.NameKey(name)),
	)

	query, args := sb.Build()
	var ins model.Insider
	err := r.pool.QueryRow(ctx, query, args...).Scan(&ins.ID, &ins.IssuerCNPJ, &ins.Name, &ins.Document, &ins.Classification)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find insider: %w", err)
	}
	return &ins, nil
}

// Create inserts the insider, or reuses the existing row when another run
// created it concurrently. A document seen for the first time is backfilled
// onto the existing row; a document already on file is never overwritten.
func (r *InsiderRepo) Create(ctx context.Context, ins *model.Insider) (*model.Insider, error) {
	const query = `
		INSERT INTO insiders (issuer_cnpj, name, name_key, document, classification)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (issuer_cnpj, name_key)
		DO UPDATE SET document = COALESCE(insiders.document, EXCLUDED.document)
		RETURNING id`

	created := *ins
	err := r.pool.QueryRow(ctx, query,
		ins.IssuerCNPJ, ins.Name, normalize.NameKey(ins.Name), ins.Document, ins.Classification,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("create insider: %w", err)
	}

	r.logger.Debug("resolved insider",
		zap.Int64("id", created.ID),
		zap.String("issuer_cnpj", created.IssuerCNPJ),
		zap.String("name", created.Name))
	return &created, nil
}
