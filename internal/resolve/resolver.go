// Package resolve maps a disclosing party to a stable insider identity.
// Identity is (issuer, normalized name); the document number and the
// classification are descriptive and never participate in matching.
package resolve

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/model"
	"github.com/cvmdata/insider-pipeline/internal/normalize"
)

// DefaultClassification is used when the filing does not state a
// disclosure group for the party.
const DefaultClassification = "Individual"

// Store is the insider persistence the resolver needs.
type Store interface {
	FindByIssuerAndName(ctx context.Context, issuerCNPJ, name string) (*model.Insider, error)
	Create(ctx context.Context, ins *model.Insider) (*model.Insider, error)
}

// Resolver resolves parties to insider rows, memoizing within a run so every
// filing of the same party gets the identical identity without a round trip.
type Resolver struct {
	store  Store
	logger *zap.Logger
	memo   map[string]*model.Insider
}

// NewResolver creates a resolver. The memo is scoped to the resolver's
// lifetime; build one per pipeline run.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
		memo:   make(map[string]*model.Insider),
	}
}

// Resolve returns the insider for the party under the given issuer, creating
// it on first sight. Creation is an idempotent upsert, so concurrent runs
// converge on one row per (issuer, normalized name).
func (r *Resolver) Resolve(ctx context.Context, issuerCNPJ string, party model.PartyBlock) (*model.Insider, error) {
	if party.Name == "" {
		return nil, fmt.Errorf("resolve insider: empty party name")
	}

	key := issuerCNPJ + "\x00" + normalize.NameKey(party.Name)
	if ins, ok := r.memo[key]; ok {
		return ins, nil
	}

	ins, err := r.store.FindByIssuerAndName(ctx, issuerCNPJ, party.Name)
	if err != nil {
		return nil, err
	}
	if ins == nil {
		candidate := &model.Insider{
			IssuerCNPJ:     issuerCNPJ,
			Name:           normalize.CleanText(party.Name),
			Classification: DefaultClassification,
		}
		if doc := normalize.CleanText(party.Document); doc != "" && doc != "-" {
			candidate.Document = &doc
		}

		ins, err = r.store.Create(ctx, candidate)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("created insider",
			zap.String("issuer_cnpj", issuerCNPJ),
			zap.String("name", ins.Name))
	}

	r.memo[key] = ins
	return ins, nil
}
