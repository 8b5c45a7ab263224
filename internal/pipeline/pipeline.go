// Package pipeline drives filings from discovery to persisted transactions.
// Each unprocessed filing is fetched, extracted, reconstructed, normalized
// and stored; outcomes are terminal (processed, retried never) or transient
// (left unprocessed, retried next run).
package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/extract"
	"github.com/cvmdata/insider-pipeline/internal/fetch"
	"github.com/cvmdata/insider-pipeline/internal/model"
	"github.com/cvmdata/insider-pipeline/internal/normalize"
	"github.com/cvmdata/insider-pipeline/internal/reconstruct"
)

// Fetcher downloads a filing document.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Extractor recovers tables and the disclosing party from document bytes.
type Extractor interface {
	ExtractDocument(data []byte) (*extract.Document, error)
}

// FilingStore is the filing persistence the pipeline needs.
type FilingStore interface {
	ListUnprocessed(ctx context.Context, limit int) ([]model.Filing, error)
	MarkProcessed(ctx context.Context, filingID int64) error
}

// TransactionStore persists a filing's transactions and its terminal mark
// atomically.
type TransactionStore interface {
	PersistFiling(ctx context.Context, filingID int64, txs []model.Transaction, replace bool) error
}

// InsiderResolver maps a disclosing party to a stable insider identity.
type InsiderResolver interface {
	Resolve(ctx context.Context, issuerCNPJ string, party model.PartyBlock) (*model.Insider, error)
}

// Options tune a pipeline run.
type Options struct {
	// AnchorColumns are the row-reconstruction anchor offsets; nil uses
	// reconstruct.DefaultAnchorColumns.
	AnchorColumns []int
	// Limit caps the filings taken per run; <= 0 means all.
	Limit int
	// Reprocess replaces a filing's previously stored transactions.
	Reprocess bool
}

// Summary counts a run's outcomes.
type Summary struct {
	Filings      int
	Processed    int
	Terminal     int
	Transient    int
	Transactions int
	FieldErrors  int
}

// Pipeline orchestrates one processing run.
type Pipeline struct {
	fetcher      Fetcher
	extractor    Extractor
	filings      FilingStore
	transactions TransactionStore
	resolver     InsiderResolver
	logger       *zap.Logger
	tracer       trace.Tracer
	opts         Options
}

// New creates a pipeline.
func New(fetcher Fetcher, extractor Extractor, filings FilingStore, transactions TransactionStore, resolver InsiderResolver, logger *zap.Logger, opts Options) *Pipeline {
	if opts.AnchorColumns == nil {
		opts.AnchorColumns = reconstruct.DefaultAnchorColumns
	}
	return &Pipeline{
		fetcher:      fetcher,
		extractor:    extractor,
		filings:      filings,
		transactions: transactions,
		resolver:     resolver,
		logger:       logger,
		tracer:       otel.Tracer("insider-pipeline"),
		opts:         opts,
	}
}

// Run processes every unprocessed filing. One filing's failure never aborts
// the batch; the run stops between filings when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	filings, err := p.filings.ListUnprocessed(ctx, p.opts.Limit)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Filings: len(filings)}
	for _, filing := range filings {
		if err := ctx.Err(); err != nil {
			p.logger.Info("run interrupted", zap.Int("remaining", summary.Filings-summary.Processed-summary.Terminal-summary.Transient))
			return summary, err
		}
		p.processFiling(ctx, filing, &summary)
	}

	p.logger.Info("run complete",
		zap.Int("filings", summary.Filings),
		zap.Int("processed", summary.Processed),
		zap.Int("terminal", summary.Terminal),
		zap.Int("transient", summary.Transient),
		zap.Int("transactions", summary.Transactions),
		zap.Int("field_errors", summary.FieldErrors))
	return summary, nil
}

func (p *Pipeline) processFiling(ctx context.Context, filing model.Filing, summary *Summary) {
	ctx, span := p.tracer.Start(ctx, "pipeline.processFiling",
		trace.WithAttributes(
			attribute.String("filing.protocol", filing.Protocol),
			attribute.String("filing.issuer_cnpj", filing.IssuerCNPJ)))
	defer span.End()

	log := p.logger.With(
		zap.String("protocol", filing.Protocol),
		zap.String("issuer_cnpj", filing.IssuerCNPJ))

	data, err := p.fetcher.Get(ctx, filing.DocumentURL)
	if err != nil {
		span.RecordError(err)
		if fetch.IsTerminal(err) {
			log.Warn("document unavailable, closing filing", zap.Error(err))
			p.finishEmpty(ctx, filing.ID, summary, log)
			return
		}
		span.SetStatus(codes.Error, "transient fetch failure")
		log.Warn("fetch failed, will retry next run", zap.Error(err))
		summary.Transient++
		return
	}

	doc, err := p.extractor.ExtractDocument(data)
	if err != nil {
		span.RecordError(err)
		log.Warn("unreadable document, closing filing", zap.Error(err))
		p.finishEmpty(ctx, filing.ID, summary, log)
		return
	}
	for _, w := range doc.Warnings {
		log.Debug("extraction warning", zap.String("warning", w))
	}

	// The no-operations boilerplate is page-scoped: a mixed filing can
	// declare one month empty and still report transactions for another, so
	// only a document with no tables at all closes empty.
	if len(doc.Tables) == 0 {
		if doc.NoOperations {
			log.Info("no reported operations")
		} else {
			log.Info("no transaction tables found")
		}
		p.finishEmpty(ctx, filing.ID, summary, log)
		return
	}
	if doc.Party == nil {
		log.Warn("no disclosing party block, closing filing")
		p.finishEmpty(ctx, filing.ID, summary, log)
		return
	}

	txs, fieldErrs := p.buildTransactions(doc, filing.ID)
	summary.FieldErrors += len(fieldErrs)
	for _, fe := range fieldErrs {
		log.Debug("row discarded", zap.Int("page", fe.Page), zap.Int("row", fe.Row),
			zap.String("field", fe.Field), zap.String("reason", fe.Reason))
	}

	insider, err := p.resolver.Resolve(ctx, filing.IssuerCNPJ, *doc.Party)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insider resolution failed")
		log.Error("insider resolution failed, will retry next run", zap.Error(err))
		summary.Transient++
		return
	}
	for i := range txs {
		txs[i].InsiderID = insider.ID
	}

	if err := p.transactions.PersistFiling(ctx, filing.ID, txs, p.opts.Reprocess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		log.Error("persist failed, will retry next run", zap.Error(err))
		summary.Transient++
		return
	}

	summary.Processed++
	summary.Transactions += len(txs)
	log.Info("filing processed",
		zap.String("insider", insider.Name),
		zap.Int("transactions", len(txs)),
		zap.Int("discarded_rows", len(fieldErrs)))
}

// finishEmpty marks a filing processed with no transactions. An empty
// outcome is still terminal: the filing is never retried.
func (p *Pipeline) finishEmpty(ctx context.Context, filingID int64, summary *Summary, log *zap.Logger) {
	if err := p.filings.MarkProcessed(ctx, filingID); err != nil {
		log.Error("mark processed failed, will retry next run", zap.Error(err))
		summary.Transient++
		return
	}
	summary.Terminal++
}

// buildTransactions reconstructs and normalizes every table of the
// document. Row-level failures are collected, never aborting sibling rows.
func (p *Pipeline) buildTransactions(doc *extract.Document, filingID int64) ([]model.Transaction, []model.FieldError) {
	var txs []model.Transaction
	var fieldErrs []model.FieldError

	for _, table := range doc.Tables {
		if table.Month == 0 || table.Year == 0 {
			fieldErrs = append(fieldErrs, model.FieldError{
				Page: table.Page, Field: "reference month",
				Reason: fmt.Sprintf("table on page %d has no reference month", table.Page),
			})
			continue
		}

		records := reconstruct.Reconstruct(table, p.opts.AnchorColumns)
		for i, rec := range records {
			tx, fieldErr := normalize.RecordToTransaction(rec, table.Year, table.Month, table.Page, i)
			if fieldErr != nil {
				fieldErrs = append(fieldErrs, *fieldErr)
				continue
			}
			tx.FilingID = filingID
			txs = append(txs, *tx)
		}
	}
	return txs, fieldErrs
}
