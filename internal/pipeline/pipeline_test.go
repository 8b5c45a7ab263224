package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cvmdata/insider-pipeline/internal/extract"
	"github.com/cvmdata/insider-pipeline/internal/fetch"
	"github.com/cvmdata/insider-pipeline/internal/model"
)

type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF"), nil
}

type fakeExtractor struct {
	doc *extract.Document
	err error
}

func (f *fakeExtractor) ExtractDocument(data []byte) (*extract.Document, error) {
	return f.doc, f.err
}

type fakeFilingStore struct {
	unprocessed []model.Filing
	processed   map[int64]bool
	markErr     error
}

func newFakeFilingStore(filings ...model.Filing) *fakeFilingStore {
	return &fakeFilingStore{unprocessed: filings, processed: make(map[int64]bool)}
}

func (s *fakeFilingStore) ListUnprocessed(ctx context.Context, limit int) ([]model.Filing, error) {
	var out []model.Filing
	for _, f := range s.unprocessed {
		if !s.processed[f.ID] {
			out = append(out, f)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeFilingStore) MarkProcessed(ctx context.Context, filingID int64) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.processed[filingID] = true
	return nil
}

type fakeTxStore struct {
	filings  *fakeFilingStore
	byFiling map[int64][]model.Transaction
	replaced map[int64]int
	err      error
}

func newFakeTxStore(filings *fakeFilingStore) *fakeTxStore {
	return &fakeTxStore{
		filings:  filings,
		byFiling: make(map[int64][]model.Transaction),
		replaced: make(map[int64]int),
	}
}

func (s *fakeTxStore) PersistFiling(ctx context.Context, filingID int64, txs []model.Transaction, replace bool) error {
	if s.err != nil {
		return s.err // nothing written, filing stays unprocessed
	}
	if replace {
		s.replaced[filingID]++
		s.byFiling[filingID] = nil
	}
	s.byFiling[filingID] = append(s.byFiling[filingID], txs...)
	s.filings.processed[filingID] = true
	return nil
}

type fakeResolver struct {
	nextID int64
	byName map[string]*model.Insider
	err    error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{nextID: 1, byName: make(map[string]*model.Insider)}
}

func (r *fakeResolver) Resolve(ctx context.Context, issuerCNPJ string, party model.PartyBlock) (*model.Insider, error) {
	if r.err != nil {
		return nil, r.err
	}
	key := issuerCNPJ + "|" + party.Name
	if ins, ok := r.byName[key]; ok {
		return ins, nil
	}
	ins := &model.Insider{ID: r.nextID, IssuerCNPJ: issuerCNPJ, Name: party.Name}
	r.nextID++
	r.byName[key] = ins
	return ins, nil
}

func testFiling(id int64) model.Filing {
	return model.Filing{
		ID:            id,
		Protocol:      "P-0001",
		IssuerCNPJ:    "11222333000144",
		ReferenceDate: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		DocumentURL:   "http://example.com/doc.pdf",
	}
}

func testDoc() *extract.Document {
	return &extract.Document{
		PageCount: 1,
		Party:     &model.PartyBlock{Name: "Fulano de Tal", Document: "123.456.789-00"},
		Tables: []model.RawTable{{
			Page: 1, Month: 3, Year: 2024,
			Rows: [][]string{
				{"Dia", "Operação", "Valor Mobiliário", "Quantidade", "Preço", "Volume"},
				{"15", "Compra", "Ações ON", "1.000", "10,50", "10.500,00"},
				{"20", "Venda", "Ações ON", "(500)", "11,00", "5.500,00"},
			},
		}},
	}
}

func newPipeline(f Fetcher, e Extractor, fs *fakeFilingStore, ts *fakeTxStore, r InsiderResolver, opts Options) *Pipeline {
	return New(f, e, fs, ts, r, zap.NewNop(), opts)
}

func TestRunPersistsTransactions(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Transactions)
	assert.Zero(t, summary.FieldErrors)

	txs := ts.byFiling[1]
	require.Len(t, txs, 2)
	assert.Equal(t, int64(1000), txs[0].Quantity)
	assert.Equal(t, int64(-500), txs[1].Quantity)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), txs[0].Date)
	assert.Equal(t, int64(1), txs[0].InsiderID)
	assert.True(t, fs.processed[1])
}

func TestRunIsIdempotent(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	fetcher := &fakeFetcher{}
	p := newPipeline(fetcher, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Filings)
	assert.Equal(t, 1, fetcher.calls)
	assert.Len(t, ts.byFiling[1], 2)
}

func TestRunNotFoundIsTerminal(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	fetcher := &fakeFetcher{err: &fetch.StatusError{URL: "http://example.com/doc.pdf", StatusCode: 404}}
	p := newPipeline(fetcher, &fakeExtractor{}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Terminal)
	assert.True(t, fs.processed[1])
	assert.Empty(t, ts.byFiling[1])

	// no retry on the next run
	summary, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Filings)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRunTransportErrorRetries(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{err: errors.New("connection refused")}, &fakeExtractor{}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transient)
	assert.False(t, fs.processed[1])

	// still selected next run
	summary, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Filings)
}

func TestRunUnreadableDocumentIsTerminal(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{err: errors.New("invalid PDF")}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Terminal)
	assert.True(t, fs.processed[1])
	assert.Empty(t, ts.byFiling[1])
}

func TestRunNoOperationsIsTerminal(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	doc := &extract.Document{PageCount: 1, NoOperations: true}
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: doc}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Terminal)
	assert.True(t, fs.processed[1])
	assert.Empty(t, ts.byFiling[1])
}

func TestRunKeepsTablesFromMixedDocument(t *testing.T) {
	// One monthly section declared "no operations", another reported real
	// transactions; the empty month must not suppress the rest.
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	doc := testDoc()
	doc.NoOperations = true
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: doc}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Transactions)
	assert.Len(t, ts.byFiling[1], 2)
	assert.True(t, fs.processed[1])
}

func TestRunMissingPartyIsTerminal(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	doc := testDoc()
	doc.Party = nil
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: doc}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Terminal)
	assert.Empty(t, ts.byFiling[1])
}

func TestRunPersistFailureLeavesUnprocessed(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	ts.err = errors.New("deadlock detected")
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transient)
	assert.False(t, fs.processed[1])
	assert.Empty(t, ts.byFiling[1])
}

func TestRunResolveFailureLeavesUnprocessed(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	resolver := newFakeResolver()
	resolver.err = errors.New("db down")
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: testDoc()}, fs, ts, resolver, Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transient)
	assert.False(t, fs.processed[1])
}

func TestRunCollectsFieldErrors(t *testing.T) {
	doc := testDoc()
	doc.Tables[0].Rows = append(doc.Tables[0].Rows,
		[]string{"", "Compra", "Ações ON", "100", "10,00", "1.000,00"}, // missing day
		[]string{"31", "Compra", "Ações ON", "0", "10,00", "0,00"},    // zero quantity
	)

	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: doc}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Transactions)
	assert.Equal(t, 2, summary.FieldErrors)
	assert.Len(t, ts.byFiling[1], 2)
}

func TestRunTableWithoutMonthIsFieldError(t *testing.T) {
	doc := testDoc()
	doc.Tables[0].Month = 0

	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: doc}, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Transactions)
	assert.Equal(t, 1, summary.FieldErrors)
}

func TestRunReprocessReplaces(t *testing.T) {
	fs := newFakeFilingStore(testFiling(1))
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{Reprocess: true})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	fs.processed[1] = false // force reselection, as a forced run would
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, ts.byFiling[1], 2) // replaced, not doubled
	assert.Equal(t, 2, ts.replaced[1])
}

func TestRunStopsBetweenFilingsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fs := newFakeFilingStore(testFiling(1), testFiling(2))
	ts := newFakeTxStore(fs)
	fetcher := &fakeFetcher{}
	p := newPipeline(fetcher, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{})

	_, err := p.Run(ctx)
	assert.Error(t, err)
	assert.Zero(t, fetcher.calls)
}

func TestRunOneFilingFailureDoesNotAbortBatch(t *testing.T) {
	second := testFiling(2)
	second.Protocol = "P-0002"

	fs := newFakeFilingStore(testFiling(1), second)
	ts := newFakeTxStore(fs)

	extractor := &flakyExtractor{failID: 0, doc: testDoc()}
	p := newPipeline(&fakeFetcher{}, extractor, fs, ts, newFakeResolver(), Options{})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Filings)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Terminal)
}

// flakyExtractor fails the first call and succeeds afterwards.
type flakyExtractor struct {
	failID int
	doc    *extract.Document
}

func (f *flakyExtractor) ExtractDocument(data []byte) (*extract.Document, error) {
	f.failID++
	if f.failID == 1 {
		return nil, errors.New("invalid PDF")
	}
	return f.doc, nil
}

func TestRunLimit(t *testing.T) {
	second := testFiling(2)
	fs := newFakeFilingStore(testFiling(1), second)
	ts := newFakeTxStore(fs)
	p := newPipeline(&fakeFetcher{}, &fakeExtractor{doc: testDoc()}, fs, ts, newFakeResolver(), Options{Limit: 1})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Filings)
}
