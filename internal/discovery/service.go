// Package discovery ingests the regulator's yearly structured-filing index
// and records the disclosure documents the pipeline should process. Each
// year is published as a zip of semicolon-separated, latin-1 CSV files.
package discovery

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/cvmdata/insider-pipeline/internal/model"
)

// DefaultIndexURL is the yearly index archive location; %d is the year.
const DefaultIndexURL = "https://dados.cvm.gov.br/dados/CIA_ABERTA/DOC/IPE/DADOS/ipe_cia_aberta_%d.zip"

// Index column names after lowercasing.
const (
	colCNPJ     = "cnpj_companhia"
	colRefDate  = "data_referencia"
	colProtocol = "protocolo_entrega"
	colLink     = "link_download"
	colCategory = "categoria"
)

// Downloader fetches a URL's body.
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// FilingWriter records discovered filings, skipping known protocols.
type FilingWriter interface {
	CreateBatch(ctx context.Context, filings []model.Filing) (int64, error)
}

// Service downloads yearly index archives and stores matching filings.
type Service struct {
	downloader Downloader
	filings    FilingWriter
	logger     *zap.Logger
	indexURL   string
	category   string
}

// NewService creates a discovery service. category filters index rows by
// their disclosure category; empty keeps every row. indexURL overrides the
// archive location for tests; empty uses DefaultIndexURL.
func NewService(downloader Downloader, filings FilingWriter, logger *zap.Logger, category, indexURL string) *Service {
	if indexURL == "" {
		indexURL = DefaultIndexURL
	}
	return &Service{
		downloader: downloader,
		filings:    filings,
		logger:     logger,
		indexURL:   indexURL,
		category:   strings.ToLower(category),
	}
}

// Run ingests the index for each year in [startYear, endYear]. A failing
// year is logged and skipped; it never aborts the remaining years.
func (s *Service) Run(ctx context.Context, startYear, endYear int) error {
	if startYear > endYear {
		return fmt.Errorf("invalid year window %d..%d", startYear, endYear)
	}

	for year := startYear; year <= endYear; year++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runYear(ctx, year); err != nil {
			s.logger.Warn("index year failed", zap.Int("year", year), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) runYear(ctx context.Context, year int) error {
	url := fmt.Sprintf(s.indexURL, year)
	data, err := s.downloader.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("download index: %w", err)
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open index archive: %w", err)
	}

	var total int64
	for _, member := range archive.File {
		if !strings.HasSuffix(strings.ToLower(member.Name), ".csv") {
			continue
		}

		filings, err := s.parseMember(member)
		if err != nil {
			s.logger.Warn("index member failed",
				zap.Int("year", year),
				zap.String("member", member.Name),
				zap.Error(err))
			continue
		}

		inserted, err := s.filings.CreateBatch(ctx, filings)
		if err != nil {
			return fmt.Errorf("store filings from %s: %w", member.Name, err)
		}
		total += inserted
	}

	s.logger.Info("index year ingested", zap.Int("year", year), zap.Int64("new_filings", total))
	return nil
}

func (s *Service) parseMember(member *zip.File) ([]model.Filing, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()

	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(rc))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: no header row")
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{colCNPJ, colRefDate, colProtocol, colLink} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var filings []model.Filing
	seen := make(map[string]bool)
	rowNum := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			s.logger.Debug("index row skipped", zap.Int("row", rowNum), zap.Error(err))
			continue
		}

		filing, reason := s.rowToFiling(row, index)
		if filing == nil {
			if reason != "" {
				s.logger.Debug("index row skipped", zap.Int("row", rowNum), zap.String("reason", reason))
			}
			continue
		}
		if seen[filing.Protocol] {
			continue
		}
		seen[filing.Protocol] = true
		filings = append(filings, *filing)
	}
	return filings, nil
}

// rowToFiling maps an index row, returning (nil, "") for rows filtered out
// by category and (nil, reason) for malformed rows.
func (s *Service) rowToFiling(row []string, index map[string]int) (*model.Filing, string) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	if s.category != "" && !strings.Contains(strings.ToLower(field(colCategory)), s.category) {
		return nil, ""
	}

	protocol := field(colProtocol)
	if protocol == "" {
		return nil, "empty protocol"
	}
	cnpj := digitsOnly(field(colCNPJ))
	if cnpj == "" {
		return nil, "empty issuer document"
	}
	refDate, err := time.Parse("2006-01-02", field(colRefDate))
	if err != nil {
		return nil, "bad reference date"
	}
	link := field(colLink)
	if link == "" {
		return nil, "empty download link"
	}

	return &model.Filing{
		Protocol:      protocol,
		IssuerCNPJ:    cnpj,
		ReferenceDate: refDate,
		DocumentURL:   link,
	}, ""
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
