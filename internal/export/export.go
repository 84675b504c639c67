// Package export renders the import log as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

const (
	entriesSheet = "ImportLog"
	summarySheet = "Summary"
	batchSize    = 500
	detailLimit  = 500
)

var headers = []string{
	"At",
	"Taxpayer",
	"Document Type",
	"Channel",
	"NSU",
	"Access Key",
	"Outcome",
	"Error Kind",
	"Error Detail",
	"Payload Ref",
	"Document ID",
}

type Service struct {
	entries repository.ImportLogRepository
	loc     *time.Location
	log     *zap.Logger
}

func NewService(entries repository.ImportLogRepository, loc *time.Location, log *zap.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{entries: entries, loc: loc, log: log.With(zap.String("component", "export"))}
}

// ImportLogXLSX returns a workbook with every entry matching f, in
// repository order, plus a per-outcome summary sheet. Paging fields of f are
// ignored.
func (s *Service) ImportLogXLSX(ctx context.Context, f repository.ImportLogFilter) ([]byte, error) {
	start := time.Now()
	entries, err := s.collect(ctx, f)
	if err != nil {
		return nil, err
	}

	x := excelize.NewFile()
	defer x.Close()
	if err := x.SetSheetName("Sheet1", entriesSheet); err != nil {
		return nil, err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = x.SetCellValue(entriesSheet, cell, h)
	}
	if style, err := x.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = x.SetRowStyle(entriesSheet, 1, 1, style)
	}
	_ = x.SetPanes(entriesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	counts := map[model.ImportOutcome]int{}
	for i, e := range entries {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = x.SetCellValue(entriesSheet, cell, v)
		}
		write(1, e.At.In(s.loc).Format("2006-01-02 15:04:05"))
		write(2, e.TaxpayerID)
		write(3, string(e.DocumentType))
		write(4, string(e.Channel))
		if e.NSU != nil {
			write(5, strconv.FormatUint(*e.NSU, 10))
		}
		// stored as text so spreadsheets keep all 44 digits
		write(6, e.AccessKey)
		write(7, string(e.Outcome))
		write(8, e.ErrorKind)
		write(9, truncate(e.ErrorDetail, detailLimit))
		write(10, e.PayloadRef)
		write(11, e.DocumentID)
		counts[e.Outcome]++
	}

	_ = x.SetColWidth(entriesSheet, "A", "A", 20)
	_ = x.SetColWidth(entriesSheet, "B", "D", 16)
	_ = x.SetColWidth(entriesSheet, "E", "E", 18)
	_ = x.SetColWidth(entriesSheet, "F", "F", 48)
	_ = x.SetColWidth(entriesSheet, "G", "H", 22)
	_ = x.SetColWidth(entriesSheet, "I", "I", 60)
	_ = x.SetColWidth(entriesSheet, "J", "K", 40)

	if err := writeSummary(x, counts, len(entries)); err != nil {
		return nil, err
	}

	buf, err := x.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.log.Info("import_log_exported",
		zap.Int("rows", len(entries)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return buf.Bytes(), nil
}

func (s *Service) collect(ctx context.Context, f repository.ImportLogFilter) ([]model.ImportLogEntry, error) {
	var out []model.ImportLogEntry
	f.Offset = 0
	f.Limit = batchSize
	for {
		page, err := s.entries.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("query import log: %w", err)
		}
		out = append(out, page.Items...)
		if len(page.Items) < batchSize || len(out) >= page.Total {
			return out, nil
		}
		f.Offset += batchSize
	}
}

func writeSummary(x *excelize.File, counts map[model.ImportOutcome]int, total int) error {
	if _, err := x.NewSheet(summarySheet); err != nil {
		return err
	}
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	_ = x.SetCellValue(summarySheet, "A1", "Outcome")
	_ = x.SetCellValue(summarySheet, "B1", "Entries")
	row := 2
	for _, o := range outcomes {
		_ = x.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), o)
		_ = x.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), counts[model.ImportOutcome(o)])
		row++
	}
	_ = x.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), "total")
	_ = x.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), total)
	_ = x.SetColWidth(summarySheet, "A", "B", 16)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
