// Package export renders scrape results as an Excel workbook.
package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// ContentType is the media type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FileName is the suggested download name.
const FileName = "fabricantes.xlsx"

// Sheet and table names.
const (
	CompaniesSheet = "Empresas"
	MetaSheet      = "Meta"
	TableName      = "EmpresasTable"
	tableStyle     = "TableStyleMedium9"
	maxColumnWidth = 60
)

var companyHeader = []string{"Fabricante", "Actividad", "Enlace Web", "País"}

// SortRows returns a copy ordered by country then manufacturer, both
// case-insensitive. Ties keep their input order.
func SortRows(rows []scrape.Exhibitor) []scrape.Exhibitor {
	out := append([]scrape.Exhibitor(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := strings.ToLower(out[i].Country), strings.ToLower(out[j].Country)
		if ci != cj {
			return ci < cj
		}
		return strings.ToLower(out[i].Manufacturer) < strings.ToLower(out[j].Manufacturer)
	})
	return out
}

// BuildWorkbook renders the companies sheet and a small metadata sheet.
// runID is written to the metadata sheet when non-empty.
func BuildWorkbook(url string, rows []scrape.Exhibitor, meta scrape.Meta, runID string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sorted := SortRows(rows)
	if err := writeCompanies(f, sorted); err != nil {
		return nil, err
	}
	if err := writeMeta(f, url, len(sorted), meta, runID); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCompanies(f *excelize.File, rows []scrape.Exhibitor) error {
	if err := f.SetSheetName("Sheet1", CompaniesSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	widths := make([]int, len(companyHeader))
	record := func(cells []string) {
		for i, c := range cells {
			if n := utf8.RuneCountInString(c); n > widths[i] {
				widths[i] = n
			}
		}
	}

	if err := f.SetSheetRow(CompaniesSheet, "A1", &companyHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record(companyHeader)

	for i, r := range rows {
		cells := []string{r.Manufacturer, r.Activity, r.Website, r.Country}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(CompaniesSheet, cell, &cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
		record(cells)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
			WrapText:   true,
		},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(companyHeader))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(CompaniesSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}

	// A table needs at least one data row.
	if len(rows) > 0 {
		showStripes := true
		if err := f.AddTable(CompaniesSheet, &excelize.Table{
			Range:             fmt.Sprintf("A1:%s%d", lastCol, len(rows)+1),
			Name:              TableName,
			StyleName:         tableStyle,
			ShowRowStripes:    &showStripes,
			ShowFirstColumn:   false,
			ShowLastColumn:    false,
			ShowColumnStripes: false,
		}); err != nil {
			return fmt.Errorf("add table: %w", err)
		}
	}

	if err := f.SetPanes(CompaniesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(CompaniesSheet, col, col, float64(min(w+3, maxColumnWidth))); err != nil {
			return fmt.Errorf("column width %s: %w", col, err)
		}
	}
	return nil
}

func writeMeta(f *excelize.File, url string, total int, meta scrape.Meta, runID string) error {
	if _, err := f.NewSheet(MetaSheet); err != nil {
		return fmt.Errorf("create meta sheet: %w", err)
	}
	lines := [][]string{
		{"Campo", "Valor"},
		{"URL", url},
		{"Total empresas", strconv.Itoa(total)},
		{"Driver", metaString(meta, scrape.MetaDriver)},
		{"Supported", metaString(meta, scrape.MetaSupported)},
	}
	if runID != "" {
		lines = append(lines, []string{"Run ID", runID})
	}
	for i, line := range lines {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(MetaSheet, cell, &line); err != nil {
			return fmt.Errorf("write meta row: %w", err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("meta style: %w", err)
	}
	if err := f.SetCellStyle(MetaSheet, "A1", "B1", bold); err != nil {
		return fmt.Errorf("apply meta style: %w", err)
	}
	return nil
}

// metaString renders a metadata value the way the sheet shows it: booleans
// as True/False, missing keys as empty.
func metaString(meta scrape.Meta, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
