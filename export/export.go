/*
Package export renders statements as PDF (gofpdf) or XLSX (excelize).

Both formats carry the same content: a summary block with the statement
figures, then one row per ledger entry behind them. Amounts are printed with
two decimals; periods are printed as YYYY-MM.
*/
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/rxbilling/billing"
)

// Format is an export file format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts "pdf" or "xlsx", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPDF, FormatXLSX:
		return f, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/pdf"
}

// Filename returns base with the format's extension.
func (f Format) Filename(base string) string {
	return base + "." + string(f)
}

// Monthly renders a patient statement in format f.
func Monthly(f Format, d billing.MonthlyStatementDetail) ([]byte, error) {
	doc := monthlyDocument(d)
	return render(f, doc)
}

// Financial renders an organization-wide statement in format f.
func Financial(f Format, d billing.FinancialStatementDetail) ([]byte, error) {
	doc := financialDocument(d)
	return render(f, doc)
}

// MonthlyFilename is the download name of a patient statement.
func MonthlyFilename(f Format, st billing.MonthlyStatement) string {
	return f.Filename(fmt.Sprintf("statement-patient-%d-%s", st.PatientID, st.Month()))
}

// FinancialFilename is the download name of a financial statement.
func FinancialFilename(f Format, st billing.FinancialStatement) string {
	return f.Filename(fmt.Sprintf("financial-statement-%s", st.Month()))
}

// =============================================================================
// DOCUMENT - format-neutral content
// =============================================================================

type field struct {
	label string
	value string
}

type document struct {
	title   string
	summary []field
	columns []column
	rows    [][]string
}

type column struct {
	title string
	width float64 // mm, PDF only
	align string  // gofpdf alignment
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func monthlyDocument(d billing.MonthlyStatementDetail) document {
	st := d.Statement
	doc := document{
		title: "Patient Monthly Statement",
		summary: []field{
			{"Patient", fmt.Sprintf("%d", st.PatientID)},
			{"Period", st.Month().String()},
			{"Period Start", day(st.PeriodStart)},
			{"Period End", day(st.PeriodEnd)},
			{"Opening Balance", money(st.OpeningBalance)},
			{"Total Charges", money(st.TotalCharges)},
			{"Total Payments", money(st.TotalPayments)},
			{"Closing Balance", money(st.ClosingBalance)},
		},
		columns: []column{
			{"Date", 28, "C"},
			{"Type", 22, "C"},
			{"Reference", 40, "L"},
			{"Description", 60, "L"},
			{"Amount", 30, "R"},
		},
	}
	if !st.Stored() {
		doc.summary = append(doc.summary, field{"Note", "computed on demand, not yet stored"})
	}

	for _, inv := range d.Charges {
		doc.rows = append(doc.rows, []string{
			day(inv.InvoiceDate), "Charge", fmt.Sprintf("RX-%d", inv.PrescriptionID), inv.Description, money(inv.PatientPortion),
		})
	}
	for _, p := range d.Payments {
		kind := "Payment"
		if p.IsRefund {
			kind = "Refund"
		}
		doc.rows = append(doc.rows, []string{
			day(p.PaymentDate), kind, p.ReferenceNumber, p.Method, money(p.Signed()),
		})
	}
	return doc
}

func financialDocument(d billing.FinancialStatementDetail) document {
	st := d.Statement
	doc := document{
		title: "Monthly Financial Statement",
		summary: []field{
			{"Period", st.Month().String()},
			{"Period Start", day(st.PeriodStart)},
			{"Period End", day(st.PeriodEnd)},
			{"Total Revenue", money(st.TotalRevenue)},
			{"Insurance Payments", money(st.InsurancePayments)},
			{"Patient Payments", money(st.PatientPayments)},
			{"Outstanding Balance", money(st.OutstandingBalance)},
		},
		columns: []column{
			{"Date", 26, "C"},
			{"Invoice", 20, "C"},
			{"Patient", 20, "C"},
			{"Total", 28, "R"},
			{"Insurance", 28, "R"},
			{"Patient Portion", 32, "R"},
			{"Status", 26, "C"},
		},
	}
	for _, inv := range d.Invoices {
		doc.rows = append(doc.rows, []string{
			day(inv.InvoiceDate),
			fmt.Sprintf("%d", inv.ID),
			fmt.Sprintf("%d", inv.PatientID),
			money(inv.TotalAmount),
			money(inv.InsuranceCoveredAmount),
			money(inv.PatientPortion),
			string(inv.Status),
		})
	}
	return doc
}

// =============================================================================
// RENDERERS
// =============================================================================

func render(f Format, doc document) ([]byte, error) {
	switch f {
	case FormatPDF:
		return renderPDF(doc)
	case FormatXLSX:
		return renderXLSX(doc)
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "%q", string(f))
}

func renderPDF(doc document) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "B", 14)
	pdf.AddPage()

	pdf.Cell(0, 8, doc.title)
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, f := range doc.summary {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %s", f.label, f.value))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	for _, c := range doc.columns {
		pdf.CellFormat(c.width, 6, c.title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range doc.rows {
		for i, c := range doc.columns {
			pdf.CellFormat(c.width, 6, row[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "render pdf")
	}
	return buf.Bytes(), nil
}

const (
	summarySheet = "summary"
	linesSheet   = "lines"
)

// setCell writes v at the 1-based (col, row) of sheet.
func setCell(f *excelize.File, sheet string, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return errors.Wrapf(err, "%s cell (%d, %d)", sheet, col, row)
	}
	if err := f.SetCellValue(sheet, cell, v); err != nil {
		return errors.Wrapf(err, "set %s!%s", sheet, cell)
	}
	return nil
}

func renderXLSX(doc document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, errors.Wrap(err, "rename sheet")
	}
	if _, err := f.NewSheet(linesSheet); err != nil {
		return nil, errors.Wrap(err, "add sheet")
	}

	if err := setCell(f, summarySheet, 1, 1, doc.title); err != nil {
		return nil, err
	}
	for i, fld := range doc.summary {
		row := i + 3
		if err := setCell(f, summarySheet, 1, row, fld.label); err != nil {
			return nil, err
		}
		if err := setCell(f, summarySheet, 2, row, fld.value); err != nil {
			return nil, err
		}
	}

	for i, c := range doc.columns {
		if err := setCell(f, linesSheet, i+1, 1, c.title); err != nil {
			return nil, err
		}
	}
	for r, row := range doc.rows {
		for i, v := range row {
			if err := setCell(f, linesSheet, i+1, r+2, v); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "render xlsx")
	}
	return buf.Bytes(), nil
}
