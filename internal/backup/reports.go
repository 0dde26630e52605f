package backup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"tenant-backup/internal/database"

	"github.com/go-pdf/fpdf"
	"github.com/uptrace/bun"
)

// ReportRenderer produces the read-only documents bundled into an archive.
type ReportRenderer interface {
	MonthlySalesLedger(ctx context.Context, idb bun.IDB, tenantID int64, month time.Time) ([]byte, error)
}

// ReportFileName is the archive path of a monthly ledger
func ReportFileName(month time.Time) string {
	return fmt.Sprintf("%smonthly_sales_ledger_%s.pdf", ReportsDir, month.Format("2006-01"))
}

// reportMonths lists the first day of the last n months, current month first
func reportMonths(now time.Time, n int) []time.Time {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		months = append(months, start.AddDate(0, -i, 0))
	}
	return months
}

// PDFReportRenderer renders ledgers with fpdf
type PDFReportRenderer struct {
	Title string
}

func NewPDFReportRenderer() *PDFReportRenderer {
	return &PDFReportRenderer{Title: "Monthly Sales Ledger"}
}

func (r *PDFReportRenderer) MonthlySalesLedger(ctx context.Context, idb bun.IDB, tenantID int64, month time.Time) ([]byte, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	sales, err := database.SalesInRange(ctx, idb, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales for %s: %w", from.Format("2006-01"), err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("%s %s", r.Title, from.Format("2006-01")), false)
	pdf.SetCreator("tenant-backup", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, fmt.Sprintf("%s - %s", r.Title, from.Format("January 2006")), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, fmt.Sprintf("Tenant %d, generated %s", tenantID, time.Now().UTC().Format(time.RFC3339)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	widths := []float64{35, 40, 30, 30, 30, 25}
	header := []string{"Invoice", "Date", "Customer", "Total", "Paid", "Status"}
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range header {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	var total, paid float64
	for _, s := range sales {
		customer := "-"
		if s.CustomerID != nil {
			customer = fmt.Sprintf("#%d", *s.CustomerID)
		}
		cells := []string{
			s.InvoiceNo,
			s.SaleDate.UTC().Format("2006-01-02 15:04"),
			customer,
			fmt.Sprintf("%.2f", s.Total),
			fmt.Sprintf("%.2f", s.Paid),
			s.Status,
		}
		for i, c := range cells {
			align := "L"
			if i == 3 || i == 4 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, c, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
		total += s.Total
		paid += s.Paid
	}
	if len(sales) == 0 {
		pdf.CellFormat(190, 6, "No sales recorded", "1", 1, "C", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(widths[0]+widths[1]+widths[2], 7, fmt.Sprintf("%d sales", len(sales)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(widths[3], 7, fmt.Sprintf("%.2f", total), "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[4], 7, fmt.Sprintf("%.2f", paid), "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[5], 7, "", "1", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render ledger: %w", err)
	}
	return buf.Bytes(), nil
}
