package walletxgo

import (
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/go-pdf/fpdf"
)

// renderStatement lays out the wallet's operation log as a single-table PDF:
// account header, then one row per ledger entry in chronological order.
func renderStatement(w io.Writer, acct *Account, ops []Operation) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Wallet statement")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, "Account: "+acct.Email)
	pdf.Ln(5)
	pdf.Cell(0, 6, "Wallet: "+acct.WalletID.String()+" ("+acct.Currency+")")
	pdf.Ln(5)
	pdf.Cell(0, 6, "Balance: "+acct.Balance.StringFixed(2))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 9)
	widths := []float64{38, 24, 42, 42, 24}
	for i, h := range []string{"Date", "Kind", "From", "To", "Amount"} {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, op := range ops {
		cols := []string{
			op.CreatedAt.Format("2006-01-02 15:04:05"),
			string(op.Kind),
			walletColumn(op.WalletFrom),
			walletColumn(op.WalletTo),
			op.Amount.StringFixed(2),
		}
		for i, c := range cols {
			pdf.CellFormat(widths[i], 6, c, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(ops) == 0 {
		pdf.CellFormat(170, 6, "no operations", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	return pdf.Output(w)
}

func walletColumn(id *snowflake.ID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}
