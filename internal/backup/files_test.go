package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementCustomerID(t *testing.T) {
	tests := []struct {
		name   string
		wantID int64
		wantOK bool
	}{
		{"statement_12.pdf", 12, true},
		{"statement_12_2026-03.pdf", 12, true},
		{"statement_7.PDF", 7, true},
		{"customer_44_march.pdf", 44, true},
		{"customer_44.pdf", 0, false},
		{"customer_x_march.pdf", 0, false},
		{"statement_.pdf", 0, false},
		{"statement_12.txt", 0, false},
		{"invoice_12.pdf", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := statementCustomerID(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestRenameStatement(t *testing.T) {
	assert.Equal(t, "statement_99_2026-03.pdf", renameStatement("statement_12_2026-03.pdf", 12, 99))
	assert.Equal(t, "customer_99_march.pdf", renameStatement("customer_12_march.pdf", 12, 99))
	assert.Equal(t, "other.pdf", renameStatement("other.pdf", 12, 99))
}

func TestInvoiceFileName(t *testing.T) {
	name, ok := invoiceFileName("7-0001")
	assert.True(t, ok)
	assert.Equal(t, "INV-7-0001.pdf", name)

	for _, bad := range []string{"", "../x", `a\b`, "a/b"} {
		_, ok := invoiceFileName(bad)
		assert.False(t, ok, bad)
	}
}
