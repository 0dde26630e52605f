package display

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"compact", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestTableRender(t *testing.T) {
	table := NewTable("Name", "Size")
	table.SetMaxWidth(0)
	table.SetAlignment(1, AlignRight)
	table.AddRow("backup_tenant7_20260314_093000.zip", "1.5 KB")
	table.AddRow("short.zip", "12 B")

	want := strings.Join([]string{
		"+------------------------------------+--------+",
		"| Name                               | Size   |",
		"+------------------------------------+--------+",
		"| backup_tenant7_20260314_093000.zip | 1.5 KB |",
		"| short.zip                          |   12 B |",
		"+------------------------------------+--------+",
		"",
	}, "\n")
	assert.Equal(t, want, table.Render())
	assert.Equal(t, 2, table.Len())
}

func TestTableTruncatesToMaxWidth(t *testing.T) {
	table := NewTable("Name")
	table.SetMaxWidth(16)
	table.AddRow("a-very-long-archive-name.zip")

	for _, line := range strings.Split(strings.TrimSpace(table.Render()), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 16, line)
	}
	assert.Contains(t, table.Render(), "...")
}

func TestTableWithoutBorder(t *testing.T) {
	table := NewTable("A", "B")
	table.SetMaxWidth(0)
	table.SetBorder(NoBorderStyle)
	table.AddRow("1", "2")
	assert.Equal(t, " A  B\n 1  2\n", table.Render())
}

func TestPrinterRoutesStatusLines(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, FormatTable, false)
	p.Success("created %s", "a.zip")
	p.Error("boom")
	assert.Equal(t, "✓ created a.zip\n", out.String())
	assert.Equal(t, "✗ boom\n", errOut.String())

	out.Reset()
	errOut.Reset()
	p = NewPrinter(&out, &errOut, FormatJSON, true)
	p.Info("listing")
	p.Header("ignored")
	p.KeyValues([][2]string{{"a", "b"}})
	require.NoError(t, p.Document(map[string]int{"count": 2}))
	assert.Equal(t, "i listing\n", errOut.String())
	assert.JSONEq(t, `{"count":2}`, out.String())
}

func TestPrinterYAMLDocument(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &out, FormatYAML, false)
	require.NoError(t, p.Document(struct {
		FileName string `json:"file_name"`
		Size     int64  `json:"size_bytes"`
	}{"a.zip", 10}))
	assert.Equal(t, "file_name: a.zip\nsize_bytes: 10\n", out.String())
}

func TestKeyValues(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &out, FormatTable, false)
	p.KeyValues([][2]string{{"Archive", "a.zip"}, {"Size", "1 KB"}})
	assert.Equal(t, "  Archive:  a.zip\n  Size:     1 KB\n", out.String())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
}

func TestDetectColorSupportNonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, DetectColorSupport(f))
}

func TestTableHeaderIgnoresColumnAlignment(t *testing.T) {
	table := NewTable("Rows")
	table.SetBorder(NoBorderStyle)
	table.SetMaxWidth(0)
	table.SetAlignment(0, AlignRight)
	table.AddRow("123456")

	lines := strings.Split(table.Render(), "\n")
	assert.Equal(t, " Rows", lines[0])
	assert.Equal(t, " 123456", lines[1])
}
