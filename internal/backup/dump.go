package backup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const dumpDataPrefix = "-- DATA:"

// DumpWriter writes the tagged dump format: a comment header followed by one
// "-- DATA:<Table>:<json-array>" line per table.
type DumpWriter struct {
	w   *bufio.Writer
	err error
}

// NewDumpWriter writes the header block
func NewDumpWriter(w io.Writer, tenantID int64, engine string, at time.Time) *DumpWriter {
	d := &DumpWriter{w: bufio.NewWriter(w)}
	d.printf("-- tenant-backup data dump\n")
	d.printf("-- Tenant: %d\n", tenantID)
	d.printf("-- Engine: %s\n", engine)
	d.printf("-- Generated: %s\n", at.UTC().Format(time.RFC3339))
	d.printf("-- Format: one %q line per table\n", dumpDataPrefix+"<Table>:<json-array>")
	d.printf("\n")
	return d
}

func (d *DumpWriter) printf(format string, args ...interface{}) {
	if d.err != nil {
		return
	}
	_, d.err = fmt.Fprintf(d.w, format, args...)
}

// WriteTable appends one table line. rows must be a JSON array.
func (d *DumpWriter) WriteTable(table string, rows json.RawMessage) error {
	if d.err != nil {
		return d.err
	}
	if strings.ContainsAny(table, ":\n") {
		return NewValidationError(fmt.Sprintf("invalid dump table name %q", table), nil)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, rows); err != nil {
		return NewInvalidFormatError(fmt.Sprintf("rows for %s are not valid JSON", table), err)
	}
	if compact.Len() == 0 || compact.Bytes()[0] != '[' {
		return NewInvalidFormatError(fmt.Sprintf("rows for %s are not a JSON array", table), nil)
	}
	d.printf("%s%s:%s\n", dumpDataPrefix, table, compact.Bytes())
	return d.err
}

// Close flushes buffered output
func (d *DumpWriter) Close() error {
	if d.err != nil {
		return d.err
	}
	return d.w.Flush()
}

// Dump is a parsed tagged dump
type Dump struct {
	Tables map[string]json.RawMessage
	Order  []string
}

// ParseDump reads a tagged dump. Table order is not significant; comments,
// blank lines and any other statements are ignored. A table appearing twice
// has its rows concatenated.
func ParseDump(r io.Reader) (*Dump, error) {
	dump := &Dump{Tables: make(map[string]json.RawMessage)}
	br := bufio.NewReader(r)
	lineNo := 0

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, NewStorageError("failed to read dump", readErr)
		}
		lineNo++
		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, dumpDataPrefix) {
			rest := line[len(dumpDataPrefix):]
			sep := strings.IndexByte(rest, ':')
			if sep <= 0 {
				return nil, NewInvalidFormatError(fmt.Sprintf("dump line %d has no table name", lineNo), nil)
			}
			table, payload := rest[:sep], []byte(rest[sep+1:])

			var rows []json.RawMessage
			if err := json.Unmarshal(payload, &rows); err != nil {
				return nil, NewInvalidFormatError(fmt.Sprintf("dump line %d for %s is not a JSON array", lineNo, table), err)
			}
			if prev, ok := dump.Tables[table]; ok {
				var prevRows []json.RawMessage
				if err := json.Unmarshal(prev, &prevRows); err == nil {
					rows = append(prevRows, rows...)
				}
			} else {
				dump.Order = append(dump.Order, table)
			}
			merged, err := json.Marshal(rows)
			if err != nil {
				return nil, NewInvalidFormatError(fmt.Sprintf("dump line %d for %s", lineNo, table), err)
			}
			dump.Tables[table] = merged
		}

		if readErr == io.EOF {
			break
		}
	}
	return dump, nil
}

// Split separates tables known to registry from unknown ones.
func (d *Dump) Split(registry *Registry) (known map[string]json.RawMessage, unknown []string) {
	known = make(map[string]json.RawMessage)
	for _, table := range d.Order {
		if _, ok := registry.Lookup(table); ok {
			known[table] = d.Tables[table]
			continue
		}
		unknown = append(unknown, table)
	}
	return known, unknown
}
