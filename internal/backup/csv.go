package backup

import (
	"encoding/csv"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type csvColumn struct {
	name  string
	index int
}

var (
	baseModelType = reflect.TypeOf(bun.BaseModel{})
	timeType      = reflect.TypeOf(time.Time{})
)

// csvColumns derives the header from bun column tags.
func csvColumns(t reflect.Type) []csvColumn {
	var cols []csvColumn
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type == baseModelType || !f.IsExported() || f.Tag.Get("json") == "-" {
			continue
		}
		name := strings.Split(f.Tag.Get("bun"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		cols = append(cols, csvColumn{name: name, index: i})
	}
	return cols
}

// writeCSV writes a header row and one row per element. Fields containing a
// comma, quote or newline are quoted with internal quotes doubled.
func writeCSV[T any](w io.Writer, rows []T) error {
	cols := csvColumns(reflect.TypeOf((*T)(nil)).Elem())

	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.name
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(cols))
	for i := range rows {
		v := reflect.ValueOf(&rows[i]).Elem()
		for j, c := range cols {
			record[j] = csvValue(v.Field(c.index))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return ""
	}
}
