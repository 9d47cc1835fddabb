// Package table decodes row-oriented query results into a lightweight
// in-memory table. Column names are normalized to uppercase, matching the
// canonical casing used across the Quantarc API.
package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Table is a decoded result set.
type Table struct {
	Columns []string
	Records []map[string]any
}

// FromRecords builds a Table from row-oriented records. Column names are
// uppercased and sorted so the column order is stable across responses.
func FromRecords(records []map[string]any) *Table {
	seen := make(map[string]struct{})
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(rec))
		for k, v := range rec {
			key := strings.ToUpper(k)
			row[key] = v
			seen[key] = struct{}{}
		}
		rows = append(rows, row)
	}

	columns := make([]string, 0, len(seen))
	for c := range seen {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	return &Table{Columns: columns, Records: rows}
}

// FromJSON decodes a JSON array of records.
func FromJSON(data []byte) (*Table, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode json rows: %w", err)
	}
	return FromRecords(records), nil
}

// FromCSV decodes CSV bytes with a header row. Header names are uppercased;
// cell values stay strings.
func FromCSV(data []byte) (*Table, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	if len(rows) == 0 {
		return &Table{}, nil
	}

	columns := make([]string, len(rows[0]))
	for i, c := range rows[0] {
		columns[i] = strings.ToUpper(c)
	}

	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}

	return &Table{Columns: columns, Records: records}, nil
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.Records) }

// WriteCSV writes the table with a header row. Missing cells are left empty.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(t.Columns))
	for _, rec := range t.Records {
		for i, col := range t.Columns {
			if v, ok := rec[col]; ok {
				row[i] = fmt.Sprint(v)
			} else {
				row[i] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
