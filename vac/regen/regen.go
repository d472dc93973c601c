// Package regen rebuilds the per-mode CSV data tables from a running
// machine. Each generator walks the lattice, reads live values or control
// metadata through the ca.Client, and produces a table in the format the
// server loads at startup.
//
// The generators are meant to be pointed at the real facility's control
// system; against the in-process client they snapshot the simulation, which
// is how the offline `virtac generate` path and the tests use them.
package regen

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Table is one CSV data table: a header row and sortable data rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable returns a table with the given header.
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

// Append adds one data row; the cell count must match the header.
func (t *Table) Append(cells ...string) {
	if len(cells) != len(t.Columns) {
		panic(fmt.Sprintf("regen: row has %d cells, table has %d columns", len(cells), len(t.Columns)))
	}
	t.Rows = append(t.Rows, cells)
}

// Sort orders the data rows lexicographically, so regenerated tables diff
// cleanly against their predecessors.
func (t *Table) Sort() {
	sort.Slice(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

// Write sorts the table and writes it to path, creating parent directories
// and overwriting any existing file. A missing .csv extension is added.
func (t *Table) Write(path string) error {
	if !strings.HasSuffix(path, ".csv") {
		path += ".csv"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	t.Sort()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return fmt.Errorf("writing header to %s: %w", path, err)
	}
	for _, row := range t.Rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing row to %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
