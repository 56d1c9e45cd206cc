package models

import (
	"fmt"
	"math"
	"sort"
)

// FeatureTable holds one row per calendar year and named numeric columns.
// Missing values are NaN. Tables are immutable once built; WithColumn returns a new table.
type FeatureTable struct {
	years   []int
	yearIdx map[int]int
	columns []string
	values  map[string][]float64
}

// FeatureValue is one cell of a feature table in long format, as stored in Postgres.
type FeatureValue struct {
	Year    int      `json:"year" db:"year"`
	Feature string   `json:"feature" db:"feature"`
	Value   *float64 `json:"value" db:"value"`
}

// NewFeatureTable creates a table keyed by the distinct, sorted years given.
func NewFeatureTable(years []int) *FeatureTable {
	uniq := make(map[int]struct{}, len(years))
	sorted := make([]int, 0, len(years))
	for _, y := range years {
		if _, ok := uniq[y]; ok {
			continue
		}
		uniq[y] = struct{}{}
		sorted = append(sorted, y)
	}
	sort.Ints(sorted)

	idx := make(map[int]int, len(sorted))
	for i, y := range sorted {
		idx[y] = i
	}
	return &FeatureTable{
		years:   sorted,
		yearIdx: idx,
		values:  make(map[string][]float64),
	}
}

// Len returns the number of years.
func (t *FeatureTable) Len() int { return len(t.years) }

// Years returns a copy of the year keys, ascending.
func (t *FeatureTable) Years() []int { return append([]int(nil), t.years...) }

// Columns returns the column names in insertion order.
func (t *FeatureTable) Columns() []string { return append([]string(nil), t.columns...) }

// HasYear reports whether year is a row key.
func (t *FeatureTable) HasYear(year int) bool {
	_, ok := t.yearIdx[year]
	return ok
}

// HasColumn reports whether the table carries name.
func (t *FeatureTable) HasColumn(name string) bool {
	_, ok := t.values[name]
	return ok
}

// Column returns a copy of the values of name, aligned with Years.
func (t *FeatureTable) Column(name string) ([]float64, error) {
	v, ok := t.values[name]
	if !ok {
		return nil, &MissingColumnError{Stage: "feature_table", Column: name}
	}
	return append([]float64(nil), v...), nil
}

// Value returns the cell at (year, column). ok is false if either key is unknown.
func (t *FeatureTable) Value(year int, column string) (float64, bool) {
	i, ok := t.yearIdx[year]
	if !ok {
		return math.NaN(), false
	}
	v, ok := t.values[column]
	if !ok {
		return math.NaN(), false
	}
	return v[i], true
}

// WithColumn returns a new table with name added or replaced. values must align with Years.
func (t *FeatureTable) WithColumn(name string, values []float64) (*FeatureTable, error) {
	if len(values) != len(t.years) {
		return nil, fmt.Errorf("column %q has %d values for %d years", name, len(values), len(t.years))
	}
	out := &FeatureTable{
		years:   t.years,
		yearIdx: t.yearIdx,
		columns: append([]string(nil), t.columns...),
		values:  make(map[string][]float64, len(t.values)+1),
	}
	for k, v := range t.values {
		out.values[k] = v
	}
	if _, exists := out.values[name]; !exists {
		out.columns = append(out.columns, name)
	}
	out.values[name] = append([]float64(nil), values...)
	return out, nil
}

// Row returns the values of year for the requested columns.
func (t *FeatureTable) Row(year int, columns []string) ([]float64, error) {
	i, ok := t.yearIdx[year]
	if !ok {
		return nil, &NotFoundError{Resource: "feature year", ID: fmt.Sprint(year)}
	}
	row := make([]float64, len(columns))
	for j, c := range columns {
		v, ok := t.values[c]
		if !ok {
			return nil, &MissingColumnError{Stage: "feature_table", Column: c}
		}
		row[j] = v[i]
	}
	return row, nil
}

// Matrix returns rows for the given years and columns, in the given order.
func (t *FeatureTable) Matrix(years []int, columns []string) ([][]float64, error) {
	out := make([][]float64, len(years))
	for i, y := range years {
		row, err := t.Row(y, columns)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// MissingByColumn counts NaN cells per column.
func (t *FeatureTable) MissingByColumn() map[string]int {
	out := make(map[string]int, len(t.columns))
	for _, c := range t.columns {
		n := 0
		for _, v := range t.values[c] {
			if math.IsNaN(v) {
				n++
			}
		}
		out[c] = n
	}
	return out
}

// MissingCount counts NaN cells across the table.
func (t *FeatureTable) MissingCount() int {
	n := 0
	for _, c := range t.MissingByColumn() {
		n += c
	}
	return n
}

// Long flattens the table into one FeatureValue per cell; NaN becomes NULL.
func (t *FeatureTable) Long() []FeatureValue {
	out := make([]FeatureValue, 0, len(t.years)*len(t.columns))
	for i, y := range t.years {
		for _, c := range t.columns {
			fv := FeatureValue{Year: y, Feature: c}
			if v := t.values[c][i]; !math.IsNaN(v) {
				val := v
				fv.Value = &val
			}
			out = append(out, fv)
		}
	}
	return out
}

// FeatureTableFromLong rebuilds a table from long-format cells.
// Columns are ordered by first appearance; absent cells are NaN.
func FeatureTableFromLong(cells []FeatureValue) *FeatureTable {
	years := make([]int, 0)
	var columns []string
	seenCol := make(map[string]struct{})
	for _, c := range cells {
		years = append(years, c.Year)
		if _, ok := seenCol[c.Feature]; !ok {
			seenCol[c.Feature] = struct{}{}
			columns = append(columns, c.Feature)
		}
	}

	t := NewFeatureTable(years)
	t.columns = columns
	for _, name := range columns {
		col := make([]float64, len(t.years))
		for i := range col {
			col[i] = math.NaN()
		}
		t.values[name] = col
	}
	for _, c := range cells {
		if c.Value != nil {
			t.values[c.Feature][t.yearIdx[c.Year]] = *c.Value
		}
	}
	return t
}
