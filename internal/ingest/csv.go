// Package ingest reads and writes the pipeline's tabular files and fetches
// daily weather from the Open-Meteo archive.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"robusta-yield/internal/models"
)

const (
	dateLayout = "2006-01-02"

	ColumnYear  = "year"
	ColumnYield = "yield_tons_per_hectare"
)

// columnAliases maps legacy header names to canonical ones.
var columnAliases = map[string]string{
	"soil_0_7":     models.FieldSoilMoisture,
	"yield_ton_ha": ColumnYield,
	"time":         models.FieldDate,
}

func canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := columnAliases[name]; ok {
		return c
	}
	return name
}

// parseCell decodes a numeric cell. Empty, NaN, NA and null cells are missing.
func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "null", "none":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite value %q", s)
	}
	return v, nil
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// header reads the first record and returns canonical column positions.
func header(r *csv.Reader) (map[string]int, error) {
	rec, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &models.ValidationError{Field: "header", Message: "file is empty"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(rec))
	for i, name := range rec {
		c := canonical(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := cols[c]; dup {
			return nil, &models.ValidationError{Field: "header", Value: name, Message: "duplicate column"}
		}
		cols[c] = i
	}
	return cols, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	return cr
}

// ReadDailyCSV decodes a daily weather file into a table sorted by date.
// The header must contain "date". Known weather columns are kept and
// anything else is ignored. Duplicate dates are rejected.
func ReadDailyCSV(r io.Reader) (*models.DailyTable, error) {
	cr := newReader(r)
	cols, err := header(cr)
	if err != nil {
		return nil, err
	}
	dateIdx, ok := cols[models.FieldDate]
	if !ok {
		return nil, &models.MissingColumnError{Stage: "ingest", Column: models.FieldDate}
	}

	var names []string
	var idx []int
	for _, f := range models.DailyFields {
		if i, ok := cols[f]; ok {
			names = append(names, f)
			idx = append(idx, i)
		}
	}

	table := models.NewDailyTable(names...)
	row := make([]float64, len(names))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) <= dateIdx {
			return nil, &models.ValidationError{Field: models.FieldDate, Message: fmt.Sprintf("line %d has no date", line)}
		}
		date, err := parseDate(rec[dateIdx])
		if err != nil {
			return nil, &models.ValidationError{Field: models.FieldDate, Value: rec[dateIdx], Message: fmt.Sprintf("line %d: %v", line, err)}
		}
		for j, i := range idx {
			if i >= len(rec) {
				row[j] = math.NaN()
				continue
			}
			v, err := parseCell(rec[i])
			if err != nil {
				return nil, &models.ValidationError{Field: names[j], Value: rec[i], Message: fmt.Sprintf("line %d: not a number", line)}
			}
			row[j] = v
		}
		table.Append(date, row...)
	}

	table.SortByDate()
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// WriteDailyCSV writes a table with a date column followed by its weather columns.
func WriteDailyCSV(w io.Writer, t *models.DailyTable) error {
	cw := csv.NewWriter(w)
	cols := t.Columns()
	if err := cw.Write(append([]string{models.FieldDate}, cols...)); err != nil {
		return err
	}
	data := make([][]float64, len(cols))
	for i, c := range cols {
		data[i], _ = t.Column(c)
	}
	rec := make([]string, len(cols)+1)
	for r := 0; r < t.Len(); r++ {
		rec[0] = t.Date(r).Format(dateLayout)
		for i := range cols {
			rec[i+1] = formatCell(data[i][r])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadYieldsCSV decodes observed yields. Rows with an empty yield are skipped;
// duplicate years are rejected.
func ReadYieldsCSV(r io.Reader) ([]models.YieldRecord, error) {
	cr := newReader(r)
	cols, err := header(cr)
	if err != nil {
		return nil, err
	}
	yearIdx, ok := cols[ColumnYear]
	if !ok {
		return nil, &models.MissingColumnError{Stage: "ingest", Column: ColumnYear}
	}
	yieldIdx, ok := cols[ColumnYield]
	if !ok {
		return nil, &models.MissingColumnError{Stage: "ingest", Column: ColumnYield}
	}

	seen := make(map[int]bool)
	var out []models.YieldRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) <= yearIdx || len(rec) <= yieldIdx {
			return nil, &models.ValidationError{Field: ColumnYear, Message: fmt.Sprintf("line %d is truncated", line)}
		}
		year, err := strconv.Atoi(strings.TrimSpace(rec[yearIdx]))
		if err != nil {
			return nil, &models.ValidationError{Field: ColumnYear, Value: rec[yearIdx], Message: fmt.Sprintf("line %d: not a year", line)}
		}
		v, err := parseCell(rec[yieldIdx])
		if err != nil {
			return nil, &models.ValidationError{Field: ColumnYield, Value: rec[yieldIdx], Message: fmt.Sprintf("line %d: not a number", line)}
		}
		if math.IsNaN(v) {
			continue
		}
		if seen[year] {
			return nil, &models.ValidationError{Field: ColumnYear, Value: strconv.Itoa(year), Message: "duplicate year"}
		}
		seen[year] = true
		out = append(out, models.YieldRecord{Year: year, YieldTonsPerHectare: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

// WriteYieldsCSV writes yields with the canonical header.
func WriteYieldsCSV(w io.Writer, yields []models.YieldRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColumnYear, ColumnYield}); err != nil {
		return err
	}
	for _, y := range yields {
		if err := cw.Write([]string{strconv.Itoa(y.Year), formatCell(y.YieldTonsPerHectare)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFeatureCSV writes one row per year. Missing values are empty cells.
func WriteFeatureCSV(w io.Writer, t *models.FeatureTable) error {
	cw := csv.NewWriter(w)
	cols := t.Columns()
	if err := cw.Write(append([]string{ColumnYear}, cols...)); err != nil {
		return err
	}
	rec := make([]string, len(cols)+1)
	for _, y := range t.Years() {
		rec[0] = strconv.Itoa(y)
		for i, c := range cols {
			v, _ := t.Value(y, c)
			rec[i+1] = formatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFeatureCSV reads a file produced by WriteFeatureCSV.
func ReadFeatureCSV(r io.Reader) (*models.FeatureTable, error) {
	cr := newReader(r)
	rec, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &models.ValidationError{Field: "header", Message: "file is empty"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(rec) == 0 || canonical(rec[0]) != ColumnYear {
		return nil, &models.MissingColumnError{Stage: "ingest", Column: ColumnYear}
	}
	names := make([]string, len(rec)-1)
	for i := range names {
		names[i] = strings.TrimSpace(rec[i+1])
	}

	rows := make(map[int][]float64)
	var years []int
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		year, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, &models.ValidationError{Field: ColumnYear, Value: rec[0], Message: fmt.Sprintf("line %d: not a year", line)}
		}
		if _, dup := rows[year]; dup {
			return nil, &models.ValidationError{Field: ColumnYear, Value: rec[0], Message: "duplicate year"}
		}
		vals := make([]float64, len(names))
		for i := range names {
			vals[i] = math.NaN()
			if i+1 < len(rec) {
				if vals[i], err = parseCell(rec[i+1]); err != nil {
					return nil, &models.ValidationError{Field: names[i], Value: rec[i+1], Message: fmt.Sprintf("line %d: not a number", line)}
				}
			}
		}
		rows[year] = vals
		years = append(years, year)
	}

	table := models.NewFeatureTable(years)
	sorted := table.Years()
	for i, name := range names {
		col := make([]float64, len(sorted))
		for j, y := range sorted {
			col[j] = rows[y][i]
		}
		if table, err = table.WithColumn(name, col); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// WriteFoldCSV writes per-year backtest results.
func WriteFoldCSV(w io.Writer, results []models.FoldResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColumnYear, "actual", "predicted", "absolute_error", "percentage_error"}); err != nil {
		return err
	}
	for _, r := range results {
		rec := []string{
			strconv.Itoa(r.Year),
			formatCell(r.Actual),
			formatCell(r.Predicted),
			formatCell(r.AbsoluteError),
			formatCell(r.PercentageError),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
