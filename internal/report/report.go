// Package report renders backtest runs into an Excel workbook.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"robusta-yield/internal/evaluation"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
)

// ImportanceSheet is the name of the feature-importance sheet.
const ImportanceSheet = "Feature Importance"

// Section is one protocol run and its summary. Summary is nil when the run
// produced no scored folds.
type Section struct {
	Run     *validation.Run
	Summary *evaluation.Summary
}

// Generator builds backtest workbooks.
type Generator struct {
	logger *logging.StructuredLogger
}

// NewGenerator creates a report generator
func NewGenerator(logger *logging.StructuredLogger) *Generator {
	return &Generator{logger: logger}
}

// Build writes one sheet per section plus a feature-importance sheet when
// importance is non-empty, and returns the encoded workbook.
func (g *Generator) Build(ctx context.Context, sections []Section, importance map[string]float64) ([]byte, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("report needs at least one run")
	}

	f := excelize.NewFile()
	defer f.Close()

	protocols := make([]string, 0, len(sections))
	for _, s := range sections {
		protocols = append(protocols, s.Run.Protocol.String())
	}
	f.SetDocProps(&excelize.DocProperties{
		Title:       "Robusta Yield Backtest",
		Subject:     "Validation results",
		Creator:     "robusta-yield",
		Description: fmt.Sprintf("Protocols: %s", strings.Join(protocols, ", ")),
		Created:     time.Now().UTC().Format(time.RFC3339),
	})

	for _, s := range sections {
		if err := g.writeRunSheet(f, s); err != nil {
			return nil, fmt.Errorf("failed to write %s sheet: %w", s.Run.Protocol, err)
		}
	}
	if len(importance) > 0 {
		if err := g.writeImportanceSheet(f, importance); err != nil {
			return nil, fmt.Errorf("failed to write importance sheet: %w", err)
		}
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook to buffer: %w", err)
	}

	g.logger.Info(ctx, "[REPORT_BUILT] Backtest workbook generated", logging.Fields{
		"protocols": protocols,
		"bytes":     buf.Len(),
	})
	return buf.Bytes(), nil
}

// sheetWriter records the first SetCellValue error so row loops stay flat.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) set(col, row int, value interface{}) {
	if w.err != nil {
		return
	}
	w.err = w.f.SetCellValue(w.sheet, cell(col, row), value)
}

func (g *Generator) writeRunSheet(f *excelize.File, s Section) error {
	name := s.Run.Protocol.String()
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	w := &sheetWriter{f: f, sheet: name}

	headers := []string{"Year", "Actual (t/ha)", "Predicted (t/ha)", "Absolute Error", "Percentage Error (%)"}
	for i, h := range headers {
		w.set(i+1, 1, h)
	}

	row := 2
	for _, r := range s.Run.Results() {
		w.set(1, row, r.Year)
		w.set(2, row, r.Actual)
		w.set(3, row, r.Predicted)
		w.set(4, row, r.AbsoluteError)
		w.set(5, row, r.PercentageError)
		row++
	}

	row++
	for _, st := range summaryRows(s) {
		w.set(1, row, st.label)
		w.set(2, row, st.value)
		row++
	}

	if len(s.Run.Skipped) > 0 {
		row++
		w.set(1, row, "Skipped folds")
		row++
		for _, sk := range s.Run.Skipped {
			w.set(1, row, joinYears(sk.Fold.Test))
			if sk.Err != nil {
				w.set(2, row, sk.Err.Error())
			}
			row++
		}
	}
	if w.err != nil {
		return w.err
	}

	if err := f.SetColWidth(name, "A", "A", 22); err != nil {
		return err
	}
	return f.SetColWidth(name, "B", colLetter(len(headers)), 18)
}

type stat struct {
	label string
	value interface{}
}

func summaryRows(s Section) []stat {
	rows := []stat{
		{"Run ID", s.Run.ID.String()},
		{"Features", strings.Join(s.Run.Features, ", ")},
		{"Scored folds", len(s.Run.Folds)},
		{"Skipped folds", len(s.Run.Skipped)},
	}
	sum := s.Summary
	if sum == nil {
		return append(rows, stat{"Summary", "no scored years"})
	}

	r2 := interface{}("n/a")
	if sum.R2 != nil {
		r2 = *sum.R2
	}
	rows = append(rows,
		stat{"Years scored", sum.Years},
		stat{"MAE (t/ha)", sum.MAE},
		stat{"RMSE (t/ha)", sum.RMSE},
		stat{"MAPE (%)", sum.MAPE},
		stat{"R²", r2},
		stat{"Max error (%)", sum.MaxPctError},
		stat{"Min error (%)", sum.MinPctError},
		stat{"Std error (%)", sum.StdPctError},
	)
	for _, tc := range sum.Thresholds {
		rows = append(rows, stat{fmt.Sprintf("Years > %g%%", tc.Threshold), tc.Count})
	}
	return append(rows,
		stat{"Best year", sum.BestYear},
		stat{"Worst year", sum.WorstYear},
		stat{"Grade", string(sum.Grade)},
		stat{"Verdict", string(sum.Verdict)},
	)
}

func (g *Generator) writeImportanceSheet(f *excelize.File, importance map[string]float64) error {
	if _, err := f.NewSheet(ImportanceSheet); err != nil {
		return err
	}
	w := &sheetWriter{f: f, sheet: ImportanceSheet}

	names := make([]string, 0, len(importance))
	for name := range importance {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if importance[names[i]] != importance[names[j]] {
			return importance[names[i]] > importance[names[j]]
		}
		return names[i] < names[j]
	})

	w.set(1, 1, "Feature")
	w.set(2, 1, "Importance")
	for i, name := range names {
		w.set(1, i+2, name)
		w.set(2, i+2, importance[name])
	}
	if w.err != nil {
		return w.err
	}
	return f.SetColWidth(ImportanceSheet, "A", "B", 22)
}

func joinYears(years []int) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = fmt.Sprint(y)
	}
	return strings.Join(parts, ",")
}

func cell(col, row int) string {
	c, _ := excelize.CoordinatesToCellName(col, row)
	return c
}

func colLetter(col int) string {
	letter, _ := excelize.ColumnNumberToName(col)
	return letter
}
