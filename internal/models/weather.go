package models

import (
	"math"
	"sort"
	"time"
)

// Daily weather field names shared by ingest, storage and feature extraction.
const (
	FieldDate         = "date"
	FieldTempMax      = "temp_max"
	FieldTempMin      = "temp_min"
	FieldRain         = "rain"
	FieldHumidity     = "humidity"
	FieldRadiation    = "radiation"
	FieldSoilMoisture = "soil_moisture_shallow"
)

// DailyFields lists the numeric daily fields in canonical order.
var DailyFields = []string{
	FieldTempMax,
	FieldTempMin,
	FieldRain,
	FieldHumidity,
	FieldRadiation,
	FieldSoilMoisture,
}

// DailyObservation is one day of weather at the province centroid.
// NULL values are represented as nil pointers.
type DailyObservation struct {
	ID                  int64     `json:"-" db:"id"`
	Date                time.Time `json:"date" db:"observation_date"`
	TempMax             *float64  `json:"temp_max,omitempty" db:"temp_max"`
	TempMin             *float64  `json:"temp_min,omitempty" db:"temp_min"`
	Rain                *float64  `json:"rain,omitempty" db:"rain"`
	Humidity            *float64  `json:"humidity,omitempty" db:"humidity"`
	Radiation           *float64  `json:"radiation,omitempty" db:"radiation"`
	SoilMoistureShallow *float64  `json:"soil_moisture_shallow,omitempty" db:"soil_moisture_shallow"`
	Source              string    `json:"source" db:"source"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

func (o *DailyObservation) field(name string) **float64 {
	switch name {
	case FieldTempMax:
		return &o.TempMax
	case FieldTempMin:
		return &o.TempMin
	case FieldRain:
		return &o.Rain
	case FieldHumidity:
		return &o.Humidity
	case FieldRadiation:
		return &o.Radiation
	case FieldSoilMoisture:
		return &o.SoilMoistureShallow
	}
	return nil
}

// Value returns the named field as a float, NaN when it is NULL or unknown.
func (o *DailyObservation) Value(name string) float64 {
	p := o.field(name)
	if p == nil || *p == nil {
		return math.NaN()
	}
	return **p
}

// SetValue stores v under the named field; NaN is stored as NULL.
func (o *DailyObservation) SetValue(name string, v float64) bool {
	p := o.field(name)
	if p == nil {
		return false
	}
	if math.IsNaN(v) {
		*p = nil
		return true
	}
	val := v
	*p = &val
	return true
}

// DailyTable is a column-oriented daily weather table. Missing cells are NaN.
// A column that was never supplied is absent, which is distinct from a column of NaNs.
type DailyTable struct {
	dates   []time.Time
	columns []string
	index   map[string]int
	values  [][]float64
}

// NewDailyTable creates an empty table with the given numeric columns.
func NewDailyTable(columns ...string) *DailyTable {
	t := &DailyTable{
		columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
		values:  make([][]float64, len(columns)),
	}
	for i, c := range columns {
		t.index[c] = i
	}
	return t
}

// Append adds one day. values are aligned with the table's columns; short rows are padded with NaN.
func (t *DailyTable) Append(date time.Time, values ...float64) {
	t.dates = append(t.dates, date)
	for i := range t.columns {
		v := math.NaN()
		if i < len(values) {
			v = values[i]
		}
		t.values[i] = append(t.values[i], v)
	}
}

// Len returns the number of days.
func (t *DailyTable) Len() int { return len(t.dates) }

// Columns returns the numeric column names in table order.
func (t *DailyTable) Columns() []string { return append([]string(nil), t.columns...) }

// HasColumn reports whether name was supplied.
func (t *DailyTable) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the backing values of name. Callers must not modify the slice.
func (t *DailyTable) Column(name string) ([]float64, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.values[i], true
}

// Date returns the date of row i.
func (t *DailyTable) Date(i int) time.Time { return t.dates[i] }

// Dates returns the backing date slice. Callers must not modify it.
func (t *DailyTable) Dates() []time.Time { return t.dates }

// Years returns the distinct calendar years present, ascending.
func (t *DailyTable) Years() []int {
	seen := make(map[int]struct{})
	for _, d := range t.dates {
		seen[d.Year()] = struct{}{}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// SortByDate orders rows by date, keeping the original order of equal dates.
func (t *DailyTable) SortByDate() {
	perm := make([]int, len(t.dates))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return t.dates[perm[a]].Before(t.dates[perm[b]]) })

	dates := make([]time.Time, len(perm))
	for i, p := range perm {
		dates[i] = t.dates[p]
	}
	t.dates = dates
	for c := range t.values {
		col := make([]float64, len(perm))
		for i, p := range perm {
			col[i] = t.values[c][p]
		}
		t.values[c] = col
	}
}

// Validate checks that dates are unique and ascending.
func (t *DailyTable) Validate() error {
	for i := 1; i < len(t.dates); i++ {
		if !t.dates[i].After(t.dates[i-1]) {
			return &ValidationError{
				Field:   FieldDate,
				Value:   t.dates[i].Format("2006-01-02"),
				Message: "daily dates must be unique and ascending",
			}
		}
	}
	return nil
}

// DailyTableFromObservations builds a table with the canonical daily columns.
func DailyTableFromObservations(obs []DailyObservation) *DailyTable {
	t := NewDailyTable(DailyFields...)
	row := make([]float64, len(DailyFields))
	for i := range obs {
		for j, f := range DailyFields {
			row[j] = obs[i].Value(f)
		}
		t.Append(obs[i].Date, row...)
	}
	return t
}

// Observations converts the table back to rows. Unknown columns are dropped.
func (t *DailyTable) Observations(source string) []DailyObservation {
	out := make([]DailyObservation, t.Len())
	for i := range out {
		out[i].Date = t.dates[i]
		out[i].Source = source
		for c, name := range t.columns {
			out[i].SetValue(name, t.values[c][i])
		}
	}
	return out
}
