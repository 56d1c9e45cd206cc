package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDailyObservation_ValueRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		set         float64
		checkValues func(*testing.T, *DailyObservation)
	}{
		{
			name:  "finite rain stored",
			field: FieldRain,
			set:   12.5,
			checkValues: func(t *testing.T, o *DailyObservation) {
				if o.Rain == nil {
					t.Fatal("Rain should not be nil")
				}
				if *o.Rain != 12.5 {
					t.Errorf("Rain = %v, want 12.5", *o.Rain)
				}
			},
		},
		{
			name:  "NaN becomes NULL",
			field: FieldSoilMoisture,
			set:   math.NaN(),
			checkValues: func(t *testing.T, o *DailyObservation) {
				if o.SoilMoistureShallow != nil {
					t.Error("SoilMoistureShallow should be nil for NaN")
				}
				if !math.IsNaN(o.Value(FieldSoilMoisture)) {
					t.Error("Value of NULL field should be NaN")
				}
			},
		},
		{
			name:  "zero is kept distinct from missing",
			field: FieldRain,
			set:   0,
			checkValues: func(t *testing.T, o *DailyObservation) {
				if o.Rain == nil || *o.Rain != 0 {
					t.Errorf("Rain = %v, want pointer to 0", o.Rain)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o DailyObservation
			if !o.SetValue(tt.field, tt.set) {
				t.Fatalf("SetValue(%q) rejected a known field", tt.field)
			}
			tt.checkValues(t, &o)
		})
	}
}

func TestDailyTable_SortAndValidate(t *testing.T) {
	table := NewDailyTable(FieldRain, FieldTempMax)
	table.Append(day(2001, 1, 2), 5, 30)
	table.Append(day(2000, 12, 31), 1, 29)
	table.Append(day(2001, 1, 1), 3)

	if err := table.Validate(); err == nil {
		t.Fatal("expected unordered dates to fail validation")
	}

	table.SortByDate()
	if err := table.Validate(); err != nil {
		t.Fatalf("Validate() after sort = %v", err)
	}

	rain, _ := table.Column(FieldRain)
	want := []float64{1, 3, 5}
	for i := range want {
		if rain[i] != want[i] {
			t.Errorf("rain[%d] = %v, want %v", i, rain[i], want[i])
		}
	}
	tmax, _ := table.Column(FieldTempMax)
	if !math.IsNaN(tmax[1]) {
		t.Errorf("short row should be padded with NaN, got %v", tmax[1])
	}

	years := table.Years()
	if len(years) != 2 || years[0] != 2000 || years[1] != 2001 {
		t.Errorf("Years() = %v, want [2000 2001]", years)
	}
}

func TestDailyTable_DuplicateDate(t *testing.T) {
	table := NewDailyTable(FieldRain)
	table.Append(day(2001, 1, 1), 1)
	table.Append(day(2001, 1, 1), 2)

	var vErr *ValidationError
	if err := table.Validate(); !errors.As(err, &vErr) {
		t.Fatalf("Validate() = %v, want *ValidationError", err)
	}
}

func TestDailyTable_ObservationsRoundTrip(t *testing.T) {
	rain := 4.0
	obs := []DailyObservation{{Date: day(1999, 3, 1), Rain: &rain}}

	table := DailyTableFromObservations(obs)
	if !table.HasColumn(FieldSoilMoisture) {
		t.Fatal("canonical columns should all be present")
	}

	back := table.Observations("csv")
	if len(back) != 1 {
		t.Fatalf("len = %d, want 1", len(back))
	}
	if back[0].Rain == nil || *back[0].Rain != 4 {
		t.Errorf("Rain = %v, want 4", back[0].Rain)
	}
	if back[0].TempMax != nil {
		t.Error("TempMax should stay NULL")
	}
	if back[0].Source != "csv" {
		t.Errorf("Source = %q, want csv", back[0].Source)
	}
}
