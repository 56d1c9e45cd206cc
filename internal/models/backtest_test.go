package models

import (
	"math"
	"testing"
	"time"
)

func TestSummarizeYears(t *testing.T) {
	tbl := NewDailyTable(FieldTempMax, FieldRain, FieldSoilMoisture)
	tbl.Append(day(2020, time.January, 1), 30, 10, math.NaN())
	tbl.Append(day(2020, time.June, 1), 32, math.NaN(), math.NaN())
	tbl.Append(day(2021, time.March, 1), 28, 5, 0.3)

	got := SummarizeYears(tbl)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	y2020 := got[0]
	if y2020.Year != 2020 || y2020.Days != 2 {
		t.Errorf("2020 = year %d days %d, want 2020 / 2", y2020.Year, y2020.Days)
	}
	if y2020.AvgTempMax == nil || *y2020.AvgTempMax != 31 {
		t.Errorf("AvgTempMax = %v, want 31", y2020.AvgTempMax)
	}
	if y2020.TotalRain == nil || *y2020.TotalRain != 10 {
		t.Errorf("TotalRain = %v, want 10 (missing days skipped)", y2020.TotalRain)
	}
	if y2020.AvgSoil != nil {
		t.Errorf("AvgSoil = %v, want nil when no day was observed", *y2020.AvgSoil)
	}
	if y2020.AvgHumidity != nil {
		t.Error("AvgHumidity should be nil for an absent column")
	}

	y2021 := got[1]
	if y2021.AvgSoil == nil || *y2021.AvgSoil != 0.3 {
		t.Errorf("2021 AvgSoil = %v, want 0.3", y2021.AvgSoil)
	}
}

func TestSummarizeYears_Empty(t *testing.T) {
	if got := SummarizeYears(NewDailyTable(FieldRain)); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}
