package ingest

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/models"
)

func TestReadDailyCSV_AliasesAndMissingCells(t *testing.T) {
	in := strings.Join([]string{
		"date,temp_max,temp_min,rain,humidity,radiation,soil_0_7,soil_7_28",
		"2001-01-02,30,20,,70,18,0.31,0.4",
		"2001-01-01,31,21,NaN,71,19,null,0.4",
	}, "\n")

	tbl, err := ReadDailyCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, models.DailyFields, tbl.Columns())
	assert.Equal(t, 1, tbl.Date(0).Day(), "rows are sorted by date")

	rain, _ := tbl.Column(models.FieldRain)
	assert.True(t, math.IsNaN(rain[0]))
	assert.True(t, math.IsNaN(rain[1]))

	soil, ok := tbl.Column(models.FieldSoilMoisture)
	require.True(t, ok)
	assert.True(t, math.IsNaN(soil[0]))
	assert.Equal(t, 0.31, soil[1])
}

func TestReadDailyCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no date column", "day,rain\n2001-01-01,1"},
		{"bad number", "date,rain\n2001-01-01,lots"},
		{"bad date", "date,rain\n01/01/2001,1"},
		{"duplicate date", "date,rain\n2001-01-01,1\n2001-01-01,2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDailyCSV(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}

	_, err := ReadDailyCSV(strings.NewReader("rain\n1"))
	var mc *models.MissingColumnError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, models.FieldDate, mc.Column)
}

func TestDailyCSV_RoundTrip(t *testing.T) {
	in := "date,rain,temp_max\n2001-01-01,1.5,30\n2001-01-02,,31\n"
	tbl, err := ReadDailyCSV(strings.NewReader(in))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDailyCSV(&buf, tbl))
	assert.Equal(t, "date,temp_max,rain\n2001-01-01,30,1.5\n2001-01-02,31,\n", buf.String())
}

func TestReadYieldsCSV(t *testing.T) {
	in := "year,yield_ton_ha\n2002,2.4\n2001,\n2000,2.1\n"
	ys, err := ReadYieldsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, ys, 2)
	assert.Equal(t, 2000, ys[0].Year)
	assert.Equal(t, 2.4, ys[1].YieldTonsPerHectare)

	_, err = ReadYieldsCSV(strings.NewReader("year,yield_tons_per_hectare\n2000,2\n2000,3\n"))
	assert.Error(t, err)

	_, err = ReadYieldsCSV(strings.NewReader("year,tons\n2000,2\n"))
	var mc *models.MissingColumnError
	assert.True(t, errors.As(err, &mc))
}

func TestFeatureCSV_RoundTrip(t *testing.T) {
	tbl := models.NewFeatureTable([]int{2001, 2000})
	tbl, err := tbl.WithColumn("rain_bloom", []float64{10, math.NaN()})
	require.NoError(t, err)
	tbl, err = tbl.WithColumn("SPI_drought", []float64{-0.5, 0.5})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFeatureCSV(&buf, tbl))
	assert.Equal(t, "year,rain_bloom,SPI_drought\n2000,10,-0.5\n2001,,0.5\n", buf.String())

	back, err := ReadFeatureCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, tbl.Years(), back.Years())
	assert.Equal(t, tbl.Columns(), back.Columns())
	v, ok := back.Value(2001, "rain_bloom")
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestWriteFoldCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFoldCSV(&buf, []models.FoldResult{models.NewFoldResult(2020, 2, 2.5)})
	require.NoError(t, err)
	assert.Equal(t, "year,actual,predicted,absolute_error,percentage_error\n2020,2,2.5,0.5,25\n", buf.String())
}
