package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/models"
	"robusta-yield/internal/synthetic"
)

// withoutSPI drops SPI, which is undefined for a climate whose Mar-Jun rain never varies.
func withoutSPI() ExtractorConfig {
	cfg := DefaultExtractorConfig(false)
	cfg.SPI = nil
	return cfg
}

func value(t *testing.T, tbl *models.FeatureTable, year int, col string) float64 {
	t.Helper()
	v, ok := tbl.Value(year, col)
	require.True(t, ok, "missing cell %d/%s", year, col)
	return v
}

func TestExtract_StageWindows(t *testing.T) {
	ds := synthetic.Generate(synthetic.ConstantProfile(2000, 2001))

	tbl, err := Extract(ds.Daily, withoutSPI())
	require.NoError(t, err)

	assert.Equal(t, []int{2000, 2001}, tbl.Years())
	assert.Equal(t, []string{
		RainBloom, SoilFruitset, TempMaxHeatstress, DaysExtremeHeat,
		RadiationFruitfill, RainRipening, HumidityFruitset,
	}, tbl.Columns())

	tests := []struct {
		year int
		col  string
		want float64
	}{
		{2000, RainBloom, 100 * (29 + 31)},
		{2001, RainBloom, 100 * (28 + 31)},
		{2001, SoilFruitset, 0.3},
		{2001, TempMaxHeatstress, 30},
		{2001, RadiationFruitfill, 20 * (30 + 31 + 31 + 30)},
		{2001, RainRipening, 100 * (31 + 30 + 31)},
		{2001, HumidityFruitset, 70},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, value(t, tbl, tt.year, tt.col), 1e-9, "%d %s", tt.year, tt.col)
	}
	assert.Equal(t, 0, tbl.MissingCount())
}

func TestExtract_ExtremeHeatZeroFilled(t *testing.T) {
	ds := synthetic.Generate(synthetic.ConstantProfile(2005, 2005))

	tbl, err := Extract(ds.Daily, withoutSPI())
	require.NoError(t, err)

	v := value(t, tbl, 2005, DaysExtremeHeat)
	assert.False(t, math.IsNaN(v), "days_extreme_heat must be zero, not missing")
	assert.Equal(t, 0.0, v)
}

func TestExtract_ExtremeHeatCountIsStrict(t *testing.T) {
	daily := models.NewDailyTable(models.DailyFields...)
	start := time.Date(2010, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 61; i++ {
		tmax := 30.0
		switch {
		case i < 10:
			tmax = 34
		case i < 15:
			tmax = 33 // exactly at the threshold does not count
		}
		daily.Append(start.AddDate(0, 0, i), tmax, 20, 1, 70, 20, 0.3)
	}
	// An April scorcher lies outside the May-June window.
	daily.Append(time.Date(2010, 4, 30, 0, 0, 0, 0, time.UTC), 40, 20, 1, 70, 20, 0.3)
	daily.SortByDate()

	tbl, err := Extract(daily, withoutSPI())
	require.NoError(t, err)
	assert.Equal(t, 10.0, value(t, tbl, 2010, DaysExtremeHeat))
}

func TestExtract_EdgeYearGetsRow(t *testing.T) {
	ds := synthetic.Generate(synthetic.ConstantProfile(2000, 2000))
	daily := ds.Daily
	// A partial trailing year that only covers January.
	daily.Append(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC), 35, 20, 1, 70, 20, 0.3)

	tbl, err := Extract(daily, withoutSPI())
	require.NoError(t, err)

	require.Equal(t, []int{2000, 2001}, tbl.Years())
	assert.Equal(t, 0.0, value(t, tbl, 2001, DaysExtremeHeat))
	assert.True(t, math.IsNaN(value(t, tbl, 2001, RainBloom)), "no bloom-window rows means missing, not zero")
	assert.Equal(t, 6, tbl.MissingCount())
}

func TestExtract_MissingValuesAreSkipped(t *testing.T) {
	daily := models.NewDailyTable(models.DailyFields...)
	nan := math.NaN()
	daily.Append(time.Date(2003, 2, 1, 0, 0, 0, 0, time.UTC), 30, 20, 10, 70, 20, 0.3)
	daily.Append(time.Date(2003, 2, 2, 0, 0, 0, 0, time.UTC), 30, 20, nan, 70, 20, 0.3)
	daily.Append(time.Date(2003, 3, 1, 0, 0, 0, 0, time.UTC), 30, 20, 5, 70, 20, 0.3)
	daily.Append(time.Date(2004, 2, 1, 0, 0, 0, 0, time.UTC), 30, 20, nan, 70, 20, 0.3)

	tbl, err := Extract(daily, withoutSPI())
	require.NoError(t, err)

	assert.Equal(t, 15.0, value(t, tbl, 2003, RainBloom))
	assert.True(t, math.IsNaN(value(t, tbl, 2004, RainBloom)))
}

func TestExtract_MissingColumn(t *testing.T) {
	daily := models.NewDailyTable(models.FieldTempMax, models.FieldTempMin, models.FieldRain, models.FieldHumidity, models.FieldRadiation)
	daily.Append(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), 30, 20, 1, 70, 20)

	_, err := Extract(daily, DefaultExtractorConfig(false))

	var mc *models.MissingColumnError
	require.True(t, errors.As(err, &mc), "got %v", err)
	assert.Equal(t, models.FieldSoilMoisture, mc.Column)
	assert.Equal(t, "extract", mc.Stage)
}

func TestExtract_SPIUsesFullRecord(t *testing.T) {
	ds := synthetic.Generate(synthetic.HighlandProfile(1985, 2000, 7))

	tbl, err := Extract(ds.Daily, DefaultExtractorConfig(false))
	require.NoError(t, err)

	spi, err := tbl.Column(SPIDrought)
	require.NoError(t, err)

	mean, sd := meanStd(spi)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, sd, 1e-9)
}

func TestExtract_ConstantRainMakesSPIDegenerate(t *testing.T) {
	ds := synthetic.Generate(synthetic.ConstantProfile(1990, 2000))

	_, err := Extract(ds.Daily, DefaultExtractorConfig(false))

	var dr *models.DegenerateReferenceError
	require.True(t, errors.As(err, &dr), "got %v", err)
	assert.Equal(t, SPIDrought, dr.Column)
	assert.Equal(t, 1990, dr.Start)
	assert.Equal(t, 2000, dr.End)
}

func TestExtract_Deterministic(t *testing.T) {
	ds := synthetic.Generate(synthetic.HighlandProfile(1995, 2004, 11))
	cfg := DefaultExtractorConfig(true)

	a, err := Extract(ds.Daily, cfg)
	require.NoError(t, err)
	b, err := Extract(ds.Daily, cfg)
	require.NoError(t, err)

	for _, c := range a.Columns() {
		va, _ := a.Column(c)
		vb, _ := b.Column(c)
		for i := range va {
			assert.Equal(t, math.Float64bits(va[i]), math.Float64bits(vb[i]), "%s[%d]", c, i)
		}
	}
}

func TestExtractorConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExtractorConfig)
	}{
		{"month out of range", func(c *ExtractorConfig) { c.Windows[0].Months = []int{13} }},
		{"duplicate name", func(c *ExtractorConfig) { c.Windows[1].Name = c.Windows[0].Name }},
		{"no sources", func(c *ExtractorConfig) { c.Windows[2].Sources = nil }},
		{"SPI collides with window", func(c *ExtractorConfig) { c.SPI.Name = RainBloom }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultExtractorConfig(false)
			tt.mutate(&cfg)
			var vErr *models.ValidationError
			assert.True(t, errors.As(cfg.Validate(), &vErr))
		})
	}
}

func meanStd(v []float64) (float64, float64) {
	var s float64
	for _, x := range v {
		s += x
	}
	m := s / float64(len(v))
	var ss float64
	for _, x := range v {
		ss += (x - m) * (x - m)
	}
	return m, math.Sqrt(ss / float64(len(v)-1))
}
