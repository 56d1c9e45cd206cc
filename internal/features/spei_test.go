package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/models"
	"robusta-yield/internal/synthetic"
)

func TestThornthwaitePET(t *testing.T) {
	assert.Equal(t, 0.0, thornthwaitePET(0, 120))
	assert.Equal(t, 0.0, thornthwaitePET(-3, 120))

	cool := thornthwaitePET(18, 120)
	warm := thornthwaitePET(26, 120)
	assert.Greater(t, cool, 0.0)
	assert.Greater(t, warm, cool, "PET must rise with temperature")
}

func TestSPEI_SupplementaryColumns(t *testing.T) {
	ds := synthetic.Generate(synthetic.HighlandProfile(1990, 2005, 3))

	tbl, err := Extract(ds.Daily, DefaultExtractorConfig(true))
	require.NoError(t, err)

	require.True(t, tbl.HasColumn(SPEIDrought))
	require.True(t, tbl.HasColumn(TempFruitfill))

	spei, _ := tbl.Column(SPEIDrought)
	for i, v := range spei {
		assert.False(t, math.IsNaN(v), "complete year %d should have SPEI", 1990+i)
	}
	mean, sd := meanStd(spei)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, sd, 1e-9)

	tf, _ := tbl.Column(TempFruitfill)
	assert.InDelta(t, 26, tf[0], 3, "mean of max and min in Jun-Sep")
}

func TestSPEI_IncompleteYearIsMissing(t *testing.T) {
	ds := synthetic.Generate(synthetic.HighlandProfile(1990, 1995, 5))
	daily := ds.Daily
	// 1996 covers Jan-May only: under six months, so no heat index.
	for d := time.Date(1996, 1, 1, 0, 0, 0, 0, time.UTC); d.Month() < 6; d = d.AddDate(0, 0, 1) {
		daily.Append(d, 32, 21, 3, 75, 19, 0.25)
	}

	tbl, err := Extract(daily, DefaultExtractorConfig(true))
	require.NoError(t, err)

	v, ok := tbl.Value(1996, SPEIDrought)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))

	v, _ = tbl.Value(1995, SPEIDrought)
	assert.False(t, math.IsNaN(v))
}

func TestSPEI_MissingTempMin(t *testing.T) {
	daily := models.NewDailyTable(models.FieldTempMax, models.FieldRain, models.FieldHumidity, models.FieldRadiation, models.FieldSoilMoisture)
	daily.Append(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), 30, 1, 70, 20, 0.3)

	cfg := DefaultExtractorConfig(true)
	cfg.RequiredColumns = nil

	_, err := Extract(daily, cfg)
	var mc *models.MissingColumnError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, models.FieldTempMin, mc.Column)
}
