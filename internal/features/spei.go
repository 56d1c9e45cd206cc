package features

import (
	"math"

	"robusta-yield/internal/models"
)

// WaterBalanceIndex defines SPEI: the Mar-Jun climatic water balance
// (precipitation minus Thornthwaite PET), standardized over the full record.
type WaterBalanceIndex struct {
	Name    string
	Rain    string
	TempMax string
	TempMin string
	// Months are summed into the yearly water balance; every one must be present.
	Months []int
	// MinMonths is the minimum number of months with data for the yearly heat index.
	MinMonths int
}

// DefaultWaterBalanceIndex returns the Mar-Jun SPEI definition.
func DefaultWaterBalanceIndex() WaterBalanceIndex {
	return WaterBalanceIndex{
		Name:      SPEIDrought,
		Rain:      models.FieldRain,
		TempMax:   models.FieldTempMax,
		TempMin:   models.FieldTempMin,
		Months:    []int{3, 4, 5, 6},
		MinMonths: 6,
	}
}

func (w *WaterBalanceIndex) sources() []string {
	return []string{w.Rain, w.TempMax, w.TempMin}
}

type monthClimate struct {
	tmean  float64
	precip float64
	ok     bool
}

// Compute returns the standardized index aligned with idx.years. Years without
// enough monthly data are missing.
func (w *WaterBalanceIndex) Compute(daily *models.DailyTable, idx *yearMonthIndex) ([]float64, error) {
	rain, ok := daily.Column(w.Rain)
	if !ok {
		return nil, &models.MissingColumnError{Stage: "extract", Column: w.Rain}
	}
	tmax, ok := daily.Column(w.TempMax)
	if !ok {
		return nil, &models.MissingColumnError{Stage: "extract", Column: w.TempMax}
	}
	tmin, ok := daily.Column(w.TempMin)
	if !ok {
		return nil, &models.MissingColumnError{Stage: "extract", Column: w.TempMin}
	}

	balance := make([]float64, len(idx.years))
	for p := range idx.years {
		var months [13]monthClimate
		present := 0
		for m := 1; m <= 12; m++ {
			months[m] = summarizeMonth(idx.rows[p][m], rain, tmax, tmin)
			if months[m].ok {
				present++
			}
		}

		balance[p] = math.NaN()
		if present < w.MinMonths {
			continue
		}

		heat := 0.0
		for m := 1; m <= 12; m++ {
			if months[m].ok {
				heat += math.Pow(math.Max(0, months[m].tmean/5), 1.514)
			}
		}
		if heat == 0 {
			heat = 1
		}

		total := 0.0
		complete := true
		for _, m := range w.Months {
			if !months[m].ok {
				complete = false
				break
			}
			total += months[m].precip - thornthwaitePET(months[m].tmean, heat)
		}
		if complete {
			balance[p] = total
		}
	}

	return StandardizedIndex(w.Name, idx.years, balance)
}

// summarizeMonth returns mean temperature as the average of monthly mean max
// and min, plus the precipitation total. ok is false when any part is undefined.
func summarizeMonth(rows []int, rain, tmax, tmin []float64) monthClimate {
	var sumMax, sumMin, sumRain float64
	var nMax, nMin, nRain int
	for _, r := range rows {
		if v := tmax[r]; !math.IsNaN(v) {
			sumMax += v
			nMax++
		}
		if v := tmin[r]; !math.IsNaN(v) {
			sumMin += v
			nMin++
		}
		if v := rain[r]; !math.IsNaN(v) {
			sumRain += v
			nRain++
		}
	}
	if nMax == 0 || nMin == 0 || nRain == 0 {
		return monthClimate{}
	}
	return monthClimate{
		tmean:  (sumMax/float64(nMax) + sumMin/float64(nMin)) / 2,
		precip: sumRain,
		ok:     true,
	}
}

// thornthwaitePET is the unadjusted Thornthwaite potential evapotranspiration
// in mm/month for mean temperature t and annual heat index heat.
func thornthwaitePET(t, heat float64) float64 {
	if t <= 0 {
		return 0
	}
	a := 6.75e-7*heat*heat*heat - 7.71e-5*heat*heat + 1.79e-2*heat + 0.49
	return 16 * math.Pow(10*t/heat, a)
}
