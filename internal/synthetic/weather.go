// Package synthetic generates deterministic daily weather and yield series
// for tests and the offline demo.
package synthetic

import (
	"math"
	"math/rand/v2"
	"time"

	"robusta-yield/internal/models"
)

// Profile describes a generated daily series. With Seasonal false every day
// carries exactly the base levels.
type Profile struct {
	StartYear int
	EndYear   int

	TempMax   float64
	TempMin   float64
	Rain      float64
	Humidity  float64
	Radiation float64
	Soil      float64

	Seasonal bool
	// Noise scales day-to-day jitter and year-to-year shifts when Seasonal is set.
	Noise float64
	Seed  uint64
}

// ConstantProfile is a flat climate: temp_max 30, rain 100 mm/day, soil 0.3,
// humidity 70 and radiation 20 on every day.
func ConstantProfile(start, end int) Profile {
	return Profile{
		StartYear: start,
		EndYear:   end,
		TempMax:   30,
		TempMin:   20,
		Rain:      100,
		Humidity:  70,
		Radiation: 20,
		Soil:      0.3,
	}
}

// HighlandProfile approximates the Central Highlands: dry season Nov-Apr,
// rainy season May-Oct, hot spells in April-May.
func HighlandProfile(start, end int, seed uint64) Profile {
	return Profile{
		StartYear: start,
		EndYear:   end,
		TempMax:   30,
		TempMin:   20,
		Rain:      5,
		Humidity:  80,
		Radiation: 18,
		Soil:      0.3,
		Seasonal:  true,
		Noise:     1,
		Seed:      seed,
	}
}

// YearShift is the per-year climate perturbation applied by a seasonal profile.
type YearShift struct {
	Heat    float64
	Wetness float64
}

// Dataset is a generated daily table plus the per-year shifts used to build it.
type Dataset struct {
	Daily  *models.DailyTable
	Shifts map[int]YearShift
}

// Generate builds the daily table for p.
func Generate(p Profile) Dataset {
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	table := models.NewDailyTable(models.DailyFields...)
	shifts := make(map[int]YearShift, p.EndYear-p.StartYear+1)

	for y := p.StartYear; y <= p.EndYear; y++ {
		var shift YearShift
		if p.Seasonal {
			shift = YearShift{
				Heat:    rng.NormFloat64() * p.Noise,
				Wetness: 1 + 0.25*rng.NormFloat64()*p.Noise,
			}
			if shift.Wetness < 0.2 {
				shift.Wetness = 0.2
			}
		}
		shifts[y] = shift

		for d := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC); d.Year() == y; d = d.AddDate(0, 0, 1) {
			if !p.Seasonal {
				table.Append(d, p.TempMax, p.TempMin, p.Rain, p.Humidity, p.Radiation, p.Soil)
				continue
			}
			table.Append(d, seasonalDay(p, shift, d, rng)...)
		}
	}
	return Dataset{Daily: table, Shifts: shifts}
}

func seasonalDay(p Profile, s YearShift, d time.Time, rng *rand.Rand) []float64 {
	doy := float64(d.YearDay())
	// Peak heat around day 120 (late April), wet season centred on day 240.
	heatCycle := math.Cos(2 * math.Pi * (doy - 120) / 365)
	wetCycle := math.Max(0, math.Cos(2*math.Pi*(doy-240)/365))

	jitter := func(scale float64) float64 { return rng.NormFloat64() * scale * p.Noise }

	tmax := p.TempMax + 3*heatCycle + s.Heat + jitter(1.2)
	tmin := p.TempMin + 2*heatCycle + 0.5*s.Heat + jitter(0.8)
	rain := math.Max(0, p.Rain*(0.2+4*wetCycle)*s.Wetness+jitter(2))
	humidity := math.Min(100, math.Max(30, p.Humidity-12*heatCycle+8*wetCycle+jitter(3)))
	radiation := math.Max(1, p.Radiation+4*heatCycle-3*wetCycle+jitter(1.5))
	soil := math.Min(0.5, math.Max(0.05, p.Soil*(0.6+0.8*wetCycle)*s.Wetness+jitter(0.01)))

	return []float64{tmax, tmin, rain, humidity, radiation, soil}
}

// LinearYields returns yields rising from first to last in equal steps over years start..end.
func LinearYields(start, end int, first, last float64) []models.YieldRecord {
	n := end - start + 1
	out := make([]models.YieldRecord, n)
	for i := range out {
		v := first
		if n > 1 {
			v = first + (last-first)*float64(i)/float64(n-1)
		}
		out[i] = models.YieldRecord{Year: start + i, YieldTonsPerHectare: math.Round(v*1000) / 1000}
	}
	return out
}

// ResponsiveYields derives yields from the year shifts of ds: wetter years
// yield more, hotter years less, with a gentle upward trend.
func ResponsiveYields(ds Dataset, start, end int, seed uint64) []models.YieldRecord {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]models.YieldRecord, 0, end-start+1)
	for y := start; y <= end; y++ {
		s := ds.Shifts[y]
		v := 2.2 + 0.02*float64(y-start) + 0.6*(s.Wetness-1) - 0.12*s.Heat + 0.03*rng.NormFloat64()
		out = append(out, models.YieldRecord{Year: y, YieldTonsPerHectare: math.Max(0.5, v)})
	}
	return out
}
