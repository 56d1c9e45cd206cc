package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
)

// Open-Meteo variable names and the daily field each one fills.
var archiveDailyVariables = []struct {
	name  string
	field string
}{
	{"temperature_2m_max", models.FieldTempMax},
	{"temperature_2m_min", models.FieldTempMin},
	{"precipitation_sum", models.FieldRain},
	{"relative_humidity_2m_mean", models.FieldHumidity},
	{"shortwave_radiation_sum", models.FieldRadiation},
}

const archiveSoilVariable = "soil_moisture_0_to_7cm"

// ArchiveConfig configures the Open-Meteo archive client.
type ArchiveConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Latitude          float64       `mapstructure:"latitude"`
	Longitude         float64       `mapstructure:"longitude"`
	Timezone          string        `mapstructure:"timezone"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	// FailOnGap aborts the fetch when any year fails instead of skipping it.
	FailOnGap bool `mapstructure:"fail_on_gap"`
}

// DefaultArchiveConfig targets the Dak Lak province centroid.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BaseURL:           "https://archive-api.open-meteo.com/v1/archive",
		Latitude:          12.71,
		Longitude:         108.23,
		Timezone:          "Asia/Bangkok",
		MaxAttempts:       3,
		RetryBackoff:      5 * time.Second,
		RequestsPerSecond: 2,
		Timeout:           120 * time.Second,
	}
}

// ArchiveStatusError is a non-200 answer from the archive API.
type ArchiveStatusError struct {
	StatusCode int
	Body       string
}

func (e *ArchiveStatusError) Error() string {
	return fmt.Sprintf("archive API returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether retrying may help.
func (e *ArchiveStatusError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type archiveResponse struct {
	Daily  map[string]json.RawMessage `json:"daily"`
	Hourly map[string]json.RawMessage `json:"hourly"`
	Reason string                     `json:"reason"`
}

// ArchiveClient downloads daily weather one calendar year per request.
type ArchiveClient struct {
	client  *http.Client
	cfg     ArchiveConfig
	limiter *rate.Limiter
	logger  *logging.StructuredLogger
}

// NewArchiveClient creates a client. A non-positive request rate disables limiting.
func NewArchiveClient(cfg ArchiveConfig, logger *logging.StructuredLogger) *ArchiveClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &ArchiveClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// FetchRange returns daily weather for [start, end]. Years that fail after
// all attempts are logged and left out unless FailOnGap is set; otherwise an
// error is returned only when no year could be fetched.
func (c *ArchiveClient) FetchRange(ctx context.Context, start, end time.Time) (*models.DailyTable, error) {
	if end.Before(start) {
		return nil, &models.ValidationError{Field: "end_date", Value: end.Format(dateLayout), Message: "end date is before start date"}
	}

	table := models.NewDailyTable(models.DailyFields...)
	fetched := 0
	var lastErr error
	for year := start.Year(); year <= end.Year(); year++ {
		from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}

		days, err := c.fetchChunk(ctx, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if c.cfg.FailOnGap {
				return nil, fmt.Errorf("year %d: %w", year, err)
			}
			lastErr = err
			c.logger.Error(ctx, "[FETCH_YEAR_FAILED] Archive year skipped", logging.Fields{
				"year":  year,
				"stage": "fetch",
			}, err)
			continue
		}
		if err := appendChunk(table, days); err != nil {
			return nil, fmt.Errorf("year %d: %w", year, err)
		}
		fetched++
		c.logger.Info(ctx, "[FETCH_YEAR] Archive year fetched", logging.Fields{
			"year":  year,
			"stage": "fetch",
		})
	}

	if fetched == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no years requested")
		}
		return nil, fmt.Errorf("failed to fetch any year: %w", lastErr)
	}
	table.SortByDate()
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func (c *ArchiveClient) fetchChunk(ctx context.Context, from, to time.Time) (*archiveResponse, error) {
	var err error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * c.cfg.RetryBackoff
			c.logger.Warn(ctx, "[FETCH_RETRY] Retrying archive request", logging.Fields{
				"from":    from.Format(dateLayout),
				"attempt": attempt + 1,
				"wait_ms": wait.Milliseconds(),
			})
			if werr := sleep(ctx, wait); werr != nil {
				return nil, werr
			}
		}

		var resp *archiveResponse
		resp, err = c.request(ctx, from, to)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, err
}

// retryable reports whether err may clear on a later attempt. Only a
// non-transient status answer is final.
func retryable(err error) bool {
	var se *ArchiveStatusError
	if errors.As(err, &se) {
		return se.IsTransient()
	}
	return true
}

func (c *ArchiveClient) request(ctx context.Context, from, to time.Time) (*archiveResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	daily := make([]string, len(archiveDailyVariables))
	for i, v := range archiveDailyVariables {
		daily[i] = v.name
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.cfg.Longitude, 'f', -1, 64))
	q.Set("start_date", from.Format(dateLayout))
	q.Set("end_date", to.Format(dateLayout))
	q.Set("daily", strings.Join(daily, ","))
	q.Set("hourly", archiveSoilVariable)
	q.Set("timezone", c.cfg.Timezone)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ArchiveStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out archiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// appendChunk adds one response to table. Hourly soil moisture is averaged per day.
func appendChunk(table *models.DailyTable, resp *archiveResponse) error {
	var times []string
	if err := decodeSeries(resp.Daily, "time", &times); err != nil {
		return err
	}

	series := make([][]*float64, len(archiveDailyVariables))
	for i, v := range archiveDailyVariables {
		if err := decodeSeries(resp.Daily, v.name, &series[i]); err != nil {
			return err
		}
	}
	soil, err := dailySoil(resp.Hourly)
	if err != nil {
		return err
	}

	row := make([]float64, len(models.DailyFields))
	for i, ts := range times {
		date, err := parseDate(ts)
		if err != nil {
			return err
		}
		for j := range row {
			row[j] = math.NaN()
		}
		for j, v := range archiveDailyVariables {
			if i < len(series[j]) && series[j][i] != nil {
				row[fieldIndex(v.field)] = *series[j][i]
			}
		}
		if m, ok := soil[date.Format(dateLayout)]; ok {
			row[fieldIndex(models.FieldSoilMoisture)] = m
		}
		table.Append(date, row...)
	}
	return nil
}

func dailySoil(hourly map[string]json.RawMessage) (map[string]float64, error) {
	if len(hourly) == 0 {
		return nil, nil
	}
	var times []string
	var values []*float64
	if err := decodeSeries(hourly, "time", &times); err != nil {
		return nil, err
	}
	if err := decodeSeries(hourly, archiveSoilVariable, &values); err != nil {
		return nil, err
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i, ts := range times {
		if i >= len(values) || values[i] == nil {
			continue
		}
		day := ts
		if len(day) > len(dateLayout) {
			day = day[:len(dateLayout)]
		}
		sums[day] += *values[i]
		counts[day]++
	}
	out := make(map[string]float64, len(sums))
	for day, s := range sums {
		out[day] = s / float64(counts[day])
	}
	return out, nil
}

func decodeSeries(block map[string]json.RawMessage, key string, dst interface{}) error {
	raw, ok := block[key]
	if !ok {
		return &models.MissingColumnError{Stage: "fetch", Column: key}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func fieldIndex(field string) int {
	for i, f := range models.DailyFields {
		if f == field {
			return i
		}
	}
	return -1
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
