package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
)

const openMeteoBody = `{
  "current": {"time": "2024-05-01T12:00", "temperature_2m": 44.2, "relative_humidity_2m": 50, "wind_speed_10m": 12.5},
  "daily": {
    "time": ["2024-05-01", "2024-05-02", "2024-05-03"],
    "precipitation_sum": [0.0, 1.2, 0.4],
    "temperature_2m_min": [28.1, 27.5, 26.0],
    "temperature_2m_max": [44.9, 43.0, 41.2]
  }
}`

func TestOpenMeteoSnapshot(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openMeteoBody))
	}))
	defer srv.Close()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	om := OpenMeteo{BaseURL: srv.URL, Client: srv.Client(), Now: func() time.Time { return fixed }}

	snap, err := om.Snapshot(context.Background(), 30.9, 75.85)
	require.NoError(t, err)
	assert.Equal(t, 44.2, snap.Current.TempC)
	assert.Equal(t, 12.5, snap.Current.WindSpeedKmh)
	require.Len(t, snap.Daily, 3)
	assert.Equal(t, "2024-05-02", snap.Daily[1].Date)
	assert.InDelta(t, 1.6, snap.RainOver(3), 1e-9)
	assert.Equal(t, fixed, snap.FetchedAt)
	assert.Contains(t, gotQuery, "forecast_days=3")
	assert.Contains(t, gotQuery, "latitude=30.9000")
}

func TestOpenMeteoFailuresAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := OpenMeteo{BaseURL: srv.URL}.Snapshot(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.True(t, ue.Transient())
	assert.False(t, (&UnavailableError{Status: 404}).Transient())
}

func TestMarketPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Wheat", r.URL.Query().Get("filters[commodity]"))
		assert.Equal(t, "Punjab", r.URL.Query().Get("filters[state]"))
		_, _ = w.Write([]byte(`{"records":[{"commodity":"Wheat","market":"Khanna","state":"Punjab","min_price":"2200","max_price":"2350","modal_price":2275,"arrival_date":"01/05/2024"}]}`))
	}))
	defer srv.Close()
	m := MarketHTTP{BaseURL: srv.URL, Client: srv.Client()}
	prices, err := m.Prices(context.Background(), "wheat", "punjab")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 2200.0, prices[0].MinPrice)
	assert.Equal(t, 2275.0, prices[0].Modal)
	assert.Equal(t, "Khanna", prices[0].Market)

	_, err = MarketHTTP{}.Prices(context.Background(), "wheat", "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

type countingWeather struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingWeather) Snapshot(context.Context, float64, float64) (domain.WeatherSnapshot, error) {
	c.calls.Add(1)
	if c.fail {
		return domain.WeatherSnapshot{}, &UnavailableError{Provider: "weather", Err: errors.New("down")}
	}
	return domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: 30}}, nil
}

func TestCachedWeather(t *testing.T) {
	inner := &countingWeather{}
	cw, err := NewCachedWeather(inner, 4, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cw.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = cw.Snapshot(ctx, 30.901, 75.849)
	require.NoError(t, err)
	_, err = cw.Snapshot(ctx, 30.899, 75.851)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "nearby coordinates share an entry")

	now = now.Add(2 * time.Minute)
	_, _ = cw.Snapshot(ctx, 30.9, 75.85)
	assert.Equal(t, int32(2), inner.calls.Load())

	inner.fail = true
	_, err = cw.Snapshot(ctx, 10, 10)
	assert.Error(t, err)
	_, _ = cw.Snapshot(ctx, 10, 10)
	assert.Equal(t, int32(4), inner.calls.Load())
}

func TestGeminiGenerate(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompts = append(prompts, string(body))
		assert.True(t, strings.Contains(r.URL.Path, "gemini-test:generateContent"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":" Irrigate tonight. "}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), "test-key", "gemini-test", srv.URL)
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), Prompt{Mode: ModeReason, Query: "should I irrigate", Context: "weather: hot"})
	require.NoError(t, err)
	assert.Equal(t, "Irrigate tonight.", out)

	sum, err := g.Summarize(context.Background(), "heat stress alert", Constraints{MaxWords: 20})
	require.NoError(t, err)
	assert.NotEmpty(t, sum)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "at most 20 words")

	_, err = g.Generate(context.Background(), Prompt{Mode: "poetry"})
	assert.Error(t, err)
	_, err = NewGemini(context.Background(), "", "", "")
	assert.Error(t, err)
}
