package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fieldline/internal/domain"
)

const defaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

// OpenMeteo fetches current conditions and a three day forecast.
type OpenMeteo struct {
	BaseURL string
	Client  *http.Client
	Days    int
	Now     func() time.Time
}

type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time          []string  `json:"time"`
		Precipitation []float64 `json:"precipitation_sum"`
		TempMin       []float64 `json:"temperature_2m_min"`
		TempMax       []float64 `json:"temperature_2m_max"`
	} `json:"daily"`
}

func (o OpenMeteo) Snapshot(ctx context.Context, lat, lon float64) (domain.WeatherSnapshot, error) {
	base := o.BaseURL
	if base == "" {
		base = defaultOpenMeteoURL
	}
	days := o.Days
	if days <= 0 {
		days = 3
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m")
	q.Set("daily", "precipitation_sum,temperature_2m_min,temperature_2m_max")
	q.Set("forecast_days", strconv.Itoa(days))
	q.Set("timezone", "auto")

	var body openMeteoResponse
	if err := getJSON(ctx, o.Client, "weather", base+"?"+q.Encode(), &body); err != nil {
		return domain.WeatherSnapshot{}, err
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	snap := domain.WeatherSnapshot{
		Current: domain.CurrentWeather{
			TempC:        body.Current.Temperature,
			Humidity:     body.Current.Humidity,
			WindSpeedKmh: body.Current.WindSpeed,
		},
		FetchedAt: now().UTC(),
	}
	for i, day := range body.Daily.Time {
		snap.Daily = append(snap.Daily, domain.DailyWeather{
			Date:    day,
			RainMm:  at(body.Daily.Precipitation, i),
			TempMin: at(body.Daily.TempMin, i),
			TempMax: at(body.Daily.TempMax, i),
		})
	}
	return snap, nil
}

func at(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func getJSON(ctx context.Context, client *http.Client, provider, target string, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return unavailable(provider, 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return unavailable(provider, resp.StatusCode, fmt.Errorf("%s", snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailable(provider, resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	return nil
}
