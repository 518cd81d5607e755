package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"fieldline/internal/domain"
)

type weatherEntry struct {
	snap     domain.WeatherSnapshot
	storedAt time.Time
}

// CachedWeather memoizes snapshots per rounded coordinate. Failures are not cached.
type CachedWeather struct {
	inner   Weather
	entries *lru.Cache[string, weatherEntry]
	ttl     time.Duration
	now     func() time.Time
}

func NewCachedWeather(inner Weather, size int, ttl time.Duration) (*CachedWeather, error) {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	entries, err := lru.New[string, weatherEntry](size)
	if err != nil {
		return nil, fmt.Errorf("weather cache: %w", err)
	}
	return &CachedWeather{inner: inner, entries: entries, ttl: ttl, now: time.Now}, nil
}

func (c *CachedWeather) Snapshot(ctx context.Context, lat, lon float64) (domain.WeatherSnapshot, error) {
	key := fmt.Sprintf("%.2f,%.2f", round2(lat), round2(lon))
	if e, ok := c.entries.Get(key); ok && c.now().Sub(e.storedAt) < c.ttl {
		return e.snap, nil
	}
	snap, err := c.inner.Snapshot(ctx, lat, lon)
	if err != nil {
		return domain.WeatherSnapshot{}, err
	}
	c.entries.Add(key, weatherEntry{snap: snap, storedAt: c.now()})
	return snap, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
