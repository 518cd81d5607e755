package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// MarketHTTP reads mandi prices from a JSON endpoint shaped like the Agmarknet
// open-data feed.
type MarketHTTP struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Limit   int
}

type marketRecord struct {
	Commodity   string `json:"commodity"`
	Market      string `json:"market"`
	State       string `json:"state"`
	MinPrice    any    `json:"min_price"`
	MaxPrice    any    `json:"max_price"`
	ModalPrice  any    `json:"modal_price"`
	ArrivalDate string `json:"arrival_date"`
}

func (m MarketHTTP) Prices(ctx context.Context, commodity, region string) ([]Price, error) {
	if m.BaseURL == "" {
		return nil, unavailable("market", 0, errors.New("market_base_url not configured"))
	}
	q := url.Values{}
	q.Set("format", "json")
	if m.APIKey != "" {
		q.Set("api-key", m.APIKey)
	}
	if commodity != "" {
		q.Set("filters[commodity]", titleCase(commodity))
	}
	if region != "" {
		q.Set("filters[state]", titleCase(region))
	}
	limit := m.Limit
	if limit <= 0 {
		limit = 10
	}
	q.Set("limit", strconv.Itoa(limit))

	var body struct {
		Records []marketRecord `json:"records"`
	}
	if err := getJSON(ctx, m.Client, "market", m.BaseURL+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	prices := make([]Price, 0, len(body.Records))
	for _, r := range body.Records {
		prices = append(prices, Price{
			Commodity: r.Commodity,
			Market:    r.Market,
			Region:    r.State,
			MinPrice:  number(r.MinPrice),
			MaxPrice:  number(r.MaxPrice),
			Modal:     number(r.ModalPrice),
			Unit:      "Rs/quintal",
			Date:      r.ArrivalDate,
		})
	}
	return prices, nil
}

// number accepts the feed's habit of quoting numbers as strings.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	}
	return 0
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
