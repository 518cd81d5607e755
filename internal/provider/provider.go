// Package provider defines the collaborators the advisory core reaches through
// narrow interfaces, with HTTP and Gemini adapters for them.
package provider

import (
	"context"
	"errors"
	"fmt"

	"fieldline/internal/domain"
)

var ErrProviderUnavailable = errors.New("provider unavailable")

// UnavailableError reports an unreachable or failing collaborator. It matches
// ErrProviderUnavailable and is retryable for network errors, 429 and 5xx.
type UnavailableError struct {
	Provider string
	Status   int
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s unavailable (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

func (e *UnavailableError) Transient() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

func unavailable(provider string, status int, err error) error {
	return &UnavailableError{Provider: provider, Status: status, Err: err}
}

type Weather interface {
	Snapshot(ctx context.Context, lat, lon float64) (domain.WeatherSnapshot, error)
}

// Price is one mandi quote.
type Price struct {
	Commodity string  `json:"commodity"`
	Market    string  `json:"market"`
	Region    string  `json:"region"`
	MinPrice  float64 `json:"min_price"`
	MaxPrice  float64 `json:"max_price"`
	Modal     float64 `json:"modal_price"`
	Unit      string  `json:"unit"`
	Date      string  `json:"date"`
}

type Market interface {
	Prices(ctx context.Context, commodity, region string) ([]Price, error)
}

// Constraints bound a generated summary.
type Constraints struct {
	MaxWords int
	Language string
}

// Summarizer produces short text for alert enrichment.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, c Constraints) (string, error)
}

type Mode string

const (
	ModeSynthesize Mode = "synthesize"
	ModeReason     Mode = "reason"
)

// Prompt is what the router hands to the reasoning collaborator.
type Prompt struct {
	Mode    Mode
	Query   string
	Context string
}

type Reasoner interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}
