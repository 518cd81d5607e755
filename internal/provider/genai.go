package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini implements Summarizer and Reasoner on the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client for apiKey. baseURL is empty outside of tests.
func NewGemini(ctx context.Context, apiKey, model, baseURL string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Summarize(ctx context.Context, prompt string, c Constraints) (string, error) {
	maxWords := c.MaxWords
	if maxWords <= 0 {
		maxWords = 40
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize for a farmer in at most %d words", maxWords)
	if c.Language != "" {
		fmt.Fprintf(&b, " in %s", c.Language)
	}
	b.WriteString(". Be concrete and practical.\n\n")
	b.WriteString(prompt)
	return g.generate(ctx, b.String(), int32(maxWords*3))
}

func (g *Gemini) Generate(ctx context.Context, p Prompt) (string, error) {
	var b strings.Builder
	switch p.Mode {
	case ModeSynthesize:
		b.WriteString("Answer the farmer's question using only the data below. Keep it short.\n\n")
	case ModeReason:
		b.WriteString("You are an agronomy advisor. Use the data below, reason about the farmer's situation and give clear next steps.\n\n")
	default:
		return "", fmt.Errorf("unknown prompt mode %q", p.Mode)
	}
	fmt.Fprintf(&b, "Question: %s\n\nData:\n%s", p.Query, p.Context)
	return g.generate(ctx, b.String(), 1024)
}

func (g *Gemini) generate(ctx context.Context, prompt string, maxTokens int32) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return "", unavailable("genai", 0, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", unavailable("genai", 0, errors.New("empty response"))
	}
	return text, nil
}
