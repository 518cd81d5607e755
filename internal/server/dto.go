package server

import (
	"time"

	"fieldline/internal/alerts"
	"fieldline/internal/domain"
	"fieldline/internal/intent"
	"fieldline/internal/router"
	"fieldline/internal/safety"
	"fieldline/internal/tools"
)

// Request payloads

type CreateProjectRequest struct {
	Name            string     `json:"name" minLength:"1"`
	CropName        string     `json:"crop_name" minLength:"1"`
	Lat             float64    `json:"lat" minimum:"-90" maximum:"90"`
	Lon             float64    `json:"lon" minimum:"-180" maximum:"180"`
	GrowthStage     string     `json:"growth_stage,omitempty"`
	PlantingDate    *time.Time `json:"planting_date,omitempty"`
	SowingWindowEnd *time.Time `json:"sowing_window_end,omitempty"`
}

type UpdateProjectRequest struct {
	Name            *string    `json:"name,omitempty"`
	GrowthStage     *string    `json:"growth_stage,omitempty"`
	PlantingDate    *time.Time `json:"planting_date,omitempty"`
	SowingWindowEnd *time.Time `json:"sowing_window_end,omitempty"`
}

type CreateTaskRequest struct {
	Label   string     `json:"label" minLength:"1"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

type QueryRequest struct {
	Query string `json:"query" minLength:"1"`
}

type TextRequest struct {
	Text string `json:"text"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	FarmerID string `json:"farmer_id"`
}

// Responses

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
}

type AskResponse struct {
	Answer     string              `json:"answer"`
	Route      intent.Route        `json:"route"`
	Confidence float64             `json:"confidence"`
	Strategy   router.Strategy     `json:"strategy"`
	Tools      []router.ToolReport `json:"tools"`
	Verdict    safety.Verdict      `json:"verdict"`
	Fallback   bool                `json:"fallback"`
}

func askResponse(r router.Response) AskResponse {
	return AskResponse{
		Answer:     r.Answer,
		Route:      r.Classification.Route,
		Confidence: r.Classification.Confidence,
		Strategy:   r.Strategy,
		Tools:      nonNilSlice(r.Tools),
		Verdict:    verdictResponse(r.Verdict),
		Fallback:   r.Fallback,
	}
}

type RefreshResponse = alerts.Report

type TelemetryResponse struct {
	Items []domain.Event `json:"items"`
}

type ToolResponse struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]tools.Param `json:"parameters"`
	ReadOnly    bool                   `json:"read_only"`
	TimeoutMs   int64                  `json:"timeout_ms,omitempty"`
}

func toolResponses(defs []tools.Definition) []ToolResponse {
	out := make([]ToolResponse, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]tools.Param{}
		}
		out = append(out, ToolResponse{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
			ReadOnly:    d.ReadOnly,
			TimeoutMs:   d.Timeout.Milliseconds(),
		})
	}
	return out
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	FarmerID  string `json:"farmer_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Only returned on creation."`
	CreatedAt string `json:"created_at"`
}

type APIKeyListResponse struct {
	Items []APIKeyResponse `json:"items"`
}

// apiKeyResponses never carries hashes or raw keys.
func apiKeyResponses(keys []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyResponse{ID: k.ID, FarmerID: k.FarmerID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	FarmerID string `json:"farmer_id"`
	Source   string `json:"source"`
}

func verdictResponse(v safety.Verdict) safety.Verdict {
	v.RulesTriggered = nonNilSlice(v.RulesTriggered)
	return v
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
