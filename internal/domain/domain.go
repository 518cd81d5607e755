package domain

import "time"

const (
	ProjectActive   = "active"
	ProjectArchived = "archived"

	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Growth stages known to the decision tables. Projects may carry other values.
const (
	StagePlanning   = "planning"
	StageSowing     = "sowing"
	StageVegetative = "vegetative"
	StageFlowering  = "flowering"
	StageFruiting   = "fruiting"
	StageMaturity   = "maturity"
	StageHarvest    = "harvest"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type CropDetails struct {
	GrowthStage     string     `json:"growth_stage,omitempty"`
	PlantingDate    *time.Time `json:"planting_date,omitempty"`
	SowingWindowEnd *time.Time `json:"sowing_window_end,omitempty"`
}

type Workflows struct {
	Tasks  []Task  `json:"tasks"`
	Alerts []Alert `json:"alerts"`
}

// Project is a farmer's per-crop workspace. The core reads tasks and merges alerts;
// lifecycle belongs to the persistence layer.
type Project struct {
	ID          string      `json:"id"`
	FarmerID    string      `json:"farmer_id"`
	Name        string      `json:"name"`
	CropName    string      `json:"crop_name"`
	Status      string      `json:"status" enum:"active,archived"`
	Location    Location    `json:"location"`
	CropDetails CropDetails `json:"crop_details"`
	Workflows   Workflows   `json:"workflows"`
	CreatedAt   time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time   `json:"updated_at" format:"date-time"`
}

// AlertKeys returns the set of dedup keys already stored on the project.
func (p Project) AlertKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(p.Workflows.Alerts))
	for _, a := range p.Workflows.Alerts {
		keys[a.Key] = struct{}{}
	}
	return keys
}

type Task struct {
	ID      string     `json:"id"`
	Label   string     `json:"label"`
	DueDate *time.Time `json:"due_date,omitempty"`
	Status  string     `json:"status" enum:"pending,completed"`
}

func (t Task) Completed() bool { return t.Status == TaskCompleted }

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity" enum:"low,medium,high,critical"`
	Message   string    `json:"message"`
	AISummary string    `json:"ai_summary,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Priority spellings are persisted by downstream consumers; do not rename.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityUrgent    Priority = "urgent"
	PriorityProactive Priority = "proactive"
	PriorityPlanning  Priority = "planning"
	PriorityTip       Priority = "tip"
)

type Recommendation struct {
	Text      string   `json:"text"`
	Priority  Priority `json:"priority" enum:"critical,urgent,proactive,planning,tip"`
	ProjectID string   `json:"project_id,omitempty"`
	Tier      string   `json:"tier"`
}

type CurrentWeather struct {
	TempC        float64 `json:"temp"`
	Humidity     float64 `json:"humidity"`
	WindSpeedKmh float64 `json:"wind_speed"`
}

type DailyWeather struct {
	Date    string  `json:"date"`
	RainMm  float64 `json:"rain_mm"`
	TempMin float64 `json:"temp_min"`
	TempMax float64 `json:"temp_max"`
}

type WeatherSnapshot struct {
	Current   CurrentWeather `json:"current"`
	Daily     []DailyWeather `json:"daily"`
	FetchedAt time.Time      `json:"fetched_at" format:"date-time"`
}

// RainOver sums forecast rainfall over the first n days.
func (w WeatherSnapshot) RainOver(n int) float64 {
	total := 0.0
	for i, d := range w.Daily {
		if i >= n {
			break
		}
		total += d.RainMm
	}
	return total
}

// Event is one telemetry record. IDs grow with insertion order.
type Event struct {
	ID        int64          `json:"id"`
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	FarmerID  string `json:"farmer_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
