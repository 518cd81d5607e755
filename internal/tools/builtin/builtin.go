// Package builtin holds the tools registered at startup.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldline/internal/domain"
	"fieldline/internal/knowledge"
	"fieldline/internal/provider"
	"fieldline/internal/tools"
)

const (
	Weather          = "weather"
	MarketData       = "market_data"
	Schemes          = "schemes"
	DiseaseLookup    = "disease_lookup"
	FertilizerAdvice = "fertilizer_advice"
	FarmStatus       = "farm_status"
)

type ProjectLister interface {
	ListActiveProjects(ctx context.Context, farmerID string) ([]domain.Project, error)
}

type Deps struct {
	Weather  provider.Weather
	Market   provider.Market
	Catalog  *knowledge.Catalog
	Projects ProjectLister
	Now      func() time.Time
}

// Definitions returns every builtin tool whose collaborator is present.
func Definitions(d Deps) []tools.Definition {
	var defs []tools.Definition
	if d.Weather != nil {
		defs = append(defs, weatherTool(d.Weather))
	}
	if d.Market != nil {
		defs = append(defs, marketTool(d.Market))
	}
	if d.Catalog != nil {
		defs = append(defs, schemesTool(d.Catalog), diseaseTool(d.Catalog), fertilizerTool(d.Catalog))
	}
	if d.Projects != nil {
		now := d.Now
		if now == nil {
			now = time.Now
		}
		defs = append(defs, farmStatusTool(d.Projects, now))
	}
	return defs
}

func weatherTool(w provider.Weather) tools.Definition {
	return tools.Definition{
		Name:        Weather,
		Description: "Current conditions and three day forecast for a location.",
		Parameters: map[string]tools.Param{
			"lat": {Type: "number", Required: true},
			"lon": {Type: "number", Required: true},
		},
		ReadOnly: true,
		Invoke: func(ctx context.Context, p map[string]any) (any, error) {
			lat, err := floatParam(p, "lat")
			if err != nil {
				return nil, err
			}
			lon, err := floatParam(p, "lon")
			if err != nil {
				return nil, err
			}
			snap, err := w.Snapshot(ctx, lat, lon)
			return snap, err
		},
	}
}

func marketTool(m provider.Market) tools.Definition {
	return tools.Definition{
		Name:        MarketData,
		Description: "Latest mandi prices for a commodity, optionally within a state.",
		Parameters: map[string]tools.Param{
			"commodity": {Type: "string", Required: true},
			"region":    {Type: "string"},
		},
		ReadOnly: true,
		Invoke: func(ctx context.Context, p map[string]any) (any, error) {
			prices, err := m.Prices(ctx, stringParam(p, "commodity"), stringParam(p, "region"))
			if err != nil {
				return nil, err
			}
			return prices, nil
		},
	}
}

func schemesTool(c *knowledge.Catalog) tools.Definition {
	return tools.Definition{
		Name:        Schemes,
		Description: "Government schemes, subsidies and credit relevant to the question.",
		Parameters:  map[string]tools.Param{"query": {Type: "string"}},
		ReadOnly:    true,
		Invoke: func(_ context.Context, p map[string]any) (any, error) {
			return c.FindSchemes(stringParam(p, "query")), nil
		},
	}
}

func diseaseTool(c *knowledge.Catalog) tools.Definition {
	return tools.Definition{
		Name:        DiseaseLookup,
		Description: "Symptoms and treatment for crop diseases and pests.",
		Parameters: map[string]tools.Param{
			"crop":  {Type: "string"},
			"query": {Type: "string"},
		},
		ReadOnly: true,
		Invoke: func(_ context.Context, p map[string]any) (any, error) {
			found := c.FindDiseases(stringParam(p, "crop"), stringParam(p, "query"))
			if len(found) == 0 {
				return nil, errors.New("no matching disease in catalog")
			}
			return found, nil
		},
	}
}

func fertilizerTool(c *knowledge.Catalog) tools.Definition {
	return tools.Definition{
		Name:        FertilizerAdvice,
		Description: "Fertilizer guidance by crop and growth stage.",
		Parameters: map[string]tools.Param{
			"crop":  {Type: "string", Required: true},
			"stage": {Type: "string"},
		},
		ReadOnly: true,
		Invoke: func(_ context.Context, p map[string]any) (any, error) {
			advice, ok := c.FertilizerFor(stringParam(p, "crop"), stringParam(p, "stage"))
			if !ok {
				return nil, fmt.Errorf("no fertilizer guidance for %s", stringParam(p, "crop"))
			}
			return advice, nil
		},
	}
}

// ProjectStatus is the farm_status view of one project.
type ProjectStatus struct {
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Crop           string `json:"crop"`
	Stage          string `json:"stage,omitempty"`
	PendingTasks   int    `json:"pending_tasks"`
	OverdueTasks   int    `json:"overdue_tasks"`
	Alerts         int    `json:"alerts"`
	CriticalAlerts int    `json:"critical_alerts"`
}

func farmStatusTool(projects ProjectLister, now func() time.Time) tools.Definition {
	return tools.Definition{
		Name:        FarmStatus,
		Description: "Summary of the farmer's active projects, tasks and alerts.",
		Parameters:  map[string]tools.Param{"farmer_id": {Type: "string", Required: true}},
		Invoke: func(ctx context.Context, p map[string]any) (any, error) {
			list, err := projects.ListActiveProjects(ctx, stringParam(p, "farmer_id"))
			if err != nil {
				return nil, err
			}
			at := now()
			out := make([]ProjectStatus, 0, len(list))
			for _, pr := range list {
				st := ProjectStatus{ProjectID: pr.ID, Name: pr.Name, Crop: pr.CropName, Stage: pr.CropDetails.GrowthStage, Alerts: len(pr.Workflows.Alerts)}
				for _, t := range pr.Workflows.Tasks {
					if t.Completed() {
						continue
					}
					st.PendingTasks++
					if t.DueDate != nil && t.DueDate.Before(at) {
						st.OverdueTasks++
					}
				}
				for _, a := range pr.Workflows.Alerts {
					if a.Severity == domain.SeverityCritical {
						st.CriticalAlerts++
					}
				}
				out = append(out, st)
			}
			return out, nil
		},
	}
}

func stringParam(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func floatParam(p map[string]any, key string) (float64, error) {
	switch v := p[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number", tools.ErrInvalidParams, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s is not a number", tools.ErrInvalidParams, key)
	}
}
