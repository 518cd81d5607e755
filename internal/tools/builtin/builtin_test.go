package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
	"fieldline/internal/knowledge"
	"fieldline/internal/provider"
	"fieldline/internal/tools"
)

type stubWeather struct{}

func (stubWeather) Snapshot(_ context.Context, lat, lon float64) (domain.WeatherSnapshot, error) {
	return domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: lat + lon}}, nil
}

type stubMarket struct{}

func (stubMarket) Prices(_ context.Context, commodity, region string) ([]provider.Price, error) {
	return []provider.Price{{Commodity: commodity, Region: region, Modal: 2275}}, nil
}

type stubProjects []domain.Project

func (s stubProjects) ListActiveProjects(context.Context, string) ([]domain.Project, error) {
	return s, nil
}

func TestBuiltinsThroughHarness(t *testing.T) {
	catalog, err := knowledge.Load()
	require.NoError(t, err)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	overdue := now.Add(-48 * time.Hour)
	projects := stubProjects{{
		ID: "p1", Name: "North", CropName: "wheat", CropDetails: domain.CropDetails{GrowthStage: "flowering"},
		Workflows: domain.Workflows{
			Tasks:  []domain.Task{{ID: "t1", Label: "spray", DueDate: &overdue, Status: domain.TaskPending}, {ID: "t2", Label: "done", Status: domain.TaskCompleted}},
			Alerts: []domain.Alert{{Key: "k", Severity: domain.SeverityCritical}},
		},
	}}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Ensure(Definitions(Deps{
		Weather: stubWeather{}, Market: stubMarket{}, Catalog: catalog, Projects: projects,
		Now: func() time.Time { return now },
	})...))
	assert.Len(t, reg.List(), 6)

	h := tools.NewHarness(reg, tools.Options{Retry: tools.RetryPolicy{MaxAttempts: 1}})
	outs := h.ExecuteMany(context.Background(), []tools.Request{
		{Tool: Weather, Params: map[string]any{"lat": 30.0, "lon": "75.5"}},
		{Tool: MarketData, Params: map[string]any{"commodity": "wheat", "region": "Punjab"}},
		{Tool: Schemes, Params: map[string]any{"query": "crop insurance"}},
		{Tool: DiseaseLookup, Params: map[string]any{"crop": "rice", "query": "blast"}},
		{Tool: FertilizerAdvice, Params: map[string]any{"crop": "wheat", "stage": "sowing"}},
		{Tool: FarmStatus, Params: map[string]any{"farmer_id": "f1"}},
		{Tool: Weather, Params: map[string]any{"lat": "north", "lon": 1}},
		{Tool: FertilizerAdvice},
	})
	for i, out := range outs[:6] {
		require.True(t, out.Succeeded, "slot %d: %v", i, out.Err)
	}
	assert.Equal(t, 105.5, outs[0].Result.(domain.WeatherSnapshot).Current.TempC)
	assert.Equal(t, "PMFBY", outs[2].Result.([]knowledge.Scheme)[0].Name)
	status := outs[5].Result.([]ProjectStatus)
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].PendingTasks)
	assert.Equal(t, 1, status[0].OverdueTasks)
	assert.Equal(t, 1, status[0].CriticalAlerts)

	assert.ErrorIs(t, outs[6].Err, tools.ErrInvalidParams)
	assert.ErrorIs(t, outs[7].Err, tools.ErrInvalidParams)
}

func TestDefinitionsSkipMissingCollaborators(t *testing.T) {
	defs := Definitions(Deps{})
	assert.Empty(t, defs)
}
