package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/provider"
	"fieldline/internal/repo"
)

type memStore struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	order    []string
	writes   int
}

func newMemStore(ps ...domain.Project) *memStore {
	s := &memStore{projects: map[string]domain.Project{}}
	for _, p := range ps {
		s.projects[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

func (s *memStore) ListActiveProjects(_ context.Context, farmerID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, id := range s.order {
		p := s.projects[id]
		if p.FarmerID == farmerID && p.Status == domain.ProjectActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *memStore) UpdateProject(_ context.Context, id string, patch repo.Patch) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	if patch.Alerts != nil {
		p.Workflows.Alerts = append([]domain.Alert(nil), (*patch.Alerts)...)
	}
	s.projects[id] = p
	s.writes++
	return p, nil
}

type fixedWeather struct {
	snap domain.WeatherSnapshot
	err  error
}

func (f fixedWeather) Snapshot(context.Context, float64, float64) (domain.WeatherSnapshot, error) {
	return f.snap, f.err
}

type summarizerFunc func(ctx context.Context, prompt string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, prompt string, _ provider.Constraints) (string, error) {
	return f(ctx, prompt)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *eventLog) Emit(t string, payload map[string]any) domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evt := domain.Event{ID: int64(len(e.events) + 1), Type: t, Payload: payload}
	e.events = append(e.events, evt)
	return evt
}

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func alertsConfig() config.AlertsConfig {
	return config.Default().Alerts
}

func wheatProject(id string) domain.Project {
	return domain.Project{
		ID:          id,
		FarmerID:    "farmer-1",
		Name:        "Plot " + id,
		CropName:    "wheat",
		Status:      domain.ProjectActive,
		Location:    domain.Location{Lat: 30.9, Lon: 75.8},
		CropDetails: domain.CropDetails{GrowthStage: domain.StageFlowering},
	}
}

func hotHumid() domain.WeatherSnapshot {
	return domain.WeatherSnapshot{
		Current: domain.CurrentWeather{TempC: 46, Humidity: 88, WindSpeedKmh: 25},
		Daily: []domain.DailyWeather{
			{Date: "2024-05-10", RainMm: 30},
			{Date: "2024-05-11", RainMm: 25},
			{Date: "2024-05-12", RainMm: 10},
		},
	}
}

func newGen(store Store, opts Options) *Generator {
	if opts.Config.MaxPerProject == 0 {
		opts.Config = alertsConfig()
	}
	opts.Now = func() time.Time { return testNow }
	return NewGenerator(store, opts)
}

func types(alerts []domain.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestRunIsIdempotentWithinADay(t *testing.T) {
	store := newMemStore(wheatProject("p1"))
	events := &eventLog{}
	g := newGen(store, Options{Weather: fixedWeather{snap: hotHumid()}, Events: events})
	ctx := context.Background()

	first, err := g.Run(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 4, first.Added["p1"])

	p, _ := store.GetProject(ctx, "p1")
	assert.Equal(t, []string{"heat_stress", "disease_risk", "rainfall_excess", "spray_wind_risk"}, types(p.Workflows.Alerts))
	assert.Equal(t, domain.SeverityCritical, p.Workflows.Alerts[0].Severity)
	assert.Equal(t, "heat_stress:p1:2024-05-10", p.Workflows.Alerts[0].Key)

	second, err := g.Run(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added["p1"])
	assert.Equal(t, 0, second.Total)
	assert.Equal(t, 1, store.writes, "a pass with nothing new must not write")

	require.Len(t, events.events, 2)
	assert.Equal(t, "alerts.generated", events.events[0].Type)
	assert.Equal(t, 4, events.events[0].Payload["added"])
}

func TestKeysAreDeterministic(t *testing.T) {
	g := newGen(newMemStore(), Options{})
	w := hotHumid()
	a := g.Candidates(wheatProject("p1"), &w, testNow)
	b := g.Candidates(wheatProject("p1"), &w, testNow.Add(3*time.Hour))
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Key, b[i].Key)
		assert.Equal(t, a[i].ID, b[i].ID)
	}
	assert.Equal(t, "rainfall_excess:p1:2024-05-10", Key(RainfallExcess, "p1", testNow))
}

func TestWeatherFailureKeepsIndependentRules(t *testing.T) {
	p := wheatProject("p1")
	due := testNow.Add(-5 * 24 * time.Hour)
	p.Workflows.Tasks = []domain.Task{
		{ID: "t1", Label: "weed", DueDate: &due, Status: domain.TaskPending},
		{ID: "t2", Label: "spray", DueDate: &due, Status: domain.TaskCompleted},
	}
	store := newMemStore(p)
	g := newGen(store, Options{Weather: fixedWeather{err: errors.New("boom")}})

	report, err := g.Run(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.WeatherErrors)
	assert.Equal(t, 1, report.Added["p1"])

	got, _ := store.GetProject(context.Background(), "p1")
	require.Len(t, got.Workflows.Alerts, 1)
	assert.Equal(t, "task_overdue:p1/t1:2024-05-10", got.Workflows.Alerts[0].Key)
	assert.Equal(t, domain.SeverityHigh, got.Workflows.Alerts[0].Severity)
	assert.Contains(t, got.Workflows.Alerts[0].Message, "5 day(s) overdue")
}

func TestEnrichmentIsBestEffort(t *testing.T) {
	store := newMemStore(wheatProject("p1"))
	calls := 0
	sum := summarizerFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return "Irrigate after sunset.", nil
		}
		if calls == 2 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "", errors.New("quota")
	})
	cfg := alertsConfig()
	cfg.EnrichTimeout = 20 * time.Millisecond
	g := newGen(store, Options{Config: cfg, Weather: fixedWeather{snap: hotHumid()}, Summarizer: sum})

	report, err := g.Run(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	got, _ := store.GetProject(context.Background(), "p1")
	assert.Equal(t, "Irrigate after sunset.", got.Workflows.Alerts[0].AISummary)
	for _, a := range got.Workflows.Alerts[1:] {
		assert.Empty(t, a.AISummary)
	}
}

func TestCapTruncatesOldest(t *testing.T) {
	p := wheatProject("p1")
	for i := 0; i < 3; i++ {
		p.Workflows.Alerts = append(p.Workflows.Alerts, domain.Alert{ID: string(rune('a' + i)), Key: "old:" + string(rune('a'+i))})
	}
	store := newMemStore(p)
	cfg := alertsConfig()
	cfg.MaxPerProject = 5
	g := newGen(store, Options{Config: cfg, Weather: fixedWeather{snap: hotHumid()}})

	_, err := g.Run(context.Background(), "farmer-1")
	require.NoError(t, err)
	got, _ := store.GetProject(context.Background(), "p1")
	require.Len(t, got.Workflows.Alerts, 5)
	assert.Equal(t, "heat_stress", got.Workflows.Alerts[0].Type)
	assert.Equal(t, "old:a", got.Workflows.Alerts[4].Key)
}

func TestSowingWindowAndDeficit(t *testing.T) {
	p := wheatProject("p1")
	p.CropDetails.GrowthStage = domain.StagePlanning
	end := testNow.Add(4 * 24 * time.Hour)
	p.CropDetails.SowingWindowEnd = &end
	dry := domain.WeatherSnapshot{
		Current: domain.CurrentWeather{TempC: 30, Humidity: 40, WindSpeedKmh: 5},
		Daily:   []domain.DailyWeather{{RainMm: 0.5}, {RainMm: 0}, {RainMm: 0.2}, {RainMm: 40}},
	}
	g := newGen(newMemStore(), Options{})
	got := g.Candidates(p, &dry, testNow)
	assert.Equal(t, []string{"rainfall_deficit", "sowing_window_closing"}, types(got))
	assert.Contains(t, got[1].Message, "closes in 4 day(s)")

	planted := testNow
	p.CropDetails.PlantingDate = &planted
	assert.Equal(t, []string{"rainfall_deficit"}, types(g.Candidates(p, &dry, testNow)))
}

func TestConcurrentRunsAddOnce(t *testing.T) {
	store := newMemStore(wheatProject("p1"), wheatProject("p2"))
	g := newGen(store, Options{Weather: fixedWeather{snap: hotHumid()}})
	var wg sync.WaitGroup
	totals := make([]int, 8)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.Run(context.Background(), "farmer-1")
			if err == nil {
				totals[i] = r.Total
			}
		}(i)
	}
	wg.Wait()
	sum := 0
	for _, n := range totals {
		sum += n
	}
	assert.Equal(t, 8, sum)
	for _, id := range []string{"p1", "p2"} {
		p, _ := store.GetProject(context.Background(), id)
		assert.Len(t, p.Workflows.Alerts, 4)
	}
}

func TestCapNeverDropsTodaysKeys(t *testing.T) {
	p := wheatProject("p1")
	p.Location = domain.Location{}
	due := testNow.Add(-2 * 24 * time.Hour)
	for _, id := range []string{"t1", "t2", "t3"} {
		p.Workflows.Tasks = append(p.Workflows.Tasks, domain.Task{ID: id, Label: "weed " + id, DueDate: &due, Status: domain.TaskPending})
	}
	p.Workflows.Alerts = []domain.Alert{
		{ID: "y1", Key: "task_overdue:p1/t1:2024-05-09"},
		{ID: "y2", Key: "task_overdue:p1/t2:2024-05-08"},
	}
	store := newMemStore(p)
	cfg := alertsConfig()
	cfg.MaxPerProject = 2
	g := newGen(store, Options{Config: cfg})
	ctx := context.Background()

	first, err := g.Run(ctx, "farmer-1")
	require.NoError(t, err)
	got, _ := store.GetProject(ctx, "p1")
	assert.Equal(t, 3, first.Added["p1"])
	assert.Len(t, got.Workflows.Alerts, 3, "older alerts go first; today's are kept past the cap")
	for _, a := range got.Workflows.Alerts {
		assert.Contains(t, a.Key, ":2024-05-10")
	}

	for pass := 2; pass <= 3; pass++ {
		r, err := g.Run(ctx, "farmer-1")
		require.NoError(t, err)
		assert.Equal(t, 0, r.Added["p1"], "pass %d", pass)
		assert.Equal(t, 0, r.Total, "pass %d", pass)
	}
	got, _ = store.GetProject(ctx, "p1")
	assert.Len(t, got.Workflows.Alerts, 3)
	assert.Equal(t, 1, store.writes)
}

func TestCapKeepsNewestEarlierAlertsFirst(t *testing.T) {
	alerts := []domain.Alert{
		{Key: "heat_stress:p1:2024-05-10"},
		{Key: "heat_stress:p1:2024-05-09"},
		{Key: "heat_stress:p1:2024-05-08"},
		{Key: "heat_stress:p1:2024-05-07"},
	}
	got := capAlerts(alerts, 3, testNow)
	require.Len(t, got, 3)
	assert.Equal(t, "heat_stress:p1:2024-05-08", got[2].Key)
	assert.Len(t, capAlerts(alerts[:2], 3, testNow), 2)
}

func TestUnlocatedProjectIsNotAWeatherError(t *testing.T) {
	located := wheatProject("p1")
	unlocated := wheatProject("p2")
	unlocated.Location = domain.Location{}
	store := newMemStore(located, unlocated)
	g := newGen(store, Options{Weather: fixedWeather{snap: hotHumid()}})

	report, err := g.Run(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Empty(t, report.WeatherErrors)
	assert.Equal(t, 4, report.Added["p1"])
	assert.Equal(t, 0, report.Added["p2"])

	failing := newGen(newMemStore(wheatProject("p3"), unlocated), Options{Weather: fixedWeather{err: errors.New("timeout")}})
	report, err = failing.Run(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, report.WeatherErrors)
}
