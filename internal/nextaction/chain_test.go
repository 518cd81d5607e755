package nextaction

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

var now = time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC)

func newChain() *Chain {
	c := NewChain(config.Default().Decision, map[string]string{
		domain.StageVegetative: "Plan the first nitrogen top-dressing.",
		domain.StageFlowering:  "Avoid water stress now.",
	}, []string{"tip one", "tip two", "tip three"})
	c.Pick = func(int) int { return 1 }
	return c
}

func project(id, crop, stage string) domain.Project {
	return domain.Project{
		ID: id, Name: "plot " + id, CropName: crop, Status: domain.ProjectActive,
		CropDetails: domain.CropDetails{GrowthStage: stage},
	}
}

func weather(temp, humidity float64) *domain.WeatherSnapshot {
	return &domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: temp, Humidity: humidity}}
}

func TestHeatStressScenario(t *testing.T) {
	rec := newChain().Decide([]domain.Project{project("p1", "wheat", domain.StageFlowering)}, weather(44, 50), now)
	assert.Equal(t, domain.PriorityCritical, rec.Priority)
	assert.Contains(t, rec.Text, "heat stress")
	assert.Contains(t, rec.Text, "wheat")
	assert.Equal(t, "p1", rec.ProjectID)
	assert.Equal(t, string(TierCritical), rec.Tier)
}

func TestEmptyProjectsGivesOnboardingWithoutWeather(t *testing.T) {
	rec := newChain().Decide(nil, weather(50, 99), now)
	assert.Equal(t, domain.PriorityPlanning, rec.Priority)
	assert.Equal(t, string(TierOnboarding), rec.Tier)
	assert.Contains(t, strings.ToLower(rec.Text), "sign in")
	assert.Empty(t, rec.ProjectID)
}

func TestStoredCriticalAlertWinsOverWeatherAndLaterTiers(t *testing.T) {
	due := now.Add(-72 * time.Hour)
	p1 := project("p1", "rice", domain.StageVegetative)
	p1.Workflows.Tasks = []domain.Task{{ID: "t", Label: "weed", DueDate: &due, Status: domain.TaskPending}}
	p2 := project("p2", "cotton", domain.StageFlowering)
	p2.Workflows.Alerts = []domain.Alert{{Key: "k", Severity: domain.SeverityCritical, Message: "Pink bollworm outbreak"}}
	rec := newChain().Decide([]domain.Project{p1, p2}, weather(44, 95), now)
	assert.Equal(t, domain.PriorityCritical, rec.Priority)
	assert.Equal(t, "p2", rec.ProjectID)
	assert.Contains(t, rec.Text, "Pink bollworm")
}

func TestHumidityCriticalOnlyWhileFloweringOrFruiting(t *testing.T) {
	c := newChain()
	rec := c.Decide([]domain.Project{project("p1", "tomato", domain.StageFruiting)}, weather(30, 93), now)
	assert.Equal(t, domain.PriorityCritical, rec.Priority)
	rec = c.Decide([]domain.Project{project("p1", "tomato", domain.StageMaturity)}, weather(30, 93), now)
	assert.NotEqual(t, domain.PriorityCritical, rec.Priority)
}

func TestTimeSensitiveTieBreaks(t *testing.T) {
	today := time.Date(2024, 4, 15, 18, 0, 0, 0, time.UTC)
	late := now.Add(-72 * time.Hour)
	p1 := project("p1", "wheat", domain.StageVegetative)
	p1.Workflows.Tasks = []domain.Task{{ID: "a", Label: "irrigate", DueDate: &today, Status: domain.TaskPending}}
	p2 := project("p2", "maize", domain.StageVegetative)
	p2.Workflows.Tasks = []domain.Task{
		{ID: "b", Label: "done already", DueDate: &late, Status: domain.TaskCompleted},
		{ID: "c", Label: "spray", DueDate: &late, Status: domain.TaskPending},
	}
	c := newChain()
	rec := c.Decide([]domain.Project{p1, p2}, nil, now)
	assert.Equal(t, domain.PriorityUrgent, rec.Priority)
	assert.Equal(t, "p2", rec.ProjectID, "overdue beats due today")
	assert.Contains(t, rec.Text, "overdue by 3 days")

	rec = c.Decide([]domain.Project{p1}, nil, now)
	assert.Equal(t, domain.PriorityUrgent, rec.Priority)
	assert.Contains(t, rec.Text, "due today")
}

func TestStageProactiveUsesLeastAdvancedProject(t *testing.T) {
	c := newChain()
	projects := []domain.Project{
		project("late", "wheat", domain.StageFlowering),
		project("early", "rice", domain.StageVegetative),
	}
	rec := c.Decide(projects, weather(30, 20), now)
	assert.Equal(t, domain.PriorityProactive, rec.Priority)
	assert.Equal(t, "early", rec.ProjectID)
	assert.Contains(t, rec.Text, "irrigate")

	rec = c.Decide(projects, weather(30, 85), now)
	assert.Contains(t, rec.Text, "Scout")

	rec = c.Decide(projects, nil, now)
	assert.Equal(t, domain.PriorityProactive, rec.Priority)
	assert.Contains(t, rec.Text, "nitrogen")
}

func TestStageOrderIsConfiguration(t *testing.T) {
	cfg := config.Default().Decision
	cfg.StageOrder = []string{domain.StageFlowering, domain.StageVegetative}
	c := NewChain(cfg, map[string]string{domain.StageFlowering: "flower tip", domain.StageVegetative: "veg tip"}, nil)
	rec := c.Decide([]domain.Project{project("v", "rice", domain.StageVegetative), project("f", "wheat", domain.StageFlowering)}, nil, now)
	assert.Equal(t, "f", rec.ProjectID)
	assert.Contains(t, rec.Text, "flower tip")
}

func TestPlanningGapOrder(t *testing.T) {
	c := newChain()
	planted := now.Add(-24 * time.Hour)
	noStage := project("nostage", "onion", "")
	planning := project("planning", "potato", domain.StagePlanning)
	plannedWithDate := project("dated", "gram", domain.StagePlanning)
	plannedWithDate.CropDetails.PlantingDate = &planted

	rec := c.Decide([]domain.Project{noStage, plannedWithDate, planning}, weather(25, 50), now)
	assert.Equal(t, domain.PriorityPlanning, rec.Priority)
	assert.Equal(t, "planning", rec.ProjectID)

	rec = c.Decide([]domain.Project{plannedWithDate, noStage}, weather(25, 50), now)
	assert.Equal(t, "nostage", rec.ProjectID)
}

func TestTipUsesPick(t *testing.T) {
	rec := newChain().Decide([]domain.Project{project("p", "wheat", domain.StageHarvest)}, weather(25, 50), now)
	assert.Equal(t, domain.PriorityTip, rec.Priority)
	assert.Equal(t, "tip two", rec.Text)
}

func randomProjects(rng *rand.Rand) []domain.Project {
	stages := []string{"", domain.StagePlanning, domain.StageSowing, domain.StageVegetative, domain.StageFlowering, domain.StageFruiting, domain.StageMaturity, domain.StageHarvest, "dormant"}
	n := 1 + rng.IntN(4)
	out := make([]domain.Project, n)
	for i := range out {
		out[i] = project(fmt.Sprintf("p%d", i), "wheat", stages[rng.IntN(len(stages))])
		future := now.Add(time.Duration(2+rng.IntN(10)) * 24 * time.Hour)
		out[i].Workflows.Tasks = []domain.Task{{ID: "t", Label: "later", DueDate: &future, Status: domain.TaskPending}}
		if rng.IntN(2) == 0 {
			out[i].Workflows.Alerts = []domain.Alert{{Key: "k", Severity: domain.SeverityHigh}}
		}
	}
	return out
}

func TestCriticalAlertProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	c := newChain()
	for i := 0; i < 200; i++ {
		projects := randomProjects(rng)
		target := rng.IntN(len(projects))
		projects[target].Workflows.Alerts = append(projects[target].Workflows.Alerts, domain.Alert{Key: "crit", Severity: domain.SeverityCritical, Message: "storm"})
		var w *domain.WeatherSnapshot
		if rng.IntN(2) == 0 {
			w = weather(float64(rng.IntN(50)), float64(rng.IntN(100)))
		}
		rec := c.Decide(projects, w, now)
		require.Equal(t, domain.PriorityCritical, rec.Priority)
		// The first project holding a critical alert is referenced.
		assert.Equal(t, projects[target].ID, rec.ProjectID)
	}
}

func TestBenignInputsOnlyReachPlanningOrTip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	c := newChain()
	for i := 0; i < 200; i++ {
		projects := randomProjects(rng)
		w := weather(20+float64(rng.IntN(15)), 40+float64(rng.IntN(40)))
		for j := range projects {
			if projects[j].CropDetails.GrowthStage == domain.StageVegetative {
				w.Current.Humidity = 60
			}
		}
		before := fmt.Sprintf("%+v", projects)
		rec := c.Decide(projects, w, now)
		assert.Contains(t, []domain.Priority{domain.PriorityPlanning, domain.PriorityTip}, rec.Priority, "%+v", rec)
		assert.Equal(t, before, fmt.Sprintf("%+v", projects), "inputs must not be mutated")
	}
}

func TestDecideDoesNotMutate(t *testing.T) {
	p := []domain.Project{project("b", "rice", domain.StageFlowering), project("a", "wheat", domain.StageSowing)}
	snapshot := append([]domain.Project(nil), p...)
	newChain().Decide(p, nil, now)
	assert.True(t, reflect.DeepEqual(snapshot, p))
}
