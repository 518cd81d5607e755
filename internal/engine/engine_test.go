package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/auth"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/router"
)

type stubWeather struct {
	snap  domain.WeatherSnapshot
	err   error
	calls *int
}

func (s stubWeather) Snapshot(context.Context, float64, float64) (domain.WeatherSnapshot, error) {
	if s.calls != nil {
		*s.calls++
	}
	return s.snap, s.err
}

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	dir    string
}

var fixedNow = time.Date(2024, 4, 15, 7, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, weather stubWeather) testEnv {
	t.Helper()
	return openEnv(t, t.TempDir(), weather)
}

func openEnv(t *testing.T, dir string, weather stubWeather) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Telemetry.FlushDebounce = time.Hour
	eng, err := engine.New(ctx, conn, cfg, engine.Deps{
		Weather:    weather,
		Registerer: prometheus.NewRegistry(),
		Now:        func() time.Time { return fixedNow },
		Pick:       func(int) int { return 0 },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return testEnv{Engine: eng, Ctx: ctx, dir: dir}
}

func (env testEnv) wheat(t *testing.T, farmer, stage string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		FarmerID: farmer, Name: "North plot", CropName: "Wheat", Lat: 30.9, Lon: 75.8, GrowthStage: stage,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestProjectLifecycleAndOwnership(t *testing.T) {
	env := newTestEnv(t, stubWeather{err: errors.New("offline")})
	p := env.wheat(t, "farmer-1", "vegetative")
	if p.CropName != "wheat" || p.Status != domain.ProjectActive {
		t.Fatalf("unexpected project %+v", p)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{FarmerID: "farmer-1", Name: "x"}); err == nil {
		t.Fatalf("expected crop validation error")
	}

	_, err := env.Engine.GetProject(env.Ctx, "farmer-2", p.ID)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, "farmer-1", "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := env.Engine.ArchiveProject(env.Ctx, "farmer-1", p.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	active, err := env.Engine.ListProjects(env.Ctx, "farmer-1", false)
	if err != nil || len(active) != 0 {
		t.Fatalf("archived project still active: %+v %v", active, err)
	}
	all, _ := env.Engine.ListProjects(env.Ctx, "farmer-1", true)
	if len(all) != 1 || all[0].Status != domain.ProjectArchived {
		t.Fatalf("unexpected list %+v", all)
	}
}

func TestOverdueTaskDrivesNextActionAndAlerts(t *testing.T) {
	env := newTestEnv(t, stubWeather{err: errors.New("offline")})
	p := env.wheat(t, "farmer-1", "vegetative")
	due := fixedNow.Add(-48 * time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, "farmer-1", p.ID, "First irrigation", &due)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	rec, err := env.Engine.NextAction(env.Ctx, "farmer-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Priority != domain.PriorityUrgent || rec.ProjectID != p.ID {
		t.Fatalf("expected urgent recommendation, got %+v", rec)
	}

	report, err := env.Engine.RefreshAlerts(env.Ctx, "farmer-1")
	if err != nil || report.Added[p.ID] != 1 {
		t.Fatalf("refresh: %+v %v", report, err)
	}
	again, err := env.Engine.RefreshAlerts(env.Ctx, "farmer-1")
	if err != nil || again.Total != 0 {
		t.Fatalf("second refresh should add nothing: %+v %v", again, err)
	}

	if err := env.Engine.CompleteTask(env.Ctx, "farmer-1", p.ID, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, _ = env.Engine.NextAction(env.Ctx, "farmer-1")
	if rec.Priority == domain.PriorityUrgent {
		t.Fatalf("completed task should not stay urgent: %+v", rec)
	}
}

func TestHeatWaveIsCritical(t *testing.T) {
	env := newTestEnv(t, stubWeather{snap: domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: 44, Humidity: 50}}})
	p := env.wheat(t, "farmer-1", "flowering")

	rec, err := env.Engine.NextAction(env.Ctx, "farmer-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Priority != domain.PriorityCritical || rec.ProjectID != p.ID {
		t.Fatalf("expected critical, got %+v", rec)
	}

	report, err := env.Engine.RefreshAlerts(env.Ctx, "farmer-1")
	if err != nil || report.Added[p.ID] == 0 {
		t.Fatalf("expected heat alert: %+v %v", report, err)
	}
	got, _ := env.Engine.GetProject(env.Ctx, "farmer-1", p.ID)
	if got.Workflows.Alerts[0].Type != "heat_stress" {
		t.Fatalf("unexpected alerts %+v", got.Workflows.Alerts)
	}
}

func TestNoProjectsGetsOnboarding(t *testing.T) {
	env := newTestEnv(t, stubWeather{err: errors.New("must not be called")})
	rec, err := env.Engine.NextAction(env.Ctx, "newcomer")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Priority != domain.PriorityPlanning {
		t.Fatalf("expected planning guidance, got %+v", rec)
	}
}

func TestAskWithoutReasonerReturnsContext(t *testing.T) {
	env := newTestEnv(t, stubWeather{snap: domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: 31, Humidity: 60}}})
	env.wheat(t, "farmer-1", "vegetative")

	resp, err := env.Engine.Ask(env.Ctx, "farmer-1", "what is the weather forecast")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != router.ToolsThenSynthesize || !resp.Fallback {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Tools) != 1 || !resp.Tools[0].Succeeded {
		t.Fatalf("weather tool should have run: %+v", resp.Tools)
	}

	greeting, _ := env.Engine.Ask(env.Ctx, "farmer-1", "namaste")
	if greeting.Strategy != router.Template {
		t.Fatalf("expected template strategy, got %s", greeting.Strategy)
	}
	if _, err := env.Engine.Ask(env.Ctx, "farmer-1", "  "); err == nil {
		t.Fatalf("expected empty query error")
	}
}

func TestTelemetrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first := openEnv(t, dir, stubWeather{err: errors.New("offline")})
	first.wheat(t, "farmer-1", "sowing")
	if err := first.Engine.Shutdown(first.Ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second := openEnv(t, dir, stubWeather{err: errors.New("offline")})
	recent := second.Engine.RecentTelemetry(0)
	if len(recent) == 0 || recent[0].Type != engine.EventProjectCreated {
		t.Fatalf("expected persisted project event, got %+v", recent)
	}
	evt := second.Engine.Telemetry.Emit("test.marker", nil)
	if evt.ID <= recent[0].ID {
		t.Fatalf("ids must continue after the loaded tail: %d <= %d", evt.ID, recent[0].ID)
	}
}

func TestAPIKeyCreation(t *testing.T) {
	env := newTestEnv(t, stubWeather{})
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "farmer-7", "phone")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil || stored.ID != key.ID || stored.FarmerID != "farmer-7" {
		t.Fatalf("lookup by raw key failed: %+v %v", stored, err)
	}
}

func TestNextActionWeatherFollowsFirstProject(t *testing.T) {
	calls := 0
	heat := domain.WeatherSnapshot{Current: domain.CurrentWeather{TempC: 44, Humidity: 50}}
	env := newTestEnv(t, stubWeather{snap: heat, calls: &calls})
	unlocated, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID: "a-home", FarmerID: "farmer-1", Name: "Home garden", CropName: "wheat", GrowthStage: "flowering",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID: "b-field", FarmerID: "farmer-1", Name: "River field", CropName: "wheat", Lat: 30.9, Lon: 75.8, GrowthStage: "flowering",
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := env.Engine.NextAction(env.Ctx, "farmer-1")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("weather fetched for another project's location: %d call(s)", calls)
	}
	if rec.Priority == domain.PriorityCritical {
		t.Fatalf("unlocated %s must not get a weather-driven critical: %+v", unlocated.ID, rec)
	}
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	env := newTestEnv(t, stubWeather{})
	mine, raw, err := env.Engine.CreateAPIKey(env.Ctx, "farmer-1", "phone")
	if err != nil {
		t.Fatal(err)
	}
	theirs, _, err := env.Engine.CreateAPIKey(env.Ctx, "farmer-2", "tablet")
	if err != nil {
		t.Fatal(err)
	}

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "farmer-1")
	if err != nil || len(keys) != 1 || keys[0].ID != mine.ID {
		t.Fatalf("expected only farmer-1's key: %+v %v", keys, err)
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, "farmer-1", theirs.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoking another farmer's key should be not found, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "farmer-1", mine.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "farmer-1", mine.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke should be not found, got %v", err)
	}
	if recent := env.Engine.RecentTelemetry(1); len(recent) != 1 || recent[0].Type != engine.EventAPIKeyRevoked {
		t.Fatalf("expected revoke event, got %+v", recent)
	}
	if _, err := env.Engine.ListAPIKeys(env.Ctx, ""); err == nil {
		t.Fatalf("expected farmer validation error")
	}
}
