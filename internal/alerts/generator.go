// Package alerts turns weather and project state into deduplicated, stored alerts.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/provider"
	"fieldline/internal/repo"
	"fieldline/internal/telemetry"
)

// Store is the persistence the generator reads and writes through.
type Store interface {
	ListActiveProjects(ctx context.Context, farmerID string) ([]domain.Project, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdateProject(ctx context.Context, id string, patch repo.Patch) (domain.Project, error)
}

type Emitter interface {
	Emit(eventType string, payload map[string]any) domain.Event
}

// alertNamespace seeds deterministic alert ids derived from keys.
var alertNamespace = uuid.MustParse("8f0c2a52-4d0e-4b8e-9a55-6c1f0c7e2a10")

// Report lists how many alerts each project gained in one pass.
type Report struct {
	FarmerID string         `json:"farmer_id"`
	Added    map[string]int `json:"added"`
	Total    int            `json:"total"`
	// WeatherErrors names projects evaluated without weather.
	WeatherErrors []string `json:"weather_errors,omitempty"`
}

type Options struct {
	Config     config.AlertsConfig
	Weather    provider.Weather
	Summarizer provider.Summarizer
	Events     Emitter
	Logger     *zap.Logger
	Now        func() time.Time
}

type Generator struct {
	store Store
	opts  Options
	locks keyedMutex
}

func NewGenerator(store Store, opts Options) *Generator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.MaxPerProject <= 0 {
		opts.Config.MaxPerProject = 50
	}
	if opts.Config.RainWindowDays <= 0 {
		opts.Config.RainWindowDays = 3
	}
	return &Generator{store: store, opts: opts}
}

// Run evaluates every active project of the farmer. Listing failures abort the
// pass; per-project weather or enrichment failures only narrow it.
func (g *Generator) Run(ctx context.Context, farmerID string) (Report, error) {
	projects, err := g.store.ListActiveProjects(ctx, farmerID)
	if err != nil {
		return Report{}, fmt.Errorf("list active projects: %w", err)
	}
	now := g.opts.Now()
	report := Report{FarmerID: farmerID, Added: make(map[string]int, len(projects))}
	for _, p := range projects {
		weather, err := g.weather(ctx, p)
		if err != nil {
			report.WeatherErrors = append(report.WeatherErrors, p.ID)
		}
		added, err := g.runProject(ctx, p, weather, now)
		if err != nil {
			return report, fmt.Errorf("project %s: %w", p.ID, err)
		}
		report.Added[p.ID] = added
		report.Total += added
	}
	if g.opts.Events != nil {
		g.opts.Events.Emit(telemetry.EventAlertsGenerated, map[string]any{
			"farmer_id": farmerID,
			"added":     report.Total,
			"projects":  len(projects),
		})
	}
	return report, nil
}

// weather returns nil without an error when there is no provider or the project
// has no location; only a failed fetch is an error.
func (g *Generator) weather(ctx context.Context, p domain.Project) (*domain.WeatherSnapshot, error) {
	if g.opts.Weather == nil {
		return nil, nil
	}
	if p.Location.Lat == 0 && p.Location.Lon == 0 {
		return nil, nil
	}
	snap, err := g.opts.Weather.Snapshot(ctx, p.Location.Lat, p.Location.Lon)
	if err != nil {
		g.opts.Logger.Warn("weather unavailable, using weather-independent rules",
			zap.String("project", p.ID), zap.Error(err))
		return nil, err
	}
	return &snap, nil
}

// Candidates evaluates the battery against a project without touching storage.
func (g *Generator) Candidates(p domain.Project, w *domain.WeatherSnapshot, now time.Time) []domain.Alert {
	ev := evaluator{cfg: g.opts.Config, now: now}
	var out []domain.Alert
	for _, rule := range Battery {
		for _, c := range ev.evaluate(rule, p, w) {
			out = append(out, domain.Alert{
				ID:        uuid.NewSHA1(alertNamespace, []byte(p.ID+"|"+c.key)).String(),
				Key:       c.key,
				Type:      string(c.rule),
				Severity:  c.severity,
				Message:   c.message,
				CreatedAt: now.UTC(),
			})
		}
	}
	return out
}

func (g *Generator) runProject(ctx context.Context, p domain.Project, w *domain.WeatherSnapshot, now time.Time) (int, error) {
	fresh := dedup(p.AlertKeys(), g.Candidates(p, w, now))
	if len(fresh) == 0 {
		return 0, nil
	}
	// Enrichment runs before the project lock is taken so slow text generation never
	// holds up writers.
	for i := range fresh {
		fresh[i].AISummary = g.enrich(ctx, p, fresh[i])
	}

	unlock := g.locks.lock(p.ID)
	defer unlock()
	current, err := g.store.GetProject(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	fresh = dedup(current.AlertKeys(), fresh)
	if len(fresh) == 0 {
		return 0, nil
	}
	merged := capAlerts(append(fresh, current.Workflows.Alerts...), g.opts.Config.MaxPerProject, now)
	if _, err := g.store.UpdateProject(ctx, p.ID, repo.Patch{Alerts: &merged}); err != nil {
		return 0, fmt.Errorf("write alerts: %w", err)
	}
	return len(fresh), nil
}

// capAlerts trims alerts (newest first) to limit, dropping the oldest entries from
// earlier days. Alerts keyed to today's date are always kept: their keys are what
// makes a repeated pass a no-op, so the list may exceed limit when today alone does.
func capAlerts(alerts []domain.Alert, limit int, now time.Time) []domain.Alert {
	if len(alerts) <= limit {
		return alerts
	}
	suffix := ":" + day(now).Format("2006-01-02")
	today := 0
	for _, a := range alerts {
		if strings.HasSuffix(a.Key, suffix) {
			today++
		}
	}
	room := limit - today
	out := make([]domain.Alert, 0, limit)
	for _, a := range alerts {
		if strings.HasSuffix(a.Key, suffix) {
			out = append(out, a)
			continue
		}
		if room > 0 {
			out = append(out, a)
			room--
		}
	}
	return out
}

// dedup drops alerts whose key is stored or already seen in this batch.
func dedup(existing map[string]struct{}, alerts []domain.Alert) []domain.Alert {
	seen := make(map[string]struct{}, len(existing)+len(alerts))
	for k := range existing {
		seen[k] = struct{}{}
	}
	out := make([]domain.Alert, 0, len(alerts))
	for _, a := range alerts {
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		out = append(out, a)
	}
	return out
}

func (g *Generator) enrich(ctx context.Context, p domain.Project, a domain.Alert) string {
	if g.opts.Summarizer == nil {
		return ""
	}
	timeout := g.opts.Config.EnrichTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	prompt := fmt.Sprintf("Farm alert for a %s crop at %s stage (%s severity): %s\nGive the farmer one practical next step.",
		p.CropName, stageOr(p.CropDetails.GrowthStage), a.Severity, a.Message)
	text, err := g.opts.Summarizer.Summarize(ctx, prompt, provider.Constraints{MaxWords: 40})
	if err != nil {
		g.opts.Logger.Debug("alert enrichment skipped", zap.String("key", a.Key), zap.Error(err))
		return ""
	}
	return text
}

func stageOr(stage string) string {
	if stage == "" {
		return "unknown"
	}
	return stage
}

// keyedMutex serializes work per project id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
