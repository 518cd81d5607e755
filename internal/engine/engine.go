package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fieldline/internal/alerts"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine/auth"
	"fieldline/internal/intent"
	"fieldline/internal/knowledge"
	"fieldline/internal/nextaction"
	"fieldline/internal/pgstore"
	"fieldline/internal/provider"
	"fieldline/internal/repo"
	"fieldline/internal/router"
	"fieldline/internal/safety"
	"fieldline/internal/telemetry"
	"fieldline/internal/tools"
	"fieldline/internal/tools/builtin"
)

// Lifecycle events recorded next to the core telemetry.
const (
	EventProjectCreated  = "project.created"
	EventProjectArchived = "project.archived"
	EventTaskCreated     = "task.created"
	EventTaskCompleted   = "task.completed"
	EventAPIKeyRevoked   = "api_key.revoked"
)

// Deps are optional collaborators. Anything left nil is built from config, or
// left out when config and environment do not provide enough to build it.
type Deps struct {
	Weather    provider.Weather
	Market     provider.Market
	Summarizer provider.Summarizer
	Reasoner   provider.Reasoner
	LogStore   telemetry.LogStore
	Redis      redis.Cmdable
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	// GenAIKey enables the Gemini summarizer and reasoner.
	GenAIKey     string
	MarketAPIKey string
	Now          func() time.Time
	Pick         func(n int) int
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Auth      auth.Service
	Config    *config.Config
	Telemetry *telemetry.Sink
	Metrics   *telemetry.Metrics
	Harness   *tools.Harness
	Router    *router.Router
	Chain     *nextaction.Chain
	Alerts    *alerts.Generator
	Safety    *safety.Filter
	Catalog   *knowledge.Catalog
	Weather   provider.Weather
	Now       func() time.Time

	logger  *zap.Logger
	closers []func()
}

// New wires every service. The returned engine must be started before use and shut
// down to flush telemetry.
func New(ctx context.Context, db *sql.DB, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    now,
		logger: logger,
	}

	catalog, err := knowledge.Load()
	if err != nil {
		return nil, fmt.Errorf("load knowledge catalog: %w", err)
	}
	e.Catalog = catalog

	store, err := e.logStore(ctx, deps)
	if err != nil {
		return nil, err
	}
	e.Telemetry = telemetry.NewSink(telemetry.Options{
		Capacity:      cfg.Telemetry.Capacity,
		FlushDebounce: cfg.Telemetry.FlushDebounce,
		Store:         store,
		Logger:        logger.Named("telemetry"),
		Now:           now,
	})
	if deps.Registerer != nil {
		e.Metrics = telemetry.MustNewMetrics(deps.Registerer)
		e.Telemetry.Subscribe("metrics", e.Metrics.Observe)
	}
	if err := e.redisSink(deps); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Providers.HTTPTimeout}
	e.Weather = deps.Weather
	if e.Weather == nil && cfg.Providers.WeatherBaseURL != "" {
		cached, err := provider.NewCachedWeather(
			provider.OpenMeteo{BaseURL: cfg.Providers.WeatherBaseURL, Client: httpClient, Now: now},
			cfg.Providers.WeatherCacheSize, cfg.Providers.WeatherCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("weather cache: %w", err)
		}
		e.Weather = cached
	}
	market := deps.Market
	if market == nil && cfg.Providers.MarketBaseURL != "" {
		market = provider.MarketHTTP{BaseURL: cfg.Providers.MarketBaseURL, APIKey: deps.MarketAPIKey, Client: httpClient}
	}
	summarizer, reasoner := deps.Summarizer, deps.Reasoner
	if (summarizer == nil || reasoner == nil) && deps.GenAIKey != "" {
		gemini, err := provider.NewGemini(ctx, deps.GenAIKey, cfg.Providers.GenAIModel, "")
		if err != nil {
			return nil, err
		}
		if summarizer == nil {
			summarizer = gemini
		}
		if reasoner == nil {
			reasoner = gemini
		}
	}

	registry := tools.NewRegistry()
	cache, err := tools.NewResultCache(cfg.Harness.Cache.Size, cfg.Harness.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("tool cache: %w", err)
	}
	for _, def := range builtin.Definitions(builtin.Deps{
		Weather:  e.Weather,
		Market:   market,
		Catalog:  catalog,
		Projects: e.Repo,
		Now:      now,
	}) {
		if err := registry.Ensure(tools.Cached(def, cache)); err != nil {
			return nil, err
		}
	}
	e.Harness = tools.NewHarness(registry, tools.Options{
		DefaultTimeout: cfg.Harness.DefaultTimeout,
		MaxConcurrency: cfg.Harness.MaxConcurrency,
		Retry: tools.RetryPolicy{
			MaxAttempts: cfg.Harness.Retry.MaxAttempts,
			BaseDelay:   cfg.Harness.Retry.BaseDelay,
			MaxDelay:    cfg.Harness.Retry.MaxDelay,
			Jitter:      cfg.Harness.Retry.Jitter,
		},
		Events: e.Telemetry,
		Logger: logger.Named("harness"),
	})

	e.Safety = safety.NewFilter(cfg.Safety.BannedPhrases, e.Telemetry)
	e.Router = router.New(router.Options{
		Classifier: intent.NewClassifier(),
		Harness:    e.Harness,
		Reasoner:   reasoner,
		Safety:     e.Safety,
		Events:     e.Telemetry,
		Logger:     logger.Named("router"),
		Now:        now,
	})
	e.Chain = nextaction.NewChain(cfg.Decision, catalog.StageTips, catalog.Tips)
	if deps.Pick != nil {
		e.Chain.Pick = deps.Pick
	}
	e.Alerts = alerts.NewGenerator(e.Repo, alerts.Options{
		Config:     cfg.Alerts,
		Weather:    e.Weather,
		Summarizer: summarizer,
		Events:     e.Telemetry,
		Logger:     logger.Named("alerts"),
		Now:        now,
	})
	return e, nil
}

func (e *Engine) logStore(ctx context.Context, deps Deps) (telemetry.LogStore, error) {
	if deps.LogStore != nil {
		return deps.LogStore, nil
	}
	switch e.Config.Telemetry.Store {
	case "sqlite":
		return repo.TelemetryStore{Repo: e.Repo}, nil
	case "postgres":
		pg, err := pgstore.Connect(ctx, e.Config.Telemetry.PostgresURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pg.Close)
		return pg, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown telemetry store %q", e.Config.Telemetry.Store)
}

func (e *Engine) redisSink(deps Deps) error {
	client := deps.Redis
	if client == nil && e.Config.Telemetry.RedisURL != "" {
		c, err := telemetry.ConnectRedis(e.Config.Telemetry.RedisURL)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = c.Close() })
		client = c
	}
	if client == nil {
		return nil
	}
	stream := telemetry.RedisStream{Client: client, Stream: e.Config.Telemetry.RedisStream, MaxLen: int64(e.Config.Telemetry.Capacity) * 10}
	e.Telemetry.Subscribe("redis", stream.Publish)
	return nil
}

// Start loads the persisted telemetry tail.
func (e *Engine) Start(ctx context.Context) error {
	return e.Telemetry.Start(ctx)
}

// Shutdown flushes telemetry and releases external connections.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Telemetry.Shutdown(ctx)
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
	return err
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID              string
	FarmerID        string
	Name            string
	CropName        string
	Lat             float64
	Lon             float64
	GrowthStage     string
	PlantingDate    *time.Time
	SowingWindowEnd *time.Time
}

func (e *Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	switch {
	case strings.TrimSpace(opts.FarmerID) == "":
		return domain.Project{}, errors.New("farmer is required")
	case strings.TrimSpace(opts.Name) == "":
		return domain.Project{}, errors.New("name is required")
	case strings.TrimSpace(opts.CropName) == "":
		return domain.Project{}, errors.New("crop is required")
	case opts.Lat < -90 || opts.Lat > 90 || opts.Lon < -180 || opts.Lon > 180:
		return domain.Project{}, fmt.Errorf("location %.4f,%.4f out of range", opts.Lat, opts.Lon)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	p := domain.Project{
		ID:       id,
		FarmerID: opts.FarmerID,
		Name:     strings.TrimSpace(opts.Name),
		CropName: strings.ToLower(strings.TrimSpace(opts.CropName)),
		Status:   domain.ProjectActive,
		Location: domain.Location{Lat: opts.Lat, Lon: opts.Lon},
		CropDetails: domain.CropDetails{
			GrowthStage:     strings.ToLower(strings.TrimSpace(opts.GrowthStage)),
			PlantingDate:    opts.PlantingDate,
			SowingWindowEnd: opts.SowingWindowEnd,
		},
		Workflows: domain.Workflows{Tasks: []domain.Task{}, Alerts: []domain.Alert{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	e.Telemetry.Emit(EventProjectCreated, map[string]any{"farmer_id": p.FarmerID, "project_id": p.ID, "crop": p.CropName})
	return p, nil
}

func (e *Engine) ListProjects(ctx context.Context, farmerID string, includeArchived bool) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, farmerID, includeArchived)
}

// GetProject returns a project owned by farmerID.
func (e *Engine) GetProject(ctx context.Context, farmerID, id string) (domain.Project, error) {
	if err := e.Auth.RequireOwner(ctx, farmerID, id); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}

// ProjectUpdateOptions carries the mutable project fields. Nil fields are unchanged.
type ProjectUpdateOptions struct {
	Name            *string
	GrowthStage     *string
	PlantingDate    *time.Time
	SowingWindowEnd *time.Time
}

func (e *Engine) UpdateProject(ctx context.Context, farmerID, id string, opts ProjectUpdateOptions) (domain.Project, error) {
	if err := e.Auth.RequireOwner(ctx, farmerID, id); err != nil {
		return domain.Project{}, err
	}
	patch := repo.Patch{Name: opts.Name, PlantingDate: opts.PlantingDate, SowingWindowEnd: opts.SowingWindowEnd}
	if opts.GrowthStage != nil {
		stage := strings.ToLower(strings.TrimSpace(*opts.GrowthStage))
		patch.GrowthStage = &stage
	}
	return e.Repo.UpdateProject(ctx, id, patch)
}

func (e *Engine) ArchiveProject(ctx context.Context, farmerID, id string) (domain.Project, error) {
	if err := e.Auth.RequireOwner(ctx, farmerID, id); err != nil {
		return domain.Project{}, err
	}
	status := domain.ProjectArchived
	p, err := e.Repo.UpdateProject(ctx, id, repo.Patch{Status: &status})
	if err != nil {
		return domain.Project{}, err
	}
	e.Telemetry.Emit(EventProjectArchived, map[string]any{"farmer_id": p.FarmerID, "project_id": p.ID})
	return p, nil
}

func (e *Engine) CreateTask(ctx context.Context, farmerID, projectID, label string, due *time.Time) (domain.Task, error) {
	if strings.TrimSpace(label) == "" {
		return domain.Task{}, errors.New("label is required")
	}
	if err := e.Auth.RequireOwner(ctx, farmerID, projectID); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|"+label+"|"+e.now().UTC().Format(time.RFC3339Nano))).String(),
		Label:   strings.TrimSpace(label),
		DueDate: due,
		Status:  domain.TaskPending,
	}
	if err := e.Repo.AppendTask(ctx, projectID, t); err != nil {
		return domain.Task{}, err
	}
	e.Telemetry.Emit(EventTaskCreated, map[string]any{"project_id": projectID, "task_id": t.ID})
	return t, nil
}

func (e *Engine) CompleteTask(ctx context.Context, farmerID, projectID, taskID string) error {
	if err := e.Auth.RequireOwner(ctx, farmerID, projectID); err != nil {
		return err
	}
	if err := e.Repo.SetTaskStatus(ctx, projectID, taskID, domain.TaskCompleted); err != nil {
		return err
	}
	e.Telemetry.Emit(EventTaskCompleted, map[string]any{"project_id": projectID, "task_id": taskID})
	return nil
}

func (e *Engine) RefreshAlerts(ctx context.Context, farmerID string) (alerts.Report, error) {
	return e.Alerts.Run(ctx, farmerID)
}

// NextAction decides the single most useful step for the farmer. Weather branches
// speak about the first project, so weather is fetched for it alone; an unlocated
// first project or a failed fetch only disables those branches.
func (e *Engine) NextAction(ctx context.Context, farmerID string) (domain.Recommendation, error) {
	projects, err := e.Repo.ListActiveProjects(ctx, farmerID)
	if err != nil {
		return domain.Recommendation{}, err
	}
	var weather *domain.WeatherSnapshot
	if len(projects) > 0 && e.Weather != nil {
		first := projects[0]
		if first.Location.Lat != 0 || first.Location.Lon != 0 {
			snap, err := e.Weather.Snapshot(ctx, first.Location.Lat, first.Location.Lon)
			if err != nil {
				e.logger.Warn("weather unavailable for next action", zap.String("project", first.ID), zap.Error(err))
			} else {
				weather = &snap
			}
		}
	}
	return e.Chain.Decide(projects, weather, e.now()), nil
}

// Ask answers a farmer query. Project lookup failures degrade to an answer without
// farm context.
func (e *Engine) Ask(ctx context.Context, farmerID, text string) (router.Response, error) {
	if strings.TrimSpace(text) == "" {
		return router.Response{}, errors.New("query is required")
	}
	projects, err := e.Repo.ListActiveProjects(ctx, farmerID)
	if err != nil {
		e.logger.Warn("projects unavailable for query", zap.String("farmer", farmerID), zap.Error(err))
		projects = nil
	}
	return e.Router.Handle(ctx, router.Query{FarmerID: farmerID, Text: text, Projects: projects}), nil
}

func (e *Engine) Classify(ctx context.Context, farmerID, text string) (intent.Classification, error) {
	projects, err := e.Repo.ListActiveProjects(ctx, farmerID)
	if err != nil {
		return intent.Classification{}, err
	}
	return e.Router.Classify(router.Query{FarmerID: farmerID, Text: text, Projects: projects}), nil
}

func (e *Engine) EvaluateSafety(text string) safety.Verdict {
	return e.Safety.Evaluate(text)
}

func (e *Engine) RecentTelemetry(n int) []domain.Event {
	return e.Telemetry.Recent(n)
}

func (e *Engine) Tools() []tools.Definition {
	return e.Harness.Registry().List()
}

// CreateAPIKey mints a key for farmerID. The raw key is only returned here.
func (e *Engine) CreateAPIKey(ctx context.Context, farmerID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(farmerID) == "" {
		return domain.APIKey{}, "", errors.New("farmer is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "fl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		FarmerID:  farmerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// ListAPIKeys returns farmerID's keys, newest first.
func (e *Engine) ListAPIKeys(ctx context.Context, farmerID string) ([]domain.APIKey, error) {
	if strings.TrimSpace(farmerID) == "" {
		return nil, errors.New("farmer is required")
	}
	return e.Repo.ListAPIKeys(ctx, farmerID)
}

// RevokeAPIKey deletes one of farmerID's keys. Keys owned by someone else are
// reported as not found.
func (e *Engine) RevokeAPIKey(ctx context.Context, farmerID, id string) error {
	key, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if key.FarmerID != farmerID {
		return fmt.Errorf("api key %s: %w", id, repo.ErrNotFound)
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	e.Telemetry.Emit(EventAPIKeyRevoked, map[string]any{"farmer_id": farmerID, "key_id": id})
	return nil
}
