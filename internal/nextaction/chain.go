// Package nextaction derives the single most important thing a farmer should do next.
package nextaction

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

// Tier is one ranked rule group. Tiers run in tierOrder and the first that fires wins.
type Tier string

const (
	TierOnboarding     Tier = "onboarding"
	TierCritical       Tier = "critical"
	TierTimeSensitive  Tier = "time_sensitive"
	TierStageProactive Tier = "stage_proactive"
	TierPlanningGap    Tier = "planning_gap"
	TierTip            Tier = "tip"
)

var tierOrder = []Tier{TierCritical, TierTimeSensitive, TierStageProactive, TierPlanningGap, TierTip}

const onboardingText = "Sign in and add your first farming project to get personalised next steps for your crops."

var fallbackTips = []string{"Walk your field once a day and note anything unusual."}

// Chain is immutable once built. Decide does not touch its inputs and may be called
// concurrently.
type Chain struct {
	cfg       config.DecisionConfig
	rank      map[string]int
	stageTips map[string]string
	tips      []string
	// Pick chooses the tip index in [0,n).
	Pick func(n int) int
}

// NewChain builds a chain. stageTips is the static per-stage table used when no
// weather is available; tips feeds the final tier.
func NewChain(cfg config.DecisionConfig, stageTips map[string]string, tips []string) *Chain {
	rank := make(map[string]int, len(cfg.StageOrder))
	for i, s := range cfg.StageOrder {
		rank[s] = i
	}
	if len(tips) == 0 {
		tips = fallbackTips
	}
	return &Chain{cfg: cfg, rank: rank, stageTips: stageTips, tips: tips, Pick: rand.IntN}
}

func (c *Chain) Decide(projects []domain.Project, weather *domain.WeatherSnapshot, now time.Time) domain.Recommendation {
	if len(projects) == 0 {
		return domain.Recommendation{Text: onboardingText, Priority: domain.PriorityPlanning, Tier: string(TierOnboarding)}
	}
	for _, tier := range tierOrder {
		if rec, ok := c.evaluate(tier, projects, weather, now); ok {
			rec.Tier = string(tier)
			return rec
		}
	}
	// The tip tier always fires; this is unreachable.
	return c.tip()
}

func (c *Chain) evaluate(tier Tier, projects []domain.Project, weather *domain.WeatherSnapshot, now time.Time) (domain.Recommendation, bool) {
	switch tier {
	case TierCritical:
		return c.critical(projects, weather)
	case TierTimeSensitive:
		return timeSensitive(projects, now)
	case TierStageProactive:
		return c.stageProactive(projects, weather)
	case TierPlanningGap:
		return planningGap(projects)
	case TierTip:
		return c.tip(), true
	case TierOnboarding:
		return domain.Recommendation{}, false
	}
	panic(fmt.Sprintf("nextaction: unhandled tier %q", tier))
}

func (c *Chain) critical(projects []domain.Project, w *domain.WeatherSnapshot) (domain.Recommendation, bool) {
	for _, p := range projects {
		for _, a := range p.Workflows.Alerts {
			if a.Severity == domain.SeverityCritical {
				return domain.Recommendation{
					Text:      fmt.Sprintf("Act now on %s (%s): %s", p.Name, p.CropName, a.Message),
					Priority:  domain.PriorityCritical,
					ProjectID: p.ID,
				}, true
			}
		}
	}
	if w == nil {
		return domain.Recommendation{}, false
	}
	first := projects[0]
	if w.Current.TempC > c.cfg.CriticalTemp {
		return domain.Recommendation{
			Text: fmt.Sprintf("Extreme heat (%.0f°C): protect your %s from heat stress. Irrigate in the evening and postpone spraying and fertilizer.",
				w.Current.TempC, first.CropName),
			Priority:  domain.PriorityCritical,
			ProjectID: first.ID,
		}, true
	}
	stage := first.CropDetails.GrowthStage
	if w.Current.Humidity > c.cfg.CriticalHumidity && (stage == domain.StageFlowering || stage == domain.StageFruiting) {
		return domain.Recommendation{
			Text: fmt.Sprintf("Very high humidity (%.0f%%) while your %s is %s: high risk of fungal disease. Inspect the crop today and consider a protective spray.",
				w.Current.Humidity, first.CropName, stage),
			Priority:  domain.PriorityCritical,
			ProjectID: first.ID,
		}, true
	}
	return domain.Recommendation{}, false
}

func timeSensitive(projects []domain.Project, now time.Time) (domain.Recommendation, bool) {
	today := day(now)
	for _, p := range projects {
		for _, t := range p.Workflows.Tasks {
			if t.Completed() || t.DueDate == nil {
				continue
			}
			if late := daysBetween(day(t.DueDate.In(now.Location())), today); late > 0 {
				return domain.Recommendation{
					Text:      fmt.Sprintf("%q for %s is overdue by %d %s.", t.Label, p.Name, late, plural(late, "day", "days")),
					Priority:  domain.PriorityUrgent,
					ProjectID: p.ID,
				}, true
			}
		}
	}
	for _, p := range projects {
		for _, t := range p.Workflows.Tasks {
			if t.Completed() || t.DueDate == nil {
				continue
			}
			if day(t.DueDate.In(now.Location())).Equal(today) {
				return domain.Recommendation{
					Text:      fmt.Sprintf("%q for %s is due today.", t.Label, p.Name),
					Priority:  domain.PriorityUrgent,
					ProjectID: p.ID,
				}, true
			}
		}
	}
	return domain.Recommendation{}, false
}

// primary returns the least advanced project by the configured stage order. Unknown
// stages sort last; ties keep input order.
func (c *Chain) primary(projects []domain.Project) domain.Project {
	ordered := append([]domain.Project(nil), projects...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return c.stageRank(ordered[i]) < c.stageRank(ordered[j])
	})
	return ordered[0]
}

func (c *Chain) stageRank(p domain.Project) int {
	if r, ok := c.rank[p.CropDetails.GrowthStage]; ok {
		return r
	}
	return len(c.rank)
}

func (c *Chain) stageProactive(projects []domain.Project, w *domain.WeatherSnapshot) (domain.Recommendation, bool) {
	p := c.primary(projects)
	stage := p.CropDetails.GrowthStage
	if _, known := c.rank[stage]; !known {
		return domain.Recommendation{}, false
	}
	rec := domain.Recommendation{Priority: domain.PriorityProactive, ProjectID: p.ID}
	if w == nil {
		tip, ok := c.stageTips[stage]
		if !ok {
			return domain.Recommendation{}, false
		}
		rec.Text = fmt.Sprintf("%s (%s, %s): %s", p.Name, p.CropName, stage, tip)
		return rec, true
	}
	switch {
	case w.Current.Humidity < c.cfg.LowHumidity:
		rec.Text = fmt.Sprintf("Dry air (%.0f%% humidity): irrigate your %s to prevent moisture stress during %s.", w.Current.Humidity, p.CropName, stage)
	case stage == domain.StageVegetative && w.Current.Humidity > c.cfg.PestHumidity:
		rec.Text = fmt.Sprintf("Humid conditions (%.0f%%) favour pests on young %s. Scout the field for insects and leaf damage this week.", w.Current.Humidity, p.CropName)
	case w.Current.TempC > c.cfg.HeatTemp:
		rec.Text = fmt.Sprintf("Hot weather (%.0f°C) during %s: keep your %s well watered and mulch to cut heat stress.", w.Current.TempC, stage, p.CropName)
	default:
		return domain.Recommendation{}, false
	}
	return rec, true
}

func planningGap(projects []domain.Project) (domain.Recommendation, bool) {
	for _, p := range projects {
		if p.CropDetails.GrowthStage == domain.StagePlanning && p.CropDetails.PlantingDate == nil {
			return domain.Recommendation{
				Text:      fmt.Sprintf("Set a planting date for %s so sowing reminders and alerts can be scheduled.", p.Name),
				Priority:  domain.PriorityPlanning,
				ProjectID: p.ID,
			}, true
		}
	}
	for _, p := range projects {
		if p.CropDetails.GrowthStage == "" {
			return domain.Recommendation{
				Text:      fmt.Sprintf("Add the growth stage of your %s in %s to get stage-specific advice.", p.CropName, p.Name),
				Priority:  domain.PriorityPlanning,
				ProjectID: p.ID,
			}, true
		}
	}
	return domain.Recommendation{}, false
}

func (c *Chain) tip() domain.Recommendation {
	i := 0
	if c.Pick != nil {
		i = c.Pick(len(c.tips))
	}
	if i < 0 || i >= len(c.tips) {
		i = 0
	}
	return domain.Recommendation{Text: c.tips[i], Priority: domain.PriorityTip, Tier: string(TierTip)}
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
