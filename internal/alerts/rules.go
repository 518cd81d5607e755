package alerts

import (
	"fmt"
	"math"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

// RuleType identifies an alert rule. Its spelling is part of every alert key.
type RuleType string

const (
	HeatStress          RuleType = "heat_stress"
	DiseaseRisk         RuleType = "disease_risk"
	TaskOverdue         RuleType = "task_overdue"
	RainfallDeficit     RuleType = "rainfall_deficit"
	RainfallExcess      RuleType = "rainfall_excess"
	SprayWindRisk       RuleType = "spray_wind_risk"
	SowingWindowClosing RuleType = "sowing_window_closing"
)

// Battery is the fixed evaluation order.
var Battery = []RuleType{HeatStress, DiseaseRisk, TaskOverdue, RainfallDeficit, RainfallExcess, SprayWindRisk, SowingWindowClosing}

func (r RuleType) needsWeather() bool {
	switch r {
	case HeatStress, DiseaseRisk, RainfallDeficit, RainfallExcess, SprayWindRisk:
		return true
	case TaskOverdue, SowingWindowClosing:
		return false
	}
	panic(fmt.Sprintf("alerts: unhandled rule %q", r))
}

// Key builds the dedup key <type>:<target>:<YYYY-MM-DD>.
func Key(rule RuleType, target string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", rule, target, day.Format("2006-01-02"))
}

// candidate is an alert before ids and enrichment are attached.
type candidate struct {
	rule     RuleType
	key      string
	severity domain.Severity
	message  string
}

type evaluator struct {
	cfg config.AlertsConfig
	now time.Time
}

func (e evaluator) evaluate(rule RuleType, p domain.Project, w *domain.WeatherSnapshot) []candidate {
	if rule.needsWeather() && w == nil {
		return nil
	}
	one := func(sev domain.Severity, msg string) []candidate {
		return []candidate{{rule: rule, key: Key(rule, p.ID, e.now), severity: sev, message: msg}}
	}
	stage := p.CropDetails.GrowthStage
	switch rule {
	case HeatStress:
		t := w.Current.TempC
		if t < e.cfg.HeatStressTemp {
			return nil
		}
		sev := domain.SeverityHigh
		if t >= e.cfg.HeatCriticalTemp {
			sev = domain.SeverityCritical
		}
		return one(sev, fmt.Sprintf("Heat stress risk for %s at %.0f°C. Irrigate in the evening and avoid field work at midday.", p.CropName, t))
	case DiseaseRisk:
		h := w.Current.Humidity
		if h < e.cfg.DiseaseHumidity {
			return nil
		}
		sev := domain.SeverityMedium
		if stage == domain.StageFlowering || stage == domain.StageFruiting {
			sev = domain.SeverityHigh
		}
		return one(sev, fmt.Sprintf("Humidity at %.0f%% raises fungal disease and pest risk for %s. Scout the field and check leaves.", h, p.CropName))
	case TaskOverdue:
		var out []candidate
		today := day(e.now)
		for _, t := range p.Workflows.Tasks {
			if t.Completed() || t.DueDate == nil {
				continue
			}
			late := int(math.Round(today.Sub(day(t.DueDate.In(e.now.Location()))).Hours() / 24))
			if late <= 0 {
				continue
			}
			sev := domain.SeverityMedium
			if late > 3 {
				sev = domain.SeverityHigh
			}
			out = append(out, candidate{
				rule:     rule,
				key:      Key(rule, p.ID+"/"+t.ID, e.now),
				severity: sev,
				message:  fmt.Sprintf("%q in %s is %d day(s) overdue.", t.Label, p.Name, late),
			})
		}
		return out
	case RainfallDeficit:
		if len(w.Daily) == 0 || stage == domain.StageMaturity || stage == domain.StageHarvest {
			return nil
		}
		rain := w.RainOver(e.cfg.RainWindowDays)
		if rain >= e.cfg.RainDeficitMm {
			return nil
		}
		return one(domain.SeverityMedium, fmt.Sprintf("Only %.1f mm of rain expected over %d days. Plan irrigation for %s.", rain, e.cfg.RainWindowDays, p.CropName))
	case RainfallExcess:
		if len(w.Daily) == 0 {
			return nil
		}
		rain := w.RainOver(e.cfg.RainWindowDays)
		if rain < e.cfg.RainExcessMm {
			return nil
		}
		return one(domain.SeverityHigh, fmt.Sprintf("Heavy rain of %.0f mm expected over %d days. Clear drainage channels in %s and delay fertilizer.", rain, e.cfg.RainWindowDays, p.Name))
	case SprayWindRisk:
		if w.Current.WindSpeedKmh < e.cfg.SprayWindKmh {
			return nil
		}
		return one(domain.SeverityLow, fmt.Sprintf("Wind at %.0f km/h. Postpone spraying on %s to avoid drift.", w.Current.WindSpeedKmh, p.Name))
	case SowingWindowClosing:
		end := p.CropDetails.SowingWindowEnd
		if end == nil || p.CropDetails.PlantingDate != nil {
			return nil
		}
		if stage != "" && stage != domain.StagePlanning && stage != domain.StageSowing {
			return nil
		}
		left := int(math.Round(day(end.In(e.now.Location())).Sub(day(e.now)).Hours() / 24))
		if left < 0 || left > e.cfg.SowingWindowDays {
			return nil
		}
		return one(domain.SeverityHigh, fmt.Sprintf("The sowing window for %s closes in %d day(s). Prepare seed and land now.", p.CropName, left))
	}
	panic(fmt.Sprintf("alerts: unhandled rule %q", rule))
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
