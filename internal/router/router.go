// Package router answers farmer queries. Route selection happens here and nowhere else.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/intent"
	"fieldline/internal/provider"
	"fieldline/internal/safety"
	"fieldline/internal/telemetry"
	"fieldline/internal/tools"
)

type Strategy string

const (
	Template            Strategy = "template"
	TemplateCasual      Strategy = "template_casual"
	ToolsThenSynthesize Strategy = "tools_then_synthesize"
	ToolsThenReason     Strategy = "tools_then_reason"
)

// Unavailable marks a context section whose tool failed or could not run.
const Unavailable = "data unavailable"

// SelectStrategy maps a classification to its response strategy.
func SelectStrategy(c intent.Classification) Strategy {
	switch c.Route {
	case intent.Greeting:
		return Template
	case intent.Casual:
		return TemplateCasual
	case intent.SimpleData:
		return ToolsThenSynthesize
	case intent.ComplexReasoning:
		return ToolsThenReason
	}
	panic(fmt.Sprintf("router: unhandled route %q", c.Route))
}

type Emitter interface {
	Emit(eventType string, payload map[string]any) domain.Event
}

type Query struct {
	FarmerID string
	Text     string
	// Projects are the farmer's active projects; the first one with a location anchors weather.
	Projects []domain.Project
}

// ToolReport is the per-tool trace returned with an answer.
type ToolReport struct {
	Tool      string `json:"tool"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type Response struct {
	Answer         string                `json:"answer"`
	Classification intent.Classification `json:"classification"`
	Strategy       Strategy              `json:"strategy"`
	Tools          []ToolReport          `json:"tools"`
	Verdict        safety.Verdict        `json:"verdict"`
	// Fallback is set when the reasoner failed and the raw context was returned.
	Fallback bool `json:"fallback"`
}

type Options struct {
	Classifier *intent.Classifier
	Harness    *tools.Harness
	Reasoner   provider.Reasoner
	Safety     *safety.Filter
	Events     Emitter
	Logger     *zap.Logger
	Now        func() time.Time
}

type Router struct {
	opts Options
}

func New(opts Options) *Router {
	if opts.Classifier == nil {
		opts.Classifier = intent.NewClassifier()
	}
	if opts.Safety == nil {
		opts.Safety = safety.NewFilter(nil, opts.Events)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{opts: opts}
}

func (r *Router) Classify(q Query) intent.Classification {
	return r.opts.Classifier.Classify(q.Text, farmerContext(q.Projects))
}

// Handle classifies and answers one query. It never fails: tool and reasoner
// errors degrade the answer instead.
func (r *Router) Handle(ctx context.Context, q Query) Response {
	start := r.opts.Now()
	class := r.Classify(q)
	resp := Response{Classification: class, Strategy: SelectStrategy(class), Tools: []ToolReport{}}

	var answer string
	switch resp.Strategy {
	case Template:
		answer = greetingReply(q.Projects)
	case TemplateCasual:
		answer = casualReply
	case ToolsThenSynthesize:
		answer = r.withTools(ctx, q, class, provider.ModeSynthesize, &resp)
	case ToolsThenReason:
		answer = r.withTools(ctx, q, class, provider.ModeReason, &resp)
	}
	resp.Answer, resp.Verdict = r.opts.Safety.Apply(answer)

	if r.opts.Events != nil {
		failed := 0
		names := make([]string, 0, len(resp.Tools))
		for _, t := range resp.Tools {
			names = append(names, t.Tool)
			if !t.Succeeded {
				failed++
			}
		}
		r.opts.Events.Emit(telemetry.EventRouterRequest, map[string]any{
			"farmer_id":  q.FarmerID,
			"route":      string(class.Route),
			"strategy":   string(resp.Strategy),
			"confidence": class.Confidence,
			"tools":      names,
			"failed":     failed,
			"fallback":   resp.Fallback,
			"action":     string(resp.Verdict.Action),
			"latency_ms": r.opts.Now().Sub(start).Milliseconds(),
		})
	}
	return resp
}

func (r *Router) withTools(ctx context.Context, q Query, class intent.Classification, mode provider.Mode, resp *Response) string {
	plan := r.plan(q, class)
	var outcomes []tools.Outcome
	if len(plan.requests) > 0 && r.opts.Harness != nil {
		outcomes = r.opts.Harness.ExecuteMany(ctx, plan.requests)
	}
	sections := make([]section, 0, len(plan.skipped)+len(outcomes))
	sections = append(sections, plan.skipped...)
	for _, out := range outcomes {
		rep := ToolReport{Tool: out.Tool, Succeeded: out.Succeeded, LatencyMs: out.Latency.Milliseconds()}
		s := section{tool: out.Tool}
		if out.Succeeded {
			s.body = render(out.Result)
		} else {
			rep.Error = out.Err.Error()
			s.body = Unavailable
		}
		resp.Tools = append(resp.Tools, rep)
		sections = append(sections, s)
	}
	blob := contextBlob(q, sections)
	if r.opts.Reasoner == nil {
		resp.Fallback = true
		return blob
	}
	text, err := r.opts.Reasoner.Generate(ctx, provider.Prompt{Mode: mode, Query: q.Text, Context: blob})
	if err != nil || strings.TrimSpace(text) == "" {
		r.opts.Logger.Warn("reasoner failed, returning raw context", zap.String("mode", string(mode)), zap.Error(err))
		resp.Fallback = true
		return blob
	}
	return text
}

type section struct {
	tool string
	body string
}

type toolPlan struct {
	requests []tools.Request
	skipped  []section
}

// plan turns the classifier's tool list into parameterized requests. Tools that
// are unregistered or lack an input are reported as unavailable.
func (r *Router) plan(q Query, class intent.Classification) toolPlan {
	var p toolPlan
	m := intent.Extract(q.Text)
	crop := m.Crop
	var anchor *domain.Project
	for i := range q.Projects {
		pr := &q.Projects[i]
		if anchor == nil && (pr.Location.Lat != 0 || pr.Location.Lon != 0) {
			anchor = pr
		}
	}
	if crop == "" && len(q.Projects) > 0 {
		crop = strings.ToLower(q.Projects[0].CropName)
	}
	stage := ""
	for _, pr := range q.Projects {
		if strings.EqualFold(pr.CropName, crop) {
			stage = pr.CropDetails.GrowthStage
			break
		}
	}
	skip := func(tool, why string) {
		p.skipped = append(p.skipped, section{tool: tool, body: Unavailable + " (" + why + ")"})
	}
	for _, tool := range class.ToolsNeeded {
		if r.opts.Harness == nil || !r.opts.Harness.Registry().Has(tool) {
			skip(tool, "tool not configured")
			continue
		}
		var params map[string]any
		switch tool {
		case intent.ToolWeather:
			if anchor == nil {
				skip(tool, "no farm location on record")
				continue
			}
			params = map[string]any{"lat": anchor.Location.Lat, "lon": anchor.Location.Lon}
		case intent.ToolMarketData:
			if crop == "" {
				skip(tool, "no commodity named")
				continue
			}
			params = map[string]any{"commodity": crop, "region": m.Region}
		case intent.ToolSchemes:
			params = map[string]any{"query": q.Text}
		case intent.ToolDiseaseLookup:
			params = map[string]any{"crop": crop, "query": q.Text}
		case intent.ToolFertilizerAdvice:
			if crop == "" {
				skip(tool, "no crop named")
				continue
			}
			params = map[string]any{"crop": crop, "stage": stage}
		case intent.ToolFarmStatus:
			params = map[string]any{"farmer_id": q.FarmerID}
		default:
			params = map[string]any{"query": q.Text}
		}
		p.requests = append(p.requests, tools.Request{Tool: tool, Params: params})
	}
	return p
}

func contextBlob(q Query, sections []section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(q.Text))
	if len(q.Projects) > 0 {
		b.WriteString("Farm projects:\n")
		for _, p := range q.Projects {
			stage := p.CropDetails.GrowthStage
			if stage == "" {
				stage = "stage unknown"
			}
			fmt.Fprintf(&b, "- %s: %s, %s\n", p.Name, p.CropName, stage)
		}
	}
	for _, s := range sections {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", s.tool, s.body)
	}
	return b.String()
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

const casualReply = "Happy to help. Ask me about weather, mandi prices, schemes, pests or what to do next on your farm."

func greetingReply(projects []domain.Project) string {
	if len(projects) == 0 {
		return "Namaste! Create a farm project to get advice tailored to your crop, or ask me anything about farming."
	}
	crops := make([]string, 0, len(projects))
	seen := map[string]bool{}
	for _, p := range projects {
		c := strings.ToLower(p.CropName)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		crops = append(crops, c)
	}
	if len(crops) == 0 {
		return "Namaste! How can I help with your farm today?"
	}
	return fmt.Sprintf("Namaste! How can I help with your %s today?", strings.Join(crops, " and "))
}

func farmerContext(projects []domain.Project) intent.FarmerContext {
	fc := intent.FarmerContext{HasProjects: len(projects) > 0}
	for _, p := range projects {
		if p.CropName != "" {
			fc.Crops = append(fc.Crops, strings.ToLower(p.CropName))
		}
	}
	return fc
}
