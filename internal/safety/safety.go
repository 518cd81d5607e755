// Package safety screens generated advice before it reaches a farmer.
package safety

import (
	"regexp"
	"strings"

	"fieldline/internal/domain"
	"fieldline/internal/telemetry"
)

type Action string

const (
	Allow Action = "allow"
	Flag  Action = "flag"
	Block Action = "block"
)

type Category string

const (
	BannedSubstance Category = "banned_substance"
	ExtremeDosage   Category = "extreme_dosage"
	SelfHarm        Category = "self_harm"
	BannedPhrase    Category = "banned_phrase"
)

// Refusal replaces blocked text.
const Refusal = "I can't help with that. If you are going through a hard time, please talk to someone you trust or call the Tele-MANAS helpline at 14416."

type Verdict struct {
	Action         Action   `json:"action" enum:"allow,flag,block"`
	RulesTriggered []string `json:"rules_triggered"`
}

type Emitter interface {
	Emit(eventType string, payload map[string]any) domain.Event
}

type rule struct {
	name     string
	category Category
	re       *regexp.Regexp
}

var bannedSubstances = []string{
	"endosulfan", "monocrotophos", "methyl parathion", "phorate", "carbofuran", "paraquat",
	"ddt", "aldrin", "dieldrin", "lindane", "chlordane", "heptachlor",
}

var defaultBannedPhrases = []string{"guaranteed yield", "100% guaranteed", "no side effects", "miracle cure"}

var patternRules = []rule{
	{name: "dose_per_litre", category: ExtremeDosage, re: regexp.MustCompile(`(?i)\b([5-9]\d|\d{3,})\s*(ml|g|gm|grams?)\s*(per|/)\s*(litre|liter|l)\b`)},
	{name: "multiplied_dose", category: ExtremeDosage, re: regexp.MustCompile(`(?i)\b(double|triple|twice|thrice|\d+x)\s+(the\s+)?(recommended\s+)?(dose|dosage|quantity)\b`)},
	{name: "urea_per_plant", category: ExtremeDosage, re: regexp.MustCompile(`(?i)\b\d+\s*(kg|kgs|bags?)\s+(of\s+)?urea\s+per\s+(plant|tree)\b`)},
	{name: "harm_self", category: SelfHarm, re: regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(myself|yourself|themselves|himself|herself)\b`)},
	{name: "suicide", category: SelfHarm, re: regexp.MustCompile(`(?i)\bsuicid(e|al)\b`)},
	{name: "ingest_poison", category: SelfHarm, re: regexp.MustCompile(`(?i)\b(drink|drinking|consume|swallow|eat)\w*\s+(the\s+|some\s+)?(pesticide|poison|insecticide|herbicide|weedicide)\b`)},
	{name: "end_life", category: SelfHarm, re: regexp.MustCompile(`(?i)\b(end\s+(my|your|their)\s+life|want\s+to\s+die)\b`)},
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	rules  []rule
	events Emitter
}

// NewFilter builds the rule battery. extraPhrases extend the banned phrase list.
func NewFilter(extraPhrases []string, events Emitter) *Filter {
	rules := make([]rule, 0, len(bannedSubstances)+len(patternRules)+len(defaultBannedPhrases)+len(extraPhrases))
	for _, s := range bannedSubstances {
		rules = append(rules, rule{name: s, category: BannedSubstance, re: wordPattern(s)})
	}
	rules = append(rules, patternRules...)
	for _, p := range append(append([]string{}, defaultBannedPhrases...), extraPhrases...) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rules = append(rules, rule{name: strings.ToLower(p), category: BannedPhrase, re: wordPattern(p)})
	}
	return &Filter{rules: rules, events: events}
}

func wordPattern(s string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\W)` + regexp.QuoteMeta(s) + `($|\W)`)
}

// Evaluate classifies text without side effects. Self-harm blocks regardless of
// any other match.
func (f *Filter) Evaluate(text string) Verdict {
	v := Verdict{Action: Allow, RulesTriggered: []string{}}
	for _, r := range f.rules {
		if !r.re.MatchString(text) {
			continue
		}
		v.RulesTriggered = append(v.RulesTriggered, string(r.category)+":"+r.name)
		if a := actionFor(r.category); a.outranks(v.Action) {
			v.Action = a
		}
	}
	return v
}

func actionFor(c Category) Action {
	if c == SelfHarm {
		return Block
	}
	return Flag
}

var actionRank = map[Action]int{Allow: 0, Flag: 1, Block: 2}

func (a Action) outranks(b Action) bool {
	return actionRank[a] > actionRank[b]
}

// Apply evaluates text and substitutes the refusal when blocked. Non-allow verdicts
// are recorded as telemetry.
func (f *Filter) Apply(text string) (string, Verdict) {
	v := f.Evaluate(text)
	if v.Action != Allow && f.events != nil {
		f.events.Emit(telemetry.EventSafetyVerdict, map[string]any{
			"action": string(v.Action),
			"rules":  v.RulesTriggered,
		})
	}
	if v.Action == Block {
		return Refusal, v
	}
	return text, v
}
