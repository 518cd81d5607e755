// Package intent maps a free-text farmer query to a processing route.
package intent

import (
	"sort"
	"strings"
	"unicode"
)

type Route string

const (
	Greeting         Route = "greeting"
	Casual           Route = "casual"
	SimpleData       Route = "simple_data"
	ComplexReasoning Route = "complex_reasoning"
)

// Tool names the classifier can ask for.
const (
	ToolWeather          = "weather"
	ToolMarketData       = "market_data"
	ToolSchemes          = "schemes"
	ToolDiseaseLookup    = "disease_lookup"
	ToolFertilizerAdvice = "fertilizer_advice"
	ToolFarmStatus       = "farm_status"
)

type Classification struct {
	Route       Route    `json:"route" enum:"greeting,casual,simple_data,complex_reasoning"`
	Confidence  float64  `json:"confidence"`
	ToolsNeeded []string `json:"tools_needed"`
}

func (c Classification) Needs(tool string) bool {
	for _, t := range c.ToolsNeeded {
		if t == tool {
			return true
		}
	}
	return false
}

// FarmerContext is the little the classifier knows about the asker.
type FarmerContext struct {
	HasProjects bool
	Crops       []string
}

const casualMaxWords = 4

// family is a keyword group that implies a tool.
type family struct {
	tool  string
	terms []string
	// data families count toward the simple_data route; farm_status does not.
	data bool
}

// Terms ending in * match any word with that prefix; terms with spaces match as phrases.
var families = []family{
	{tool: ToolWeather, data: true, terms: []string{"weather", "rain*", "temperature", "forecast", "humid*", "wind*", "monsoon", "heat*", "hot", "cold", "frost", "storm"}},
	{tool: ToolMarketData, data: true, terms: []string{"price*", "market*", "mandi*", "rate", "rates", "msp", "sell*", "bhav"}},
	{tool: ToolSchemes, data: true, terms: []string{"scheme*", "subsid*", "loan*", "insurance", "kisan", "pm-kisan", "pmfby", "yojana", "credit"}},
	{tool: ToolDiseaseLookup, data: true, terms: []string{"disease*", "pest*", "blight", "rust", "fung*", "insect*", "infest*", "mildew", "worm*", "bollworm", "aphid*", "leaf spot", "yellowing", "wilt*", "rot"}},
	{tool: ToolFertilizerAdvice, data: true, terms: []string{"fertili*", "urea", "npk", "dap", "manure", "potash", "compost", "nitrogen", "zinc"}},
	{tool: ToolFarmStatus, terms: []string{"my farm", "my crop", "my crops", "my field", "my fields", "my plot", "my project", "my projects"}},
}

// Crops is the crop vocabulary shared with request building.
var Crops = []string{
	"wheat", "rice", "paddy", "cotton", "maize", "corn", "sugarcane", "soybean", "mustard", "potato",
	"tomato", "onion", "chilli", "groundnut", "bajra", "jowar", "millet", "barley", "gram", "chickpea",
	"pea", "lentil", "banana", "mango",
}

var farmingTerms = []string{
	"crop*", "farm*", "field*", "soil", "irrigat*", "sow*", "harvest*", "seed*", "yield*", "plant*",
	"spray*", "water*", "tractor", "acre*", "livestock", "cattle",
}

var greetings = []string{
	"hello", "hi", "hey", "hii", "namaste", "namaskar", "ram ram", "sat sri akal", "salaam",
	"good morning", "good afternoon", "good evening", "hola", "greetings",
}

// greetingFiller may follow a greeting without breaking the match.
var greetingFiller = map[string]bool{"there": true, "ji": true, "friend": true, "bhai": true, "sir": true, "all": true, "everyone": true}

var actionPhrases = []string{
	"should", "how to", "how do", "how can", "how much", "recommend*", "advice", "advise", "suggest*",
	"what to do", "what can i", "best", "why", "when to", "when should", "plan", "prevent*", "treat*",
	"improve", "increase", "protect", "control", "can i", "help me", "need to", "which",
}

// Classifier applies layered keyword heuristics. It is stateless and safe for
// concurrent use.
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

func (c *Classifier) Classify(query string, fc FarmerContext) Classification {
	text := normalize(query)
	words := strings.Fields(text)
	tools, dataFamily := toolsFor(text, words, fc)
	domainVocab := dataFamily || matchesAny(text, words, farmingTerms) || matchesAny(text, words, Crops) || containsTool(tools, ToolFarmStatus)
	action := matchesAny(text, words, actionPhrases)

	cls := Classification{ToolsNeeded: tools}
	switch {
	case isGreeting(text, words) && !domainVocab:
		cls.Route, cls.Confidence = Greeting, 0.95
	case len(words) <= casualMaxWords && !domainVocab:
		cls.Route, cls.Confidence = Casual, 0.85
	case dataFamily && !action:
		cls.Route, cls.Confidence = SimpleData, 0.8
	case action && domainVocab:
		cls.Route, cls.Confidence = ComplexReasoning, 0.9
	case action:
		cls.Route, cls.Confidence = ComplexReasoning, 0.85
	default:
		cls.Route, cls.Confidence = ComplexReasoning, 0.5
	}
	return cls
}

func toolsFor(text string, words []string, fc FarmerContext) ([]string, bool) {
	tools := []string{}
	data := false
	for _, f := range families {
		if !matchesAny(text, words, f.terms) {
			continue
		}
		if f.tool == ToolFarmStatus && !fc.HasProjects {
			continue
		}
		tools = append(tools, f.tool)
		data = data || f.data
	}
	sort.Strings(tools)
	return tools, data
}

func isGreeting(text string, words []string) bool {
	for _, g := range greetings {
		if text == g {
			return true
		}
		if !strings.HasPrefix(text, g+" ") {
			continue
		}
		rest := words[len(strings.Fields(g)):]
		if len(rest) > 2 {
			continue
		}
		ok := true
		for _, w := range rest {
			if !greetingFiller[w] && !isGreetingWord(w) {
				ok = false
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func isGreetingWord(w string) bool {
	for _, g := range greetings {
		if g == w {
			return true
		}
	}
	return false
}

// Mentions are entities pulled from a query to parameterize tools.
type Mentions struct {
	Crop   string
	Region string
}

var regions = []string{
	"andhra pradesh", "assam", "bihar", "chhattisgarh", "gujarat", "haryana", "himachal pradesh",
	"jharkhand", "karnataka", "kerala", "madhya pradesh", "maharashtra", "odisha", "punjab",
	"rajasthan", "tamil nadu", "telangana", "uttar pradesh", "uttarakhand", "west bengal",
}

func Extract(query string) Mentions {
	text := normalize(query)
	words := strings.Fields(text)
	var m Mentions
	for _, crop := range Crops {
		if matches(text, words, crop) {
			m.Crop = crop
			break
		}
	}
	for _, r := range regions {
		if matches(text, words, r) {
			m.Region = r
			break
		}
	}
	return m
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func matchesAny(text string, words []string, terms []string) bool {
	for _, t := range terms {
		if matches(text, words, t) {
			return true
		}
	}
	return false
}

func matches(text string, words []string, term string) bool {
	switch {
	case strings.Contains(term, " "):
		return strings.Contains(" "+text+" ", " "+term+" ")
	case strings.HasSuffix(term, "*"):
		prefix := strings.TrimSuffix(term, "*")
		for _, w := range words {
			if strings.HasPrefix(w, prefix) {
				return true
			}
		}
	default:
		for _, w := range words {
			if w == term || strings.TrimSuffix(w, "'s") == term {
				return true
			}
		}
	}
	return false
}

func containsTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}
