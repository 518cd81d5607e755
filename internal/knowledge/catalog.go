// Package knowledge serves the static agronomy catalog used by the lookup tools
// and the next-action tips.
package knowledge

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yml
var embedded []byte

type Scheme struct {
	Name        string   `yaml:"name" json:"name"`
	Summary     string   `yaml:"summary" json:"summary"`
	Eligibility string   `yaml:"eligibility" json:"eligibility"`
	Keywords    []string `yaml:"keywords" json:"-"`
}

type Disease struct {
	Name      string   `yaml:"name" json:"name"`
	Crops     []string `yaml:"crops" json:"crops"`
	Symptoms  string   `yaml:"symptoms" json:"symptoms"`
	Treatment string   `yaml:"treatment" json:"treatment"`
	Keywords  []string `yaml:"keywords" json:"-"`
}

type FertilizerAdvice struct {
	Crop   string `yaml:"crop" json:"crop"`
	Stage  string `yaml:"stage" json:"stage"`
	Advice string `yaml:"advice" json:"advice"`
}

type Catalog struct {
	Schemes    []Scheme           `yaml:"schemes"`
	Diseases   []Disease          `yaml:"diseases"`
	Fertilizer []FertilizerAdvice `yaml:"fertilizer"`
	StageTips  map[string]string  `yaml:"stage_tips"`
	Tips       []string           `yaml:"tips"`
}

// Load parses the catalog compiled into the binary.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("knowledge catalog: %w", err)
	}
	if len(c.Tips) == 0 {
		return nil, fmt.Errorf("knowledge catalog: at least one tip is required")
	}
	return &c, nil
}

// FindSchemes returns schemes whose name or keywords occur in query. An empty match
// returns every scheme.
func (c *Catalog) FindSchemes(query string) []Scheme {
	q := strings.ToLower(query)
	var out []Scheme
	for _, s := range c.Schemes {
		if mentions(q, strings.ToLower(s.Name)) || mentionsAny(q, s.Keywords) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]Scheme(nil), c.Schemes...)
	}
	return out
}

// FindDiseases matches by crop and by keywords in query. Either filter may be empty.
func (c *Catalog) FindDiseases(crop, query string) []Disease {
	crop = strings.ToLower(strings.TrimSpace(crop))
	q := strings.ToLower(query)
	var byCrop, byBoth []Disease
	for _, d := range c.Diseases {
		if crop != "" && !contains(d.Crops, crop) {
			continue
		}
		byCrop = append(byCrop, d)
		if q != "" && (mentions(q, strings.ToLower(d.Name)) || mentionsAny(q, d.Keywords)) {
			byBoth = append(byBoth, d)
		}
	}
	if len(byBoth) > 0 {
		return byBoth
	}
	return byCrop
}

// FertilizerFor returns the most specific advice for crop and stage, falling back to
// crop-only and then the wildcard entry.
func (c *Catalog) FertilizerFor(crop, stage string) (FertilizerAdvice, bool) {
	crop, stage = strings.ToLower(crop), strings.ToLower(stage)
	for _, want := range [][2]string{{crop, stage}, {crop, "*"}, {"*", "*"}} {
		for _, f := range c.Fertilizer {
			if f.Crop == want[0] && f.Stage == want[1] {
				return f, true
			}
		}
	}
	for _, f := range c.Fertilizer {
		if f.Crop == crop {
			return f, true
		}
	}
	return FertilizerAdvice{}, false
}

func (c *Catalog) StageTip(stage string) (string, bool) {
	tip, ok := c.StageTips[strings.ToLower(stage)]
	return tip, ok
}

func mentions(q, term string) bool {
	return term != "" && strings.Contains(q, term)
}

func mentionsAny(q string, terms []string) bool {
	for _, t := range terms {
		if mentions(q, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
