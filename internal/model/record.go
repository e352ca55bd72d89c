package model

import "encoding/json"

// Decision is the terminal outcome of a human review.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionEdited   Decision = "edited"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is one of the three review outcomes.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionEdited, DecisionRejected:
		return true
	}
	return false
}

// DraftRecord is the structured extraction result. Every field is present in
// every extraction output; unknown values are null or "", never a sentinel
// string. Numeric pointers distinguish "reported as zero" from "not reported".
type DraftRecord struct {
	CompanyName   string         `json:"companyName"`
	Industry      string         `json:"industry"`
	Sector        string         `json:"sector"`
	IndustryGroup string         `json:"industryGroup"`
	BaseYear      string         `json:"baseYear"`
	URL           string         `json:"url"`
	Emissions     []YearEmission `json:"emissions"`
	Goals         []Goal         `json:"goals"`
	Reliability   string         `json:"reliability"`
	ReviewComment string         `json:"reviewComment"`
	// WikidataVerified holds a Wikidata article URL when the figures were
	// cross-checked against it, otherwise "".
	WikidataVerified string `json:"wikidataVerified"`
}

// YearEmission holds one reporting year's emissions.
type YearEmission struct {
	Year   string  `json:"year"`
	Scope1 *Scope1 `json:"scope1"`
	Scope2 *Scope2 `json:"scope2"`
	Scope3 *Scope3 `json:"scope3"`
	// TotalUnit is the unit the reporter used, normalized to tCO2e where a
	// unit conversion (never an aggregation) suffices.
	TotalUnit string `json:"totalUnit"`
}

// Scope1 covers direct emissions. Biogenic CO2, when reported separately,
// is carried inside scope 1 per extraction policy.
type Scope1 struct {
	Emissions *float64 `json:"emissions"`
	Biogenic  *float64 `json:"biogenic"`
	Unit      string   `json:"unit"`
}

// Scope2 covers purchased energy. Market-based figures take precedence when
// both bases are reported.
type Scope2 struct {
	MarketBased   *float64 `json:"mb"`
	LocationBased *float64 `json:"lb"`
	Unit          string   `json:"unit"`
}

// Scope3 covers value-chain emissions with the GHG Protocol category
// breakdown. EmissionsTotal is only ever a reporter-given figure; it is
// never computed from the categories.
type Scope3 struct {
	EmissionsTotal *float64            `json:"emissions"`
	Unit           string              `json:"unit"`
	Categories     map[string]*float64 `json:"categories"`
}

// Scope3Categories enumerates the GHG Protocol scope 3 category keys every
// extraction output must carry.
var Scope3Categories = []string{
	"1_purchasedGoods",
	"2_capitalGoods",
	"3_fuelAndEnergyRelatedActivities",
	"4_upstreamTransportationAndDistribution",
	"5_wasteGeneratedInOperations",
	"6_businessTravel",
	"7_employeeCommuting",
	"8_upstreamLeasedAssets",
	"9_downstreamTransportationAndDistribution",
	"10_processingOfSoldProducts",
	"11_useOfSoldProducts",
	"12_endOfLifeTreatmentOfSoldProducts",
	"13_downstreamLeasedAssets",
	"14_franchises",
	"15_investments",
	"16_other",
}

// Goal is one stated emissions-reduction target.
type Goal struct {
	Description string `json:"description"`
	Year        string `json:"year"`
	Target      string `json:"target"`
	BaseYear    string `json:"baseYear"`
}

// Patch is a human-supplied partial edit applied on an "edited" resolution.
// Only present keys are applied.
type Patch map[string]json.RawMessage

// Apply merges the patch into the draft through its JSON form and returns
// the patched record. Unknown keys are ignored.
func (p Patch) Apply(draft DraftRecord) (DraftRecord, error) {
	raw, err := json.Marshal(draft)
	if err != nil {
		return draft, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return draft, err
	}
	for k, v := range p {
		if _, ok := m[k]; ok {
			m[k] = v
		}
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return draft, err
	}
	var out DraftRecord
	if err := json.Unmarshal(merged, &out); err != nil {
		return draft, err
	}
	return out, nil
}

// Normalize fills in the fixed shape: non-nil slices and a complete scope 3
// category map for every emission year.
func (r *DraftRecord) Normalize() {
	if r.Emissions == nil {
		r.Emissions = []YearEmission{}
	}
	if r.Goals == nil {
		r.Goals = []Goal{}
	}
	for i := range r.Emissions {
		e := &r.Emissions[i]
		if e.Scope1 == nil {
			e.Scope1 = &Scope1{}
		}
		if e.Scope2 == nil {
			e.Scope2 = &Scope2{}
		}
		if e.Scope3 == nil {
			e.Scope3 = &Scope3{}
		}
		if e.Scope3.Categories == nil {
			e.Scope3.Categories = make(map[string]*float64, len(Scope3Categories))
		}
		for _, cat := range Scope3Categories {
			if _, ok := e.Scope3.Categories[cat]; !ok {
				e.Scope3.Categories[cat] = nil
			}
		}
	}
}
