package schema

import (
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
)

// FieldGroup is one retrieval unit: a set of related output keys and the
// queries used to pull supporting paragraphs from the vector index.
type FieldGroup struct {
	Name    string
	Keys    []string
	Queries []string
}

// FieldGroups returns the retrieval plan for the contract. Grouping follows
// how reporters lay the data out, not the output shape.
func FieldGroups() []FieldGroup {
	return []FieldGroup{
		{
			Name:    "company",
			Keys:    []string{"companyName", "industry", "sector", "industryGroup", "baseYear"},
			Queries: []string{"company name industry sector", "base year baseline reporting period"},
		},
		{
			Name:    "scope12",
			Keys:    []string{"emissions"},
			Queries: []string{"scope 1 direct emissions tCO2e", "scope 2 market-based location-based emissions", "biogenic CO2 emissions"},
		},
		{
			Name:    "scope3",
			Keys:    []string{"emissions"},
			Queries: []string{"scope 3 value chain emissions categories", "purchased goods business travel use of sold products"},
		},
		{
			Name:    "goals",
			Keys:    []string{"goals"},
			Queries: []string{"emission reduction target net zero goal", "science based targets commitment"},
		},
		{
			Name:    "quality",
			Keys:    []string{"reliability", "reviewComment", "wikidataVerified"},
			Queries: []string{"assurance audited verified emissions data", "methodology GHG protocol restatement"},
		},
	}
}

const extractTemplate = `You extract greenhouse-gas emissions data from sustainability reports into strict JSON.

**Output contract (version {{.Version}})** — every key below must be present in the output:
{{.Contract}}

**Rules**
- NEVER use "N/A" or similar placeholders. Unknown values are null or "".
- NEVER calculate or aggregate emissions. If individual categories are reported
  but no total, the total stays null.
- Unit conversion is allowed (e.g. ktCO2e to tCO2e, mSEK to SEK); merging or
  summing two reported fields into one is not.
- Market-based figures go in scope 2 when both bases are reported.
- Biogenic CO2, when reported separately, is carried inside scope 1.
- When a matching Wikidata article is found, use its company name and set
  wikidataVerified to the article URL; otherwise leave it "".
- We assess reporting quality, not the company: note anything unclear or
  inconsistent in reviewComment.
- ONLY WRITE IN {{.Language}}. Translate free-text values if needed.

Respond with a single JSON object and nothing else.`

const groupTemplate = `This pass targets the keys {{.Keys}}. Fill them from
the context below; every other contract key stays at its unknown value.

**Context** — paragraphs retrieved from the report:
{{.Context}}`

const reflectTemplate = `You review a draft emissions record against the report excerpts it was extracted from.

Look for values copied from the wrong field, totals not actually given by the
reporter, and data present in the context but missing from the draft. Do not
silently correct numbers: any numeric change must come with a sentence of
justification in reviewComment, otherwise leave the number and downgrade
reliability instead. You may enrich reviewComment. Keep every contract key
present; unknown stays null or "". ONLY WRITE IN {{.Language}}.

**Draft record**
{{.Draft}}

**Context**
{{.Context}}

Respond with the full corrected JSON object and nothing else.`

var (
	extractTmpl = template.Must(template.New("extract").Parse(extractTemplate))
	groupTmpl   = template.Must(template.New("group").Parse(groupTemplate))
	reflectTmpl = template.Must(template.New("reflect").Parse(reflectTemplate))
)

// ExtractPrompt renders the extraction system prompt, parameterized over the
// contract so schema evolution never touches orchestration code. It is
// identical for every field group of every document, which makes it a good
// prompt-cache candidate.
func ExtractPrompt(c *Contract, language string) (string, error) {
	var b strings.Builder
	err := extractTmpl.Execute(&b, map[string]any{
		"Version":  c.Version,
		"Contract": c.Describe(),
		"Language": language,
	})
	if err != nil {
		return "", eris.Wrap(err, "schema: render extract prompt")
	}
	return b.String(), nil
}

// GroupMessage renders the per-group user message: the keys this retrieval
// pass targets plus the paragraphs pulled for them.
func GroupMessage(group FieldGroup, context []string) (string, error) {
	var b strings.Builder
	err := groupTmpl.Execute(&b, map[string]any{
		"Keys":    strings.Join(group.Keys, ", "),
		"Context": joinContext(context),
	})
	if err != nil {
		return "", eris.Wrap(err, "schema: render group message")
	}
	return b.String(), nil
}

// ReflectPrompt renders the self-check instruction over a draft and its context.
func ReflectPrompt(language, draftJSON string, context []string) (string, error) {
	var b strings.Builder
	err := reflectTmpl.Execute(&b, map[string]any{
		"Language": language,
		"Draft":    draftJSON,
		"Context":  joinContext(context),
	})
	if err != nil {
		return "", eris.Wrap(err, "schema: render reflect prompt")
	}
	return b.String(), nil
}

func joinContext(paragraphs []string) string {
	if len(paragraphs) == 0 {
		return "(no paragraphs retrieved)"
	}
	return strings.Join(paragraphs, "\n---\n")
}
