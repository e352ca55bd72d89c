// Package schema holds the versioned extraction contract and the prompt
// templates generated from it. The contract is a language-neutral data
// document; orchestration code never encodes field lists of its own.
package schema

import (
	"encoding/json"
	_ "embed"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var contractYAML []byte

// Key describes one required output key.
type Key struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Note     string `yaml:"note"`
}

// Contract is the versioned extraction output schema.
type Contract struct {
	Version         int   `yaml:"version"`
	LanguageNeutral bool  `yaml:"language_neutral"`
	Keys            []Key `yaml:"keys"`
}

// Load parses the embedded contract.
func Load() (*Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(contractYAML, &c); err != nil {
		return nil, eris.Wrap(err, "schema: parse contract")
	}
	if c.Version == 0 || len(c.Keys) == 0 {
		return nil, eris.New("schema: contract missing version or keys")
	}
	return &c, nil
}

// RequiredKeys returns the names of all required top-level keys.
func (c *Contract) RequiredKeys() []string {
	var out []string
	for _, k := range c.Keys {
		if k.Required {
			out = append(out, k.Name)
		}
	}
	return out
}

// Describe renders the contract as a compact key listing for prompt embedding.
func (c *Contract) Describe() string {
	var b strings.Builder
	for _, k := range c.Keys {
		fmt.Fprintf(&b, "- %s (%s)", k.Name, k.Type)
		if k.Note != "" {
			fmt.Fprintf(&b, ": %s", k.Note)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// sentinelValues are placeholder strings the model must never emit; unknown
// values are null or "".
var sentinelValues = map[string]bool{
	"n/a": true, "na": true, "none": true, "unknown": true, "-": true, "tbd": true,
}

// Validate checks a raw model response against the contract: it must be a
// JSON object, every required key must be present, and no string value may
// be a placeholder sentinel. It returns the decoded object on success.
func (c *Contract) Validate(raw []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, eris.Wrap(err, "schema: response is not a JSON object")
	}

	var missing []string
	for _, k := range c.RequiredKeys() {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("schema: response missing required keys: %s", strings.Join(missing, ", "))
	}

	for name, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		if sentinelValues[strings.ToLower(strings.TrimSpace(s))] {
			return nil, eris.Errorf("schema: key %q holds placeholder %q, want null or empty string", name, s)
		}
	}

	return obj, nil
}
