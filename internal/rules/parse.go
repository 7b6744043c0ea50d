package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ruleSchema is the shape every JSON rule object must have before it is
// decoded.
const ruleSchema = `{
	"type": "object",
	"properties": {
		"id":       {"type": "string"},
		"name":     {"type": "string"},
		"type":     {"type": "string"},
		"priority": {"type": "integer"},
		"severity": {"type": ["integer", "string"]},
		"pattern":  {"type": "string"},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"hashes":   {"type": "array", "items": {"type": "string"}},
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"field": {"type": "string", "minLength": 1},
					"op":    {"type": "string"},
					"value": {"type": ["string", "number", "boolean"]}
				},
				"required": ["field"]
			}
		},
		"actions": {
			"type": ["array", "string"],
			"items": {"type": "string"}
		},
		"enabled": {"type": "boolean"}
	}
}`

var loadRuleSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(ruleSchema))
})

// ParseResult holds the rules that decoded cleanly and one error per rule
// that was skipped.
type ParseResult struct {
	Rules  []Rule
	Errors []error
}

// ruleDoc is the on-disk form of a rule.
type ruleDoc struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Type       string      `yaml:"type" json:"type"`
	Priority   int         `yaml:"priority" json:"priority"`
	Severity   Severity    `yaml:"severity" json:"severity"`
	Pattern    string      `yaml:"pattern" json:"pattern"`
	Keywords   []string    `yaml:"keywords" json:"keywords"`
	Hashes     []string    `yaml:"hashes" json:"hashes"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Actions    ActionList  `yaml:"actions" json:"actions"`
	Enabled    *bool       `yaml:"enabled" json:"enabled"`
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field string          `json:"field"`
		Op    string          `json:"op"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Field = raw.Field
	c.Op = raw.Op
	c.Value = ""
	if len(raw.Value) > 0 {
		var s string
		if err := json.Unmarshal(raw.Value, &s); err == nil {
			c.Value = s
		} else {
			c.Value = string(bytes.TrimSpace(raw.Value))
		}
	}
	return nil
}

func (d *ruleDoc) toRule() (Rule, error) {
	kind, err := ParseKind(d.Type)
	if err != nil {
		return Rule{}, &ValidationError{Field: "type", Message: err.Error()}
	}

	r := Rule{
		ID:         strings.TrimSpace(d.ID),
		Name:       strings.TrimSpace(d.Name),
		Kind:       kind,
		Priority:   d.Priority,
		Severity:   d.Severity,
		Pattern:    d.Pattern,
		Conditions: d.Conditions,
		Actions:    d.Actions,
		Enabled:    d.Enabled == nil || *d.Enabled,
	}
	seen := make(map[string]bool, len(d.Keywords))
	for _, kw := range d.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && !seen[kw] {
			seen[kw] = true
			r.Keywords = append(r.Keywords, kw)
		}
	}
	for _, h := range d.Hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			r.Hashes = append(r.Hashes, h)
		}
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func ruleRef(i int, id, name string) string {
	switch {
	case id != "":
		return fmt.Sprintf("rule %d (%s)", i, id)
	case name != "":
		return fmt.Sprintf("rule %d (%s)", i, name)
	}
	return fmt.Sprintf("rule %d", i)
}

// Parse decodes a rule set, choosing JSON when the document starts with
// '{' or '[' and YAML otherwise.
func Parse(data []byte) (*ParseResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ParseJSON(trimmed)
	}
	return ParseYAML(data)
}

// ParseJSON decodes {"rules": [...]} or a bare array of rule objects. Each
// object is checked against the rule schema; objects that fail are skipped
// and reported in the result.
func ParseJSON(data []byte) (*ParseResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &ParseResult{}, nil
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode rule array: %w", err)
		}
	} else {
		var doc struct {
			Rules []json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode rule document: %w", err)
		}
		items = doc.Rules
	}

	schema, err := loadRuleSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to load rule schema: %w", err)
	}

	result := &ParseResult{}
	for i, item := range items {
		validation, err := schema.Validate(gojsonschema.NewBytesLoader(item))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if !validation.Valid() {
			var msgs []string
			for _, desc := range validation.Errors() {
				msgs = append(msgs, desc.String())
			}
			result.Errors = append(result.Errors, fmt.Errorf("rule %d: schema validation failed: %s", i, strings.Join(msgs, "; ")))
			continue
		}

		var doc ruleDoc
		if err := json.Unmarshal(item, &doc); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		rule, err := doc.toRule()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", ruleRef(i, doc.ID, doc.Name), err))
			continue
		}
		result.Rules = append(result.Rules, rule)
	}
	return result, nil
}

// MarshalJSON renders rules in the {"rules": [...]} form accepted by
// ParseJSON.
func MarshalJSON(rules []Rule) ([]byte, error) {
	type doc struct {
		Rules []Rule `json:"rules"`
	}
	if rules == nil {
		rules = []Rule{}
	}
	return json.Marshal(doc{Rules: rules})
}
