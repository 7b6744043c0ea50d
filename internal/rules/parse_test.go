package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONDocument(t *testing.T) {
	data := []byte(`{
		"rules": [
			{"id": "r1", "name": "Confidential", "type": "keyword", "priority": 10, "severity": "high",
			 "keywords": ["Confidential", "SECRET", "secret"], "actions": ["block"]},
			{"id": "r2", "type": "regex", "pattern": "\\d{3}-\\d{2}-\\d{4}", "severity": 6, "actions": "alert, block"},
			{"id": "r3", "type": "hash", "hashes": ["ABCDEF"], "enabled": false},
			{"id": "r4", "conditions": [{"field": "removable_drive", "op": "==", "value": true}]}
		]
	}`)

	result, err := ParseJSON(data)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Rules, 4)

	r1 := result.Rules[0]
	assert.Equal(t, KindKeyword, r1.Kind)
	assert.Equal(t, Severity(8), r1.Severity)
	assert.Equal(t, []string{"confidential", "secret"}, r1.Keywords)
	assert.Equal(t, ActionList{ActionBlock}, r1.Actions)
	assert.True(t, r1.Enabled)

	assert.Equal(t, ActionList{ActionAlert, ActionBlock}, result.Rules[1].Actions)
	assert.Equal(t, []string{"abcdef"}, result.Rules[2].Hashes)
	assert.False(t, result.Rules[2].Enabled)

	r4 := result.Rules[3]
	assert.Equal(t, KindCondition, r4.Kind)
	assert.Equal(t, "true", r4.Conditions[0].Value)
}

func TestParseJSONBareArray(t *testing.T) {
	result, err := Parse([]byte(`[{"id": "a", "type": "keyword", "keywords": ["x"]}]`))
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, "a", result.Rules[0].ID)
}

func TestParseJSONSkipsBadRules(t *testing.T) {
	data := []byte(`{"rules": [
		{"id": "ok", "type": "keyword", "keywords": ["x"]},
		{"id": "no-type"},
		{"id": "bad-action", "type": "keyword", "keywords": ["x"], "actions": ["explode"]},
		{"id": "bad-kind", "type": "fuzzy", "keywords": ["x"]},
		{"type": "keyword", "keywords": ["x"]},
		{"id": 42, "type": "keyword", "keywords": ["x"]}
	]}`)

	result, err := ParseJSON(data)
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, "ok", result.Rules[0].ID)
	assert.Len(t, result.Errors, 5)
}

func TestParseJSONDocumentError(t *testing.T) {
	_, err := ParseJSON([]byte(`{"rules": [`))
	assert.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
- id: r1
  name: Card numbers
  type: regex
  pattern: '\b4[0-9]{15}\b'
  priority: 5
  severity: critical
  actions: [quarantine, alert]
- id: r2
  type: keyword
  keywords: [Payroll, salary]
  severity: 4
  actions: shadow-copy
- id: r3
  conditions:
    - field: file.extension
      op: equals
      value: .docx
    - field: removable_drive
      value: true
- id: broken
  type: regex
`)

	result, err := ParseYAML(data)
	require.NoError(t, err)
	require.Len(t, result.Rules, 3)
	require.Len(t, result.Errors, 1)

	assert.Equal(t, Severity(10), result.Rules[0].Severity)
	assert.Equal(t, ActionList{ActionQuarantine, ActionAlert}, result.Rules[0].Actions)
	assert.Equal(t, []string{"payroll", "salary"}, result.Rules[1].Keywords)
	assert.Equal(t, ActionList{ActionShadowCopy}, result.Rules[1].Actions)
	assert.Equal(t, "true", result.Rules[2].Conditions[1].Value)
}

func TestParseYAMLRulesKey(t *testing.T) {
	result, err := Parse([]byte("rules:\n  - id: a\n    type: hash\n    hashes: [AA]\n"))
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, []string{"aa"}, result.Rules[0].Hashes)

	_, err = Parse([]byte("policies: []\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	result, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, result.Rules)
}

func TestMarshalJSONRoundTrip(t *testing.T) {
	original, err := ParseJSON([]byte(`{"rules": [
		{"id": "r1", "name": "n", "type": "keyword", "priority": 3, "severity": 7, "keywords": ["a"], "actions": ["alert"]},
		{"id": "r2", "conditions": [{"field": "user", "op": "contains", "value": "adm"}]}
	]}`))
	require.NoError(t, err)

	data, err := MarshalJSON(original.Rules)
	require.NoError(t, err)

	again, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, original.Rules, again.Rules)
}

func TestParseYAMLLiteralValues(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		pattern string
	}{
		{"bracket class", "pattern: [0-9]{4}-[0-9]{4}", "[0-9]{4}-[0-9]{4}"},
		{"hash sign", "pattern: secret #tag", "secret #tag"},
		{"colon in value", "pattern: key: [A-Z]+", "key: [A-Z]+"},
		{"double quoted", `pattern: "\d{3}-\d{2}"`, `\d{3}-\d{2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "- id: kw\n  type: keyword\n  keywords: [x]\n- id: re\n  type: regex\n  " + tt.line + "\n"
			result, err := ParseYAML([]byte(data))
			require.NoError(t, err)
			require.Empty(t, result.Errors)
			require.Len(t, result.Rules, 2)
			assert.Equal(t, "kw", result.Rules[0].ID)
			assert.Equal(t, tt.pattern, result.Rules[1].Pattern)
		})
	}
}

func TestParseYAMLSkipsBadItems(t *testing.T) {
	data := []byte(`# rule set
rules:
  - id: first
    type: keyword
    keywords:
      - Alpha
      - "Beta"
    actions:
      - block
  - id: bad-priority
    type: keyword
    keywords: [x]
    priority: high
  - id: bad-enabled
    type: keyword
    keywords: [x]
    enabled: maybe
  - id: last
    type: hash
    hashes: AB12
    enabled: false
`)

	result, err := ParseYAML(data)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	require.Len(t, result.Rules, 2)

	assert.Equal(t, []string{"alpha", "beta"}, result.Rules[0].Keywords)
	assert.Equal(t, ActionList{ActionBlock}, result.Rules[0].Actions)
	assert.Equal(t, []string{"ab12"}, result.Rules[1].Hashes)
	assert.False(t, result.Rules[1].Enabled)
	assert.Contains(t, result.Errors[0].Error(), "bad-priority")
}

func TestParseYAMLInlineConditions(t *testing.T) {
	data := []byte("- id: c1\n  conditions: [{field: removable_drive, value: true}, {field: user, op: contains, value: adm}]\n")

	result, err := ParseYAML(data)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, []Condition{
		{Field: "removable_drive", Value: "true"},
		{Field: "user", Op: "contains", Value: "adm"},
	}, result.Rules[0].Conditions)
}

func TestParseAnonymousConditionRule(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"json", `[{"severity": 4, "conditions": [{"field": "user", "value": "bob"}]}]`},
		{"yaml", "- severity: 4\n  conditions:\n    - field: user\n      value: bob\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Parse([]byte(tt.data))
			require.NoError(t, err)
			require.Empty(t, result.Errors)
			require.Len(t, result.Rules, 1)

			e := newTestEngine(result.Rules...)
			d := e.Evaluate(Context{User: "bob"}, nil)
			assert.Equal(t, "rule_match", d.Reason)
			assert.Equal(t, Severity(4), d.Severity)
		})
	}
}
