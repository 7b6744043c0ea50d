package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		input   string
		want    Action
		wantErr bool
	}{
		{"allow", ActionAllow, false},
		{"ALERT", ActionAlert, false},
		{" Block ", ActionBlock, false},
		{"quarantine", ActionQuarantine, false},
		{"shadow-copy", ActionShadowCopy, false},
		{"shadow_copy", ActionShadowCopy, false},
		{"ShadowCopy", ActionShadowCopy, false},
		{"encrypt", ActionAllow, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionRank(t *testing.T) {
	assert.Greater(t, ActionBlock.Rank(), ActionQuarantine.Rank())
	assert.Greater(t, ActionQuarantine.Rank(), ActionShadowCopy.Rank())
	assert.Greater(t, ActionShadowCopy.Rank(), ActionAlert.Rank())
	assert.Greater(t, ActionAlert.Rank(), ActionAllow.Rank())
}

func TestSeverityDecoding(t *testing.T) {
	var doc struct {
		A Severity `json:"a" yaml:"a"`
		B Severity `json:"b" yaml:"b"`
		C Severity `json:"c" yaml:"c"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"a": 7, "b": "critical", "c": "5"}`), &doc))
	assert.Equal(t, Severity(7), doc.A)
	assert.Equal(t, Severity(10), doc.B)
	assert.Equal(t, Severity(5), doc.C)

	require.NoError(t, yaml.Unmarshal([]byte("a: low\nb: medium\nc: high\n"), &doc))
	assert.Equal(t, Severity(3), doc.A)
	assert.Equal(t, Severity(6), doc.B)
	assert.Equal(t, Severity(8), doc.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a": "extreme"}`), &doc))
}

func TestActionListDecoding(t *testing.T) {
	var l ActionList
	require.NoError(t, json.Unmarshal([]byte(`"block, alert"`), &l))
	assert.Equal(t, ActionList{ActionBlock, ActionAlert}, l)

	require.NoError(t, json.Unmarshal([]byte(`["quarantine"]`), &l))
	assert.Equal(t, ActionList{ActionQuarantine}, l)

	require.NoError(t, yaml.Unmarshal([]byte(`"[shadowcopy, alert]"`), &l))
	assert.Equal(t, ActionList{ActionShadowCopy, ActionAlert}, l)

	require.NoError(t, yaml.Unmarshal([]byte("- Block\n- alert\n"), &l))
	assert.Equal(t, ActionList{ActionBlock, ActionAlert}, l)

	assert.Error(t, json.Unmarshal([]byte(`"block, nuke"`), &l))
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{"valid keyword", Rule{ID: "r1", Kind: KindKeyword, Keywords: []string{"x"}}, ""},
		{"missing id and name", Rule{Kind: KindKeyword, Keywords: []string{"x"}}, "id"},
		{"regex without pattern", Rule{ID: "r", Kind: KindRegex}, "pattern"},
		{"hash without hashes", Rule{ID: "r", Kind: KindHash}, "hashes"},
		{"empty type and conditions", Rule{ID: "r"}, "type"},
		{"condition only", Rule{ID: "r", Conditions: []Condition{{Field: "user", Value: "bob"}}}, ""},
		{"anonymous condition rule", Rule{Conditions: []Condition{{Field: "user", Value: "bob"}}}, ""},
		{"anonymous regex rule", Rule{Kind: KindRegex, Pattern: "x"}, "id"},
		{"severity out of range", Rule{ID: "r", Kind: KindKeyword, Keywords: []string{"x"}, Severity: 11}, "severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestThresholdsActionFor(t *testing.T) {
	th := Thresholds{QuarantineEnabled: true, Quarantine: 9, Block: 7, ShadowCopyEnabled: true, ShadowCopy: 5}

	assert.Equal(t, ActionQuarantine, th.ActionFor(9))
	assert.Equal(t, ActionBlock, th.ActionFor(8))
	assert.Equal(t, ActionShadowCopy, th.ActionFor(5))
	assert.Equal(t, ActionAlert, th.ActionFor(1))
	assert.Equal(t, ActionAllow, th.ActionFor(0))

	th.QuarantineEnabled = false
	th.ShadowCopyEnabled = false
	assert.Equal(t, ActionBlock, th.ActionFor(10))
	assert.Equal(t, ActionAlert, th.ActionFor(5))
}
