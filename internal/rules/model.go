package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects how a rule inspects content.
type Kind string

const (
	KindRegex     Kind = "regex"
	KindKeyword   Kind = "keyword"
	KindHash      Kind = "hash"
	KindCondition Kind = ""
)

// ParseKind normalizes a rule type name. "condition" and the empty string
// both select condition-only rules.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regex":
		return KindRegex, nil
	case "keyword", "keywords":
		return KindKeyword, nil
	case "hash", "hashes":
		return KindHash, nil
	case "", "condition", "conditions":
		return KindCondition, nil
	}
	return KindCondition, fmt.Errorf("unknown rule type %q", s)
}

// Action is an enforcement outcome.
type Action int

const (
	ActionAllow Action = iota
	ActionAlert
	ActionBlock
	ActionQuarantine
	ActionShadowCopy
)

var actionNames = map[Action]string{
	ActionAllow:      "allow",
	ActionAlert:      "alert",
	ActionBlock:      "block",
	ActionQuarantine: "quarantine",
	ActionShadowCopy: "shadow_copy",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "allow"
}

// Rank orders actions when two rules tie on priority and severity.
func (a Action) Rank() int {
	switch a {
	case ActionBlock:
		return 5
	case ActionQuarantine:
		return 4
	case ActionShadowCopy:
		return 3
	case ActionAlert:
		return 2
	default:
		return 1
	}
}

// ParseAction accepts action names case-insensitively. The shadow copy
// action is accepted as shadow-copy, shadow_copy or shadowcopy.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return ActionAllow, nil
	case "alert":
		return ActionAlert, nil
	case "block":
		return ActionBlock, nil
	case "quarantine":
		return ActionQuarantine, nil
	case "shadow-copy", "shadow_copy", "shadowcopy":
		return ActionShadowCopy, nil
	}
	return ActionAllow, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ActionList decodes from a list of names or a single comma separated
// string such as "block, alert" or "[block, alert]".
type ActionList []Action

func parseActionString(s string) (ActionList, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var out ActionList
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part == "" {
			continue
		}
		a, err := ParseAction(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (l *ActionList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseActionString(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var list []Action
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	*l = list
	return nil
}

func (l *ActionList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err := parseActionString(node.Value)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	case yaml.SequenceNode:
		out := make(ActionList, 0, len(node.Content))
		for _, item := range node.Content {
			a, err := ParseAction(item.Value)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("actions: unsupported yaml node at line %d", node.Line)
}

// Severity is a 0-10 score. It decodes from an integer, a numeric string or
// one of the words low, medium, high, critical.
type Severity int

// ParseSeverity converts a severity word or number.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return 0, nil
	case "low":
		return 3, nil
	case "medium":
		return 6, nil
	case "high":
		return 8, nil
	case "critical":
		return 10, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid severity %q", s)
	}
	return Severity(n), nil
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Severity(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseSeverity(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Condition is one field/op/value predicate over a Context.
type Condition struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value" json:"value"`
}

// Rule is a single detection rule. Rules are never mutated once part of an
// active snapshot.
type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Kind       Kind        `yaml:"type" json:"type"`
	Priority   int         `yaml:"priority" json:"priority"`
	Severity   Severity    `yaml:"severity" json:"severity"`
	Pattern    string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Keywords   []string    `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Hashes     []string    `yaml:"hashes,omitempty" json:"hashes,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    ActionList  `yaml:"actions,omitempty" json:"actions,omitempty"`
	Enabled    bool        `yaml:"enabled" json:"enabled"`
}

// Label returns the rule name, falling back to its ID.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Validate checks if a rule is usable.
func (r *Rule) Validate() error {
	// Content matches are tied back to their rule by ID or name; condition
	// rules may be anonymous.
	if r.Kind != KindCondition && r.ID == "" && r.Name == "" {
		return &ValidationError{Field: "id", Message: "rule ID or name is required"}
	}
	if r.Severity < 0 || r.Severity > 10 {
		return &ValidationError{Field: "severity", Message: "must be between 0 and 10"}
	}

	switch r.Kind {
	case KindRegex:
		if r.Pattern == "" {
			return &ValidationError{Field: "pattern", Message: "regex rule requires a pattern"}
		}
	case KindKeyword:
		if len(r.Keywords) == 0 {
			return &ValidationError{Field: "keywords", Message: "keyword rule requires keywords"}
		}
	case KindHash:
		if len(r.Hashes) == 0 {
			return &ValidationError{Field: "hashes", Message: "hash rule requires hashes"}
		}
	case KindCondition:
		if len(r.Conditions) == 0 {
			return &ValidationError{Field: "type", Message: "rule without type needs at least one condition"}
		}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown rule type %q", r.Kind)}
	}

	for i, c := range r.Conditions {
		if c.Field == "" {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d].field", i), Message: "field is required"}
		}
	}
	return nil
}

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Match is the evidence produced when a content rule fires.
type Match struct {
	RuleID     string   `json:"rule_id"`
	RuleName   string   `json:"rule_name"`
	Kind       Kind     `json:"type"`
	Priority   int      `json:"priority"`
	Severity   Severity `json:"severity"`
	MatchCount int      `json:"match_count"`
	Match      string   `json:"match"`
	Confidence float64  `json:"confidence"`
}

// Context carries the facts about a file event that conditions test.
type Context struct {
	FilePath           string `json:"file_path"`
	FileExtension      string `json:"file_extension"`
	User               string `json:"user"`
	DriveType          string `json:"drive_type"`
	ProcessName        string `json:"process_name"`
	Destination        string `json:"destination"`
	ContainsPII        bool   `json:"contains_pii"`
	KeywordHit         bool   `json:"keyword_hit"`
	SizeExceeded       bool   `json:"size_exceeded"`
	RemovableDrive     bool   `json:"removable_drive"`
	FingerprintMatched bool   `json:"fingerprint_matched"`
}

// Decision is the outcome of evaluating the active rule set.
type Decision struct {
	Action   Action   `json:"action"`
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Severity Severity `json:"severity"`
	Priority int      `json:"priority"`
	Reason   string   `json:"reason"`
}

// NoMatch is the decision when no rule is satisfied.
func NoMatch() Decision {
	return Decision{Action: ActionAllow, Reason: "no_match"}
}

// Thresholds map a severity to an action for rules that list no actions.
type Thresholds struct {
	QuarantineEnabled bool     `yaml:"quarantine_enabled" json:"quarantine_enabled"`
	Quarantine        Severity `yaml:"quarantine" json:"quarantine"`
	Block             Severity `yaml:"block" json:"block"`
	ShadowCopyEnabled bool     `yaml:"shadow_copy_enabled" json:"shadow_copy_enabled"`
	ShadowCopy        Severity `yaml:"shadow_copy" json:"shadow_copy"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Quarantine: 9,
		Block:      8,
		ShadowCopy: 5,
	}
}

// ActionFor picks the action for a severity.
func (t Thresholds) ActionFor(sev Severity) Action {
	switch {
	case t.QuarantineEnabled && sev >= t.Quarantine:
		return ActionQuarantine
	case sev >= t.Block:
		return ActionBlock
	case t.ShadowCopyEnabled && sev >= t.ShadowCopy:
		return ActionShadowCopy
	case sev > 0:
		return ActionAlert
	}
	return ActionAllow
}
