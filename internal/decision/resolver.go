package decision

import (
	"hash/fnv"
	"strings"

	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

// Decision is the final verdict string shipped with audit events.
type Decision string

const (
	Allow      Decision = "ALLOW"
	Alert      Decision = "ALERT"
	Block      Decision = "BLOCK"
	Quarantine Decision = "QUARANTINE"
	ShadowCopy Decision = "SHADOW_COPY"
)

// FromAction maps a rule action to its decision string.
func FromAction(a rules.Action) Decision {
	switch a {
	case rules.ActionAlert:
		return Alert
	case rules.ActionBlock:
		return Block
	case rules.ActionQuarantine:
		return Quarantine
	case rules.ActionShadowCopy:
		return ShadowCopy
	}
	return Allow
}

// PolicyDecision is what enforcement acts upon.
type PolicyDecision struct {
	Decision Decision       `json:"decision"`
	Action   rules.Action   `json:"action"`
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Severity rules.Severity `json:"severity"`
	Reason   string         `json:"reason"`
}

// Resolve turns a rule decision into a policy decision. An Allow on a
// removable drive is escalated to Alert when alertOnRemovable is set.
func Resolve(d rules.Decision, removable, alertOnRemovable bool) PolicyDecision {
	if d.Action == rules.ActionAllow && removable && alertOnRemovable {
		return PolicyDecision{
			Decision: Alert,
			Action:   rules.ActionAlert,
			RuleID:   d.RuleID,
			RuleName: d.RuleName,
			Severity: d.Severity,
			Reason:   "removable_drive",
		}
	}

	reason := d.Reason
	if reason == "" {
		reason = "no_match"
	}
	return PolicyDecision{
		Decision: FromAction(d.Action),
		Action:   d.Action,
		RuleID:   d.RuleID,
		RuleName: d.RuleName,
		Severity: d.Severity,
		Reason:   reason,
	}
}

// ShouldBlockDriver reports whether a synchronous kernel query must deny the
// open.
func (p PolicyDecision) ShouldBlockDriver() bool {
	return p.Action == rules.ActionBlock || p.Action == rules.ActionQuarantine
}

// RuleIDHash is the 32-bit FNV-1a digest of the rule ID reported to the
// kernel filter, which has no room for strings.
func (p PolicyDecision) RuleIDHash() uint32 {
	if p.RuleID == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(p.RuleID))
	return h.Sum32()
}

// USBAllowed reports whether serial is in the allow-list. The comparison is
// case-insensitive; an empty serial is never allowed.
func USBAllowed(serial string, allow []string) bool {
	if serial == "" {
		return false
	}
	for _, s := range allow {
		if strings.EqualFold(strings.TrimSpace(s), serial) {
			return true
		}
	}
	return false
}
