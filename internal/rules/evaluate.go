package rules

import "strings"

// Condition fields understood by Evaluate.
const (
	FieldFileExtension      = "file.extension"
	FieldFilePath           = "file.path"
	FieldUser               = "user"
	FieldDriveType          = "drive_type"
	FieldProcessName        = "process.name"
	FieldDestination        = "destination"
	FieldContainsPII        = "contains_pii"
	FieldKeywordHit         = "keyword_hit"
	FieldSizeExceeded       = "size_exceeded"
	FieldRemovableDrive     = "removable_drive"
	FieldFingerprintMatched = "fingerprint_matched"
)

func boolMatch(expected string, actual bool) bool {
	switch strings.ToLower(strings.TrimSpace(expected)) {
	case "true", "1":
		return actual
	case "false", "0":
		return !actual
	}
	return false
}

func stringMatch(op, actual, expected string) bool {
	switch strings.ToLower(op) {
	case "contains":
		return strings.Contains(actual, expected)
	case "starts_with":
		return strings.HasPrefix(actual, expected)
	case "ends_with":
		return strings.HasSuffix(actual, expected)
	}
	// equals, eq, == and anything unrecognized
	return actual == expected
}

// Matches reports whether the condition holds for ctx. Unknown fields never
// match.
func (c Condition) Matches(ctx *Context) bool {
	switch strings.ToLower(c.Field) {
	case FieldFileExtension:
		return stringMatch(c.Op, ctx.FileExtension, c.Value)
	case FieldFilePath:
		return stringMatch(c.Op, ctx.FilePath, c.Value)
	case FieldUser:
		return stringMatch(c.Op, ctx.User, c.Value)
	case FieldDriveType:
		return stringMatch(c.Op, ctx.DriveType, c.Value)
	case FieldProcessName:
		return stringMatch(c.Op, ctx.ProcessName, c.Value)
	case FieldDestination:
		return stringMatch(c.Op, ctx.Destination, c.Value)
	case FieldContainsPII:
		return boolMatch(c.Value, ctx.ContainsPII)
	case FieldKeywordHit:
		return boolMatch(c.Value, ctx.KeywordHit)
	case FieldSizeExceeded:
		return boolMatch(c.Value, ctx.SizeExceeded)
	case FieldRemovableDrive:
		return boolMatch(c.Value, ctx.RemovableDrive)
	case FieldFingerprintMatched:
		return boolMatch(c.Value, ctx.FingerprintMatched)
	}
	return false
}

func (r *Rule) matchedBy(m *Match) bool {
	return (r.ID != "" && m.RuleID == r.ID) || (r.Name != "" && m.RuleName == r.Name)
}

func (d Decision) outranks(other Decision) bool {
	if d.Priority != other.Priority {
		return d.Priority > other.Priority
	}
	if d.Severity != other.Severity {
		return d.Severity > other.Severity
	}
	return d.Action.Rank() > other.Action.Rank()
}

// Evaluate walks the enabled rules in load order and returns the decision
// of the best satisfied rule. Content rules need at least one match
// attributed to them; every rule needs all of its conditions to hold.
// The best rule has the highest priority, then severity, then action rank;
// on a full tie the earlier rule wins.
func (s *Snapshot) Evaluate(ctx Context, matches []Match) Decision {
	best := NoMatch()
	found := false

	for i := range s.rules {
		r := &s.rules[i].Rule
		if !r.Enabled {
			continue
		}

		matched := false
		var maxMatchSeverity Severity
		if r.Kind != KindCondition {
			for j := range matches {
				if r.matchedBy(&matches[j]) {
					matched = true
					if matches[j].Severity > maxMatchSeverity {
						maxMatchSeverity = matches[j].Severity
					}
				}
			}
			if !matched {
				continue
			}
		}

		satisfied := true
		for _, c := range r.Conditions {
			if !c.Matches(&ctx) {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}

		sev := r.Severity
		if sev == 0 {
			sev = maxMatchSeverity
		}
		action := s.thresholds.ActionFor(sev)
		if len(r.Actions) > 0 {
			action = r.Actions[0]
		}
		reason := r.Name
		if reason == "" {
			reason = r.ID
		}
		if reason == "" {
			reason = "rule_match"
		}

		d := Decision{
			Action:   action,
			RuleID:   r.ID,
			RuleName: r.Name,
			Severity: sev,
			Priority: r.Priority,
			Reason:   reason,
		}
		if !found || d.outranks(best) {
			best = d
			found = true
		}
	}
	return best
}
