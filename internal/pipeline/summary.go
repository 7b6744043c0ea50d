package pipeline

import (
	"strconv"
	"strings"

	"github.com/whaac1289-debug/dlp-agent/internal/pii"
	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

const summaryLimit = 3

func summarizeRuleHits(matches []rules.Match) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("rule_hits=")
	b.WriteString(strconv.Itoa(len(matches)))
	b.WriteString(" [")
	for i, m := range matches {
		if i >= summaryLimit {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		label := m.RuleName
		if label == "" {
			label = m.RuleID
		}
		b.WriteString(label)
		b.WriteString(":sev")
		b.WriteString(strconv.Itoa(int(m.Severity)))
		b.WriteString(":conf")
		b.WriteString(strconv.FormatFloat(m.Confidence, 'g', 6, 64))
	}
	b.WriteString("]")
	return b.String()
}

func summarizePII(detections []pii.Detection) string {
	if len(detections) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("pii_hits=")
	b.WriteString(strconv.Itoa(len(detections)))
	b.WriteString(" [")
	for i, d := range detections {
		if i >= summaryLimit {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(d.Type))
		if !d.Valid {
			b.WriteString("(invalid)")
		}
	}
	b.WriteString("]")
	return b.String()
}

func summarizeFingerprint(matched bool, priorPath string) string {
	if !matched {
		return ""
	}
	if priorPath != "" {
		return "fingerprint_match=" + priorPath
	}
	return "fingerprint_match=yes"
}

// ContentFlags lists which kinds of evidence were found, comma separated,
// in the order pii, keyword, size, fingerprint.
func ContentFlags(containsPII, keywordHit, sizeExceeded, fingerprintMatched bool) string {
	var flags []string
	if containsPII {
		flags = append(flags, "pii")
	}
	if keywordHit {
		flags = append(flags, "keyword")
	}
	if sizeExceeded {
		flags = append(flags, "size")
	}
	if fingerprintMatched {
		flags = append(flags, "fingerprint")
	}
	return strings.Join(flags, ",")
}

// DeviceContext formats the drive details of an event.
func DeviceContext(driveType string, removable bool) string {
	return "drive_type=" + driveType + ";removable=" + strconv.FormatBool(removable)
}

// joinReason joins the non-empty parts with " | ".
func joinReason(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " | ")
}
