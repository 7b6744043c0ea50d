package rules

// DefaultOptions controls which built-in rules are added to every rule set.
type DefaultOptions struct {
	ContentKeywords  []string
	BlockOnMatch     bool
	AlertOnRemovable bool
	BlockSeverity    Severity
}

// DefaultRules builds the built-in keyword, size and removable drive rules.
func DefaultRules(opts DefaultOptions) []Rule {
	var out []Rule
	if len(opts.ContentKeywords) > 0 {
		r := Rule{
			ID:       "default_keyword",
			Name:     "Default Keyword Policy",
			Kind:     KindKeyword,
			Severity: 4,
			Keywords: append([]string(nil), opts.ContentKeywords...),
			Actions:  ActionList{ActionAlert},
			Enabled:  true,
		}
		if opts.BlockOnMatch {
			r.Severity = opts.BlockSeverity
			r.Actions = ActionList{ActionBlock}
		}
		out = append(out, r)
	}

	out = append(out, Rule{
		ID:         "default_size_threshold",
		Name:       "Default Size Threshold",
		Severity:   3,
		Conditions: []Condition{{Field: FieldSizeExceeded, Op: "==", Value: "true"}},
		Actions:    ActionList{ActionAlert},
		Enabled:    true,
	})

	if opts.AlertOnRemovable {
		out = append(out, Rule{
			ID:         "default_removable_drive",
			Name:       "Default Removable Drive",
			Severity:   2,
			Conditions: []Condition{{Field: FieldRemovableDrive, Op: "==", Value: "true"}},
			Actions:    ActionList{ActionAlert},
			Enabled:    true,
		})
	}
	return out
}

// MergeDefaults appends each default whose ID is not already used by rules.
// The input slice is not modified.
func MergeDefaults(rules, defaults []Rule) []Rule {
	out := make([]Rule, 0, len(rules)+len(defaults))
	out = append(out, rules...)

	existing := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID != "" {
			existing[r.ID] = true
		}
	}
	for _, d := range defaults {
		if d.ID != "" && existing[d.ID] {
			continue
		}
		if d.ID != "" {
			existing[d.ID] = true
		}
		out = append(out, d)
	}
	return out
}
