package rules

import "strings"

// confidence scores a match from its rule severity, kind and hit count.
func confidence(sev Severity, kind Kind, count int) float64 {
	base := float64(sev) / 10.0
	if base < 0 {
		base = 0
	}
	if base > 1 {
		base = 1
	}

	switch kind {
	case KindRegex:
		base += 0.2
	case KindKeyword:
		if count > 1 {
			base += 0.15
		} else {
			base += 0.1
		}
	case KindHash:
		base += 0.4
	}
	if count > 3 {
		base += 0.05
	}
	if base > 1 {
		return 1
	}
	return base
}

func newMatch(r *Rule, count int, sample string) Match {
	return Match{
		RuleID:     r.ID,
		RuleName:   r.Name,
		Kind:       r.Kind,
		Priority:   r.Priority,
		Severity:   r.Severity,
		MatchCount: count,
		Match:      sample,
		Confidence: confidence(r.Severity, r.Kind, count),
	}
}

// ScanText evaluates the enabled regex and keyword rules against text. A
// regex rule counts every match and reports the first; a keyword rule
// counts the distinct keywords present (case-insensitive) and reports the
// first keyword found.
func (s *Snapshot) ScanText(text string) []Match {
	if text == "" {
		return nil
	}

	var lower string
	var matches []Match
	for i := range s.rules {
		cr := &s.rules[i]
		if !cr.Enabled {
			continue
		}

		switch cr.Kind {
		case KindRegex:
			if cr.re == nil {
				continue
			}
			locs := cr.re.FindAllStringIndex(text, -1)
			if len(locs) == 0 {
				continue
			}
			sample := text[locs[0][0]:locs[0][1]]
			matches = append(matches, newMatch(&cr.Rule, len(locs), sample))

		case KindKeyword:
			if lower == "" {
				lower = strings.ToLower(text)
			}
			count := 0
			sample := ""
			for _, kw := range cr.Keywords {
				if strings.Contains(lower, kw) {
					if count == 0 {
						sample = kw
					}
					count++
				}
			}
			if count > 0 {
				matches = append(matches, newMatch(&cr.Rule, count, sample))
			}
		}
	}
	return matches
}

// ScanHashes reports every enabled hash rule listing either digest. Empty
// digests never match.
func (s *Snapshot) ScanHashes(fullHash, partialHash string) []Match {
	fullHash = strings.ToLower(fullHash)
	partialHash = strings.ToLower(partialHash)
	if fullHash == "" && partialHash == "" {
		return nil
	}

	var matches []Match
	for i := range s.rules {
		cr := &s.rules[i]
		if !cr.Enabled || cr.Kind != KindHash {
			continue
		}
		sample := ""
		if _, ok := cr.hashes[fullHash]; ok && fullHash != "" {
			sample = fullHash
		} else if _, ok := cr.hashes[partialHash]; ok && partialHash != "" {
			sample = partialHash
		}
		if sample != "" {
			matches = append(matches, newMatch(&cr.Rule, 1, sample))
		}
	}
	return matches
}
