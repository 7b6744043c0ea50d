package rules

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type compiledRule struct {
	Rule
	re     *regexp.Regexp
	hashes map[string]struct{}
}

// Snapshot is an immutable, compiled rule set. Scans and evaluations that
// hold a snapshot never observe a later load.
type Snapshot struct {
	Version    string
	Generation uint64
	LoadedAt   time.Time

	rules      []compiledRule
	thresholds Thresholds
}

// Rules returns a copy of the rules in load order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i := range s.rules {
		out[i] = s.rules[i].Rule
	}
	return out
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// Thresholds returns the severity thresholds the snapshot evaluates with.
func (s *Snapshot) Thresholds() Thresholds {
	return s.thresholds
}

// Engine holds the active rule set. Readers load the current snapshot
// without locking; Load and SetThresholds build a new snapshot and swap it.
type Engine struct {
	logger *slog.Logger

	mu         sync.Mutex // serializes writers
	generation uint64
	thresholds Thresholds
	active     atomic.Pointer[Snapshot]
}

// NewEngine creates an engine with an empty rule set.
func NewEngine(thresholds Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger, thresholds: thresholds}
	e.active.Store(&Snapshot{thresholds: thresholds, LoadedAt: time.Now()})
	return e
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *Snapshot {
	return e.active.Load()
}

// Load replaces the active rule set with rules, preserving their order.
func (e *Engine) Load(rules []Rule) *Snapshot {
	return e.LoadVersion("", rules)
}

// LoadVersion replaces the active rule set and tags it with version.
// Regex rules whose pattern does not compile are kept but never match.
func (e *Engine) LoadVersion(version string, rules []Rule) *Snapshot {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		switch r.Kind {
		case KindRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				e.logger.Warn("Rule pattern failed to compile", "rule_id", r.ID, "rule_name", r.Name, "error", err)
			} else {
				cr.re = re
			}
		case KindKeyword:
			cr.Keywords = make([]string, 0, len(r.Keywords))
			for _, kw := range r.Keywords {
				cr.Keywords = append(cr.Keywords, strings.ToLower(kw))
			}
		case KindHash:
			cr.hashes = make(map[string]struct{}, len(r.Hashes))
			for _, h := range r.Hashes {
				cr.hashes[strings.ToLower(h)] = struct{}{}
			}
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	snap := &Snapshot{
		Version:    version,
		Generation: e.generation,
		LoadedAt:   time.Now(),
		rules:      compiled,
		thresholds: e.thresholds,
	}
	e.active.Store(snap)

	e.logger.Info("Rules snapshot loaded",
		"total_rules", len(compiled),
		"version", version,
		"generation", snap.Generation)
	return snap
}

// SetThresholds changes the severity thresholds and republishes the active
// rule set with them.
func (e *Engine) SetThresholds(t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.thresholds = t
	cur := e.active.Load()
	next := *cur
	next.thresholds = t
	e.active.Store(&next)
}

// ScanText runs the active content rules over text.
func (e *Engine) ScanText(text string) []Match {
	return e.Snapshot().ScanText(text)
}

// ScanHashes looks the digests up in the active hash rules.
func (e *Engine) ScanHashes(fullHash, partialHash string) []Match {
	return e.Snapshot().ScanHashes(fullHash, partialHash)
}

// Evaluate decides the action for ctx given the matches gathered for it.
func (e *Engine) Evaluate(ctx Context, matches []Match) Decision {
	return e.Snapshot().Evaluate(ctx, matches)
}
