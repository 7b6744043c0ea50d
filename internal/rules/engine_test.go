package rules

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(rules ...Rule) *Engine {
	e := NewEngine(DefaultThresholds(), testLogger())
	e.Load(rules)
	return e
}

func keywordRule(id string, priority int, sev Severity, actions ActionList, kws ...string) Rule {
	return Rule{ID: id, Name: id, Kind: KindKeyword, Priority: priority, Severity: sev, Keywords: kws, Actions: actions, Enabled: true}
}

func TestKeywordScenario(t *testing.T) {
	e := newTestEngine(Rule{
		ID: "r1", Kind: KindKeyword, Priority: 10, Severity: 8,
		Keywords: []string{"confidential"}, Actions: ActionList{ActionBlock}, Enabled: true,
	})

	matches := e.ScanText("this is confidential")
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].RuleID)
	assert.Equal(t, 1, matches[0].MatchCount)
	assert.Equal(t, "confidential", matches[0].Match)

	d := e.Evaluate(Context{}, matches)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "r1", d.RuleID)
	assert.Equal(t, "r1", d.Reason)
}

func TestEmptyRuleSet(t *testing.T) {
	e := newTestEngine()
	d := e.Evaluate(Context{RemovableDrive: true, ContainsPII: true}, nil)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "no_match", d.Reason)
	assert.Empty(t, e.ScanText("confidential"))
}

func TestScanTextRegex(t *testing.T) {
	e := newTestEngine(
		Rule{ID: "ssn", Kind: KindRegex, Pattern: `\d{3}-\d{2}-\d{4}`, Severity: 6, Enabled: true},
		Rule{ID: "broken", Kind: KindRegex, Pattern: `(`, Severity: 9, Enabled: true},
		Rule{ID: "off", Kind: KindRegex, Pattern: `.`, Enabled: false},
	)

	matches := e.ScanText("a 123-45-6789 b 987-65-4321 c 111-22-3333 d 444-55-6666")
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "ssn", m.RuleID)
	assert.Equal(t, 4, m.MatchCount)
	assert.Equal(t, "123-45-6789", m.Match)
	assert.InDelta(t, 0.85, m.Confidence, 1e-9)
}

func TestScanTextKeywordCounts(t *testing.T) {
	e := newTestEngine(keywordRule("kw", 0, 5, nil, "alpha", "Beta", "gamma"))

	matches := e.ScanText("BETA then Alpha then beta again")
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].MatchCount)
	assert.Equal(t, "alpha", matches[0].Match, "first keyword in rule order")
	assert.InDelta(t, 0.65, matches[0].Confidence, 1e-9)
}

func TestScanHashes(t *testing.T) {
	e := newTestEngine(
		Rule{ID: "h1", Kind: KindHash, Hashes: []string{"AAA", "bbb"}, Severity: 9, Enabled: true},
		Rule{ID: "h2", Kind: KindHash, Hashes: []string{"ccc"}, Enabled: true},
	)

	matches := e.ScanHashes("aaa", "")
	require.Len(t, matches, 1)
	assert.Equal(t, "h1", matches[0].RuleID)
	assert.Equal(t, 1.0, matches[0].Confidence)

	matches = e.ScanHashes("zzz", "ccc")
	require.Len(t, matches, 1)
	assert.Equal(t, "h2", matches[0].RuleID)
	assert.Equal(t, "ccc", matches[0].Match)

	assert.Empty(t, e.ScanHashes("", ""))
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name  string
		sev   Severity
		kind  Kind
		count int
		want  float64
	}{
		{"regex single", 5, KindRegex, 1, 0.7},
		{"keyword single", 5, KindKeyword, 1, 0.6},
		{"keyword multi", 5, KindKeyword, 2, 0.65},
		{"keyword many", 5, KindKeyword, 4, 0.7},
		{"hash", 3, KindHash, 1, 0.7},
		{"capped", 10, KindRegex, 9, 1.0},
		{"negative severity clamps", -5, KindRegex, 1, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, confidence(tt.sev, tt.kind, tt.count), 1e-9)
		})
	}
}

func TestEvaluateTieBreaks(t *testing.T) {
	t.Run("priority wins regardless of order", func(t *testing.T) {
		low := keywordRule("low", 1, 10, ActionList{ActionBlock}, "x")
		high := keywordRule("high", 10, 1, ActionList{ActionAlert}, "x")

		for _, order := range [][]Rule{{low, high}, {high, low}} {
			e := newTestEngine(order...)
			d := e.Evaluate(Context{}, e.ScanText("x"))
			assert.Equal(t, "high", d.RuleID)
			assert.Equal(t, ActionAlert, d.Action)
		}
	})

	t.Run("severity breaks priority tie", func(t *testing.T) {
		e := newTestEngine(
			keywordRule("a", 5, 3, ActionList{ActionBlock}, "x"),
			keywordRule("b", 5, 7, ActionList{ActionAlert}, "x"),
		)
		d := e.Evaluate(Context{}, e.ScanText("x"))
		assert.Equal(t, "b", d.RuleID)
	})

	t.Run("action rank breaks full tie", func(t *testing.T) {
		e := newTestEngine(
			keywordRule("shadow", 5, 5, ActionList{ActionShadowCopy}, "x"),
			keywordRule("quarantine", 5, 5, ActionList{ActionQuarantine}, "x"),
			keywordRule("alert", 5, 5, ActionList{ActionAlert}, "x"),
		)
		d := e.Evaluate(Context{}, e.ScanText("x"))
		assert.Equal(t, "quarantine", d.RuleID)
	})

	t.Run("first rule wins exact tie", func(t *testing.T) {
		e := newTestEngine(
			keywordRule("first", 5, 5, ActionList{ActionAlert}, "x"),
			keywordRule("second", 5, 5, ActionList{ActionAlert}, "x"),
		)
		d := e.Evaluate(Context{}, e.ScanText("x"))
		assert.Equal(t, "first", d.RuleID)
	})
}

func TestEvaluateDeterministic(t *testing.T) {
	e := newTestEngine(
		keywordRule("a", 1, 4, nil, "x"),
		Rule{ID: "c", Conditions: []Condition{{Field: "removable_drive", Value: "true"}}, Severity: 2, Enabled: true},
	)
	ctx := Context{RemovableDrive: true}
	matches := e.ScanText("x marks the spot")

	first := e.Evaluate(ctx, matches)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, e.Evaluate(ctx, matches))
	}
}

func TestEvaluateConditions(t *testing.T) {
	ctx := Context{
		FilePath:       `C:\Users\bob\Documents\plan.docx`,
		FileExtension:  ".docx",
		User:           "CORP\\bob",
		DriveType:      "removable",
		ProcessName:    "winword.exe",
		Destination:    "removable",
		ContainsPII:    true,
		RemovableDrive: true,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals default op", Condition{Field: "file.extension", Value: ".docx"}, true},
		{"eq alias", Condition{Field: "file.extension", Op: "eq", Value: ".docx"}, true},
		{"double equals", Condition{Field: "drive_type", Op: "==", Value: "removable"}, true},
		{"string compare is case sensitive", Condition{Field: "process.name", Value: "WINWORD.EXE"}, false},
		{"field name is case folded", Condition{Field: "Process.Name", Value: "winword.exe"}, true},
		{"contains", Condition{Field: "file.path", Op: "contains", Value: "Documents"}, true},
		{"starts_with", Condition{Field: "user", Op: "starts_with", Value: "CORP"}, true},
		{"ends_with", Condition{Field: "file.path", Op: "ends_with", Value: ".docx"}, true},
		{"ends_with longer than value", Condition{Field: "file.extension", Op: "ends_with", Value: "long.docx"}, false},
		{"unknown op falls back to equals", Condition{Field: "destination", Op: "matches", Value: "removable"}, true},
		{"bool true", Condition{Field: "contains_pii", Value: "TRUE"}, true},
		{"bool one", Condition{Field: "removable_drive", Value: "1"}, true},
		{"bool false", Condition{Field: "keyword_hit", Value: "false"}, true},
		{"bool zero", Condition{Field: "size_exceeded", Value: "0"}, true},
		{"bool mismatch", Condition{Field: "fingerprint_matched", Value: "true"}, false},
		{"bool garbage", Condition{Field: "contains_pii", Value: "yes"}, false},
		{"unknown field", Condition{Field: "file.owner", Value: "bob"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(&ctx))
		})
	}
}

func TestEvaluateContentRuleNeedsMatchAndConditions(t *testing.T) {
	r := keywordRule("kw", 1, 6, ActionList{ActionBlock}, "secret")
	r.Conditions = []Condition{{Field: "removable_drive", Value: "true"}}
	e := newTestEngine(r)

	matches := e.ScanText("top secret")
	assert.Equal(t, "no_match", e.Evaluate(Context{}, matches).Reason, "condition fails")
	assert.Equal(t, "no_match", e.Evaluate(Context{RemovableDrive: true}, nil).Reason, "no match")
	assert.Equal(t, ActionBlock, e.Evaluate(Context{RemovableDrive: true}, matches).Action)
}

func TestEvaluateMatchByName(t *testing.T) {
	e := newTestEngine(Rule{ID: "r1", Name: "Secrets", Kind: KindKeyword, Keywords: []string{"s"}, Severity: 5, Enabled: true})

	d := e.Evaluate(Context{}, []Match{{RuleName: "Secrets", Severity: 5}})
	assert.Equal(t, "r1", d.RuleID)
	assert.Equal(t, "Secrets", d.Reason)

	d = e.Evaluate(Context{}, []Match{{RuleID: "other", RuleName: "Other"}})
	assert.Equal(t, "no_match", d.Reason)
}

func TestEvaluateSeverityFromMatches(t *testing.T) {
	e := newTestEngine(Rule{ID: "r", Kind: KindHash, Hashes: []string{"h"}, Enabled: true})

	d := e.Evaluate(Context{}, []Match{{RuleID: "r", Severity: 3}, {RuleID: "r", Severity: 8}})
	assert.Equal(t, Severity(8), d.Severity)
	assert.Equal(t, ActionBlock, d.Action, "severity 8 reaches block threshold")
}

func TestEvaluateThresholdActions(t *testing.T) {
	e := NewEngine(Thresholds{QuarantineEnabled: true, Quarantine: 9, Block: 8, ShadowCopyEnabled: true, ShadowCopy: 5}, testLogger())
	cond := []Condition{{Field: "contains_pii", Value: "true"}}
	e.Load([]Rule{
		{ID: "q", Severity: 9, Conditions: cond, Enabled: true},
	})
	assert.Equal(t, ActionQuarantine, e.Evaluate(Context{ContainsPII: true}, nil).Action)

	e.Load([]Rule{{ID: "s", Severity: 5, Conditions: cond, Enabled: true}})
	assert.Equal(t, ActionShadowCopy, e.Evaluate(Context{ContainsPII: true}, nil).Action)

	e.Load([]Rule{{ID: "z", Severity: 0, Conditions: cond, Enabled: true}})
	d := e.Evaluate(Context{ContainsPII: true}, nil)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "z", d.Reason)

	e.SetThresholds(DefaultThresholds())
	e.Load([]Rule{{ID: "s", Severity: 5, Conditions: cond, Enabled: true}})
	assert.Equal(t, ActionAlert, e.Evaluate(Context{ContainsPII: true}, nil).Action)
}

func TestEvaluateReasonFallback(t *testing.T) {
	// A rule built in code may have no ID or name; it still produces a reason.
	e := newTestEngine(Rule{Conditions: []Condition{{Field: "user", Value: "bob"}}, Severity: 2, Enabled: true})
	assert.Equal(t, "rule_match", e.Evaluate(Context{User: "bob"}, nil).Reason)
}

func TestEngineLoadReplacesSnapshot(t *testing.T) {
	e := newTestEngine(keywordRule("old", 1, 5, nil, "x"))
	before := e.Snapshot()

	after := e.LoadVersion("v2", []Rule{keywordRule("new", 1, 5, nil, "y")})
	assert.Equal(t, "v2", after.Version)
	assert.Greater(t, after.Generation, before.Generation)

	// An in-flight holder of the old snapshot is unaffected.
	assert.Len(t, before.ScanText("x"), 1)
	assert.Empty(t, e.ScanText("x"))
	assert.Equal(t, []string{"new"}, []string{e.Snapshot().Rules()[0].ID})
}

func TestEngineLoadNormalizesKeywordsAndHashes(t *testing.T) {
	e := newTestEngine(
		Rule{ID: "k", Kind: KindKeyword, Keywords: []string{"MiXeD"}, Enabled: true},
		Rule{ID: "h", Kind: KindHash, Hashes: []string{"ABC"}, Enabled: true},
	)
	assert.Len(t, e.ScanText("mixed"), 1)
	assert.Len(t, e.ScanHashes("ABC", ""), 1)
}

func TestEngineConcurrentScanAndLoad(t *testing.T) {
	e := newTestEngine(keywordRule("r", 1, 5, ActionList{ActionAlert}, "x"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := e.Snapshot()
				d := snap.Evaluate(Context{}, snap.ScanText("x"))
				assert.Equal(t, ActionAlert, d.Action)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		e.Load([]Rule{keywordRule("r", 1, 5, ActionList{ActionAlert}, "x")})
	}
	wg.Wait()
}
