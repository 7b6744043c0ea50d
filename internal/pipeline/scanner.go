package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/whaac1289-debug/dlp-agent/internal/audit"
	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/decision"
	"github.com/whaac1289-debug/dlp-agent/internal/enforce"
	"github.com/whaac1289-debug/dlp-agent/internal/extract"
	"github.com/whaac1289-debug/dlp-agent/internal/fingerprint"
	"github.com/whaac1289-debug/dlp-agent/internal/logging"
	"github.com/whaac1289-debug/dlp-agent/internal/metrics"
	"github.com/whaac1289-debug/dlp-agent/internal/pii"
	"github.com/whaac1289-debug/dlp-agent/internal/process"
	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

// Options are the fixed scan limits.
type Options struct {
	HostID           string
	MaxScanBytes     int64
	HashMaxBytes     int64
	PartialHashBytes int
	SizeThreshold    int64
	ExtensionFilter  []string
}

// OptionsFrom copies the scan limits out of the agent configuration.
func OptionsFrom(c *config.Config) Options {
	return Options{
		HostID:           c.HostID,
		MaxScanBytes:     c.MaxScanBytes,
		HashMaxBytes:     c.HashMaxBytes,
		PartialHashBytes: c.PartialHashBytes,
		SizeThreshold:    c.SizeThreshold,
		ExtensionFilter:  c.ExtensionFilter,
	}
}

// SettingsSource supplies the live settings; *config.Manager implements it.
type SettingsSource interface {
	Current() config.Settings
}

// EnforcementNotifier reports enforcement outcomes off-host;
// *telemetry.Sender implements it.
type EnforcementNotifier interface {
	SendEnforcement(action, path string, err error) error
}

// Deps are the collaborators of a Scanner. Engine, Detector and Settings are
// required; the rest may be nil.
type Deps struct {
	Engine     *rules.Engine
	Detector   *pii.Detector
	Settings   SettingsSource
	Store      fingerprint.Store
	Attributor process.Attributor
	Enforcer   *enforce.Enforcer
	Sink       audit.Sink
	Metrics    *metrics.Metrics
	Notifier   EnforcementNotifier
	Logger     *logging.Logger
}

// Result is everything learned about one file.
type Result struct {
	Policy             decision.PolicyDecision `json:"policy"`
	Rule               rules.Decision          `json:"rule_decision"`
	Matches            []rules.Match           `json:"matches"`
	PII                []pii.Detection         `json:"pii"`
	SizeBytes          int64                   `json:"size_bytes"`
	FullHash           string                  `json:"full_hash,omitempty"`
	PartialHash        string                  `json:"partial_hash,omitempty"`
	KeywordHit         bool                    `json:"keyword_hit"`
	SizeExceeded       bool                    `json:"size_exceeded"`
	FingerprintMatched bool                    `json:"fingerprint_matched"`
	FingerprintPath    string                  `json:"fingerprint_path,omitempty"`
	PolicyVersion      string                  `json:"policy_version"`
}

// Reason builds the composite audit reason: the decision reason followed by
// rule, PII and fingerprint summaries.
func (r *Result) Reason() string {
	return joinReason(
		r.Policy.Reason,
		summarizeRuleHits(r.Matches),
		summarizePII(r.PII),
		summarizeFingerprint(r.FingerprintMatched, r.FingerprintPath),
	)
}

// ContentFlags summarizes the evidence found.
func (r *Result) ContentFlags() string {
	return ContentFlags(len(r.PII) > 0, r.KeywordHit, r.SizeExceeded, r.FingerprintMatched)
}

// Scanner runs file events through content inspection, rule evaluation,
// decision resolution, enforcement and audit.
type Scanner struct {
	opts   Options
	filter ExtensionFilter
	deps   Deps
	logger *logging.Logger
}

// New creates a scanner.
func New(opts Options, deps Deps) *Scanner {
	logger := deps.Logger
	if logger == nil {
		logger = logging.New(os.Stderr, "info", false)
	}
	return &Scanner{
		opts:   opts,
		filter: NewExtensionFilter(opts.ExtensionFilter),
		deps:   deps,
		logger: logger,
	}
}

// Ignored reports whether events for path are dropped before scanning.
func (s *Scanner) Ignored(path string) bool {
	return IgnoredName(path) || !s.filter.Allows(path)
}

// Process handles one watcher event end to end. It returns a nil event when
// the path is filtered out or is a directory.
func (s *Scanner) Process(ctx context.Context, ev FileEvent) (*audit.Event, *Result, error) {
	if ev.Path == "" {
		return nil, nil, fmt.Errorf("file event has no path")
	}
	if s.Ignored(ev.Path) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.EventsIgnored.Inc()
		}
		return nil, nil, nil
	}
	if ev.HasContent() {
		if info, err := os.Stat(ev.Path); err == nil && info.IsDir() {
			return nil, nil, nil
		}
	}

	start := time.Now()
	settings := s.deps.Settings.Current()

	record := audit.NewEvent(s.opts.HostID)
	record.Action = strings.ToUpper(ev.Action)
	record.Path = ev.Path
	record.User = ev.User
	record.UserSID = ev.UserSID
	record.DriveType = ev.DriveType

	var proc process.Info
	if s.deps.Attributor != nil && ev.PID > 0 {
		proc = s.deps.Attributor.Attribute(ctx, ev.PID)
		record.ProcessName = proc.Name
		record.PID = proc.PID
		record.PPID = proc.PPID
		record.CommandLine = proc.CommandLine
		if record.User == "" {
			record.User = proc.User
		}
	}

	removable := ev.IsRemovable()
	escalate := removable && !decision.USBAllowed(ev.DeviceSerial, settings.USBAllowSerials)

	var result *Result
	if ev.HasContent() {
		rctx := rules.Context{
			FilePath:       ev.Path,
			FileExtension:  FileExtension(ev.Path),
			User:           record.User,
			DriveType:      ev.DriveType,
			ProcessName:    proc.Name,
			Destination:    ev.DriveType,
			RemovableDrive: removable,
		}
		result = s.evaluate(ctx, ev.Path, rctx, settings, escalate)
	} else {
		snap := s.deps.Engine.Snapshot()
		result = &Result{
			Policy:        decision.Resolve(rules.Decision{}, escalate, settings.AlertOnRemovable),
			PolicyVersion: snap.Version,
		}
	}

	record.SizeBytes = result.SizeBytes
	record.SHA256 = result.FullHash
	record.RuleID = result.Rule.RuleID
	record.RuleName = result.Rule.RuleName
	record.Severity = int(result.Rule.Severity)
	record.ContentFlags = result.ContentFlags()
	record.DeviceContext = DeviceContext(ev.DriveType, removable)
	record.Decision = string(result.Policy.Decision)
	record.Reason = result.Reason()
	record.PolicyVersion = result.PolicyVersion

	if settings.EnforcementEnabled && s.deps.Enforcer != nil && enforce.Enforceable(record.Action) {
		detail, err := s.deps.Enforcer.Apply(result.Policy.Action, ev.Path)
		if detail != "" {
			record.Enforcement = detail
			record.Reason = joinReason(record.Reason, detail)
		}
		if detail != "" || err != nil {
			s.reportEnforcement(result.Policy.Action, ev.Path, detail, err)
		}
	}

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Record(ctx, record); err != nil {
			s.logger.Warn("Failed to record audit event", "event_id", record.ID, "error", err)
		}
	}

	s.observe(result, time.Since(start))
	s.logger.LogDecisionEvent(record.Decision, ev.Path, record.RuleID, record.Severity,
		"event_id", record.ID,
		"action", record.Action,
		"policy_version", record.PolicyVersion)
	return record, result, nil
}

// Query evaluates path synchronously for a pid, as the kernel filter asks
// before allowing an open. It never enforces.
func (s *Scanner) Query(ctx context.Context, path string, pid int32, driveType string) (*Result, error) {
	_, result, err := s.Process(ctx, FileEvent{
		Action:    ActionDriverQuery,
		Path:      path,
		DriveType: driveType,
		PID:       pid,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{Policy: decision.Resolve(rules.Decision{}, false, false)}
	}
	return result, nil
}

// Evaluate scans path outside of the event flow, for the offline CLI.
func (s *Scanner) Evaluate(ctx context.Context, path string, rctx rules.Context) *Result {
	settings := s.deps.Settings.Current()
	if rctx.FilePath == "" {
		rctx.FilePath = path
	}
	if rctx.FileExtension == "" {
		rctx.FileExtension = FileExtension(path)
	}
	return s.evaluate(ctx, path, rctx, settings, rctx.RemovableDrive)
}

func (s *Scanner) evaluate(ctx context.Context, path string, rctx rules.Context, settings config.Settings, escalate bool) *Result {
	snap := s.deps.Engine.Snapshot()
	result := &Result{PolicyVersion: snap.Version}

	content, size, whole, err := s.read(path)
	if err != nil {
		s.logger.Debug("File content unavailable", "path", path, "error", err)
	}
	result.SizeBytes = size
	if size > 0 {
		result.SizeExceeded = size >= s.opts.SizeThreshold
	}

	scan := content
	if int64(len(scan)) > s.opts.MaxScanBytes {
		scan = scan[:s.opts.MaxScanBytes]
	}
	if whole && len(content) > 0 {
		result.FullHash = fingerprint.Hash(content)
	}
	if len(scan) > 0 {
		_, result.PartialHash = fingerprint.Compute(scan, s.opts.PartialHashBytes)
	}

	text := string(scan)
	if ex := extract.ForExtension(rctx.FileExtension); ex != nil && whole && len(content) > 0 {
		if extracted, err := ex.Extract(content); err == nil {
			text = extracted
		} else {
			s.logger.Debug("Text extraction failed, scanning raw bytes", "path", path, "extractor", ex.Name(), "error", err)
		}
	}

	result.KeywordHit = keywordHit(text, settings.ContentKeywords)

	s.deps.Detector.Reset(snap.Generation)
	result.PII = s.deps.Detector.Detect(text, settings.NationalIDPatterns)

	result.Matches = snap.ScanText(text)
	result.Matches = append(result.Matches, snap.ScanHashes(result.FullHash, result.PartialHash)...)

	if s.deps.Store != nil && len(scan) > 0 {
		prior, matched, err := fingerprint.Lookup(ctx, s.deps.Store, fingerprint.FileFingerprint{
			Path:        path,
			SizeBytes:   size,
			FullHash:    result.FullHash,
			PartialHash: result.PartialHash,
		})
		if err != nil {
			s.logger.Warn("Fingerprint lookup failed", "path", path, "error", err)
		}
		result.FingerprintMatched = matched
		result.FingerprintPath = prior.Path
	}

	rctx.ContainsPII = len(result.PII) > 0
	rctx.KeywordHit = result.KeywordHit
	rctx.SizeExceeded = result.SizeExceeded
	rctx.FingerprintMatched = result.FingerprintMatched

	result.Rule = snap.Evaluate(rctx, result.Matches)
	result.Policy = decision.Resolve(result.Rule, escalate, settings.AlertOnRemovable)
	return result
}

// read returns the file content and size. The whole file is read when it is
// no larger than HashMaxBytes, otherwise only the first MaxScanBytes.
func (s *Scanner) read(path string) (content []byte, size int64, whole bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, false, err
	}
	size = info.Size()

	limit := s.opts.MaxScanBytes
	whole = size <= s.opts.HashMaxBytes
	if whole && size > limit {
		limit = size
	}

	content, err = io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, size, false, err
	}
	if int64(len(content)) < size {
		whole = false
	}
	return content, size, whole, nil
}

func keywordHit(text string, keywords []string) bool {
	if len(keywords) == 0 || text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (s *Scanner) observe(r *Result, elapsed time.Duration) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.EventsTotal.Inc()
	m.ScanDuration.Observe(elapsed.Seconds())
	m.ObserveDecision(string(r.Policy.Decision))
	for _, match := range r.Matches {
		m.ObserveRuleMatch(string(match.Kind))
	}
	for _, d := range r.PII {
		m.ObservePII(string(d.Type))
	}
	if r.FingerprintMatched {
		m.FingerprintMatches.Inc()
	}
}

func (s *Scanner) reportEnforcement(action rules.Action, path, detail string, err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveEnforcement(action.String(), err)
	}
	s.logger.LogEnforcementEvent(action.String(), path, err, "detail", detail)
	if s.deps.Notifier != nil {
		if nerr := s.deps.Notifier.SendEnforcement(action.String(), path, err); nerr != nil {
			s.logger.Warn("Dropped enforcement telemetry", "path", path, "error", nerr)
		}
	}
}
