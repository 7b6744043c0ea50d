// Command dlpscan evaluates files against a rule set without running the
// agent, and signs policy documents for distribution.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/decision"
	"github.com/whaac1289-debug/dlp-agent/internal/fingerprint"
	"github.com/whaac1289-debug/dlp-agent/internal/logging"
	"github.com/whaac1289-debug/dlp-agent/internal/pii"
	"github.com/whaac1289-debug/dlp-agent/internal/pipeline"
	"github.com/whaac1289-debug/dlp-agent/internal/policy"
	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

const (
	exitOK      = 0
	exitError   = 1
	exitBlocked = 2
)

// fileReport is one line of output.
type fileReport struct {
	Path     string           `json:"path"`
	Decision string           `json:"decision"`
	RuleID   string           `json:"rule_id,omitempty"`
	Severity int              `json:"severity"`
	Reason   string           `json:"reason"`
	Flags    string           `json:"content_flags"`
	Result   *pipeline.Result `json:"result,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dlpscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configFile = fs.String("config", "", "YAML configuration file")
		rulesPath  = fs.String("rules", "", "rules document (defaults to the configured rules_path)")
		driveType  = fs.String("drive", "FIXED", "drive type reported for the files")
		removable  = fs.Bool("removable", false, "treat the files as being on a removable drive")
		user       = fs.String("user", "", "user reported for the files")
		verbose    = fs.Bool("v", false, "include the full scan result")
		logLevel   = fs.String("log-level", "warn", "log level")
		sign       = fs.String("sign", "", "print the HMAC signature of this policy file and exit")
		key        = fs.String("key", "", "HMAC key for -sign (defaults to $DLP_POLICY_HMAC_KEY)")
	)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: dlpscan [flags] file...\n       dlpscan -sign policy.json [-key k]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *sign != "" {
		return runSign(*sign, *key, stdout, stderr)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "dlpscan: %v\n", err)
		return exitError
	}
	if *configFile != "" {
		if err := cfg.MergeFile(*configFile); err != nil {
			fmt.Fprintf(stderr, "dlpscan: %v\n", err)
			return exitError
		}
	}
	if *rulesPath != "" {
		cfg.RulesPath = *rulesPath
	}

	events := logging.New(stderr, *logLevel, false)
	logger := events.Logger
	settings := config.NewManager(config.SettingsFrom(cfg), logger)
	engine := rules.NewEngine(settings.Current().Thresholds, logger)
	loader := rules.NewLoader(engine, func() []rules.Rule {
		return rules.DefaultRules(settings.Current().DefaultRuleOptions())
	}, logger)

	report, err := loader.ApplyFile("local", cfg.RulesPath)
	if err != nil {
		fmt.Fprintf(stderr, "dlpscan: %v\n", err)
		return exitError
	}
	for _, skipped := range report.Skipped {
		fmt.Fprintf(stderr, "dlpscan: skipped rule: %v\n", skipped)
	}

	scanner := pipeline.New(pipeline.OptionsFrom(cfg), pipeline.Deps{
		Engine:   engine,
		Detector: pii.NewDetector(cfg.PIICacheSize, logger),
		Settings: settings,
		Store:    fingerprint.NewMemoryStore(cfg.FingerprintCacheSize),
		Logger:   events,
	})

	enc := json.NewEncoder(stdout)
	status := exitOK
	for _, path := range fs.Args() {
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(stderr, "dlpscan: %v\n", err)
			status = exitError
			continue
		}

		result := scanner.Evaluate(context.Background(), path, rules.Context{
			DriveType:      strings.ToUpper(*driveType),
			User:           *user,
			RemovableDrive: *removable || strings.EqualFold(*driveType, pipeline.DriveRemovable),
		})

		out := fileReport{
			Path:     path,
			Decision: string(result.Policy.Decision),
			RuleID:   result.Policy.RuleID,
			Severity: int(result.Policy.Severity),
			Reason:   result.Reason(),
			Flags:    result.ContentFlags(),
		}
		if *verbose {
			out.Result = result
		}
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "dlpscan: %v\n", err)
			return exitError
		}

		if status == exitOK && (result.Policy.Decision == decision.Block || result.Policy.Decision == decision.Quarantine) {
			status = exitBlocked
		}
	}
	return status
}

func runSign(path, key string, stdout, stderr io.Writer) int {
	if key == "" {
		key = os.Getenv("DLP_POLICY_HMAC_KEY")
	}
	if key == "" {
		fmt.Fprintln(stderr, "dlpscan: -sign needs -key or $DLP_POLICY_HMAC_KEY")
		return exitError
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "dlpscan: %v\n", err)
		return exitError
	}
	fmt.Fprintln(stdout, policy.Sign(data, []byte(key)))
	return exitOK
}
