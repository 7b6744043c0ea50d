package pii

import (
	"log/slog"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/whaac1289-debug/dlp-agent/internal/checksum"
)

// Type names a class of personal data.
type Type string

const (
	TypeEmail      Type = "email"
	TypePhone      Type = "phone"
	TypePassport   Type = "passport"
	TypeIBAN       Type = "iban"
	TypeCreditCard Type = "credit_card"
	TypeNationalID Type = "national_id"
)

// Detection is one occurrence of personal data in a text. Start and End are
// byte offsets into the scanned text.
type Detection struct {
	Type  Type   `json:"type"`
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Valid bool   `json:"valid"`
}

var (
	emailRe    = regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)
	phoneRe    = regexp.MustCompile(`\+?\b[0-9][0-9()\-.\s]{7,}[0-9]\b`)
	passportRe = regexp.MustCompile(`\b[A-Z]{1,2}[0-9]{6,9}\b`)
	ibanRe     = regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\b`)
	cardRe     = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Detect scans text for the fixed PII classes and for every national ID
// pattern. Patterns that fail to compile are skipped. The result is ordered
// by class: email, phone, passport, iban, credit card, then national IDs in
// pattern order.
func Detect(text string, nationalPatterns []string) []Detection {
	var compiled []*regexp.Regexp
	for _, p := range nationalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return detect(text, compiled)
}

func detect(text string, national []*regexp.Regexp) []Detection {
	if text == "" {
		return nil
	}
	var out []Detection
	out = appendMatches(out, text, emailRe, TypeEmail, nil)
	out = appendMatches(out, text, phoneRe, TypePhone, nil)
	out = appendMatches(out, text, passportRe, TypePassport, nil)
	out = appendMatches(out, text, ibanRe, TypeIBAN, checksum.IBAN)
	out = appendMatches(out, text, cardRe, TypeCreditCard, checksum.CardNumber)
	for _, re := range national {
		out = appendMatches(out, text, re, TypeNationalID, nil)
	}
	return out
}

func appendMatches(out []Detection, text string, re *regexp.Regexp, t Type, validate func(string) bool) []Detection {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		value := text[loc[0]:loc[1]]
		valid := true
		if validate != nil {
			valid = validate(value)
		}
		out = append(out, Detection{Type: t, Value: value, Start: loc[0], End: loc[1], Valid: valid})
	}
	return out
}

// Detector caches compiled national ID patterns between calls. The cache
// belongs to one rule-set generation: Reset drops it when a new generation
// becomes active.
type Detector struct {
	logger *slog.Logger

	mu         sync.Mutex
	generation uint64
	cache      *lru.Cache[string, *regexp.Regexp]
	invalid    *lru.Cache[string, struct{}]
}

// NewDetector creates a detector caching up to size compiled patterns.
func NewDetector(size int, logger *slog.Logger) *Detector {
	if size <= 0 {
		size = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *regexp.Regexp](size)
	invalid, _ := lru.New[string, struct{}](size)
	return &Detector{logger: logger, cache: cache, invalid: invalid}
}

// Reset purges the pattern cache if generation differs from the one the
// cache was built for.
func (d *Detector) Reset(generation uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if generation == d.generation {
		return
	}
	d.generation = generation
	d.cache.Purge()
	d.invalid.Purge()
}

// Detect behaves like the package-level Detect but reuses compiled
// national patterns.
func (d *Detector) Detect(text string, nationalPatterns []string) []Detection {
	return detect(text, d.compile(nationalPatterns))
}

func (d *Detector) compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, ok := d.cache.Get(p); ok {
			out = append(out, re)
			continue
		}
		if d.invalid.Contains(p) {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			d.logger.Warn("Invalid national ID pattern skipped", "pattern", p, "error", err)
			d.invalid.Add(p, struct{}{})
			continue
		}
		d.cache.Add(p, re)
		out = append(out, re)
	}
	return out
}

// Summary counts detections per type.
func Summary(detections []Detection) map[Type]int {
	out := make(map[Type]int)
	for _, d := range detections {
		out[d.Type]++
	}
	return out
}
