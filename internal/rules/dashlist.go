package rules

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// dashLine is one significant line of a dash-list document.
type dashLine struct {
	no     int
	indent int
	text   string
}

func (l dashLine) isItem() bool {
	return l.text == "-" || strings.HasPrefix(l.text, "- ")
}

// itemRest returns the text after the dash as a line of its own, indented
// to where that text starts.
func (l dashLine) itemRest() (dashLine, bool) {
	after := l.text[1:]
	rest := strings.TrimLeft(after, " \t")
	if rest == "" {
		return dashLine{}, false
	}
	return dashLine{no: l.no, indent: l.indent + 1 + len(after) - len(rest), text: rest}, true
}

func splitDashLines(data []byte) []dashLine {
	var out []dashLine
	for i, raw := range bytes.Split(data, []byte("\n")) {
		line := strings.TrimRight(string(raw), "\r")
		text := strings.TrimSpace(line)
		if text == "" || text[0] == '#' {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		out = append(out, dashLine{no: i + 1, indent: indent, text: text})
	}
	return out
}

// ParseYAML decodes the dash-list rule format, at the top level or under a
// "rules:" key. Each item is a block of "key: value" lines. Scalar values
// are taken literally after the first colon, so patterns need no quoting and
// a '#' inside a value is kept. keywords, hashes and actions take an inline
// [a, b] list or an indented block of "- item" lines; conditions take an
// indented block of "- field: ..." items or an inline flow list. An item that
// fails to decode is reported and skipped.
func ParseYAML(data []byte) (*ParseResult, error) {
	lines := splitDashLines(data)

	start := -1
	for i, l := range lines {
		if l.isItem() {
			start = i
			break
		}
		switch l.text {
		case "---", "rules:", "rules: []":
			continue
		}
		return nil, fmt.Errorf("line %d: expected a rule list, got %q", l.no, l.text)
	}

	result := &ParseResult{}
	if start < 0 {
		return result, nil
	}

	itemIndent := lines[start].indent
	var (
		items   [][]dashLine
		current []dashLine
		open    bool
	)
	flush := func() {
		if open {
			items = append(items, current)
		}
		current, open = nil, false
	}
	for _, l := range lines[start:] {
		switch {
		case l.indent == itemIndent && l.isItem():
			flush()
			open = true
			if rest, ok := l.itemRest(); ok {
				current = append(current, rest)
			}
		case l.indent > itemIndent && open:
			current = append(current, l)
		default:
			result.Errors = append(result.Errors, fmt.Errorf("line %d: unexpected %q outside a rule", l.no, l.text))
		}
	}
	flush()

	for i, item := range items {
		doc, err := decodeDashItem(item)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", ruleRef(i, doc.ID, doc.Name), err))
			continue
		}
		rule, err := doc.toRule()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", ruleRef(i, doc.ID, doc.Name), err))
			continue
		}
		result.Rules = append(result.Rules, rule)
	}
	return result, nil
}

// fields walks lines as "key: value" entries at the indentation of the first
// line, handing each entry the deeper lines that follow it.
func fields(lines []dashLine, fn func(key, value string, block []dashLine) error) error {
	if len(lines) == 0 {
		return nil
	}
	indent := lines[0].indent
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		if l.indent != indent {
			return fmt.Errorf("line %d: unexpected indentation", l.no)
		}
		key, value, ok := strings.Cut(l.text, ":")
		if !ok {
			return fmt.Errorf("line %d: expected key: value, got %q", l.no, l.text)
		}

		j := i + 1
		for j < len(lines) && lines[j].indent > indent {
			j++
		}
		block := lines[i+1 : j]
		i = j - 1

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if len(block) > 0 && value != "" {
			return fmt.Errorf("line %d: %s has both a value and a nested block", l.no, key)
		}
		if err := fn(key, value, block); err != nil {
			return fmt.Errorf("line %d: %s: %w", l.no, key, err)
		}
	}
	return nil
}

func decodeDashItem(lines []dashLine) (ruleDoc, error) {
	var doc ruleDoc
	err := fields(lines, func(key, value string, block []dashLine) error {
		switch key {
		case "keywords", "hashes", "actions", "conditions":
		default:
			if len(block) > 0 {
				return fmt.Errorf("nested block not allowed")
			}
		}

		switch key {
		case "id":
			doc.ID = unquote(value)
		case "name":
			doc.Name = unquote(value)
		case "type":
			doc.Type = unquote(value)
		case "pattern":
			doc.Pattern = unquote(value)
		case "priority":
			n, err := strconv.Atoi(unquote(value))
			if err != nil {
				return fmt.Errorf("invalid priority %q", value)
			}
			doc.Priority = n
		case "severity":
			sev, err := ParseSeverity(unquote(value))
			if err != nil {
				return err
			}
			doc.Severity = sev
		case "enabled":
			b, err := parseDashBool(unquote(value))
			if err != nil {
				return err
			}
			doc.Enabled = &b
		case "keywords":
			list, err := dashList(value, block)
			if err != nil {
				return err
			}
			doc.Keywords = list
		case "hashes":
			list, err := dashList(value, block)
			if err != nil {
				return err
			}
			doc.Hashes = list
		case "actions":
			if len(block) == 0 {
				actions, err := parseActionString(value)
				if err != nil {
					return err
				}
				doc.Actions = actions
				return nil
			}
			names, err := dashList("", block)
			if err != nil {
				return err
			}
			for _, name := range names {
				a, err := ParseAction(name)
				if err != nil {
					return err
				}
				doc.Actions = append(doc.Actions, a)
			}
		case "conditions":
			conds, err := dashConditions(value, block)
			if err != nil {
				return err
			}
			doc.Conditions = conds
		}
		// unknown keys are ignored
		return nil
	})
	return doc, err
}

// dashList reads an inline [a, b] list, a block of "- item" lines, or a
// single bare value.
func dashList(value string, block []dashLine) ([]string, error) {
	if len(block) > 0 {
		out := make([]string, 0, len(block))
		for _, l := range block {
			if l.indent != block[0].indent || !l.isItem() {
				return nil, fmt.Errorf("line %d: expected a list item", l.no)
			}
			if item := unquote(strings.TrimSpace(l.text[1:])); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}

	if value == "" {
		return nil, nil
	}
	if !strings.HasPrefix(value, "[") {
		return []string{unquote(value)}, nil
	}
	if !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("unterminated list %q", value)
	}
	var out []string
	for _, part := range strings.Split(value[1:len(value)-1], ",") {
		if item := unquote(strings.TrimSpace(part)); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

func dashConditions(value string, block []dashLine) ([]Condition, error) {
	if len(block) == 0 {
		if value == "" {
			return nil, nil
		}
		var conds []Condition
		if err := yaml.Unmarshal([]byte(value), &conds); err != nil {
			return nil, fmt.Errorf("invalid inline conditions: %w", err)
		}
		return conds, nil
	}

	var (
		conds []Condition
		item  []dashLine
	)
	decode := func() error {
		if item == nil {
			return nil
		}
		var c Condition
		err := fields(item, func(key, value string, nested []dashLine) error {
			if len(nested) > 0 {
				return fmt.Errorf("nested block not allowed")
			}
			switch key {
			case "field":
				c.Field = unquote(value)
			case "op":
				c.Op = unquote(value)
			case "value":
				c.Value = unquote(value)
			default:
				return fmt.Errorf("unknown condition key")
			}
			return nil
		})
		if err != nil {
			return err
		}
		conds = append(conds, c)
		item = nil
		return nil
	}

	itemIndent := block[0].indent
	for _, l := range block {
		switch {
		case l.indent == itemIndent && l.isItem():
			if err := decode(); err != nil {
				return nil, err
			}
			item = []dashLine{}
			if rest, ok := l.itemRest(); ok {
				item = append(item, rest)
			}
		case l.indent > itemIndent && item != nil:
			item = append(item, l)
		default:
			return nil, fmt.Errorf("line %d: expected a condition item", l.no)
		}
	}
	if err := decode(); err != nil {
		return nil, err
	}
	return conds, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func parseDashBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
