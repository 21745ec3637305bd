package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Issue is one structured finding produced by the review oracle.
type Issue struct {
	File        string `json:"file"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	Suggestion  string `json:"suggestion"`
}

var (
	fenceOpenRe  = regexp.MustCompile("^```[a-zA-Z0-9]*\n?")
	fenceCloseRe = regexp.MustCompile("\n?```$")
	jsonArrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
)

// ErrUnparseable means no JSON issue array could be recovered from the
// oracle's response. Callers degrade to zero findings and log; the parse
// failure is never surfaced to humans.
var ErrUnparseable = errors.New("review: response contains no issue array")

// ParseIssues extracts findings from an oracle response: strips an optional
// enclosing code fence, tries a strict JSON-array parse, then falls back to
// the first bracketed span. Malformed elements are skipped individually.
func ParseIssues(text string) ([]Issue, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = fenceOpenRe.ReplaceAllString(text, "")
		text = fenceCloseRe.ReplaceAllString(text, "")
		text = strings.TrimSpace(text)
	}

	var data []any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		span := jsonArrayRe.FindString(text)
		if span == "" {
			return nil, ErrUnparseable
		}
		if err := json.Unmarshal([]byte(span), &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
	}

	issues := make([]Issue, 0, len(data))
	for _, item := range data {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		lineStart, ok := coerceInt(m["line_start"])
		if !ok {
			continue
		}
		lineEnd, ok := coerceInt(m["line_end"])
		if !ok {
			continue
		}
		severity := coerceString(m["severity"], "Medium")
		if severity == "" {
			severity = "Medium"
		}
		issues = append(issues, Issue{
			File:        coerceString(m["file"], ""),
			LineStart:   lineStart,
			LineEnd:     lineEnd,
			Severity:    severity,
			Title:       coerceString(m["title"], ""),
			Explanation: coerceString(m["explanation"], ""),
			Suggestion:  coerceString(m["suggestion"], ""),
		})
	}
	return issues, nil
}

func coerceString(v any, def string) string {
	switch t := v.(type) {
	case nil:
		return def
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceInt accepts JSON numbers and digit strings; an absent field defaults
// to zero, a present-but-uncoercible one rejects the element.
func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
