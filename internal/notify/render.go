package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"atlasd/internal/store"
)

var severityColors = map[string]int{
	"Low":      0x2ECC71,
	"Medium":   0xF1C40F,
	"High":     0xE67E22,
	"Critical": 0xE74C3C,
}

const (
	resolvedColor = 0x95A5A6
	summaryColor  = 0x3498DB
	errorColor    = 0xE74C3C

	maxTitleLen      = 256
	maxBodyLen       = 4096
	maxSuggestionLen = 800
	maxErrorLen      = 1500
)

func SeverityColor(severity string) int {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return resolvedColor
}

// RenderIssue renders one finding: title with severity tag, file/line
// location, explanation, and a fenced suggested fix, all truncated to the
// platform limits.
func RenderIssue(i store.Issue) Message {
	parts := []string{fmt.Sprintf("**File:** `%s`", i.FilePath)}
	if i.LineStart > 0 {
		if i.LineEnd > 0 && i.LineEnd != i.LineStart {
			parts = append(parts, fmt.Sprintf("**Lines:** %d-%d", i.LineStart, i.LineEnd))
		} else {
			parts = append(parts, fmt.Sprintf("**Line:** %d", i.LineStart))
		}
	}
	parts = append(parts, "", i.Explanation)
	if i.Suggestion != "" {
		parts = append(parts, "", fmt.Sprintf("**Suggested fix:**\n```lua\n%s\n```", truncate(i.Suggestion, maxSuggestionLen)))
	}

	return Message{
		Title: truncate(fmt.Sprintf("[%s] %s", i.Severity, i.Title), maxTitleLen),
		Body:  truncate(strings.Join(parts, "\n"), maxBodyLen),
		Color: SeverityColor(i.Severity),
	}
}

// RenderIssueResolved re-renders a finding's message after resolution.
func RenderIssueResolved(i store.Issue) Message {
	msg := RenderIssue(i)
	msg.Color = resolvedColor
	switch i.ResolvedBy {
	case "auto":
		msg.Footer = "Resolved -- code was modified"
	case "":
		msg.Footer = "Resolved"
	default:
		msg.Footer = "Resolved by " + i.ResolvedBy
	}
	return msg
}

// RenderSummary renders the per-sync digest posted before the individual
// findings. A Critical finding marks the summary for an @here mention.
func RenderSummary(placeID int64, newIssues []store.Issue, autoResolved int, scriptFiles []string, linesAdded, linesRemoved int) Message {
	counts := map[string]int{"Critical": 0, "High": 0, "Medium": 0, "Low": 0}
	hasCritical := false
	for _, i := range newIssues {
		counts[i.Severity]++
		if i.Severity == "Critical" {
			hasCritical = true
		}
	}
	countsStr := fmt.Sprintf("%d Critical  |  %d High  |  %d Medium  |  %d Low",
		counts["Critical"], counts["High"], counts["Medium"], counts["Low"])

	head := fmt.Sprintf("**%d new issue%s found**", len(newIssues), plural(len(newIssues)))
	if autoResolved > 0 {
		head += fmt.Sprintf(" | %d auto-resolved", autoResolved)
	}
	body := fmt.Sprintf("%s\n\n%s\n\nReviewed %d changed script%s (%d lines added, %d removed)",
		head, countsStr, len(scriptFiles), plural(len(scriptFiles)), linesAdded, linesRemoved)

	return Message{
		Title:       fmt.Sprintf("Sync Review -- PlaceId %d", placeID),
		Body:        body,
		Color:       summaryColor,
		MentionHere: hasCritical,
	}
}

// RenderError renders a throttled sync-failure report.
func RenderError(placeID int64, errText, errType string, lastSyncAt int64) Message {
	lastSync := "Never"
	if lastSyncAt > 0 {
		lastSync = time.Unix(lastSyncAt, 0).UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return Message{
		Title: fmt.Sprintf("Sync Error -- PlaceId %d", placeID),
		Body:  fmt.Sprintf("```\n%s\n```", truncate(errText, maxErrorLen)),
		Color: errorColor,
		Fields: []Field{
			{Name: "Error Type", Value: errType, Inline: true},
			{Name: "Last Successful Sync", Value: lastSync, Inline: true},
		},
		Footer: "Will retry next cycle",
	}
}

// truncate caps s at max bytes including the "..." marker, cutting on a
// rune boundary so the result stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
