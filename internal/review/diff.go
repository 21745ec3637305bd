package review

import (
	"strings"
)

var reviewableExtensions = []string{".luau", ".lua"}

func IsReviewable(path string) bool {
	for _, ext := range reviewableExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// SplitByFile splits a unified diff into per-file segments. A new segment
// starts at each "diff --git" boundary line.
func SplitByFile(diff string) []string {
	var chunks []string
	var current strings.Builder
	for _, line := range splitKeepEnds(diff) {
		if strings.HasPrefix(line, "diff --git ") && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// FilePath extracts the target path of one file segment from its
// "+++ b/<path>" (or "+++ <path>") header line.
func FilePath(fileDiff string) string {
	for _, line := range strings.Split(fileDiff, "\n") {
		if rest, ok := strings.CutPrefix(line, "+++ b/"); ok {
			return strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutPrefix(line, "+++ "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// FilterReviewable retains only the segments whose target path has a
// reviewable source extension. Idempotent: segments carry their own line
// endings and are rejoined without separators.
func FilterReviewable(diff string) string {
	var out strings.Builder
	for _, chunk := range SplitByFile(diff) {
		if IsReviewable(FilePath(chunk)) {
			out.WriteString(chunk)
		}
	}
	return out.String()
}

// CountDiffLines tallies added and removed lines, ignoring file headers.
func CountDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func splitKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
