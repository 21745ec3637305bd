package review

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

//go:embed review_prompt.txt
var systemPrompt string

const (
	tokenEstimateDivisor = 4
	maxSinglePassTokens  = 150_000
)

// Reported is an already-open finding handed to the oracle so it is not
// re-reported.
type Reported struct {
	Severity  string
	File      string
	LineStart int
	Title     string
}

// Reviewer drives the diff-to-findings pipeline: filter, size estimate,
// single-pass or per-file fan-out, parse.
type Reviewer struct {
	oracle        Oracle
	log           *slog.Logger
	maxPassTokens int
}

func NewReviewer(oracle Oracle, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{oracle: oracle, log: logger, maxPassTokens: maxSinglePassTokens}
}

// ReviewDiff filters the diff to reviewable segments and asks the oracle for
// findings. An empty filtered diff returns immediately without an oracle
// call. Oversized diffs are reviewed one file at a time, concurrently; a
// failed per-file call contributes zero findings instead of aborting the
// batch.
func (r *Reviewer) ReviewDiff(ctx context.Context, diff string, existing []Reported) ([]Issue, error) {
	filtered := FilterReviewable(diff)
	if filtered == "" {
		return nil, nil
	}

	preamble := formatExisting(existing)

	if len(filtered)/tokenEstimateDivisor > r.maxPassTokens {
		return r.reviewChunked(ctx, filtered, preamble), nil
	}

	text, err := r.oracle.Review(ctx, systemPrompt, userContent(preamble, filtered))
	if err != nil {
		return nil, err
	}
	return r.parse(text), nil
}

func (r *Reviewer) reviewChunked(ctx context.Context, filtered, preamble string) []Issue {
	var fileDiffs []string
	for _, chunk := range SplitByFile(filtered) {
		if IsReviewable(FilePath(chunk)) {
			fileDiffs = append(fileDiffs, chunk)
		}
	}

	results := make([][]Issue, len(fileDiffs))
	var wg sync.WaitGroup
	for idx, fd := range fileDiffs {
		wg.Add(1)
		go func(idx int, fd string) {
			defer wg.Done()
			text, err := r.oracle.Review(ctx, systemPrompt, userContent(preamble, fd))
			if err != nil {
				r.log.Warn("per-file review failed", "file", FilePath(fd), "error", err)
				return
			}
			results[idx] = r.parse(text)
		}(idx, fd)
	}
	wg.Wait()

	var all []Issue
	for _, issues := range results {
		all = append(all, issues...)
	}
	return all
}

func (r *Reviewer) parse(text string) []Issue {
	issues, err := ParseIssues(text)
	if err != nil {
		r.log.Warn("could not parse review response", "error", err)
		return nil
	}
	return issues
}

func userContent(preamble, diff string) string {
	if preamble == "" {
		return "Review this diff:\n\n" + diff
	}
	return preamble + "\n\nReview this diff:\n\n" + diff
}

func formatExisting(existing []Reported) string {
	if len(existing) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Already-reported unresolved issues (do NOT re-report these):")
	for _, e := range existing {
		fmt.Fprintf(&b, "\n- [%s] %s:%d -- %s", e.Severity, e.File, e.LineStart, e.Title)
	}
	return b.String()
}
