package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeOracle struct {
	mu        sync.Mutex
	calls     []string
	response  string
	responses map[string]string // keyed by file path found in the user content
	err       error
}

func (f *fakeOracle) Review(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, user)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	for path, resp := range f.responses {
		if strings.Contains(user, path) {
			return resp, nil
		}
	}
	return f.response, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestReviewDiff_NoReviewableFilesSkipsOracle(t *testing.T) {
	fo := &fakeOracle{response: `[{"file":"x","title":"t"}]`}
	r := NewReviewer(fo, nil)
	jsonOnly := "diff --git a/a.json b/a.json\n+++ b/a.json\n@@ -1 +1 @@\n+{}\n"

	issues, err := r.ReviewDiff(context.Background(), jsonOnly, nil)
	if err != nil {
		t.Fatalf("ReviewDiff: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(issues))
	}
	if fo.callCount() != 0 {
		t.Fatalf("oracle must not be called for non-script diffs, got %d calls", fo.callCount())
	}
}

func TestReviewDiff_SinglePass(t *testing.T) {
	fo := &fakeOracle{response: `[{"file":"src/a.luau","severity":"High","title":"Bad"}]`}
	r := NewReviewer(fo, nil)
	diff := "diff --git a/src/a.luau b/src/a.luau\n+++ b/src/a.luau\n@@ -1 +1 @@\n+boom()\n"

	issues, err := r.ReviewDiff(context.Background(), diff, nil)
	if err != nil {
		t.Fatalf("ReviewDiff: %v", err)
	}
	if len(issues) != 1 || issues[0].Title != "Bad" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if fo.callCount() != 1 {
		t.Fatalf("expected exactly one oracle call, got %d", fo.callCount())
	}
	if !strings.Contains(fo.calls[0], "Review this diff:") {
		t.Fatalf("user content missing instruction: %q", fo.calls[0])
	}
}

func TestReviewDiff_ExistingIssuePreamble(t *testing.T) {
	fo := &fakeOracle{response: "[]"}
	r := NewReviewer(fo, nil)
	diff := "diff --git a/src/a.luau b/src/a.luau\n+++ b/src/a.luau\n+x\n"
	existing := []Reported{{Severity: "High", File: "src/a.luau", LineStart: 12, Title: "Old bug"}}

	if _, err := r.ReviewDiff(context.Background(), diff, existing); err != nil {
		t.Fatalf("ReviewDiff: %v", err)
	}
	if !strings.Contains(fo.calls[0], "[High] src/a.luau:12 -- Old bug") {
		t.Fatalf("preamble missing existing issue: %q", fo.calls[0])
	}
	if !strings.Contains(fo.calls[0], "do NOT re-report") {
		t.Fatalf("preamble missing instruction: %q", fo.calls[0])
	}
}

func TestReviewDiff_OracleErrorPropagates(t *testing.T) {
	fo := &fakeOracle{err: fmt.Errorf("%w: HTTP 500", ErrOracle)}
	r := NewReviewer(fo, nil)
	diff := "diff --git a/src/a.luau b/src/a.luau\n+++ b/src/a.luau\n+x\n"

	if _, err := r.ReviewDiff(context.Background(), diff, nil); !errors.Is(err, ErrOracle) {
		t.Fatalf("expected ErrOracle, got %v", err)
	}
}

func TestReviewDiff_UnparseableDegradesToEmpty(t *testing.T) {
	fo := &fakeOracle{response: "sorry, I cannot help with that"}
	r := NewReviewer(fo, nil)
	diff := "diff --git a/src/a.luau b/src/a.luau\n+++ b/src/a.luau\n+x\n"

	issues, err := r.ReviewDiff(context.Background(), diff, nil)
	if err != nil {
		t.Fatalf("parse failure must not surface as error: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected zero issues, got %d", len(issues))
	}
}

func buildBigDiff(files int, lineBytes int) string {
	var b strings.Builder
	line := "+" + strings.Repeat("x", lineBytes) + "\n"
	for i := 0; i < files; i++ {
		fmt.Fprintf(&b, "diff --git a/src/f%d.luau b/src/f%d.luau\n", i, i)
		fmt.Fprintf(&b, "+++ b/src/f%d.luau\n@@ -1 +1 @@\n", i)
		b.WriteString(line)
	}
	return b.String()
}

func TestReviewDiff_ChunkedFanOut(t *testing.T) {
	fo := &fakeOracle{
		responses: map[string]string{
			"src/f0.luau": `[{"file":"src/f0.luau","title":"a"}]`,
			"src/f1.luau": `[{"file":"src/f1.luau","title":"b"}]`,
			"src/f2.luau": `[]`,
		},
	}
	r := NewReviewer(fo, nil)
	r.maxPassTokens = 10 // force the chunked path with a small diff

	issues, err := r.ReviewDiff(context.Background(), buildBigDiff(3, 200), nil)
	if err != nil {
		t.Fatalf("ReviewDiff: %v", err)
	}
	if fo.callCount() != 3 {
		t.Fatalf("expected one call per file, got %d", fo.callCount())
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 combined issues, got %d: %+v", len(issues), issues)
	}
}

func TestReviewDiff_ChunkedIndependentFailure(t *testing.T) {
	fo := &fakeOracle{
		responses: map[string]string{
			"src/f0.luau": `[{"file":"src/f0.luau","title":"a"}]`,
			"src/f1.luau": "garbage that fails to parse",
		},
	}
	r := NewReviewer(fo, nil)
	r.maxPassTokens = 10

	issues, err := r.ReviewDiff(context.Background(), buildBigDiff(2, 200), nil)
	if err != nil {
		t.Fatalf("ReviewDiff: %v", err)
	}
	if len(issues) != 1 || issues[0].File != "src/f0.luau" {
		t.Fatalf("one file's failure must not abort the other: %+v", issues)
	}
}
