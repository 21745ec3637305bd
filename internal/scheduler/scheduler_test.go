package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"atlasd/internal/notify"
	"atlasd/internal/review"
	"atlasd/internal/secretbox"
	"atlasd/internal/store"
)

// -- fakes --

type fakeProvider struct {
	mu            sync.Mutex
	calls         []string
	diff          string
	changed       []string
	syncbackErr   error
	cloneErr      error
	syncbackGate  chan struct{} // when set, Syncback blocks until ctx is done or the gate closes
	syncbackCount int
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeProvider) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) Clone(ctx context.Context, placeID int64, dir, apiKey string) error {
	f.record("clone")
	return f.cloneErr
}

func (f *fakeProvider) Syncback(ctx context.Context, dir string, placeID int64, apiKey string) error {
	f.mu.Lock()
	f.syncbackCount++
	f.calls = append(f.calls, "syncback")
	gate := f.syncbackGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
	return f.syncbackErr
}

func (f *fakeProvider) GitInit(ctx context.Context, dir string) error   { f.record("init"); return nil }
func (f *fakeProvider) GitAddAll(ctx context.Context, dir string) error { f.record("add"); return nil }
func (f *fakeProvider) GitCommit(ctx context.Context, dir, message string) error {
	f.record("commit:" + message)
	return nil
}
func (f *fakeProvider) GitDiff(ctx context.Context, dir string) string {
	f.record("diff")
	return f.diff
}
func (f *fakeProvider) GitDiffNameOnly(ctx context.Context, dir string) []string {
	f.record("name-only")
	return f.changed
}

type fakeReviewer struct {
	mu     sync.Mutex
	calls  int
	issues []review.Issue
	err    error
}

func (f *fakeReviewer) ReviewDiff(ctx context.Context, diff string, existing []review.Reported) ([]review.Issue, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.issues, f.err
}

func (f *fakeReviewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type postedMsg struct {
	channelID string
	msg       notify.Message
}

type fakeSink struct {
	mu      sync.Mutex
	posts   []postedMsg
	updates map[string]notify.Message
	nextRef int
}

func (f *fakeSink) Post(ctx context.Context, channelID string, msg notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMsg{channelID: channelID, msg: msg})
	f.nextRef++
	return fmt.Sprintf("ref-%d", f.nextRef), nil
}

func (f *fakeSink) Update(ctx context.Context, ref string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]notify.Message{}
	}
	f.updates[ref] = msg
	return nil
}

func (f *fakeSink) postedTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	titles := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		titles = append(titles, p.msg.Title)
	}
	return titles
}

// -- fixture --

type fixture struct {
	sched    *Scheduler
	store    *store.Store
	provider *fakeProvider
	reviewer *fakeReviewer
	sink     *fakeSink
	codec    *secretbox.Codec
	game     store.Game
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "atlasd.db"), []string{"admin-1"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	codec, err := secretbox.New("test-secret")
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	blob, err := codec.Encrypt("api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := st.ApproveServer("srv-1", "Test", "admin-1"); err != nil {
		t.Fatalf("ApproveServer: %v", err)
	}
	game, err := st.AddGame(store.Game{
		ServerID:        "srv-1",
		PlaceID:         777,
		ChannelID:       "chan-1",
		APIKeyEncrypted: blob,
		AddedBy:         "user-1",
		WorkingDir:      t.TempDir(),
	})
	if err != nil {
		t.Fatalf("AddGame: %v", err)
	}

	provider := &fakeProvider{}
	reviewer := &fakeReviewer{}
	sink := &fakeSink{}
	sched := New(Deps{
		Store:    st,
		Provider: provider,
		Reviewer: reviewer,
		Codec:    codec,
		Sink:     sink,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: time.Hour,
		DataDir:  t.TempDir(),
	})
	return &fixture{sched: sched, store: st, provider: provider, reviewer: reviewer, sink: sink, codec: codec, game: game}
}

const scriptDiff = "diff --git a/src/a.luau b/src/a.luau\n+++ b/src/a.luau\n@@ -1 +1 @@\n+x()\n"

// -- iteration tests --

func TestIterate_EmptyDiffSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.provider.diff = ""

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if f.reviewer.callCount() != 0 {
		t.Fatal("empty diff must not trigger a review")
	}
	for _, call := range f.provider.callList() {
		if strings.HasPrefix(call, "commit") {
			t.Fatal("empty diff must not commit")
		}
	}
	if len(f.sink.postedTitles()) != 0 {
		t.Fatalf("nothing should be posted: %v", f.sink.postedTitles())
	}
}

func TestIterate_PostsNewIssuesAndCommits(t *testing.T) {
	f := newFixture(t)
	f.provider.diff = scriptDiff
	f.provider.changed = []string{"src/a.luau"}
	f.reviewer.issues = []review.Issue{
		{File: "src/a.luau", LineStart: 1, Severity: "High", Title: "Bad call"},
	}

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	titles := f.sink.postedTitles()
	if len(titles) != 2 {
		t.Fatalf("expected summary + 1 issue, got %v", titles)
	}
	if !strings.HasPrefix(titles[0], "Sync Review") {
		t.Fatalf("summary must be posted first: %v", titles)
	}
	if titles[1] != "[High] Bad call" {
		t.Fatalf("issue title: %q", titles[1])
	}

	unresolved, err := f.store.UnresolvedIssues(f.game.ID)
	if err != nil || len(unresolved) != 1 {
		t.Fatalf("expected 1 persisted issue: %v err=%v", unresolved, err)
	}
	if unresolved[0].MessageRef == "" {
		t.Fatal("message ref should be recorded at post time")
	}

	committed := false
	for _, call := range f.provider.callList() {
		if strings.HasPrefix(call, "commit:Sync ") {
			committed = true
		}
	}
	if !committed {
		t.Fatalf("expected timestamped commit, calls: %v", f.provider.callList())
	}

	game, _, _ := f.store.GetGameByID(f.game.ID)
	if game.LastSyncAt == 0 {
		t.Fatal("sync success should be recorded")
	}
}

func TestIterate_DedupAgainstOpenFindings(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.AddIssue(store.Issue{GameID: f.game.ID, FilePath: "src/a.luau", Title: "Bad call"}); err != nil {
		t.Fatalf("AddIssue: %v", err)
	}
	f.provider.diff = scriptDiff
	f.provider.changed = []string{"src/b.luau"} // keep the open finding from auto-resolving
	f.reviewer.issues = []review.Issue{
		{File: "src/a.luau", Title: "Bad call", Severity: "High"},
		{File: "src/a.luau", Title: "Another problem", Severity: "Low"},
	}

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	unresolved, _ := f.store.UnresolvedIssues(f.game.ID)
	if len(unresolved) != 2 {
		t.Fatalf("duplicate should be dropped, expected 2 open findings, got %d", len(unresolved))
	}
	titles := f.sink.postedTitles()
	if len(titles) != 2 {
		t.Fatalf("expected summary + 1 new issue, got %v", titles)
	}
}

func TestIterate_AutoResolveOnChangedPath(t *testing.T) {
	f := newFixture(t)
	issue, err := f.store.AddIssue(store.Issue{GameID: f.game.ID, FilePath: "src/a.luau", Title: "Old", Severity: "High"})
	if err != nil {
		t.Fatalf("AddIssue: %v", err)
	}
	if err := f.store.SetIssueMessageRef(issue.ID, "msg-1"); err != nil {
		t.Fatalf("SetIssueMessageRef: %v", err)
	}
	f.provider.diff = scriptDiff
	f.provider.changed = []string{"src/a.luau"}

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	got, _, _ := f.store.GetIssue(issue.ID)
	if !got.Resolved || got.ResolvedBy != "auto" || got.ResolvedReason != "file modified" {
		t.Fatalf("expected auto-resolution: %+v", got)
	}
	if _, ok := f.sink.updates["msg-1"]; !ok {
		t.Fatal("resolved message should be updated via its stored ref")
	}
	if f.sink.updates["msg-1"].Footer != "Resolved -- code was modified" {
		t.Fatalf("update footer: %q", f.sink.updates["msg-1"].Footer)
	}
}

func TestIterate_NonScriptChangeResolvesWithoutReview(t *testing.T) {
	f := newFixture(t)
	issue, err := f.store.AddIssue(store.Issue{GameID: f.game.ID, FilePath: "assets/map.json", Title: "Old"})
	if err != nil {
		t.Fatalf("AddIssue: %v", err)
	}
	f.provider.diff = "diff --git a/assets/map.json b/assets/map.json\n+++ b/assets/map.json\n+{}\n"
	f.provider.changed = []string{"assets/map.json"}

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if f.reviewer.callCount() != 0 {
		t.Fatal("non-script change must not call the reviewer")
	}
	got, _, _ := f.store.GetIssue(issue.ID)
	if !got.Resolved {
		t.Fatal("finding on changed file should auto-resolve without review")
	}
}

func TestIterate_ReviewFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.provider.diff = scriptDiff
	f.provider.changed = []string{"src/a.luau"}
	f.reviewer.err = fmt.Errorf("%w: HTTP 500", review.ErrOracle)

	if err := f.sched.iterate(context.Background(), f.game, f.sched.log); err != nil {
		t.Fatalf("review failure must not abort the iteration: %v", err)
	}

	titles := f.sink.postedTitles()
	if len(titles) != 1 || !strings.HasPrefix(titles[0], "Sync Error") {
		t.Fatalf("expected one throttled error notification, got %v", titles)
	}

	committed := false
	for _, call := range f.provider.callList() {
		if strings.HasPrefix(call, "commit:") {
			committed = true
		}
	}
	if !committed {
		t.Fatal("sync should still commit after a review failure")
	}
}

func TestIterate_DecryptFailureReturnsError(t *testing.T) {
	f := newFixture(t)
	otherCodec, _ := secretbox.New("different-secret")
	blob, _ := otherCodec.Encrypt("key")
	f.game.APIKeyEncrypted = blob

	err := f.sched.iterate(context.Background(), f.game, f.sched.log)
	if !errors.Is(err, secretbox.ErrDecrypt) {
		t.Fatalf("expected decrypt error, got %v", err)
	}
	if got := Classify(err); got != "Credential failure" {
		t.Fatalf("classification: %q", got)
	}
}

// -- loop lifecycle tests --

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.provider.syncbackGate = gate

	f.sched.Start(f.game)
	f.sched.Start(f.game)
	f.sched.Start(f.game)

	deadline := time.After(2 * time.Second)
	for {
		f.provider.mu.Lock()
		n := f.provider.syncbackCount
		f.provider.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loop never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.provider.mu.Lock()
	n := f.provider.syncbackCount
	f.provider.mu.Unlock()
	if n != 1 {
		t.Fatalf("re-starting a running game must be a no-op, got %d loops", n)
	}
	if !f.sched.Running(f.game.ID) {
		t.Fatal("loop should be registered as running")
	}

	f.sched.Stop(f.game.ID)
	f.sched.Wait()
	if f.sched.Running(f.game.ID) {
		t.Fatal("loop should be deregistered after stop")
	}
}

func TestStopCancelsBlockedLoop(t *testing.T) {
	f := newFixture(t)
	f.provider.syncbackGate = make(chan struct{}) // never closed; only cancellation releases it

	f.sched.Start(f.game)
	time.Sleep(20 * time.Millisecond)
	f.sched.Stop(f.game.ID)

	done := make(chan struct{})
	go func() {
		f.sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled loop did not exit")
	}
	if len(f.sink.postedTitles()) != 0 {
		t.Fatalf("cancellation must not produce notifications: %v", f.sink.postedTitles())
	}
}

func TestStopAllForServer(t *testing.T) {
	f := newFixture(t)
	second, err := f.store.AddGame(store.Game{
		ServerID: "srv-1", PlaceID: 778, ChannelID: "chan-1",
		APIKeyEncrypted: f.game.APIKeyEncrypted, WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("AddGame: %v", err)
	}
	f.provider.syncbackGate = make(chan struct{})

	f.sched.Start(f.game)
	f.sched.Start(second)
	if !f.sched.Running(f.game.ID) || !f.sched.Running(second.ID) {
		t.Fatal("both loops should be running")
	}

	if err := f.sched.StopAllForServer("srv-1"); err != nil {
		t.Fatalf("StopAllForServer: %v", err)
	}
	f.sched.Wait()
	if f.sched.Running(f.game.ID) || f.sched.Running(second.ID) {
		t.Fatal("all server loops should be stopped")
	}
}

func TestRunStartsStoredLoopsAndStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.provider.syncbackGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- f.sched.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !f.sched.Running(f.game.ID) {
		select {
		case <-deadline:
			t.Fatal("allowed game loop never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestShutdownCancelsLoopStartedBeforeRun(t *testing.T) {
	f := newFixture(t)
	f.provider.syncbackGate = make(chan struct{}) // never closed; only cancellation releases it

	// Command handlers may start a loop while Run is still launching.
	f.sched.Start(f.game)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- f.sched.Run(ctx) }()

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop started before Run was not cancelled on shutdown")
	}
	if f.sched.Running(f.game.ID) {
		t.Fatal("loop should be deregistered after shutdown")
	}
}

func TestInitGameClonesAndCommitsBaseline(t *testing.T) {
	f := newFixture(t)
	dir, err := f.sched.InitGame(context.Background(), "srv-1", 777, "key")
	if err != nil {
		t.Fatalf("InitGame: %v", err)
	}
	if dir != f.sched.WorkingDir("srv-1", 777) {
		t.Fatalf("unexpected dir: %q", dir)
	}
	want := []string{"clone", "init", "add", "commit:Initial sync"}
	got := f.provider.callList()
	if len(got) != len(want) {
		t.Fatalf("calls: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  string
		want string
	}{
		{"atlas syncback failed: exit status 1: HTTP 403 Forbidden", "Download failure (auth)"},
		{"server said HTTP 401", "Download failure (auth)"},
		{"Failed to download place file", "Download failure"},
		{"atlas syncback failed: exit status 101", "Syncback crash"},
		{"git commit failed: exit status 128", "Git error"},
		{"something else entirely", "Syncback error"},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.err)); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestErrorThrottleNotifiesTwiceOverThirteenRuns(t *testing.T) {
	f := newFixture(t)
	f.provider.syncbackErr = errors.New("atlas syncback failed: exit status 1")

	for i := 0; i < 13; i++ {
		err := f.sched.iterate(context.Background(), f.game, f.sched.log)
		if err == nil {
			t.Fatal("expected iteration error")
		}
		f.sched.reportIterationError(context.Background(), f.game, err, f.sched.log)
	}

	errorPosts := 0
	for _, title := range f.sink.postedTitles() {
		if strings.HasPrefix(title, "Sync Error") {
			errorPosts++
		}
	}
	if errorPosts != 2 {
		t.Fatalf("13 identical failures should notify exactly twice, got %d", errorPosts)
	}
}
