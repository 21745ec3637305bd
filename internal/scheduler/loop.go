package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"atlasd/internal/notify"
	"atlasd/internal/review"
	"atlasd/internal/secretbox"
	"atlasd/internal/store"
)

func (s *Scheduler) runLoop(ctx context.Context, game store.Game) {
	log := s.log.With("game_id", game.ID, "place_id", game.PlaceID, "server_id", game.ServerID)
	log.Info("starting sync loop")

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		runLog := log.With("run_id", uuid.NewString())
		err := s.iterate(ctx, game, runLog)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Info("sync loop cancelled")
			return
		}
		if err != nil {
			s.reportIterationError(ctx, game, err, runLog)
		}

		timer.Reset(s.deps.Interval)
		select {
		case <-ctx.Done():
			log.Info("sync loop cancelled")
			return
		case <-timer.C:
		}
	}
}

// iterate runs one sync cycle. Any returned error is classified and run
// through the throttle; only cancellation escapes the loop itself.
func (s *Scheduler) iterate(ctx context.Context, game store.Game, log *slog.Logger) error {
	apiKey, err := s.deps.Codec.Decrypt(game.APIKeyEncrypted)
	if err != nil {
		return err
	}

	dir := game.WorkingDir
	if err := s.deps.Provider.Syncback(ctx, dir, game.PlaceID, apiKey); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	diff := s.deps.Provider.GitDiff(ctx, dir)
	if strings.TrimSpace(diff) == "" {
		log.Debug("no changes since last sync")
		return nil
	}

	changed := s.deps.Provider.GitDiffNameOnly(ctx, dir)
	autoResolved := s.autoResolve(ctx, game, changed, log)

	scripts := reviewablePaths(changed)
	if len(scripts) > 0 {
		existing, err := s.deps.Store.UnresolvedIssues(game.ID)
		if err != nil {
			return err
		}
		issues, err := s.deps.Reviewer.ReviewDiff(ctx, diff, toReported(existing))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed review degrades to zero findings for this cycle;
			// the sync itself still commits below.
			s.reportError(ctx, game, err.Error(), "Review API error", log)
			issues = nil
		}
		fresh, err := s.dedup(game.ID, issues)
		if err != nil {
			return err
		}
		if len(fresh) > 0 {
			s.postIssues(ctx, game, fresh, diff, scripts, autoResolved, log)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.deps.Provider.GitAddAll(ctx, dir); err != nil {
		return err
	}
	commitMsg := "Sync " + time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	if err := s.deps.Provider.GitCommit(ctx, dir, commitMsg); err != nil {
		return err
	}
	return s.deps.Store.RecordSyncSuccess(game.ID)
}

// autoResolve resolves every unresolved finding whose file shows up in the
// changed paths, and best-effort updates its posted rendering.
func (s *Scheduler) autoResolve(ctx context.Context, game store.Game, changed []string, log *slog.Logger) int {
	if len(changed) == 0 {
		return 0
	}
	unresolved, err := s.deps.Store.UnresolvedIssues(game.ID)
	if err != nil {
		log.Error("listing unresolved issues failed", "error", err)
		return 0
	}
	changedSet := make(map[string]struct{}, len(changed))
	for _, path := range changed {
		changedSet[path] = struct{}{}
	}

	count := 0
	for _, issue := range unresolved {
		if _, ok := changedSet[issue.FilePath]; !ok {
			continue
		}
		if err := s.deps.Store.ResolveIssue(issue.ID, "auto", "file modified"); err != nil {
			log.Error("auto-resolve failed", "issue_id", issue.ID, "error", err)
			continue
		}
		count++
		if issue.MessageRef == "" {
			continue
		}
		issue.Resolved = true
		issue.ResolvedBy = "auto"
		issue.ResolvedReason = "file modified"
		if err := s.deps.Sink.Update(ctx, issue.MessageRef, notify.RenderIssueResolved(issue)); err != nil {
			log.Debug("could not update resolved message", "issue_id", issue.ID, "error", err)
		}
	}
	return count
}

// dedup drops findings that already exist unresolved for (game, file, title).
func (s *Scheduler) dedup(gameID uint, issues []review.Issue) ([]review.Issue, error) {
	var fresh []review.Issue
	for _, i := range issues {
		exists, err := s.deps.Store.ExistsUnresolved(gameID, i.File, i.Title)
		if err != nil {
			return nil, err
		}
		if !exists {
			fresh = append(fresh, i)
		}
	}
	return fresh, nil
}

// postIssues persists the surviving findings and posts the summary followed
// by one message per finding, recording each message ref for later updates.
func (s *Scheduler) postIssues(ctx context.Context, game store.Game, issues []review.Issue, diff string, scripts []string, autoResolved int, log *slog.Logger) {
	records := make([]store.Issue, 0, len(issues))
	for _, i := range issues {
		rec, err := s.deps.Store.AddIssue(store.Issue{
			GameID:      game.ID,
			FilePath:    i.File,
			LineStart:   i.LineStart,
			LineEnd:     i.LineEnd,
			Severity:    i.Severity,
			Title:       i.Title,
			Explanation: i.Explanation,
			Suggestion:  i.Suggestion,
		})
		if err != nil {
			log.Error("persisting issue failed", "file", i.File, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return
	}

	added, removed := review.CountDiffLines(diff)
	summary := notify.RenderSummary(game.PlaceID, records, autoResolved, scripts, added, removed)
	if _, err := s.deps.Sink.Post(ctx, game.ChannelID, summary); err != nil {
		log.Warn("posting summary failed", "error", err)
	}

	for _, rec := range records {
		ref, err := s.deps.Sink.Post(ctx, game.ChannelID, notify.RenderIssue(rec))
		if err != nil {
			log.Warn("posting issue failed", "issue_id", rec.ID, "error", err)
			continue
		}
		if ref != "" {
			if err := s.deps.Store.SetIssueMessageRef(rec.ID, ref); err != nil {
				log.Error("storing message ref failed", "issue_id", rec.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) reportIterationError(ctx context.Context, game store.Game, err error, log *slog.Logger) {
	log.Error("sync iteration failed", "error", err)
	s.reportError(ctx, game, err.Error(), Classify(err), log)
}

// reportError records the failure through the throttle and posts a
// notification only when the throttle says a human should see it.
func (s *Scheduler) reportError(ctx context.Context, game store.Game, errText, errType string, log *slog.Logger) {
	shouldNotify, dbErr := s.deps.Store.RecordSyncError(game.ID, errText)
	if dbErr != nil {
		log.Error("recording sync error failed", "error", dbErr)
		return
	}
	if !shouldNotify {
		return
	}
	lastSync := game.LastSyncAt
	if fresh, ok, err := s.deps.Store.GetGameByID(game.ID); err == nil && ok {
		lastSync = fresh.LastSyncAt
	}
	msg := notify.RenderError(game.PlaceID, errText, errType, lastSync)
	if _, err := s.deps.Sink.Post(ctx, game.ChannelID, msg); err != nil {
		log.Warn("posting error notification failed", "error", err)
	}
}

// Classify maps an iteration error onto a human-facing failure type. The
// rules are ordered substring heuristics over the error text and may
// misclassify nested error messages; first match wins.
func Classify(err error) string {
	if errors.Is(err, secretbox.ErrDecrypt) {
		return "Credential failure"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "HTTP 403"), strings.Contains(msg, "HTTP 401"):
		return "Download failure (auth)"
	case strings.Contains(msg, "Failed to download"):
		return "Download failure"
	case strings.Contains(msg, "syncback failed"):
		return "Syncback crash"
	case strings.Contains(strings.ToLower(msg), "git"):
		return "Git error"
	default:
		return "Syncback error"
	}
}

func reviewablePaths(paths []string) []string {
	var scripts []string
	for _, p := range paths {
		if review.IsReviewable(p) {
			scripts = append(scripts, p)
		}
	}
	return scripts
}

func toReported(issues []store.Issue) []review.Reported {
	reported := make([]review.Reported, 0, len(issues))
	for _, i := range issues {
		reported = append(reported, review.Reported{
			Severity:  i.Severity,
			File:      i.FilePath,
			LineStart: i.LineStart,
			Title:     i.Title,
		})
	}
	return reported
}
