package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"atlasd/internal/notify"
	"atlasd/internal/review"
	"atlasd/internal/store"
)

// SyncProvider is the external clone/syncback tool plus the local revision
// history on one working directory. Diff operations are fail-soft: a
// history-tool error yields an empty result, never an error.
type SyncProvider interface {
	Clone(ctx context.Context, placeID int64, dir, apiKey string) error
	Syncback(ctx context.Context, dir string, placeID int64, apiKey string) error
	GitInit(ctx context.Context, dir string) error
	GitAddAll(ctx context.Context, dir string) error
	GitCommit(ctx context.Context, dir, message string) error
	GitDiff(ctx context.Context, dir string) string
	GitDiffNameOnly(ctx context.Context, dir string) []string
}

// DiffReviewer turns a diff plus the already-open findings into new ones.
type DiffReviewer interface {
	ReviewDiff(ctx context.Context, diff string, existing []review.Reported) ([]review.Issue, error)
}

// Decrypter unlocks a game's stored credential for one iteration.
type Decrypter interface {
	Decrypt(blob []byte) (string, error)
}

type Deps struct {
	Store    *store.Store
	Provider SyncProvider
	Reviewer DiffReviewer
	Codec    Decrypter
	Sink     notify.Sink
	Logger   *slog.Logger
	Interval time.Duration
	DataDir  string
}

// Scheduler owns one independent sync loop per game. Loops never block each
// other; stopping a game cancels its loop at the next suspension point.
//
// Every loop descends from a root context created at construction time, so
// a loop started from the command surface before Run is underway still
// receives shutdown cancellation.
type Scheduler struct {
	deps Deps
	log  *slog.Logger

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu    sync.Mutex
	loops map[uint]*loopHandle
	wg    sync.WaitGroup
}

type loopHandle struct {
	cancel context.CancelFunc
}

func New(deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	return &Scheduler{
		deps:       deps,
		log:        logger,
		rootCtx:    rootCtx,
		cancelRoot: cancelRoot,
		loops:      make(map[uint]*loopHandle),
	}
}

// Run starts loops for every stored game whose server is still allowed and
// blocks until ctx is cancelled, then cancels the root context and waits for
// all loops to wind down, including ones started while Run was underway.
func (s *Scheduler) Run(ctx context.Context) error {
	games, err := s.deps.Store.AllGames()
	if err != nil {
		return err
	}
	for _, game := range games {
		allowed, err := s.deps.Store.IsServerAllowed(game.ServerID)
		if err != nil {
			return err
		}
		if allowed {
			s.Start(game)
		}
	}

	<-ctx.Done()
	s.cancelRoot()
	s.wg.Wait()
	return nil
}

// Start launches the game's sync loop. Starting an already-running game is
// a no-op.
func (s *Scheduler) Start(game store.Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.loops[game.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	handle := &loopHandle{cancel: cancel}
	s.loops[game.ID] = handle

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.loops[game.ID] == handle {
				delete(s.loops, game.ID)
			}
			s.mu.Unlock()
			cancel()
		}()
		s.runLoop(ctx, game)
	}()
}

// Stop cancels the game's loop if one is running.
func (s *Scheduler) Stop(gameID uint) {
	s.mu.Lock()
	handle := s.loops[gameID]
	delete(s.loops, gameID)
	s.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
}

// StopAllForServer stops every loop belonging to the server's games.
func (s *Scheduler) StopAllForServer(serverID string) error {
	games, err := s.deps.Store.GamesForServer(serverID)
	if err != nil {
		return err
	}
	for _, game := range games {
		s.Stop(game.ID)
	}
	return nil
}

// Running reports whether a loop is live for the game.
func (s *Scheduler) Running(gameID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[gameID]
	return ok
}

// Wait blocks until all loops have exited. Intended for shutdown and tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// WorkingDir is the on-disk location of one game's clone.
func (s *Scheduler) WorkingDir(serverID string, placeID int64) string {
	return filepath.Join(s.deps.DataDir, serverID, strconv.FormatInt(placeID, 10))
}

// InitGame clones the place into its working directory and commits the
// initial state as the diff baseline. The commit is allowed to be empty so
// the first sync has a reference point even for an empty clone.
func (s *Scheduler) InitGame(ctx context.Context, serverID string, placeID int64, apiKey string) (string, error) {
	dir := s.WorkingDir(serverID, placeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := s.deps.Provider.Clone(ctx, placeID, dir, apiKey); err != nil {
		return "", err
	}
	if err := s.deps.Provider.GitInit(ctx, dir); err != nil {
		return "", err
	}
	if err := s.deps.Provider.GitAddAll(ctx, dir); err != nil {
		return "", err
	}
	if err := s.deps.Provider.GitCommit(ctx, dir, "Initial sync"); err != nil {
		return "", err
	}
	return dir, nil
}
