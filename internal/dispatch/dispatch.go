package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"atlasd/internal/notify"
	"atlasd/internal/store"
)

// ErrUnauthorized marks a command rejected by an authorization check. The
// Response returned alongside it carries the user-facing denial text.
var ErrUnauthorized = errors.New("unauthorized")

const (
	maxErrorReplyLen   = 1500
	maxErrorPreviewLen = 100
	healthyIcon        = "\U0001F7E2"
	unhealthyIcon      = "\U0001F534"
)

// LoopController is the scheduler surface the dispatcher drives.
type LoopController interface {
	Start(game store.Game)
	Stop(gameID uint)
	StopAllForServer(serverID string) error
	InitGame(ctx context.Context, serverID string, placeID int64, apiKey string) (string, error)
}

// CredentialCodec seals and unseals stored credentials.
type CredentialCodec interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(blob []byte) (string, error)
}

// Request is one inbound command from the chat shim. ServerID and UserID
// identify the caller; the remaining fields are per-command arguments.
type Request struct {
	Command        string `json:"command"`
	ServerID       string `json:"server_id"`
	ServerName     string `json:"server_name,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	UserID         string `json:"user_id"`
	PlaceID        int64  `json:"place_id,omitempty"`
	TargetServerID string `json:"target_server_id,omitempty"`
	Credential     string `json:"credential,omitempty"`
	MessageRef     string `json:"message_ref,omitempty"`
}

// Response is the reply shown to the caller.
type Response struct {
	Text string `json:"text"`
}

type Deps struct {
	Store             *store.Store
	Loops             LoopController
	Codec             CredentialCodec
	Sink              notify.Sink
	Logger            *slog.Logger
	SyncInterval      time.Duration
	MaxGamesPerServer int
}

// Dispatcher routes inbound commands. Authorization is re-verified on every
// call against the store, never cached from earlier requests.
type Dispatcher struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{deps: deps, log: logger}
}

// Dispatch executes one command. User-level rejections come back as Response
// text; ErrUnauthorized accompanies authorization denials so transports can
// signal them distinctly. Other errors are internal failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	d.log.Info("command received", "command", req.Command, "server_id", req.ServerID, "user_id", req.UserID)
	switch req.Command {
	case "approve-server":
		return d.approveServer(req)
	case "revoke-server":
		return d.revokeServer(req)
	case "set-credential":
		return d.setCredential(req)
	case "add-workspace":
		return d.addWorkspace(ctx, req)
	case "remove-workspace":
		return d.removeWorkspace(req)
	case "reset-workspace":
		return d.resetWorkspace(ctx, req)
	case "status":
		return d.status(req)
	case "list-workspaces":
		return d.listWorkspaces(req)
	case "resolve":
		return d.resolve(ctx, req)
	case "context":
		return d.issueContext(req)
	default:
		return Response{}, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (d *Dispatcher) requireAdmin(userID string) (Response, error) {
	isAdmin, err := d.deps.Store.IsAdmin(userID)
	if err != nil {
		return Response{}, err
	}
	if !isAdmin {
		return Response{Text: "Only bot admins can do that."}, ErrUnauthorized
	}
	return Response{}, nil
}

func (d *Dispatcher) requireAllowedServer(req Request) (Response, error) {
	if req.ServerID == "" {
		return Response{Text: "This command can only be used in a server."}, ErrUnauthorized
	}
	allowed, err := d.deps.Store.IsServerAllowed(req.ServerID)
	if err != nil {
		return Response{}, err
	}
	if !allowed {
		return Response{Text: "This server is not authorized. Ask a bot admin to run `approve-server`."}, ErrUnauthorized
	}
	return Response{}, nil
}

func (d *Dispatcher) approveServer(req Request) (Response, error) {
	if resp, err := d.requireAdmin(req.UserID); err != nil {
		return resp, err
	}
	target := req.TargetServerID
	name := ""
	if target == "" {
		target = req.ServerID
		name = req.ServerName
	}
	if target == "" {
		return Response{Text: "No server to approve."}, nil
	}
	if err := d.deps.Store.ApproveServer(target, name, req.UserID); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Server `%s` approved.", target)}, nil
}

func (d *Dispatcher) revokeServer(req Request) (Response, error) {
	if resp, err := d.requireAdmin(req.UserID); err != nil {
		return resp, err
	}
	if req.TargetServerID == "" {
		return Response{Text: "A server id is required."}, nil
	}
	if err := d.deps.Loops.StopAllForServer(req.TargetServerID); err != nil {
		return Response{}, err
	}
	if err := d.deps.Store.RevokeServer(req.TargetServerID); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Server `%s` revoked.", req.TargetServerID)}, nil
}

func (d *Dispatcher) setCredential(req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	if req.Credential == "" {
		return Response{Text: "A credential is required."}, nil
	}
	encrypted, err := d.deps.Codec.Encrypt(req.Credential)
	if err != nil {
		return Response{}, err
	}
	games, err := d.deps.Store.GamesForServer(req.ServerID)
	if err != nil {
		return Response{}, err
	}
	for _, game := range games {
		if game.AddedBy != req.UserID {
			continue
		}
		if err := d.deps.Store.UpdateGameCredential(game.ID, encrypted); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: "Credential updated for all your workspaces in this server."}, nil
}

func (d *Dispatcher) addWorkspace(ctx context.Context, req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	if req.PlaceID <= 0 {
		return Response{Text: "A place id is required."}, nil
	}

	// Capacity and duplicate checks come before any external tool runs.
	count, err := d.deps.Store.CountGamesForServer(req.ServerID)
	if err != nil {
		return Response{}, err
	}
	if count >= d.deps.MaxGamesPerServer {
		return Response{Text: fmt.Sprintf(
			"This server has reached the maximum of %d monitored workspaces.",
			d.deps.MaxGamesPerServer)}, nil
	}
	if _, exists, err := d.deps.Store.GetGame(req.ServerID, req.PlaceID); err != nil {
		return Response{}, err
	} else if exists {
		return Response{Text: fmt.Sprintf("PlaceId %d is already being monitored in this server.", req.PlaceID)}, nil
	}
	if req.ChannelID == "" {
		return Response{Text: "A channel is required."}, nil
	}

	encrypted, err := d.storedCredentialFor(req.ServerID, req.UserID)
	if err != nil {
		return Response{}, err
	}
	if encrypted == nil {
		return Response{Text: "No credential found. Run `set-credential` first, then try again."}, nil
	}
	apiKey, err := d.deps.Codec.Decrypt(encrypted)
	if err != nil {
		return Response{}, err
	}

	dir, err := d.deps.Loops.InitGame(ctx, req.ServerID, req.PlaceID, apiKey)
	if err != nil {
		return Response{Text: fmt.Sprintf("Failed to initialize workspace: ```%s```",
			truncate(err.Error(), maxErrorReplyLen))}, nil
	}

	game, err := d.deps.Store.AddGame(store.Game{
		ServerID:        req.ServerID,
		PlaceID:         req.PlaceID,
		ChannelID:       req.ChannelID,
		APIKeyEncrypted: encrypted,
		AddedBy:         req.UserID,
		WorkingDir:      dir,
	})
	if err != nil {
		return Response{}, err
	}
	d.deps.Loops.Start(game)

	return Response{Text: fmt.Sprintf("Now monitoring PlaceId %d in <#%s>. Syncing every %ds.",
		req.PlaceID, req.ChannelID, int(d.deps.SyncInterval.Seconds()))}, nil
}

// storedCredentialFor returns the encrypted credential from any game the
// user already added in the server, or nil when they have none.
func (d *Dispatcher) storedCredentialFor(serverID, userID string) ([]byte, error) {
	games, err := d.deps.Store.GamesForServer(serverID)
	if err != nil {
		return nil, err
	}
	for _, game := range games {
		if game.AddedBy == userID && len(game.APIKeyEncrypted) > 0 {
			return game.APIKeyEncrypted, nil
		}
	}
	return nil, nil
}

// ownedGame looks up the game and enforces the ownership rule: the adding
// user or an admin.
func (d *Dispatcher) ownedGame(req Request) (store.Game, Response, error) {
	game, exists, err := d.deps.Store.GetGame(req.ServerID, req.PlaceID)
	if err != nil {
		return store.Game{}, Response{}, err
	}
	if !exists {
		return store.Game{}, Response{Text: fmt.Sprintf("PlaceId %d is not being monitored.", req.PlaceID)}, nil
	}
	if game.AddedBy != req.UserID {
		isAdmin, err := d.deps.Store.IsAdmin(req.UserID)
		if err != nil {
			return store.Game{}, Response{}, err
		}
		if !isAdmin {
			return store.Game{}, Response{Text: "You can only manage workspaces you added."}, ErrUnauthorized
		}
	}
	return game, Response{}, nil
}

func (d *Dispatcher) removeWorkspace(req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	game, resp, err := d.ownedGame(req)
	if err != nil || resp.Text != "" {
		return resp, err
	}
	d.deps.Loops.Stop(game.ID)
	if _, err := d.deps.Store.RemoveGame(req.ServerID, req.PlaceID); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Stopped monitoring PlaceId %d.", req.PlaceID)}, nil
}

func (d *Dispatcher) resetWorkspace(ctx context.Context, req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	game, resp, err := d.ownedGame(req)
	if err != nil || resp.Text != "" {
		return resp, err
	}

	d.deps.Loops.Stop(game.ID)
	if game.WorkingDir != "" {
		if err := os.RemoveAll(game.WorkingDir); err != nil {
			d.log.Warn("removing working dir failed", "dir", game.WorkingDir, "error", err)
		}
	}

	apiKey, err := d.deps.Codec.Decrypt(game.APIKeyEncrypted)
	if err != nil {
		return Response{}, err
	}
	if _, err := d.deps.Loops.InitGame(ctx, req.ServerID, req.PlaceID, apiKey); err != nil {
		return Response{Text: fmt.Sprintf("Failed to re-initialize: ```%s```",
			truncate(err.Error(), maxErrorReplyLen))}, nil
	}
	if err := d.deps.Store.ResetGameHealth(game.ID); err != nil {
		return Response{}, err
	}

	fresh, exists, err := d.deps.Store.GetGame(req.ServerID, req.PlaceID)
	if err != nil {
		return Response{}, err
	}
	if exists {
		d.deps.Loops.Start(fresh)
	}
	return Response{Text: fmt.Sprintf("PlaceId %d has been reset and re-synced.", req.PlaceID)}, nil
}

func (d *Dispatcher) status(req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	games, err := d.deps.Store.GamesForServer(req.ServerID)
	if err != nil {
		return Response{}, err
	}
	if len(games) == 0 {
		return Response{Text: "No workspaces are being monitored in this server."}, nil
	}

	var lines []string
	for _, g := range games {
		icon := healthyIcon
		if g.LastError != "" {
			icon = unhealthyIcon
		}
		unresolved, err := d.deps.Store.UnresolvedIssues(g.ID)
		if err != nil {
			return Response{}, err
		}
		lastSync := "Never"
		if g.LastSyncAt > 0 {
			lastSync = time.Unix(g.LastSyncAt, 0).UTC().Format("2006-01-02 15:04:05 UTC")
		}
		lines = append(lines, fmt.Sprintf("%s **PlaceId %d** -- Last sync: %s -- Unresolved: %d",
			icon, g.PlaceID, lastSync, len(unresolved)))
		if g.LastError != "" {
			lines = append(lines, "  └ Error: "+truncate(g.LastError, maxErrorPreviewLen))
		}
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

func (d *Dispatcher) listWorkspaces(req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	games, err := d.deps.Store.GamesForServer(req.ServerID)
	if err != nil {
		return Response{}, err
	}
	if len(games) == 0 {
		return Response{Text: "No workspaces monitored."}, nil
	}
	var lines []string
	for _, g := range games {
		lines = append(lines, fmt.Sprintf("• PlaceId **%d** → <#%s> (added by <@%s>)",
			g.PlaceID, g.ChannelID, g.AddedBy))
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

// resolve marks the finding behind a posted message as fixed by the caller
// and re-renders that message.
func (d *Dispatcher) resolve(ctx context.Context, req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	issue, exists, err := d.deps.Store.IssueByMessageRef(req.MessageRef)
	if err != nil {
		return Response{}, err
	}
	if !exists {
		return Response{Text: "Issue not found."}, nil
	}
	if err := d.deps.Store.ResolveIssue(issue.ID, req.UserID, ""); err != nil {
		return Response{}, err
	}

	issue.Resolved = true
	issue.ResolvedBy = req.UserID
	if err := d.deps.Sink.Update(ctx, issue.MessageRef, notify.RenderIssueResolved(issue)); err != nil {
		d.log.Debug("could not update resolved message", "issue_id", issue.ID, "error", err)
	}
	return Response{Text: "Marked as fixed."}, nil
}

// issueContext returns a plain-text block describing the finding behind a
// posted message, suitable for pasting into an editor or prompt.
func (d *Dispatcher) issueContext(req Request) (Response, error) {
	if resp, err := d.requireAllowedServer(req); err != nil {
		return resp, err
	}
	issue, exists, err := d.deps.Store.IssueByMessageRef(req.MessageRef)
	if err != nil {
		return Response{}, err
	}
	if !exists {
		return Response{Text: "Issue not found."}, nil
	}
	text := fmt.Sprintf("File: %s\nLines: %d-%d\nSeverity: %s\nTitle: %s\n\n%s",
		issue.FilePath, issue.LineStart, issue.LineEnd, issue.Severity, issue.Title, issue.Explanation)
	if issue.Suggestion != "" {
		text += "\n\nSuggested fix:\n" + issue.Suggestion
	}
	return Response{Text: text}, nil
}

// truncate keeps at most max bytes of s before appending "...", backing up
// to a rune boundary so a multibyte character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
