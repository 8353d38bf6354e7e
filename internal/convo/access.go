package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	errs "github.com/haydenbarnes/convo-sync/internal/errors"
	"github.com/haydenbarnes/convo-sync/internal/store"
)

// AccessController changes conversation access modes and manages invite
// links with optimistic local apply, remote confirmation and rollback on
// rejection. All mutating operations serialize per conversation.
type AccessController struct {
	store  *store.Store
	remote Remote
	notify Notifier
	logger *slog.Logger

	teamID string
	policy AccessPolicy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccessController creates the controller for the given account.
func NewAccessController(st *store.Store, remote Remote, notify Notifier, policy AccessPolicy, teamID string, logger *slog.Logger) *AccessController {
	if notify == nil {
		notify = NopNotifier{}
	}

	return &AccessController{
		store:  st,
		remote: remote,
		notify: notify,
		logger: logger,
		teamID: teamID,
		policy: policy,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex scope for one conversation id.
func (a *AccessController) lockFor(convID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[convID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[convID] = l
	}

	return l
}

// pendingAccessChange captures the state restored on rollback. Transient
// only, never persisted.
type pendingAccessChange struct {
	access []store.AccessFlag
	role   store.AccessRole
	link   string
}

// SetAccessMode switches a conversation between team-only and
// guest-accessible access. Fails with ErrNoTeam for accounts without a
// team. On remote rejection the previous (access, role, link) triple is
// restored exactly and the remote error is surfaced.
func (a *AccessController) SetAccessMode(ctx context.Context, convID string, teamOnly bool) error {
	l := a.lockFor(convID)
	l.Lock()
	defer l.Unlock()

	return a.setAccessModeLocked(ctx, convID, teamOnly)
}

func (a *AccessController) setAccessModeLocked(ctx context.Context, convID string, teamOnly bool) error {
	if a.teamID == "" {
		return errs.ErrNoTeam
	}

	rec, err := a.store.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	if rec == nil {
		return errs.ErrConversationUnknown
	}

	target := a.policy.Target(teamOnly)

	// No effective change: succeed without a network round-trip.
	if accessEqual(rec.Access, target.Access) && rec.AccessRole == target.Role {
		return nil
	}

	prev := pendingAccessChange{access: rec.Access, role: rec.AccessRole, link: rec.Link}

	_, updated, err := a.store.UpdateConversation(convID, func(c *store.ConversationRecord) {
		c.Access = target.Access
		c.AccessRole = target.Role

		// A link cannot survive the switch to team-only access.
		if teamOnly {
			c.Link = ""
		}
	})
	if err != nil {
		return fmt.Errorf("applying access change: %w", err)
	}

	if err := a.remote.UpdateAccess(ctx, rec.RemoteID, target.Access, target.Role); err != nil {
		a.logger.Warn("remote rejected access change, rolling back",
			slog.String("conversation", convID),
			slog.Bool("team_only", teamOnly),
			slog.String("error", err.Error()),
		)

		if _, _, rbErr := a.store.UpdateConversation(convID, func(c *store.ConversationRecord) {
			c.Access = prev.access
			c.AccessRole = prev.role
			c.Link = prev.link
		}); rbErr != nil {
			a.logger.Error("rollback of access change failed",
				slog.String("conversation", convID),
				slog.String("error", rbErr.Error()),
			)
		}

		return err
	}

	if updated != nil {
		a.notify.ConversationChanged(Delta{Updated: *updated})
	}

	return nil
}

// CreateLink creates an invite link for a conversation in guest-room or
// legacy access state; legacy conversations are first upgraded to guest
// room. Every failure surfaces as ErrLinkCreation with the underlying
// cause logged.
func (a *AccessController) CreateLink(ctx context.Context, convID string) (string, error) {
	l := a.lockFor(convID)
	l.Lock()
	defer l.Unlock()

	rec, err := a.store.GetConversation(convID)
	if err != nil {
		return "", a.linkFailure(convID, err)
	}

	if rec == nil {
		return "", a.linkFailure(convID, errs.ErrConversationUnknown)
	}

	switch {
	case isGuestRoom(rec):
		// Link creation is directly allowed.

	case isLegacyAccess(rec):
		if err := a.setAccessModeLocked(ctx, convID, false); err != nil {
			return "", a.linkFailure(convID, fmt.Errorf("upgrading legacy access: %w", err))
		}

	default:
		return "", a.linkFailure(convID, errs.ErrLinkState)
	}

	link, err := a.remote.CreateLink(ctx, rec.RemoteID)
	if err != nil {
		return "", a.linkFailure(convID, err)
	}

	if _, _, err := a.store.UpdateConversation(convID, func(c *store.ConversationRecord) {
		c.Link = link
	}); err != nil {
		return "", a.linkFailure(convID, err)
	}

	return link, nil
}

// RemoveLink revokes a conversation's invite link. The local link is
// cleared only after the remote confirmed the removal.
func (a *AccessController) RemoveLink(ctx context.Context, convID string) error {
	l := a.lockFor(convID)
	l.Lock()
	defer l.Unlock()

	rec, err := a.store.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	if rec == nil {
		return errs.ErrConversationUnknown
	}

	if err := a.remote.RemoveLink(ctx, rec.RemoteID); err != nil {
		return err
	}

	_, _, err = a.store.UpdateConversation(convID, func(c *store.ConversationRecord) {
		c.Link = ""
	})

	return err
}

// linkFailure logs the underlying cause and returns the single
// user-facing link error.
func (a *AccessController) linkFailure(convID string, cause error) error {
	a.logger.Warn("link creation failed",
		slog.String("conversation", convID),
		slog.String("error", cause.Error()),
	)

	return errs.ErrLinkCreation
}

// isGuestRoom reports whether the conversation already allows code
// (link) access for non-activated users.
func isGuestRoom(rec *store.ConversationRecord) bool {
	return rec.AccessRole == store.RoleNonActivated && rec.HasAccess(store.AccessCode)
}

// isLegacyAccess reports whether the conversation predates access
// roles. Such conversations must be upgraded before links work.
func isLegacyAccess(rec *store.ConversationRecord) bool {
	return rec.AccessRole == "" || rec.AccessRole == store.RolePrivate
}

func accessEqual(a, b []store.AccessFlag) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[store.AccessFlag]bool, len(a))
	for _, f := range a {
		set[f] = true
	}

	for _, f := range b {
		if !set[f] {
			return false
		}
	}

	return true
}
