package convo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haydenbarnes/convo-sync/internal/store"
	"golang.org/x/text/unicode/norm"
)

// UserQueue accepts user ids whose local records should be refreshed if
// stale. Implementations must not block.
type UserQueue interface {
	QueueSyncIfStale(ctx context.Context, userIDs []string)
}

// MergeResult partitions the outcome of a bulk merge. Created is the
// subset of All that did not exist before the merge; callers use it to
// avoid emitting "conversation started" notices for conversations that
// were already known.
type MergeResult struct {
	All     []store.ConversationRecord
	Created []store.ConversationRecord
}

// Merger folds remote conversation snapshots into the local store.
type Merger struct {
	store    *store.Store
	resolver *Resolver
	users    UserQueue
	logger   *slog.Logger

	selfID string
	teamID string
}

// NewMerger creates a merge engine for the given account. users may be
// nil when no sync-if-stale collaborator is wired (tests).
func NewMerger(st *store.Store, resolver *Resolver, users UserQueue, selfID, teamID string, logger *slog.Logger) *Merger {
	return &Merger{
		store:    st,
		resolver: resolver,
		users:    users,
		logger:   logger,
		selfID:   selfID,
		teamID:   teamID,
	}
}

// apply folds snap into rec. Snapshot wins for every field except the
// two guarded ones: a known one-to-one conversation's type is never
// overwritten by a generic snapshot, and mentions-only muting coerces to
// fully muted for accounts without a team.
func (m *Merger) apply(rec *store.ConversationRecord, snap *Snapshot) {
	if rec.Type != store.ConvOneToOne {
		rec.Type = snap.Type
	}

	rec.RemoteID = snap.RemoteID
	rec.Name = norm.NFC.String(snap.Name)
	rec.Creator = snap.Creator
	rec.TeamID = snap.TeamID
	rec.CanAddMembers = snap.CanAddMembers
	rec.CanRemoveMembers = snap.CanRemoveMembers
	rec.Access = snap.Access
	rec.AccessRole = snap.Role
	rec.Link = snap.Link

	rec.Muted = snap.Muted
	if snap.Muted == store.OnlyMentionsAllowed && m.teamID == "" {
		rec.Muted = store.AllMuted
	}

	rec.MutedTime = snap.MutedTime
	rec.Archived = snap.Archived
	rec.ArchivedTime = snap.ArchivedTime
	rec.ReceiptMode = snap.ReceiptMode
	rec.MessageTimerMS = snap.MessageTimerMS

	// Every merge places self in the member set, so the record is
	// active again even when a leave event had deactivated it.
	rec.Active = true
}

// MergeSnapshot folds a single snapshot into the store and replaces the
// conversation's membership with the snapshot's member set plus self.
// Returns the stored record and whether it was newly created.
func (m *Merger) MergeSnapshot(ctx context.Context, snap *Snapshot) (*store.ConversationRecord, bool, error) {
	localID, existing, err := m.resolver.Resolve(snap)
	if err != nil {
		return nil, false, fmt.Errorf("resolving conversation %s: %w", snap.RemoteID, err)
	}

	created := existing == nil

	rec, _, err := m.store.InsertOrUpdateConversation(localID, store.ConversationRecord{}, func(c *store.ConversationRecord) {
		m.apply(c, snap)
	})
	if err != nil {
		return nil, false, fmt.Errorf("storing conversation %s: %w", snap.RemoteID, err)
	}

	if err := m.store.SetMembers(localID, append([]string{m.selfID}, snap.Members...)); err != nil {
		return nil, false, fmt.Errorf("replacing members of %s: %w", localID, err)
	}

	m.queueMemberSync(ctx, snap)

	return rec, created, nil
}

// MergeAll folds a batch of snapshots in a single store transaction,
// then synchronizes membership per conversation.
func (m *Merger) MergeAll(ctx context.Context, snaps []Snapshot) (MergeResult, error) {
	updaters := make(map[string]func(*store.ConversationRecord), len(snaps))
	members := make(map[string][]string, len(snaps))

	for i := range snaps {
		snap := &snaps[i]

		localID, _, err := m.resolver.Resolve(snap)
		if err != nil {
			return MergeResult{}, fmt.Errorf("resolving conversation %s: %w", snap.RemoteID, err)
		}

		updaters[localID] = func(c *store.ConversationRecord) {
			m.apply(c, snap)
		}
		members[localID] = append([]string{m.selfID}, snap.Members...)
	}

	stored, createdSet, err := m.store.UpdateOrCreateAll(updaters)
	if err != nil {
		return MergeResult{}, fmt.Errorf("storing merged conversations: %w", err)
	}

	var result MergeResult

	for id, rec := range stored {
		if err := m.store.SetMembers(id, members[id]); err != nil {
			return MergeResult{}, fmt.Errorf("replacing members of %s: %w", id, err)
		}

		result.All = append(result.All, rec)
		if createdSet[id] {
			result.Created = append(result.Created, rec)
		}
	}

	m.logger.Info("snapshots merged",
		slog.Int("total", len(result.All)),
		slog.Int("created", len(result.Created)),
	)

	for i := range snaps {
		m.queueMemberSync(ctx, &snaps[i])
	}

	return result, nil
}

// queueMemberSync hands every user referenced by the snapshot to the
// sync-if-stale collaborator.
func (m *Merger) queueMemberSync(ctx context.Context, snap *Snapshot) {
	if m.users == nil {
		return
	}

	ids := snap.Members
	if snap.Creator != "" {
		ids = append(append([]string{}, ids...), snap.Creator)
	}

	m.users.QueueSyncIfStale(ctx, ids)
}
