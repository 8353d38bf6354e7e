package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/haydenbarnes/convo-sync/internal/store"
)

// convNamespace is the UUIDv5 namespace for deterministic local ids.
// Changing it orphans every existing local record, so it is frozen.
var convNamespace = uuid.MustParse("8ee64f9f-5a6f-4a2f-9d44-ec2a6b2f6c11")

// LocalIDForOneToOne derives the local id of a one-to-one conversation
// from the counterpart's user id. The remote id plays no part, so a
// conversation begun locally before the server assigned an id resolves
// to the same record once the server catches up.
func LocalIDForOneToOne(counterpartUserID string) string {
	return uuid.NewSHA1(convNamespace, []byte("1on1:"+counterpartUserID)).String()
}

// LocalIDForRemote derives the local id for any non-one-to-one
// conversation from its remote id.
func LocalIDForRemote(remoteID string) string {
	return uuid.NewSHA1(convNamespace, []byte("conv:"+remoteID)).String()
}

// SelfConversationID derives the local id of the account's self
// conversation. Exactly one exists per account.
func SelfConversationID(selfUserID string) string {
	return uuid.NewSHA1(convNamespace, []byte("self:"+selfUserID)).String()
}

// TempRemoteID computes the temporary remote id for a conversation from
// its full member set (self included): member ids are sorted
// lexicographically and concatenated, then hashed. The scheme is frozen;
// changing it breaks matching of conversations created before the server
// confirmed them.
//
// Two distinct conversations with identical member sets collide on this
// id. That ambiguity is accepted: the first record found wins and the
// other adopts its server-assigned remote id when it arrives.
func TempRemoteID(memberIDs []string) string {
	sorted := make([]string, len(memberIDs))
	copy(sorted, memberIDs)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "")))

	return "local-" + hex.EncodeToString(sum[:])
}

// Resolver maps remote conversation descriptors onto local records.
type Resolver struct {
	store  *store.Store
	selfID string
}

// NewResolver creates a resolver for the given account.
func NewResolver(st *store.Store, selfID string) *Resolver {
	return &Resolver{store: st, selfID: selfID}
}

// localIDFor returns the deterministic local id candidate for a
// snapshot.
func (r *Resolver) localIDFor(snap *Snapshot) string {
	switch snap.Type {
	case store.ConvSelf:
		return SelfConversationID(r.selfID)
	case store.ConvOneToOne, store.ConvConnect:
		if other := r.counterpart(snap); other != "" {
			return LocalIDForOneToOne(other)
		}

		return LocalIDForRemote(snap.RemoteID)
	default:
		return LocalIDForRemote(snap.RemoteID)
	}
}

// counterpart returns the single member other than self, or "" when the
// member set does not describe a one-to-one conversation.
func (r *Resolver) counterpart(snap *Snapshot) string {
	other := ""

	for _, m := range snap.Members {
		if m == r.selfID {
			continue
		}

		if other != "" {
			return ""
		}

		other = m
	}

	return other
}

// Resolve maps a snapshot to a local id and the existing record, if any.
// Matching priority: (1) a record already carrying the snapshot's remote
// id; (2) the record at the deterministic local id; (3) for
// non-one-to-one kinds, a record whose stored remote id equals the
// temporary id computed from the snapshot's member set. No match is a
// valid outcome: the deterministic id is returned with a nil record and
// the caller mints a new one. Malformed input never fails resolution.
func (r *Resolver) Resolve(snap *Snapshot) (string, *store.ConversationRecord, error) {
	if rec, err := r.store.ConversationByRemoteID(snap.RemoteID); err != nil {
		return "", nil, err
	} else if rec != nil {
		return rec.LocalID, rec, nil
	}

	localID := r.localIDFor(snap)

	rec, err := r.store.GetConversation(localID)
	if err != nil {
		return "", nil, err
	}

	if rec != nil {
		return localID, rec, nil
	}

	if snap.Type != store.ConvOneToOne && snap.Type != store.ConvConnect {
		members := append([]string{r.selfID}, snap.Members...)

		rec, err = r.store.ConversationByRemoteID(TempRemoteID(members))
		if err != nil {
			return "", nil, err
		}

		if rec != nil {
			return rec.LocalID, rec, nil
		}
	}

	return localID, nil, nil
}
