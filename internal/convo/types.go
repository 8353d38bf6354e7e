// Package convo keeps the local replica of conversations and users
// consistent with the remote service. Incremental change events and bulk
// snapshot refreshes are folded into the store through an identity
// reconciler and a field-level merge engine; access-mode and link
// mutations are applied optimistically and rolled back on rejection.
package convo

import (
	"context"

	"github.com/haydenbarnes/convo-sync/internal/store"
)

// Snapshot is a full description of a conversation's current fields and
// membership as returned by a bulk or single-entity fetch. Members
// excludes the account's own user id.
type Snapshot struct {
	RemoteID string            `json:"id"`
	Type     store.ConvType    `json:"type"`
	Name     string            `json:"name"`
	Creator  string            `json:"creator"`
	TeamID   string            `json:"team,omitempty"`
	Members  []string          `json:"members"`
	Access   []store.AccessFlag `json:"access,omitempty"`
	Role     store.AccessRole  `json:"access_role,omitempty"`
	Link     string            `json:"link,omitempty"`

	Muted        store.MutedStatus `json:"muted_status"`
	MutedTime    int64             `json:"muted_time,omitempty"`
	Archived     bool              `json:"archived"`
	ArchivedTime int64             `json:"archived_time,omitempty"`

	ReceiptMode    int   `json:"receipt_mode"`
	MessageTimerMS int64 `json:"message_timer,omitempty"`

	CanAddMembers    bool `json:"can_add_members"`
	CanRemoveMembers bool `json:"can_remove_members"`
}

// EventKind tags a conversation-scoped change event.
type EventKind string

const (
	KindCreate       EventKind = "conversation.create"
	KindRename       EventKind = "conversation.rename"
	KindMemberJoin   EventKind = "conversation.member-join"
	KindMemberLeave  EventKind = "conversation.member-leave"
	KindMemberUpdate EventKind = "conversation.member-update"
	KindAccessChange EventKind = "conversation.access-update"
	KindCodeSet      EventKind = "conversation.code-update"
	KindCodeRemoved  EventKind = "conversation.code-delete"
	KindReceiptMode  EventKind = "conversation.receipt-mode-update"
	KindMessageTimer EventKind = "conversation.message-timer-update"
	KindConnect      EventKind = "conversation.connect-request"
	KindGeneric      EventKind = "conversation.otr-message-add"
)

// Event is one remote-originated change notification. Only the fields
// relevant to its kind are populated.
type Event struct {
	Kind         EventKind `json:"type"`
	ConvRemoteID string    `json:"conversation"`
	From         string    `json:"from"`

	// Snapshot is set for create events.
	Snapshot *Snapshot `json:"data,omitempty"`

	Name    string   `json:"name,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
	Role    string   `json:"role,omitempty"`

	Access     []store.AccessFlag `json:"access,omitempty"`
	AccessRole store.AccessRole   `json:"access_role,omitempty"`
	Link       string             `json:"uri,omitempty"`

	ReceiptMode    int   `json:"receipt_mode,omitempty"`
	MessageTimerMS int64 `json:"message_timer,omitempty"`
}

// UserProfile is the remote description of a user.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeamID    string `json:"team,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Remote is the network client consumed by the engine. Implementations
// perform the actual calls against the authoritative service.
type Remote interface {
	FetchConversation(ctx context.Context, remoteID string) (*Snapshot, error)
	ListConversations(ctx context.Context) ([]Snapshot, error)
	UpdateAccess(ctx context.Context, remoteID string, access []store.AccessFlag, role store.AccessRole) error
	CreateLink(ctx context.Context, remoteID string) (string, error)
	RemoveLink(ctx context.Context, remoteID string) error
	FetchUser(ctx context.Context, userID string) (*UserProfile, error)
}

// Delta pairs a record's previous and updated state for downstream
// collaborators. Previous is nil for newly created records.
type Delta struct {
	Previous *store.ConversationRecord
	Updated  store.ConversationRecord
}

// MemberChange describes a membership notification payload.
type MemberChange struct {
	ConvID string
	By     string
	Joined []string
	Left   []string
}

// Notifier receives side effects the engine produces for out-of-process
// collaborators (history, UI refresh, notification services). Methods
// must not block.
type Notifier interface {
	ConversationStarted(convID, by string, members []string)
	ConversationChanged(delta Delta)
	MembersChanged(change MemberChange)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) ConversationStarted(string, string, []string) {}
func (NopNotifier) ConversationChanged(Delta)                    {}
func (NopNotifier) MembersChanged(MemberChange)                  {}
