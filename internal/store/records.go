package store

// ConvType classifies a conversation.
type ConvType int

const (
	ConvGroup ConvType = iota
	ConvSelf
	ConvOneToOne
	ConvConnect
	ConvWirelessGuest
)

// MutedStatus describes which notifications are suppressed for a
// conversation.
type MutedStatus int

const (
	// AllAllowed delivers every notification.
	AllAllowed MutedStatus = 0

	// OnlyMentionsAllowed suppresses everything except mentions and
	// replies. Team accounts only.
	OnlyMentionsAllowed MutedStatus = 1

	// AllMuted suppresses every notification.
	AllMuted MutedStatus = 3
)

// AccessFlag is a single entry in a conversation's access set.
type AccessFlag string

const (
	AccessPrivate AccessFlag = "private"
	AccessInvite  AccessFlag = "invite"
	AccessLink    AccessFlag = "link"
	AccessCode    AccessFlag = "code"
)

// AccessRole describes who may be part of the conversation.
type AccessRole string

const (
	RolePrivate      AccessRole = "private"
	RoleTeam         AccessRole = "team"
	RoleActivated    AccessRole = "activated"
	RoleNonActivated AccessRole = "non_activated"
)

// ConnectionStatus is the connection state between the account and
// another user.
type ConnectionStatus int

const (
	ConnectionUnconnected ConnectionStatus = iota
	ConnectionPending
	ConnectionAccepted
	ConnectionBlocked
	ConnectionSelf
)

// ConversationRecord is the local replica of a conversation. LocalID is
// stable and never reused. RemoteID is empty until the server has
// confirmed the conversation; before that it may hold a temporary id
// derived from the member set.
type ConversationRecord struct {
	LocalID  string   `json:"local_id"`
	RemoteID string   `json:"remote_id,omitempty"`
	Type     ConvType `json:"type"`
	Name     string   `json:"name,omitempty"`
	Creator  string   `json:"creator,omitempty"`
	TeamID   string   `json:"team_id,omitempty"`

	// Membership mutability as reported by the server.
	CanAddMembers    bool `json:"can_add_members"`
	CanRemoveMembers bool `json:"can_remove_members"`

	Access     []AccessFlag `json:"access,omitempty"`
	AccessRole AccessRole   `json:"access_role,omitempty"`
	Link       string       `json:"link,omitempty"`

	Muted        MutedStatus `json:"muted"`
	MutedTime    int64       `json:"muted_time,omitempty"`
	Archived     bool        `json:"archived"`
	ArchivedTime int64       `json:"archived_time,omitempty"`

	ReceiptMode    int   `json:"receipt_mode"`
	MessageTimerMS int64 `json:"message_timer_ms,omitempty"`

	// Active reports whether self is currently a member.
	Active bool `json:"active"`
	Hidden bool `json:"hidden"`
}

// HasAccess reports whether the access set contains the given flag.
func (c *ConversationRecord) HasAccess(flag AccessFlag) bool {
	for _, a := range c.Access {
		if a == flag {
			return true
		}
	}

	return false
}

// MembershipRecord is one (conversation, user) pair. Rows form a set per
// conversation: at most one active entry per user.
type MembershipRecord struct {
	ConvID    string `json:"conv_id"`
	UserID    string `json:"user_id"`
	Active    bool   `json:"active"`
	Role      string `json:"role,omitempty"`
	AddedBy   string `json:"added_by,omitempty"`
	RemovedBy string `json:"removed_by,omitempty"`
}

// UserRecord is the local replica of a user. Created lazily with
// placeholder data on first reference, enriched by sync, soft-deleted
// on remote account deletion.
type UserRecord struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Connection ConnectionStatus `json:"connection"`
	TeamID     string           `json:"team_id,omitempty"`

	// ExpiresAt is set for wireless guests (unix millis), zero otherwise.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// LastSync is the unix-milli timestamp of the last remote refresh.
	// Zero means the record is a placeholder that has never been synced.
	LastSync int64 `json:"last_sync,omitempty"`

	Deleted bool `json:"deleted,omitempty"`
}
