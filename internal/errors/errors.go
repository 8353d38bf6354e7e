package errors

import "errors"

// Policy errors: the operation is not permitted given the account state.
// Surfaced to the caller, never retried.
var (
	ErrNoTeam       = errors.New("account has no team, access modes are a team feature")
	ErrLinkState    = errors.New("conversation access state does not allow links")
	ErrLinkCreation = errors.New("unable to create conversation link")
)

// Resolution errors.
var (
	ErrConversationUnknown = errors.New("conversation not found in local store")
	ErrUserUnknown         = errors.New("user not found in local store")
)
