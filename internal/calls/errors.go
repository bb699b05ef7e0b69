package calls

import "errors"

var (
	ErrInvalidArgument = errors.New("calls: invalid argument")

	// ErrCallNotFound: neither identifier resolves to a call.
	ErrCallNotFound = errors.New("calls: call not found")

	// ErrConversationUnlinked: the call exists but the provider has not issued
	// its conversation id yet. Distinct from not-found on purpose; the sender
	// may legitimately retry once the provider has acknowledged the call.
	ErrConversationUnlinked = errors.New("calls: conversation id not linked yet")

	// ErrAlreadyTerminal signals a duplicate terminal transition. Treated as an
	// idempotent no-op by the completion path: no overwrite, no re-broadcast.
	ErrAlreadyTerminal = errors.New("calls: call already terminal")

	// ErrDuplicateCall: the internal id collided on insert.
	ErrDuplicateCall = errors.New("calls: duplicate call id")

	// ErrConcurrencyLimit: the workspace is at its concurrent-call cap.
	ErrConcurrencyLimit = errors.New("calls: workspace concurrency limit reached")
)
