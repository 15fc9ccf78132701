package api

import (
	"context"

	"kanban/domain"
)

// Authenticator is implemented by types able to extract users from headers.
type Authenticator interface {
	UserFromAuthHeader(string) (domain.User, error)
}

// UserRecorder keeps the user directory in sync with verified tokens.
type UserRecorder interface {
	Ensure(ctx context.Context, u domain.User) error
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

type dataResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type shareRequest struct {
	Email string `json:"email"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type reorderRequest struct {
	OrderedIDs []string `json:"orderedIds"`
}
