// Package track correlates engine-assigned prompt ids with the client
// connections that submitted them.
package track

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateJob indicates a prompt id collision. Engine ids are
	// supposed to be unique; a collision is an integrity violation fatal
	// to the request that hit it.
	ErrDuplicateJob = errors.New("job already tracked")
	// ErrNotFound indicates an event for a prompt this process never
	// submitted (or already delivered). Recoverable: drop with a warning.
	ErrNotFound = errors.New("job not tracked")
)

// Job records who asked for a generation. ClientID is the connection id,
// not the connection itself, so a record never keeps a closed connection
// alive.
type Job struct {
	PromptID string `json:"prompt_id"`
	Prompt   string `json:"prompt"`
	ClientID string `json:"client_id"`
}

// Store is the single source of truth for job correlation. Records live
// from successful submission until their terminal completion event has
// been delivered, at which point the router removes them.
type Store interface {
	Record(ctx context.Context, job Job) error
	Resolve(ctx context.Context, promptID string) (Job, error)
	Remove(ctx context.Context, promptID string) error
}
