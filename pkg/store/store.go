// Package store persists per-scope accounting state.
package store

import (
	"context"
	"errors"

	"github.com/canopy-network/twbx/pkg/accounting"
)

// ErrConflict is returned when the scope was committed by someone else since it was loaded.
var ErrConflict = errors.New("scope state changed since load")

// Store loads and commits whole-scope state. CommitScope writes every dirty entity plus the process
// state atomically, or nothing.
type Store interface {
	LoadScope(ctx context.Context, scope accounting.Scope) (*accounting.ScopeState, error)
	CommitScope(ctx context.Context, st *accounting.ScopeState) error
	Health(ctx context.Context) error
}
