package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/cmdassist/internal/models"
)

var (
	// ErrNotFound is returned for an unknown or expired session id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a save races another writer for the same session.
	ErrConflict = errors.New("session was modified concurrently")
)

// ListFilter specifies filters for listing checkpoints.
type ListFilter struct {
	State models.State
	Limit int
}

// Store durably associates a session id with its latest snapshot.
//
// Save is optimistic: s.Version must equal the stored version (zero for a
// session that has never been saved). On success the stored version is
// incremented and written back to s.Version. A save for one session is never
// visible under another session's id.
type Store interface {
	Save(ctx context.Context, s *models.Session) error
	Load(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]*models.Session, error)
	// Purge deletes sessions last updated before the cutoff, optionally only
	// those in a terminal state, and returns how many were removed.
	Purge(ctx context.Context, before time.Time, terminalOnly bool) (int64, error)
	Close() error
}

// FreshLoader is implemented by stores that may serve stale reads. LoadFresh
// always reads the authoritative backend.
type FreshLoader interface {
	LoadFresh(ctx context.Context, id string) (*models.Session, error)
}

// LoadFresh loads id from st, bypassing any read cache in front of it.
func LoadFresh(ctx context.Context, st Store, id string) (*models.Session, error) {
	if f, ok := st.(FreshLoader); ok {
		return f.LoadFresh(ctx, id)
	}
	return st.Load(ctx, id)
}

// NewID returns a new session id.
func NewID() string {
	return ulid.Make().String()
}

// matches reports whether s passes the filter's state criterion.
func (f ListFilter) matches(s *models.Session) bool {
	return f.State == "" || s.State == f.State
}

func purgeable(s *models.Session, before time.Time, terminalOnly bool) bool {
	if terminalOnly && !s.State.Terminal() {
		return false
	}
	return s.UpdatedAt.Before(before)
}
