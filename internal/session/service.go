// Package session multiplexes many suspended workflows over any transport.
//
// A Service owns the mapping from connection (owner) to session ids and
// serializes steps per session. Session state itself lives only in the
// checkpoint store, so a session started by one process can be resumed by
// another. Before a step runs a command or calls the model, the resumed
// snapshot is saved as a claim; a service that loses the version check gives
// up before any side effect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/store"
	"github.com/joescharf/cmdassist/internal/workflow"
)

// ErrEmptyPrompt is returned by Start for a blank request.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Service drives workflow sessions and checkpoints them between steps.
type Service struct {
	engine *workflow.Engine
	store  store.Store
	logger *slog.Logger

	discardOnDisconnect bool
	claimLease          time.Duration
	now                 func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	owners map[string]map[string]struct{} // owner -> session ids
	owner  map[string]string              // session id -> owner
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDiscardOnDisconnect controls whether ReleaseOwner deletes the owner's
// sessions (the default) or leaves them addressable by id.
func WithDiscardOnDisconnect(discard bool) Option {
	return func(s *Service) { s.discardOnDisconnect = discard }
}

// WithClaimLease sets how long a claimed step may run before another decision
// may take the session over. It defaults to the engine's generation and
// execution timeouts plus claimGrace.
func WithClaimLease(d time.Duration) Option {
	return func(s *Service) { s.claimLease = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// claimGrace covers checkpoint writes on top of the engine's own timeouts.
const claimGrace = 30 * time.Second

// NewService creates a Service.
func NewService(engine *workflow.Engine, st store.Store, opts ...Option) *Service {
	cfg := engine.Config()
	s := &Service{
		engine:              engine,
		store:               st,
		logger:              slog.Default(),
		discardOnDisconnect: true,
		claimLease:          cfg.GenerationTimeout + cfg.ExecutionTimeout + claimGrace,
		now:                 time.Now,
		locks:               make(map[string]*sync.Mutex),
		owners:              make(map[string]map[string]struct{}),
		owner:               make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a session for prompt, advances it to its first suspension or
// termination and checkpoints it. owner may be empty for sessions that belong
// to no connection.
func (s *Service) Start(ctx context.Context, owner, prompt string) (models.Outbound, error) {
	if strings.TrimSpace(prompt) == "" {
		return models.Outbound{}, ErrEmptyPrompt
	}

	id := store.NewID()
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess := s.engine.NewSession(id, prompt)
	next, out, err := s.engine.Step(ctx, sess, nil)
	if err != nil {
		s.dropLock(id)
		return models.Outbound{}, fmt.Errorf("start session: %w", err)
	}
	if err := s.store.Save(ctx, next); err != nil {
		s.dropLock(id)
		return models.Outbound{}, fmt.Errorf("start session: %w", err)
	}
	if next.State.Terminal() {
		s.dropLock(id)
	}
	if owner != "" {
		s.claim(owner, id)
	}

	s.logger.Info("session started", "session", id, "conn", owner, "state", next.State)
	return out, nil
}

// Submit applies decision to session id and advances it. A decision for a
// session whose previous step is still running, here or in another process
// sharing the store, fails fast with workflow.ErrNotWaiting. Rejected
// decisions leave the checkpoint untouched.
func (s *Service) Submit(ctx context.Context, id, decision string) (models.Outbound, error) {
	lock := s.lockFor(id)
	if !lock.TryLock() {
		return models.Outbound{}, fmt.Errorf("session %s: %w", id, workflow.ErrNotWaiting)
	}
	defer lock.Unlock()

	sess, err := store.LoadFresh(ctx, s.store, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.dropLock(id)
		}
		return models.Outbound{}, err
	}
	if sess.State.Terminal() {
		s.dropLock(id)
	}
	if !sess.State.Suspended() && !sess.State.Terminal() {
		if s.now().Before(sess.UpdatedAt.Add(s.claimLease)) {
			return models.Outbound{}, fmt.Errorf("session %s: %w (state %s)", id, workflow.ErrNotWaiting, sess.State)
		}
		s.logger.Warn("taking over stale step", "session", id, "state", sess.State, "updated", sess.UpdatedAt)
		sess = s.engine.Rewind(sess)
	}

	claim, err := s.engine.Resume(sess, decision)
	if err != nil {
		return models.Outbound{}, err
	}
	if !claim.State.Terminal() {
		if err := s.store.Save(ctx, claim); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return models.Outbound{}, fmt.Errorf("session %s: %w: %w", id, workflow.ErrNotWaiting, err)
			}
			return models.Outbound{}, fmt.Errorf("claim session %s: %w", id, err)
		}
	}

	next, out, err := s.engine.Step(ctx, claim, nil)
	if err != nil {
		if !claim.State.Terminal() {
			s.release(ctx, claim)
		}
		return models.Outbound{}, err
	}
	if err := s.store.Save(ctx, next); err != nil {
		return models.Outbound{}, fmt.Errorf("checkpoint session %s: %w", id, err)
	}
	if next.State.Terminal() {
		s.dropLock(id)
	}

	s.logger.Info("decision processed", "session", id, "decision", decision, "state", next.State)
	return out, nil
}

// release puts an interrupted claim back to the suspension it started from.
func (s *Service) release(ctx context.Context, claim *models.Session) {
	back := s.engine.Rewind(claim)
	if err := s.store.Save(context.WithoutCancel(ctx), back); err != nil {
		s.logger.Warn("release claim", "session", claim.ID, "error", err)
	}
}

// Get loads the latest checkpoint for id.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.Load(ctx, id)
}

// List returns checkpoints matching filter.
func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]*models.Session, error) {
	return s.store.List(ctx, filter)
}

// Discard deletes a session and forgets its owner.
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	if owner, ok := s.owner[id]; ok {
		delete(s.owners[owner], id)
		if len(s.owners[owner]) == 0 {
			delete(s.owners, owner)
		}
		delete(s.owner, id)
	}
	delete(s.locks, id)
	s.mu.Unlock()
	s.logger.Debug("session discarded", "session", id)
	return nil
}

// ReleaseOwner is called when owner's connection closes. Its sessions are
// discarded, or detached if the service keeps sessions across disconnects.
func (s *Service) ReleaseOwner(ctx context.Context, owner string) error {
	ids := s.Owned(owner)
	if !s.discardOnDisconnect {
		s.mu.Lock()
		for _, id := range ids {
			delete(s.owner, id)
		}
		delete(s.owners, owner)
		s.mu.Unlock()
		return nil
	}

	var errs []error
	for _, id := range ids {
		if err := s.Discard(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("discard %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		s.logger.Info("connection sessions released", "conn", owner, "count", len(ids))
	}
	return errors.Join(errs...)
}

// Owned returns the ids of owner's live sessions.
func (s *Service) Owned(owner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.owners[owner]))
	for id := range s.owners[owner] {
		ids = append(ids, id)
	}
	return ids
}

// Owner returns the connection that owns id, if any.
func (s *Service) Owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owner[id]
	return owner, ok
}

// DiscardOnDisconnect reports whether sessions die with their connection.
func (s *Service) DiscardOnDisconnect() bool { return s.discardOnDisconnect }

func (s *Service) claim(owner, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[owner] == nil {
		s.owners[owner] = make(map[string]struct{})
	}
	s.owners[owner][id] = struct{}{}
	s.owner[id] = owner
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Service) dropLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}
