package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/runner"
	"github.com/joescharf/cmdassist/internal/store"
	"github.com/joescharf/cmdassist/internal/workflow"
)

// echoGenerator turns every prompt into an echo of the user text, or returns
// scripted responses first.
type echoGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
}

func (g *echoGenerator) Generate(_ context.Context, _, user string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) > 0 {
		r := g.responses[0]
		g.responses = g.responses[1:]
		return r, nil
	}
	return "echo " + user, nil
}

// scriptedExecutor returns results in order; block, when set, holds every
// run until it is closed.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []runner.Result
	runs    int
	started chan struct{}
	block   chan struct{}
}

func (x *scriptedExecutor) Run(ctx context.Context, command string, _ time.Duration) (runner.Result, error) {
	x.mu.Lock()
	x.runs++
	var res runner.Result
	if len(x.results) > 0 {
		res = x.results[0]
		x.results = x.results[1:]
	} else {
		res = runner.Result{Stdout: command + "\n"}
	}
	started, block := x.started, x.block
	x.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	return res, nil
}

func (x *scriptedExecutor) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.runs
}

func newTestService(t *testing.T, gen workflow.Generator, exec workflow.Executor, opts ...Option) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	engine := workflow.New(gen, exec, workflow.Config{Policy: workflow.DefaultPolicy()})
	return NewService(engine, st, opts...), st
}

func TestService_HappyPath(t *testing.T) {
	exec := &scriptedExecutor{results: []runner.Result{{Stdout: "total 0\n"}}}
	svc, st := newTestService(t, &echoGenerator{responses: []string{"```ls -la```"}}, exec)
	ctx := context.Background()

	out, err := svc.Start(ctx, "conn-1", "list files")
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	assert.Equal(t, models.KindApproval, out.Request.Kind)
	assert.Equal(t, "ls -la", out.Request.Context["command"])
	id := out.Request.SessionID

	saved, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingApproval, saved.State)
	assert.Equal(t, []string{id}, svc.Owned("conn-1"))

	out, err = svc.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)
	assert.Equal(t, "total 0\n", out.Result.Output)

	saved, err = st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, saved.State)
	assert.Equal(t, int64(3), saved.Version, "start, claim and result checkpoints")
}

func TestService_RetryPath(t *testing.T) {
	exec := &scriptedExecutor{results: []runner.Result{
		{Stderr: "sh: lss: not found\n", ExitCode: 127},
		{Stdout: "a\nb\n"},
	}}
	svc, _ := newTestService(t, &echoGenerator{responses: []string{"lss", "ls"}}, exec)
	ctx := context.Background()

	out, err := svc.Start(ctx, "", "list files")
	require.NoError(t, err)
	id := out.Request.SessionID

	out, err = svc.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	assert.Equal(t, models.KindRetry, out.Request.Kind)
	assert.Contains(t, out.Request.Context["error"], "not found")

	out, err = svc.Submit(ctx, id, "retry")
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	assert.Equal(t, "ls", out.Request.Context["command"])

	out, err = svc.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)
	assert.Equal(t, 2, exec.count())
}

func TestService_StartEmptyPrompt(t *testing.T) {
	svc, _ := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	_, err := svc.Start(context.Background(), "c", "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestService_StartGenerationFailure(t *testing.T) {
	svc, st := newTestService(t, &echoGenerator{err: errors.New("api down")}, &scriptedExecutor{})
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "list files")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.False(t, out.Result.Success)
	assert.Equal(t, models.StateFailed, out.Result.State)
	assert.Contains(t, out.Result.Error, "api down")

	saved, err := st.Load(ctx, out.Result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, saved.State)
}

func TestService_SubmitUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	_, err := svc.Submit(context.Background(), "nope", "approve")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_InvalidDecisionLeavesCheckpoint(t *testing.T) {
	exec := &scriptedExecutor{}
	svc, st := newTestService(t, &echoGenerator{}, exec)
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "list files")
	require.NoError(t, err)
	id := out.Request.SessionID
	before, err := st.Load(ctx, id)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, id, "retry")
	assert.ErrorIs(t, err, workflow.ErrInvalidDecision)

	after, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, exec.count())

	// The session still accepts a valid decision.
	out, err = svc.Submit(ctx, id, "APPROVE")
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
}

func TestService_TerminalRejectsLateDecisions(t *testing.T) {
	exec := &scriptedExecutor{}
	svc, st := newTestService(t, &echoGenerator{}, exec)
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "list files")
	require.NoError(t, err)
	id := out.Request.SessionID

	out, err = svc.Submit(ctx, id, "cancel")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, models.StateCancelled, out.Result.State)
	assert.Equal(t, 0, exec.count(), "cancel must not execute")

	before, err := st.Load(ctx, id)
	require.NoError(t, err)

	for _, d := range []string{"approve", "cancel", "retry", "stop"} {
		_, err := svc.Submit(ctx, id, d)
		assert.ErrorIs(t, err, workflow.ErrNotWaiting, d)
	}

	after, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, models.StateCancelled, after.State)
}

func TestService_ConcurrentDecisionNotWaiting(t *testing.T) {
	exec := &scriptedExecutor{started: make(chan struct{}, 1), block: make(chan struct{})}
	svc, _ := newTestService(t, &echoGenerator{}, exec)
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "sleep")
	require.NoError(t, err)
	id := out.Request.SessionID

	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, id, "approve")
		done <- err
	}()

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}

	_, err = svc.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)

	close(exec.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, exec.count())
}

func TestService_DistinctConcurrentSessions(t *testing.T) {
	svc, _ := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	ctx := context.Background()

	const n = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]string)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := "task " + string(rune('a'+i))
			out, err := svc.Start(ctx, "c", prompt)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[out.Request.SessionID] = prompt
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, ids, n)

	for id, prompt := range ids {
		wg.Add(1)
		go func(id, prompt string) {
			defer wg.Done()
			out, err := svc.Submit(ctx, id, "approve")
			if assert.NoError(t, err) && assert.NotNil(t, out.Result) {
				assert.Equal(t, id, out.Result.SessionID)
				assert.Equal(t, "echo "+prompt+"\n", out.Result.Output)
			}
		}(id, prompt)
	}
	wg.Wait()
}

func TestService_ResumeAfterRestart(t *testing.T) {
	st := store.NewMemoryStore()
	exec := &scriptedExecutor{results: []runner.Result{{Stdout: "ok\n"}}}
	cfg := workflow.Config{Policy: workflow.DefaultPolicy()}
	ctx := context.Background()

	first := NewService(workflow.New(&echoGenerator{}, exec, cfg), st)
	out, err := first.Start(ctx, "c", "say ok")
	require.NoError(t, err)
	id := out.Request.SessionID

	// A fresh service over the same store has no in-memory state for id.
	second := NewService(workflow.New(&echoGenerator{}, exec, cfg), st)
	out, err = second.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "ok\n", out.Result.Output)
}

func TestService_ReleaseOwnerDiscards(t *testing.T) {
	svc, st := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	ctx := context.Background()

	a, err := svc.Start(ctx, "conn-a", "one")
	require.NoError(t, err)
	b, err := svc.Start(ctx, "conn-b", "two")
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseOwner(ctx, "conn-a"))
	assert.Empty(t, svc.Owned("conn-a"))

	_, err = st.Load(ctx, a.Request.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Load(ctx, b.Request.SessionID)
	assert.NoError(t, err)

	_, err = svc.Submit(ctx, a.Request.SessionID, "approve")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_ReleaseOwnerDetaches(t *testing.T) {
	svc, st := newTestService(t, &echoGenerator{}, &scriptedExecutor{}, WithDiscardOnDisconnect(false))
	ctx := context.Background()

	out, err := svc.Start(ctx, "conn-a", "one")
	require.NoError(t, err)
	id := out.Request.SessionID

	require.NoError(t, svc.ReleaseOwner(ctx, "conn-a"))
	_, owned := svc.Owner(id)
	assert.False(t, owned)

	_, err = st.Load(ctx, id)
	require.NoError(t, err)

	out, err = svc.Submit(ctx, id, "approve")
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
}

func TestService_Discard(t *testing.T) {
	svc, _ := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "one")
	require.NoError(t, err)
	id := out.Request.SessionID

	owner, ok := svc.Owner(id)
	require.True(t, ok)
	assert.Equal(t, "c", owner)

	require.NoError(t, svc.Discard(ctx, id))
	_, err = svc.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok = svc.Owner(id)
	assert.False(t, ok)
}

// staleStore serves every load from a fixed snapshot, as a lagging replica or
// cache would.
type staleStore struct {
	store.Store
	snapshot *models.Session
}

func (s *staleStore) Load(context.Context, string) (*models.Session, error) {
	return s.snapshot.Clone(), nil
}

func (s *staleStore) LoadFresh(ctx context.Context, id string) (*models.Session, error) {
	return s.Load(ctx, id)
}

func (s *Service) hasLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[id]
	return ok
}

func TestService_CachedInstancesExecuteOnce(t *testing.T) {
	backend := store.NewMemoryStore()
	ca, err := store.NewCachedStore(backend, 1<<20)
	require.NoError(t, err)
	defer ca.Close()
	cb, err := store.NewCachedStore(backend, 1<<20)
	require.NoError(t, err)
	defer cb.Close()

	exec := &scriptedExecutor{}
	cfg := workflow.Config{Policy: workflow.DefaultPolicy()}
	a := NewService(workflow.New(&echoGenerator{}, exec, cfg), ca)
	b := NewService(workflow.New(&echoGenerator{}, exec, cfg), cb)
	ctx := context.Background()

	out, err := a.Start(ctx, "c", "list files")
	require.NoError(t, err)
	id := out.Request.SessionID

	out, err = b.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	require.Equal(t, 1, exec.count())

	// a still caches the awaiting_approval snapshot it saved.
	_, err = a.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)
	assert.Equal(t, 1, exec.count())

	saved, err := backend.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, saved.State)
}

func TestService_SharedStoreOneStepAtATime(t *testing.T) {
	st := store.NewMemoryStore()
	exec := &scriptedExecutor{started: make(chan struct{}, 1), block: make(chan struct{})}
	cfg := workflow.Config{Policy: workflow.DefaultPolicy()}
	a := NewService(workflow.New(&echoGenerator{}, exec, cfg), st)
	b := NewService(workflow.New(&echoGenerator{}, exec, cfg), st)
	ctx := context.Background()

	out, err := a.Start(ctx, "c", "sleep")
	require.NoError(t, err)
	id := out.Request.SessionID

	done := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, id, "approve")
		done <- err
	}()
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}

	_, err = b.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)
	_, err = b.Submit(ctx, id, "cancel")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)

	close(exec.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, exec.count())
}

func TestService_StaleSnapshotLosesClaim(t *testing.T) {
	st := store.NewMemoryStore()
	exec := &scriptedExecutor{}
	cfg := workflow.Config{Policy: workflow.DefaultPolicy()}
	a := NewService(workflow.New(&echoGenerator{}, exec, cfg), st)
	ctx := context.Background()

	out, err := a.Start(ctx, "c", "list files")
	require.NoError(t, err)
	id := out.Request.SessionID
	snapshot, err := st.Load(ctx, id)
	require.NoError(t, err)

	_, err = a.Submit(ctx, id, "reject")
	require.NoError(t, err)

	lagging := NewService(workflow.New(&echoGenerator{}, exec, cfg), &staleStore{Store: st, snapshot: snapshot})
	_, err = lagging.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 0, exec.count(), "the losing claim runs nothing")

	saved, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingApproval, saved.State)
}

func TestService_StaleStepTakenOver(t *testing.T) {
	exec := &scriptedExecutor{}
	now := time.Now()
	svc, st := newTestService(t, &echoGenerator{}, exec,
		WithClaimLease(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	out, err := svc.Start(ctx, "c", "say hi")
	require.NoError(t, err)
	id := out.Request.SessionID

	// A claim left behind by a process that died mid-execution.
	sess, err := st.Load(ctx, id)
	require.NoError(t, err)
	sess.State = models.StateExecuting
	sess.UpdatedAt = now.Add(-10 * time.Second)
	require.NoError(t, st.Save(ctx, sess))

	_, err = svc.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting, "a live claim is respected")
	assert.Equal(t, 0, exec.count())

	now = now.Add(2 * time.Minute)
	out, err = svc.Submit(ctx, id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)
	assert.Equal(t, 1, exec.count())
}

func TestService_InterruptedStepReleasesClaim(t *testing.T) {
	exec := &scriptedExecutor{started: make(chan struct{}, 1), block: make(chan struct{})}
	svc, st := newTestService(t, &echoGenerator{}, exec)

	out, err := svc.Start(context.Background(), "c", "sleep")
	require.NoError(t, err)
	id := out.Request.SessionID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, id, "approve")
		done <- err
	}()
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	mid, err := st.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateExecuting, mid.State)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	saved, err := st.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingApproval, saved.State)

	close(exec.block)
	out, err = svc.Submit(context.Background(), id, "approve")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 2, exec.count())
}

func TestService_TerminalSessionsDropLock(t *testing.T) {
	svc, _ := newTestService(t, &echoGenerator{}, &scriptedExecutor{})
	ctx := context.Background()

	out, err := svc.Start(ctx, "", "one")
	require.NoError(t, err)
	id := out.Request.SessionID
	assert.True(t, svc.hasLock(id))

	_, err = svc.Submit(ctx, id, "cancel")
	require.NoError(t, err)
	assert.False(t, svc.hasLock(id))

	_, err = svc.Submit(ctx, id, "approve")
	assert.ErrorIs(t, err, workflow.ErrNotWaiting)
	assert.False(t, svc.hasLock(id))

	failing, _ := newTestService(t, &echoGenerator{err: errors.New("model down")}, &scriptedExecutor{})
	out, err = failing.Start(ctx, "", "two")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.False(t, failing.hasLock(out.Result.SessionID))
}
