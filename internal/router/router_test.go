package router

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grid_scout/internal/agent"
	"grid_scout/internal/domain"
	"grid_scout/internal/policy"
	sqlitestore "grid_scout/internal/store/sqlite"
)

type staticRegistry struct {
	agents []agent.Agent
}

func (r staticRegistry) List() []agent.Agent { return r.agents }

// recordingAgent captures the order requests reach it in.
type recordingAgent struct {
	*agent.Core
	mu    sync.Mutex
	order []string
}

func newRecordingAgent(id string) *recordingAgent {
	caps := []domain.Capability{
		{Name: "echo", RequiredLevel: domain.PermissionReadOnly},
	}
	return &recordingAgent{Core: agent.NewCore(id, "recorder", 0, caps)}
}

func (a *recordingAgent) Execute(_ context.Context, req domain.Request) (map[string]any, error) {
	return a.Track(req.ID, req.Action, func() (map[string]any, error) {
		a.mu.Lock()
		a.order = append(a.order, req.ID)
		a.mu.Unlock()
		return map[string]any{"echo": req.ID}, nil
	})
}

// slowCache widens the submit window the way a network round-trip
// does, answering every lookup as a miss.
type slowCache struct {
	delay time.Duration
}

func (c slowCache) GetResponse(context.Context, string) (domain.Response, bool, error) {
	time.Sleep(c.delay)
	return domain.Response{}, false, nil
}

func (c slowCache) PutResponse(context.Context, domain.Response) error { return nil }

func testPolicy() *policy.Engine {
	return policy.New([]string{"curriculum_index", "season_table"})
}

func newTestRouter(t *testing.T, cfg Config, agents ...agent.Agent) *Router {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	return New(staticRegistry{agents: agents}, testPolicy(), nil, nil, cfg, logger)
}

func TestMatchOutcomes(t *testing.T) {
	nav, err := agent.NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}

	cases := []struct {
		name   string
		req    domain.Request
		user   domain.PermissionLevel
		pol    Policy
		want   domain.MatchReason
		wantOK bool
	}{
		{
			name: "type mismatch",
			req:  domain.Request{AgentType: "analytics", Action: agent.ActionGuideLearningPath},
			user: domain.PermissionAdmin,
			pol:  testPolicy(),
			want: domain.MatchReasonTypeMismatch,
		},
		{
			name: "unknown action",
			req:  domain.Request{AgentType: agent.TypeLearningNavigator, Action: "forecast_scores"},
			user: domain.PermissionAdmin,
			pol:  testPolicy(),
			want: domain.MatchReasonUnknownAction,
		},
		{
			name: "insufficient level",
			req:  domain.Request{AgentType: agent.TypeLearningNavigator, Action: agent.ActionGuideLearningPath},
			user: domain.PermissionReadOnly,
			pol:  testPolicy(),
			want: domain.MatchReasonPermissionDenied,
		},
		{
			name: "missing tool",
			req:  domain.Request{AgentType: agent.TypeLearningNavigator, Action: agent.ActionGuideLearningPath},
			user: domain.PermissionAdmin,
			pol:  policy.New(nil),
			want: domain.MatchReasonPermissionDenied,
		},
		{
			name:   "matched",
			req:    domain.Request{AgentType: agent.TypeLearningNavigator, Action: agent.ActionGuideLearningPath},
			user:   domain.PermissionReadExecute,
			pol:    testPolicy(),
			want:   domain.MatchReasonMatched,
			wantOK: true,
		},
	}
	for _, tc := range cases {
		outcome := Match(nav, tc.req, tc.user, tc.pol)
		if outcome.Matched != tc.wantOK || outcome.Reason != tc.want {
			t.Fatalf("%s: matched=%t reason=%s want matched=%t reason=%s",
				tc.name, outcome.Matched, outcome.Reason, tc.wantOK, tc.want)
		}
		if !outcome.Matched && outcome.Detail == "" {
			t.Fatalf("%s: rejection carries no detail", tc.name)
		}
	}
}

func TestSubmitValidatesAndClamps(t *testing.T) {
	ctx := context.Background()
	rt := newTestRouter(t, Config{}, newRecordingAgent("rec-1"))

	if _, err := rt.Submit(ctx, domain.Request{AgentType: "recorder"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing action: got %v want ErrInvalidRequest", err)
	}

	req, err := rt.Submit(ctx, domain.Request{AgentType: "recorder", Action: "echo", Priority: 9})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.ID == "" {
		t.Fatalf("submit left id empty")
	}
	if req.Priority != domain.MaxPriority {
		t.Fatalf("priority=%d want clamped to %d", req.Priority, domain.MaxPriority)
	}
	if req.SubmittedAt.IsZero() {
		t.Fatalf("submit left SubmittedAt zero")
	}

	low, err := rt.Submit(ctx, domain.Request{AgentType: "recorder", Action: "echo", Priority: -4})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if low.Priority != domain.MinPriority {
		t.Fatalf("priority=%d want clamped to %d", low.Priority, domain.MinPriority)
	}
}

func TestDuplicateSubmitRejectedAndCounted(t *testing.T) {
	ctx := context.Background()
	rt := newTestRouter(t, Config{}, newRecordingAgent("rec-1"))

	req := domain.Request{ID: "req-dup", AgentType: "recorder", Action: "echo"}
	if _, err := rt.Submit(ctx, req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := rt.Submit(ctx, req); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("second submit: got %v want ErrDuplicateRequest", err)
	}

	if _, err := rt.Process(ctx, domain.PermissionReadOnly); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Terminal ids stay duplicates; state is still answerable.
	if _, err := rt.Submit(ctx, req); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("resubmit after completion: got %v want ErrDuplicateRequest", err)
	}
	state, ok := rt.Status(ctx, "req-dup")
	if !ok || state.Status != domain.RequestStatusCompleted {
		t.Fatalf("status ok=%t state=%s want completed", ok, state.Status)
	}

	snap := rt.Instrumentation().Snapshot()
	if snap.Duplicates != 2 {
		t.Fatalf("duplicates=%d want 2", snap.Duplicates)
	}
	if snap.Submitted != 1 {
		t.Fatalf("submitted=%d want 1", snap.Submitted)
	}
}

func TestConcurrentSubmitsOfOneIDAcceptExactlyOne(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	rt := New(staticRegistry{agents: []agent.Agent{newRecordingAgent("rec-1")}},
		testPolicy(), nil, slowCache{delay: 50 * time.Millisecond}, Config{}, logger)

	const submitters = 8
	var wg sync.WaitGroup
	errs := make([]error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rt.Submit(ctx, domain.Request{ID: "req-same", AgentType: "recorder", Action: "echo"})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, ErrDuplicateRequest):
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted=%d submits of one id, want 1", accepted)
	}
	if depth := rt.QueueDepth(); depth != 1 {
		t.Fatalf("queue depth=%d after %d submits of one id, want 1", depth, submitters)
	}

	snap := rt.Instrumentation().Snapshot()
	if snap.Submitted != 1 || snap.Duplicates != submitters-1 {
		t.Fatalf("submitted=%d duplicates=%d want 1 and %d", snap.Submitted, snap.Duplicates, submitters-1)
	}
}

func TestCancelledProcessCountsRequeues(t *testing.T) {
	ctx := context.Background()
	rt := newTestRouter(t, Config{}, newRecordingAgent("rec-1"))

	for _, id := range []string{"req-a", "req-b"} {
		if _, err := rt.Submit(ctx, domain.Request{ID: id, AgentType: "recorder", Action: "echo"}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	report, err := rt.Process(cancelled, domain.PermissionReadOnly)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("process: got %v want context.Canceled", err)
	}
	if report.Requeued != 2 || report.Remaining != 2 || report.Processed != 0 {
		t.Fatalf("report=%+v want 2 requeued, 2 remaining, 0 processed", report)
	}
	if snap := rt.Instrumentation().Snapshot(); snap.Requeued != 2 {
		t.Fatalf("requeued=%d want 2", snap.Requeued)
	}

	// Cancellation requeues spend no route attempts.
	if _, err := rt.Process(ctx, domain.PermissionReadOnly); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if depth := rt.QueueDepth(); depth != 0 {
		t.Fatalf("queue depth=%d after reprocess, want 0", depth)
	}
}

func TestPriorityOrderIsStable(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingAgent("rec-1")
	rt := newTestRouter(t, Config{}, rec)

	priorities := []int{1, 3, 2, 3}
	ids := []string{"req-a", "req-b", "req-c", "req-d"}
	for i, id := range ids {
		if _, err := rt.Submit(ctx, domain.Request{
			ID: id, AgentType: "recorder", Action: "echo", Priority: priorities[i],
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	report, err := rt.Process(ctx, domain.PermissionReadOnly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Completed != 4 || report.Remaining != 0 {
		t.Fatalf("report=%+v want 4 completed, 0 remaining", report)
	}

	// Higher priority first; equal priorities keep submission order.
	want := []string{"req-b", "req-d", "req-c", "req-a"}
	rec.mu.Lock()
	got := append([]string(nil), rec.order...)
	rec.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("executed %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order %v want %v", got, want)
		}
	}

	snap := rt.Instrumentation().Snapshot()
	if snap.Reorders != 1 {
		t.Fatalf("reorders=%d want 1", snap.Reorders)
	}
}

func TestPermissionDenialIsTerminal(t *testing.T) {
	ctx := context.Background()
	nav, err := agent.NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	rt := newTestRouter(t, Config{}, nav)

	req, err := rt.Submit(ctx, domain.Request{
		AgentType: agent.TypeLearningNavigator,
		Action:    agent.ActionGuideLearningPath,
		Params:    map[string]any{"track": "ratings"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	report, err := rt.Process(ctx, domain.PermissionReadOnly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Denied != 1 || report.Requeued != 0 {
		t.Fatalf("report=%+v want 1 denied, 0 requeued", report)
	}

	state, ok := rt.Status(ctx, req.ID)
	if !ok {
		t.Fatalf("status not found for denied request")
	}
	if state.Status != domain.RequestStatusDenied {
		t.Fatalf("status=%s want denied", state.Status)
	}
	if state.Response == nil || state.Response.ErrorMessage == "" {
		t.Fatalf("denied response carries no reason")
	}
	if got := state.Response.Metadata["match_reason"]; got != string(domain.MatchReasonPermissionDenied) {
		t.Fatalf("match_reason=%q want %q", got, domain.MatchReasonPermissionDenied)
	}
	if rt.QueueDepth() != 0 {
		t.Fatalf("denied request left the queue non-empty")
	}

	// The same request completes for a sufficiently privileged caller.
	again, err := rt.Submit(ctx, domain.Request{
		AgentType: agent.TypeLearningNavigator,
		Action:    agent.ActionGuideLearningPath,
		Params:    map[string]any{"track": "ratings"},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := rt.Process(ctx, domain.PermissionReadExecute); err != nil {
		t.Fatalf("process read_execute: %v", err)
	}
	state, ok = rt.Status(ctx, again.ID)
	if !ok || state.Status != domain.RequestStatusCompleted {
		t.Fatalf("status ok=%t state=%s want completed", ok, state.Status)
	}
}

func TestUnroutableRequestDeadLetters(t *testing.T) {
	ctx := context.Background()
	rt := newTestRouter(t, Config{MaxRouteAttempts: 2}, newRecordingAgent("rec-1"))

	req, err := rt.Submit(ctx, domain.Request{ID: "req-ghost", AgentType: "ghost", Action: "haunt"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	report, err := rt.Process(ctx, domain.PermissionAdmin)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if report.Requeued != 1 || report.Remaining != 1 {
		t.Fatalf("first pass report=%+v want 1 requeued, 1 remaining", report)
	}
	state, ok := rt.Status(ctx, req.ID)
	if !ok || state.Status != domain.RequestStatusQueued || state.RouteAttempts != 1 {
		t.Fatalf("after first pass: ok=%t status=%s attempts=%d", ok, state.Status, state.RouteAttempts)
	}

	report, err = rt.Process(ctx, domain.PermissionAdmin)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Unroutable != 1 || report.Remaining != 0 {
		t.Fatalf("second pass report=%+v want 1 unroutable, 0 remaining", report)
	}

	state, ok = rt.Status(ctx, req.ID)
	if !ok || state.Status != domain.RequestStatusUnroutable {
		t.Fatalf("status ok=%t state=%s want unroutable", ok, state.Status)
	}
	dead := rt.DeadLetters()
	if len(dead) != 1 || dead[0].RequestID != req.ID {
		t.Fatalf("dead letters=%v want [%s]", dead, req.ID)
	}

	snap := rt.Instrumentation().Snapshot()
	if snap.Requeued != 1 || snap.Unroutable != 1 {
		t.Fatalf("requeued=%d unroutable=%d want 1 and 1", snap.Requeued, snap.Unroutable)
	}
}

func TestEveryRequestLandsInExactlyOneSet(t *testing.T) {
	ctx := context.Background()
	nav, err := agent.NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	rt := newTestRouter(t, Config{MaxRouteAttempts: 2}, nav)

	completes, err := rt.Submit(ctx, domain.Request{
		AgentType: agent.TypeLearningNavigator,
		Action:    agent.ActionListStudyModules,
	})
	if err != nil {
		t.Fatalf("submit completes: %v", err)
	}
	fails, err := rt.Submit(ctx, domain.Request{
		AgentType: agent.TypeLearningNavigator,
		Action:    agent.ActionGuideLearningPath,
		Params:    map[string]any{"track": "astrology"},
	})
	if err != nil {
		t.Fatalf("submit fails: %v", err)
	}
	ghost, err := rt.Submit(ctx, domain.Request{AgentType: "ghost", Action: "haunt"})
	if err != nil {
		t.Fatalf("submit ghost: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := rt.Process(ctx, domain.PermissionAdmin); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}

	inQueue := map[string]bool{}
	for _, q := range rt.Queued() {
		inQueue[q.ID] = true
	}
	inCompleted := map[string]bool{}
	for _, resp := range rt.Completed() {
		inCompleted[resp.RequestID] = true
	}
	inDead := map[string]bool{}
	for _, resp := range rt.DeadLetters() {
		inDead[resp.RequestID] = true
	}
	for _, id := range []string{completes.ID, fails.ID, ghost.ID} {
		n := 0
		for _, present := range []bool{inQueue[id], inCompleted[id], inDead[id]} {
			if present {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("request %s appears in %d sets, want exactly 1", id, n)
		}
	}

	check := func(id string, want domain.RequestStatus) {
		t.Helper()
		state, ok := rt.Status(ctx, id)
		if !ok || state.Status != want {
			t.Fatalf("request %s: ok=%t status=%s want %s", id, ok, state.Status, want)
		}
		if !state.Status.Terminal() {
			t.Fatalf("request %s: status %s is not terminal", id, state.Status)
		}
	}
	check(completes.ID, domain.RequestStatusCompleted)
	check(fails.ID, domain.RequestStatusFailed)
	check(ghost.ID, domain.RequestStatusUnroutable)

	snap := rt.Instrumentation().Snapshot()
	if snap.Submitted != 3 {
		t.Fatalf("submitted=%d want 3", snap.Submitted)
	}
	if got := snap.Completed + snap.Failed + snap.Denied + snap.Unroutable; got != snap.Processed {
		t.Fatalf("terminal outcomes=%d processed=%d, counters do not reconcile", got, snap.Processed)
	}
}

func TestFailedExecutionKeepsErrorMessage(t *testing.T) {
	ctx := context.Background()
	nav, err := agent.NewLearningNavigator("nav-1")
	if err != nil {
		t.Fatalf("new navigator: %v", err)
	}
	rt := newTestRouter(t, Config{}, nav)

	req, err := rt.Submit(ctx, domain.Request{
		AgentType: agent.TypeLearningNavigator,
		Action:    agent.ActionGuideLearningPath,
		Params:    map[string]any{"track": "astrology"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	report, err := rt.Process(ctx, domain.PermissionAdmin)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report=%+v want 1 failed", report)
	}

	state, ok := rt.Status(ctx, req.ID)
	if !ok || state.Status != domain.RequestStatusFailed {
		t.Fatalf("status ok=%t state=%s want failed", ok, state.Status)
	}
	if state.Response.ErrorMessage == "" {
		t.Fatalf("failed response lost its error message")
	}
	if state.Response.Metadata["agent_id"] != "nav-1" {
		t.Fatalf("agent_id metadata=%q want nav-1", state.Response.Metadata["agent_id"])
	}
}

func TestProcessRejectsInvalidPermission(t *testing.T) {
	rt := newTestRouter(t, Config{}, newRecordingAgent("rec-1"))
	if _, err := rt.Process(context.Background(), domain.PermissionLevel(0)); err == nil {
		t.Fatalf("expected error for invalid permission level")
	}
	if _, err := rt.Process(context.Background(), domain.PermissionLevel(9)); err == nil {
		t.Fatalf("expected error for out-of-range permission level")
	}
}

func TestCompletedEvictionFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := newRecordingAgent("rec-1")
	logger := log.New(io.Discard, "", 0)
	rt := New(staticRegistry{agents: []agent.Agent{rec}}, testPolicy(), store, nil, Config{CompletedLimit: 1}, logger)

	first, err := rt.Submit(ctx, domain.Request{ID: "req-old", AgentType: "recorder", Action: "echo"})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if _, err := rt.Process(ctx, domain.PermissionReadOnly); err != nil {
		t.Fatalf("process first: %v", err)
	}
	if _, err := rt.Submit(ctx, domain.Request{ID: "req-new", AgentType: "recorder", Action: "echo"}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if _, err := rt.Process(ctx, domain.PermissionReadOnly); err != nil {
		t.Fatalf("process second: %v", err)
	}

	if got := len(rt.Completed()); got != 1 {
		t.Fatalf("in-memory completed=%d want 1 after eviction", got)
	}

	// The evicted id still resolves, now through the archive.
	state, ok := rt.Status(ctx, first.ID)
	if !ok {
		t.Fatalf("evicted request unresolvable")
	}
	if state.Status != domain.RequestStatusCompleted {
		t.Fatalf("status=%s want completed", state.Status)
	}
	if state.Request.ID != first.ID {
		t.Fatalf("archive returned request %s want %s", state.Request.ID, first.ID)
	}

	records, err := store.ListDispatches(ctx, first.ID, 10)
	if err != nil {
		t.Fatalf("list dispatches: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != domain.DispatchOutcomeCompleted {
		t.Fatalf("dispatch log=%v want one completed record", records)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := newTestRouter(t, Config{}, newRecordingAgent("rec-1"))

	if _, err := rt.Submit(ctx, domain.Request{AgentType: "recorder", Action: "echo"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := rt.Process(ctx, domain.PermissionReadOnly); err != nil {
		t.Fatalf("process: %v", err)
	}

	first := rt.Instrumentation().Snapshot()
	second := rt.Instrumentation().Snapshot()
	if first != second {
		t.Fatalf("snapshots differ without activity:\n%+v\n%+v", first, second)
	}
}
