package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grid_scout/internal/agent"
	"grid_scout/internal/domain"
	"grid_scout/internal/policy"
)

var (
	ErrDuplicateRequest = errors.New("request id was already submitted")
	ErrInvalidRequest   = errors.New("request is missing required fields")
)

type Registry interface {
	List() []agent.Agent
}

type Policy interface {
	CheckCapability(user domain.PermissionLevel, capability domain.Capability) policy.Decision
}

// Archive persists terminal outcomes; the router tolerates a nil
// archive and runs memory-only.
type Archive interface {
	ArchiveRequest(ctx context.Context, req domain.Request, resp domain.Response) error
	GetArchivedRequest(ctx context.Context, requestID string) (domain.Request, domain.Response, error)
	LogDispatch(ctx context.Context, rec domain.DispatchRecord) error
}

// ResponseCache answers idempotent resubmits of already-terminal
// request ids. Optional, like the archive.
type ResponseCache interface {
	GetResponse(ctx context.Context, requestID string) (domain.Response, bool, error)
	PutResponse(ctx context.Context, resp domain.Response) error
}

type Config struct {
	MaxRouteAttempts int
	CompletedLimit   int
	DeadLetterLimit  int
	SampleLimit      int
}

func (c Config) withDefaults() Config {
	if c.MaxRouteAttempts <= 0 {
		c.MaxRouteAttempts = 3
	}
	if c.CompletedLimit <= 0 {
		c.CompletedLimit = 1000
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = 256
	}
	if c.SampleLimit <= 0 {
		c.SampleLimit = defaultSampleLimit
	}
	return c
}

type queuedRequest struct {
	req           domain.Request
	routeAttempts int
	lastReason    string
}

// Router queues requests, priority-sorts them, and dispatches each to
// the first live agent whose typed match succeeds. Every request ends
// in exactly one of: the queue (plus active map), the completed map,
// or the dead-letter map.
type Router struct {
	registry Registry
	policy   Policy
	archive  Archive
	cache    ResponseCache
	cfg      Config
	logger   *log.Logger
	inst     *Instrumentation

	mu          sync.Mutex
	queue       []*queuedRequest
	active      map[string]*queuedRequest
	completed   map[string]domain.Response
	compOrder   []string
	deadLetters map[string]domain.Response
	deadOrder   []string

	processMu sync.Mutex
}

func New(registry Registry, pol Policy, archive Archive, cache ResponseCache, cfg Config, logger *log.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		registry:    registry,
		policy:      pol,
		archive:     archive,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
		inst:        NewInstrumentation(cfg.SampleLimit),
		active:      make(map[string]*queuedRequest),
		completed:   make(map[string]domain.Response),
		deadLetters: make(map[string]domain.Response),
	}
}

func (r *Router) Instrumentation() *Instrumentation {
	return r.inst
}

// Submit validates and enqueues a request. Resubmitting an id that is
// queued or already terminal returns ErrDuplicateRequest; Status still
// answers for terminal ids, from memory, cache, or archive.
func (r *Router) Submit(ctx context.Context, req domain.Request) (domain.Request, error) {
	if req.AgentType == "" || req.Action == "" {
		return domain.Request{}, fmt.Errorf("%w: agent_type and action are required", ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	req.Priority = domain.ClampPriority(req.Priority)

	if r.cache != nil {
		if _, ok, err := r.cache.GetResponse(ctx, req.ID); err != nil {
			r.logger.Printf("response cache lookup failed request=%s: %v", req.ID, err)
		} else if ok {
			r.inst.RecordDuplicate()
			return req, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
		}
	}

	item := &queuedRequest{req: req}
	// The existence check and the enqueue share one lock hold so two
	// concurrent submits of the same id cannot both pass the check.
	r.mu.Lock()
	_, queued := r.active[req.ID]
	_, done := r.completed[req.ID]
	_, dead := r.deadLetters[req.ID]
	if queued || done || dead {
		r.mu.Unlock()
		r.inst.RecordDuplicate()
		return req, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	r.queue = append(r.queue, item)
	r.active[req.ID] = item
	r.mu.Unlock()

	r.inst.RecordSubmit()
	return req, nil
}

// Match performs the three-way check (type tag, permission and
// tooling, action among declared capabilities) as a typed outcome.
func Match(a agent.Agent, req domain.Request, user domain.PermissionLevel, pol Policy) domain.MatchOutcome {
	if a.Type() != req.AgentType {
		return domain.Rejected(domain.MatchReasonTypeMismatch,
			fmt.Sprintf("agent type %s does not serve %s", a.Type(), req.AgentType))
	}
	capability, ok := a.Capability(req.Action)
	if !ok {
		return domain.Rejected(domain.MatchReasonUnknownAction,
			fmt.Sprintf("agent type %s has no action %s", a.Type(), req.Action))
	}
	if d := pol.CheckCapability(user, capability); !d.Allowed {
		return domain.Rejected(domain.MatchReasonPermissionDenied, d.Reason)
	}
	return domain.Matched()
}

// ProcessReport summarizes one process pass.
type ProcessReport struct {
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Denied     int `json:"denied"`
	Unroutable int `json:"unroutable"`
	Requeued   int `json:"requeued"`
	Remaining  int `json:"remaining"`
}

// Process drains the queue once on behalf of a caller holding the
// given permission level. Requests execute synchronously in priority
// order; equal priorities keep submission order.
func (r *Router) Process(ctx context.Context, user domain.PermissionLevel) (ProcessReport, error) {
	if !user.Valid() {
		return ProcessReport{}, fmt.Errorf("invalid permission level %d", int(user))
	}

	r.processMu.Lock()
	defer r.processMu.Unlock()

	r.mu.Lock()
	depth := len(r.queue)
	if depth == 0 {
		r.mu.Unlock()
		r.inst.RecordProcessCall(0, false)
		return ProcessReport{}, nil
	}
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	before := make([]string, len(batch))
	for i, item := range batch {
		before[i] = item.req.ID
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].req.Priority > batch[j].req.Priority
	})
	reordered := false
	for i, item := range batch {
		if item.req.ID != before[i] {
			reordered = true
			break
		}
	}
	r.inst.RecordProcessCall(depth, reordered)

	var report ProcessReport
	var requeue []*queuedRequest
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			requeue = append(requeue, item)
			report.Requeued++
			r.inst.RecordRequeued()
			continue
		}
		switch r.routeOne(ctx, item, user) {
		case domain.DispatchOutcomeCompleted:
			report.Processed++
			report.Completed++
		case domain.DispatchOutcomeFailed:
			report.Processed++
			report.Failed++
		case domain.DispatchOutcomeDenied:
			report.Processed++
			report.Denied++
		case domain.DispatchOutcomeUnroutable:
			report.Processed++
			report.Unroutable++
		default:
			requeue = append(requeue, item)
			report.Requeued++
			r.inst.RecordRequeued()
		}
	}

	r.mu.Lock()
	// Requeued items go back in front of anything submitted mid-pass so
	// starvation stays bounded by MaxRouteAttempts.
	r.queue = append(requeue, r.queue...)
	report.Remaining = len(r.queue)
	r.mu.Unlock()
	return report, ctx.Err()
}

// routeOne returns the terminal outcome, or "" when the request was
// not routable this pass and has attempts left.
func (r *Router) routeOne(ctx context.Context, item *queuedRequest, user domain.PermissionLevel) domain.DispatchOutcome {
	req := item.req
	best := domain.Rejected(domain.MatchReasonTypeMismatch, "no live agents")
	var target agent.Agent
	for _, a := range r.registry.List() {
		outcome := Match(a, req, user, r.policy)
		if outcome.Matched {
			target = a
			best = outcome
			break
		}
		if rank(outcome.Reason) > rank(best.Reason) {
			best = outcome
		}
	}

	switch {
	case target != nil:
		return r.execute(ctx, target, req)
	case best.Reason == domain.MatchReasonPermissionDenied:
		resp := domain.Response{
			RequestID:    req.ID,
			AgentType:    req.AgentType,
			Status:       domain.RequestStatusDenied,
			ErrorMessage: best.Detail,
			Metadata:     map[string]string{"match_reason": string(best.Reason)},
			CompletedAt:  time.Now().UTC(),
		}
		r.finish(ctx, req, resp, "", best.Detail)
		r.inst.RecordProcessed()
		r.inst.RecordDenied()
		return domain.DispatchOutcomeDenied
	default:
		item.routeAttempts++
		item.lastReason = best.Detail
		if item.routeAttempts < r.cfg.MaxRouteAttempts {
			return ""
		}
		resp := domain.Response{
			RequestID:    req.ID,
			AgentType:    req.AgentType,
			Status:       domain.RequestStatusUnroutable,
			ErrorMessage: fmt.Sprintf("unroutable after %d passes: %s", item.routeAttempts, best.Detail),
			Metadata:     map[string]string{"match_reason": string(best.Reason)},
			CompletedAt:  time.Now().UTC(),
		}
		r.finish(ctx, req, resp, "", best.Detail)
		r.inst.RecordProcessed()
		r.inst.RecordUnroutable()
		return domain.DispatchOutcomeUnroutable
	}
}

func rank(reason domain.MatchReason) int {
	switch reason {
	case domain.MatchReasonPermissionDenied:
		return 3
	case domain.MatchReasonUnknownAction:
		return 2
	case domain.MatchReasonTypeMismatch:
		return 1
	default:
		return 0
	}
}

func (r *Router) execute(ctx context.Context, a agent.Agent, req domain.Request) domain.DispatchOutcome {
	started := time.Now()
	result, err := a.Execute(ctx, req)
	elapsed := time.Since(started)

	resp := domain.Response{
		RequestID:     req.ID,
		AgentType:     a.Type(),
		ExecutionTime: elapsed,
		Metadata: map[string]string{
			"agent_id": a.ID(),
			"action":   req.Action,
		},
		CompletedAt: time.Now().UTC(),
	}
	outcome := domain.DispatchOutcomeCompleted
	if err != nil {
		resp.Status = domain.RequestStatusFailed
		resp.ErrorMessage = err.Error()
		outcome = domain.DispatchOutcomeFailed
		r.logger.Printf("dispatch failed request=%s agent=%s action=%s: %v", req.ID, a.ID(), req.Action, err)
	} else {
		resp.Status = domain.RequestStatusCompleted
		resp.Result = result
	}

	r.finish(ctx, req, resp, a.ID(), resp.ErrorMessage)
	r.inst.RecordProcessed()
	if outcome == domain.DispatchOutcomeCompleted {
		r.inst.RecordCompleted()
	} else {
		r.inst.RecordFailed()
	}
	return outcome
}

// finish moves a request from active to its terminal set, then writes
// the archive, audit log, and cache.
func (r *Router) finish(ctx context.Context, req domain.Request, resp domain.Response, agentID, reason string) {
	r.mu.Lock()
	delete(r.active, req.ID)
	if resp.Status == domain.RequestStatusUnroutable {
		r.deadLetters[req.ID] = resp
		r.deadOrder = append(r.deadOrder, req.ID)
		if over := len(r.deadOrder) - r.cfg.DeadLetterLimit; over > 0 {
			for _, id := range r.deadOrder[:over] {
				delete(r.deadLetters, id)
			}
			r.deadOrder = append(r.deadOrder[:0], r.deadOrder[over:]...)
		}
	} else {
		r.completed[req.ID] = resp
		r.compOrder = append(r.compOrder, req.ID)
		if over := len(r.compOrder) - r.cfg.CompletedLimit; over > 0 {
			for _, id := range r.compOrder[:over] {
				delete(r.completed, id)
			}
			r.compOrder = append(r.compOrder[:0], r.compOrder[over:]...)
		}
	}
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.ArchiveRequest(ctx, req, resp); err != nil {
			r.logger.Printf("archive request failed request=%s: %v", req.ID, err)
		}
		if err := r.archive.LogDispatch(ctx, domain.DispatchRecord{
			RequestID: req.ID,
			AgentID:   agentID,
			AgentType: req.AgentType,
			Action:    req.Action,
			Outcome:   domain.DispatchOutcome(resp.Status),
			Reason:    reason,
			Duration:  resp.ExecutionTime,
			CreatedAt: resp.CompletedAt,
		}); err != nil {
			r.logger.Printf("dispatch audit failed request=%s: %v", req.ID, err)
		}
	}
	if r.cache != nil {
		if err := r.cache.PutResponse(ctx, resp); err != nil {
			r.logger.Printf("response cache write failed request=%s: %v", req.ID, err)
		}
	}
}

// RequestState is the externally visible view of one request.
type RequestState struct {
	Status        domain.RequestStatus `json:"status"`
	Request       domain.Request       `json:"request"`
	Response      *domain.Response     `json:"response,omitempty"`
	RouteAttempts int                  `json:"route_attempts,omitempty"`
}

// Status resolves a request id from the queue, the terminal sets, the
// cache, or the archive, in that order.
func (r *Router) Status(ctx context.Context, requestID string) (RequestState, bool) {
	r.mu.Lock()
	if item, ok := r.active[requestID]; ok {
		state := RequestState{
			Status:        domain.RequestStatusQueued,
			Request:       item.req,
			RouteAttempts: item.routeAttempts,
		}
		r.mu.Unlock()
		return state, true
	}
	if resp, ok := r.completed[requestID]; ok {
		r.mu.Unlock()
		return RequestState{Status: resp.Status, Response: &resp}, true
	}
	if resp, ok := r.deadLetters[requestID]; ok {
		r.mu.Unlock()
		return RequestState{Status: resp.Status, Response: &resp}, true
	}
	r.mu.Unlock()

	if r.cache != nil {
		if resp, ok, err := r.cache.GetResponse(ctx, requestID); err != nil {
			r.logger.Printf("response cache lookup failed request=%s: %v", requestID, err)
		} else if ok {
			return RequestState{Status: resp.Status, Response: &resp}, true
		}
	}
	if r.archive != nil {
		req, resp, err := r.archive.GetArchivedRequest(ctx, requestID)
		if err == nil {
			return RequestState{Status: resp.Status, Request: req, Response: &resp}, true
		}
	}
	return RequestState{}, false
}

// QueueDepth reports queued (not yet terminal) requests.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Queued returns the pending requests in current queue order.
func (r *Router) Queued() []domain.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Request, 0, len(r.queue))
	for _, item := range r.queue {
		out = append(out, item.req)
	}
	return out
}

// DeadLetters returns unroutable responses, oldest first.
func (r *Router) DeadLetters() []domain.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Response, 0, len(r.deadOrder))
	for _, id := range r.deadOrder {
		out = append(out, r.deadLetters[id])
	}
	return out
}

// Completed returns terminal non-dead-letter responses, oldest first.
func (r *Router) Completed() []domain.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Response, 0, len(r.compOrder))
	for _, id := range r.compOrder {
		out = append(out, r.completed[id])
	}
	return out
}
