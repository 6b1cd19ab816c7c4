package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"grid_scout/internal/agent"
	"grid_scout/internal/config"
	"grid_scout/internal/domain"
	"grid_scout/internal/policy"
	"grid_scout/internal/router"
	"grid_scout/internal/store/rediscache"
	sqlitestore "grid_scout/internal/store/sqlite"
)

type app struct {
	cfg     config.Config
	factory *agent.Factory
	router  *router.Router
	store   *sqlitestore.Store
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.grid_scout/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	redisFlag := flag.String("redis", "", "redis address override (empty disables the response cache)")
	autoPermission := flag.String("auto-permission", "", "permission level for the automatic process loop (empty disables it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Router.Addr)
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Router.DBPath))
	redisAddr := firstNonEmpty(*redisFlag, cfg.Router.RedisAddr)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	var cache router.ResponseCache
	if redisAddr != "" {
		rc, err := rediscache.New(rediscache.Config{
			Addr: redisAddr,
			TTL:  time.Duration(cfg.Router.CacheTTLMinutes) * time.Minute,
		})
		if err != nil {
			log.Fatalf("create redis cache: %v", err)
		}
		if err := rc.Ping(ctx); err != nil {
			log.Fatalf("redis unreachable at %s: %v", redisAddr, err)
		}
		defer func() {
			_ = rc.Close()
		}()
		cache = rc
	}

	engine := policy.New(cfg.Tools.Available)
	table := agent.NewTeamTable(cfg.Teams)
	factory := newFactory(table)

	rt := router.New(factory, engine, store, cache, router.Config{
		MaxRouteAttempts: cfg.Router.MaxRouteAttempts,
		CompletedLimit:   cfg.Router.CompletedLimit,
		DeadLetterLimit:  cfg.Router.DeadLetterLimit,
	}, log.Default())

	if err := bootstrapAgents(factory); err != nil {
		log.Fatalf("bootstrap agents: %v", err)
	}

	if *autoPermission != "" {
		level, err := domain.ParsePermissionLevel(*autoPermission)
		if err != nil {
			log.Fatalf("auto-permission: %v", err)
		}
		go processLoop(ctx, rt, level, time.Duration(cfg.Router.ProcessIntervalMS)*time.Millisecond)
	}

	a := &app{
		cfg:     cfg,
		factory: factory,
		router:  rt,
		store:   store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/requests", a.handleRequests)
	mux.HandleFunc("/requests/", a.handleRequestByID)
	mux.HandleFunc("/process", a.handleProcess)
	mux.HandleFunc("/report", a.handleReport)
	mux.HandleFunc("/dispatches", a.handleDispatches)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"grid_scout router started addr=%s db=%s redis=%s agents=%s",
		addr,
		dbPath,
		redisAddr,
		strings.Join(factory.Types(), ","),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func newFactory(table *agent.TeamTable) *agent.Factory {
	factory := agent.NewFactory()
	mustRegister(factory, agent.TypeLearningNavigator, func(id string) (agent.Agent, error) {
		return agent.NewLearningNavigator(id)
	})
	mustRegister(factory, agent.TypeAnalytics, func(id string) (agent.Agent, error) {
		return agent.NewAnalytics(id, table)
	})
	mustRegister(factory, agent.TypeDataSteward, func(id string) (agent.Agent, error) {
		return agent.NewDataSteward(id, table)
	})
	return factory
}

func mustRegister(f *agent.Factory, typeTag string, ctor agent.Constructor) {
	if err := f.RegisterType(typeTag, ctor); err != nil {
		log.Fatalf("register agent type %s: %v", typeTag, err)
	}
}

// bootstrapAgents creates one instance per registered type so the
// router can serve requests immediately.
func bootstrapAgents(factory *agent.Factory) error {
	for _, typeTag := range factory.Types() {
		if _, err := factory.Create(typeTag, typeTag+"-1"); err != nil {
			return err
		}
	}
	return nil
}

func processLoop(ctx context.Context, rt *router.Router, level domain.PermissionLevel, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.Process(ctx, level); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("process loop error: %v", err)
			}
		}
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   a.cfg.Path,
		"router": a.cfg.Router,
		"tools":  a.cfg.Tools.Available,
		"teams":  len(a.cfg.Teams),
	})
}

type agentView struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Status       domain.AgentStatus  `json:"status"`
	Capabilities []domain.Capability `json:"capabilities"`
	Metrics      domain.AgentMetrics `json:"metrics"`
}

func viewOf(ag agent.Agent) agentView {
	return agentView{
		ID:           ag.ID(),
		Type:         ag.Type(),
		Status:       ag.Status(),
		Capabilities: ag.Capabilities(),
		Metrics:      ag.Metrics(),
	}
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents := a.factory.List()
		views := make([]agentView, 0, len(agents))
		for _, ag := range agents {
			views = append(views, viewOf(ag))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		ag, err := a.factory.Create(req.Type, req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(ag))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(trimmed, "/")
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}

	ag, ok := a.factory.Get(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent %s not found", agentID))
		return
	}

	if len(parts) > 1 && parts[1] == "history" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, ag.History(parseLimit(r, 50)))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewOf(ag))
	case http.MethodDelete:
		a.factory.Destroy(agentID)
		writeJSON(w, http.StatusOK, map[string]any{"destroyed": agentID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		reqs, resps, err := a.store.ListRecentRequests(r.Context(), parseLimit(r, 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		type archived struct {
			Request  domain.Request  `json:"request"`
			Response domain.Response `json:"response"`
		}
		rows := make([]archived, 0, len(reqs))
		for i := range reqs {
			rows = append(rows, archived{Request: reqs[i], Response: resps[i]})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queued":   a.router.Queued(),
			"archived": rows,
		})
	case http.MethodPost:
		var body struct {
			ID          string            `json:"id"`
			AgentType   string            `json:"agent_type"`
			Action      string            `json:"action"`
			Params      map[string]any    `json:"params"`
			UserContext map[string]string `json:"user_context"`
			Priority    int               `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		req, err := a.router.Submit(r.Context(), domain.Request{
			ID:          body.ID,
			AgentType:   body.AgentType,
			Action:      body.Action,
			Params:      body.Params,
			UserContext: body.UserContext,
			Priority:    body.Priority,
		})
		if err != nil {
			if errors.Is(err, router.ErrDuplicateRequest) {
				if state, ok := a.router.Status(r.Context(), req.ID); ok {
					writeJSON(w, http.StatusOK, state)
					return
				}
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/requests/")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request id is required"))
		return
	}
	state, ok := a.router.Status(r.Context(), requestID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("request %s not found", requestID))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *app) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	level, err := domain.ParsePermissionLevel(body.Permission)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.router.Process(r.Context(), level)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *app) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts, err := a.store.CountRequestsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrumentation": a.router.Instrumentation().Snapshot(),
		"queue_depth":     a.router.QueueDepth(),
		"dead_letters":    len(a.router.DeadLetters()),
		"archived":        counts,
	})
}

func (a *app) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records, err := a.store.ListDispatches(r.Context(), r.URL.Query().Get("request_id"), parseLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("http %s %s took=%s", r.Method, r.URL.Path, time.Since(started))
	})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
