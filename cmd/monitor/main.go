package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"grid_scout/internal/domain"
	"grid_scout/internal/router"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedRouter struct {
	cmd *exec.Cmd
}

type archivedRequest struct {
	Request  domain.Request  `json:"request"`
	Response domain.Response `json:"response"`
}

type requestsPayload struct {
	Queued   []domain.Request  `json:"queued"`
	Archived []archivedRequest `json:"archived"`
}

type reportPayload struct {
	Instrumentation router.Report  `json:"instrumentation"`
	QueueDepth      int            `json:"queue_depth"`
	DeadLetters     int            `json:"dead_letters"`
	Archived        map[string]int `json:"archived"`
}

type agentPayload struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Status       domain.AgentStatus  `json:"status"`
	Capabilities []domain.Capability `json:"capabilities"`
	Metrics      domain.AgentMetrics `json:"metrics"`
}

// requestRow is one line of the requests table, queued or archived.
type requestRow struct {
	Request  domain.Request
	Status   domain.RequestStatus
	Duration time.Duration
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "router base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start router in the same monitor process lifecycle")
	routerBinary := flag.String("router-bin", "", "path to router binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded router")
	permission := flag.String("permission", "read_execute", "permission level for Ctrl+P manual processing")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedRouter
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedRouter(*addr, *routerBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded router: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "router health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	requestsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	requestsTable.SetTitle("Requests (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	responseView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	responseView.SetTitle("Response").SetBorder(true)

	dispatchView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	dispatchView.SetTitle("Dispatch Log").SetBorder(true)

	reportView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	reportView.SetTitle("Router Report").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Request -> Router: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit (agent_type action key=value ...)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+P process, Ctrl+L focus prompt, Ctrl+T focus requests",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(responseView, 0, 2, false).
		AddItem(dispatchView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(agentsView, 8, 0, false).
		AddItem(reportView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(requestsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedRequestID string
	var lastRows []requestRow
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRequests := func() {
		payload, err := c.listRequests(200)
		if err != nil {
			app.QueueUpdateDraw(func() {
				requestsTable.Clear()
				requestsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		rows := make([]requestRow, 0, len(payload.Queued)+len(payload.Archived))
		for _, req := range payload.Queued {
			rows = append(rows, requestRow{Request: req, Status: domain.RequestStatusQueued})
		}
		for _, ar := range payload.Archived {
			rows = append(rows, requestRow{
				Request:  ar.Request,
				Status:   ar.Response.Status,
				Duration: ar.Response.ExecutionTime,
			})
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].Request.SubmittedAt.After(rows[j].Request.SubmittedAt)
		})
		lastRows = rows
		app.QueueUpdateDraw(func() {
			renderRequestsTable(requestsTable, rows, selectedRequestID)
		})
	}

	refreshSummariesAsync := func() {
		go func() {
			report, reportErr := c.getReport()
			agents, agentsErr := c.listAgents()
			app.QueueUpdateDraw(func() {
				if reportErr != nil {
					reportView.SetText(fmt.Sprintf("error: %v", reportErr))
				} else {
					reportView.SetText(renderReport(report))
				}
				if agentsErr != nil {
					agentsView.SetText(fmt.Sprintf("error: %v", agentsErr))
				} else {
					agentsView.SetText(renderAgents(agents))
				}
			})
		}()
	}

	refreshDetailsAsync := func(requestID string) {
		if strings.TrimSpace(requestID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			responseView.SetText("Loading...")
			dispatchView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			type stateResult struct {
				state router.RequestState
				err   error
			}
			type dispatchResult struct {
				items []domain.DispatchRecord
				err   error
			}

			stateCh := make(chan stateResult, 1)
			dispatchCh := make(chan dispatchResult, 1)

			go func() {
				state, err := c.getRequestState(selected)
				stateCh <- stateResult{state: state, err: err}
			}()
			go func() {
				items, err := c.listDispatches(selected, 100)
				dispatchCh <- dispatchResult{items: items, err: err}
			}()

			stateRes := <-stateCh
			dispatchRes := <-dispatchCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRequestID {
					return
				}
				if stateRes.err != nil {
					responseView.SetText(fmt.Sprintf("error: %v", stateRes.err))
				} else {
					responseView.SetText(renderRequestState(stateRes.state))
				}
				if dispatchRes.err != nil {
					dispatchView.SetText(fmt.Sprintf("error: %v", dispatchRes.err))
				} else {
					dispatchView.SetText(renderDispatches(dispatchRes.items))
				}
			})
		}(requestID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Submitting request...")
		promptInput.SetText("")
		go func(input string) {
			requestID, err := c.submitRequestFromPrompt(input)
			if err != nil {
				setStatusAsync("Failed to submit request: " + err.Error())
				return
			}
			selectedRequestID = requestID
			refreshRequests()
			refreshDetailsAsync(selectedRequestID)
			setStatusAsync("Request submitted: " + requestID)
		}(prompt)
	}

	processQueue := func() {
		setStatusUI("Processing queue...")
		go func() {
			summary, err := c.process(*permission)
			if err != nil {
				setStatusAsync("Process failed: " + err.Error())
				return
			}
			refreshRequests()
			refreshSummariesAsync()
			refreshDetailsAsync(selectedRequestID)
			setStatusAsync(fmt.Sprintf(
				"Processed=%d completed=%d failed=%d denied=%d unroutable=%d requeued=%d remaining=%d",
				summary.Processed, summary.Completed, summary.Failed,
				summary.Denied, summary.Unroutable, summary.Requeued, summary.Remaining,
			))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	requestsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRows) {
			return
		}
		selectedRequestID = lastRows[row-1].Request.ID
		refreshDetailsAsync(selectedRequestID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(requestsTable)
				setStatusUI("Focus -> requests")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(requestsTable)
			setStatusUI("Focus -> requests")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRequests()
			refreshSummariesAsync()
			refreshDetailsAsync(selectedRequestID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlP:
			processQueue()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(requestsTable)
			setStatusUI("Focus -> requests")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			if app.GetFocus() == promptInput {
				app.SetFocus(requestsTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRequests()
		refreshSummariesAsync()
		for _, row := range lastRows {
			if row.Status == domain.RequestStatusQueued {
				selectedRequestID = row.Request.ID
				break
			}
		}
		if selectedRequestID != "" {
			refreshDetailsAsync(selectedRequestID)
		}

		for range ticker.C {
			refreshRequests()
			refreshSummariesAsync()
			if selectedRequestID == "" && len(lastRows) > 0 {
				selectedRequestID = lastRows[0].Request.ID
			}
			refreshDetailsAsync(selectedRequestID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedRouter(addr string, routerBinary string, dbPath string) (*embeddedRouter, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(routerBinary) != "" {
		cmd = exec.Command(routerBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "router")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/router", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start router process: %w", err)
	}

	proc := &embeddedRouter{cmd: cmd}
	return proc, nil
}

func (e *embeddedRouter) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRequestsTable(table *tview.Table, rows []requestRow, selectedRequestID string) {
	table.Clear()
	headers := []string{"Request", "Status", "Agent", "Action", "Pri", "Submitted"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, row := range rows {
		r := i + 1
		table.SetCell(r, 0, tview.NewTableCell(shortID(row.Request.ID)))
		table.SetCell(r, 1, tview.NewTableCell(string(row.Status)))
		table.SetCell(r, 2, tview.NewTableCell(row.Request.AgentType))
		table.SetCell(r, 3, tview.NewTableCell(trimLine(row.Request.Action, 28)))
		table.SetCell(r, 4, tview.NewTableCell(strconv.Itoa(row.Request.Priority)))
		table.SetCell(r, 5, tview.NewTableCell(row.Request.SubmittedAt.Format("15:04:05")))
		if row.Request.ID == selectedRequestID {
			table.Select(r, 0)
		}
	}
}

func renderRequestState(state router.RequestState) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"Request %s  status=%s\n  agent_type=%s action=%s priority=%d\n",
		shortID(state.Request.ID),
		state.Status,
		state.Request.AgentType,
		state.Request.Action,
		state.Request.Priority,
	))
	if state.RouteAttempts > 0 {
		b.WriteString(fmt.Sprintf("  route_attempts=%d\n", state.RouteAttempts))
	}
	if len(state.Request.Params) > 0 {
		b.WriteString("  params: " + trimLine(kvSummary(state.Request.Params), 160) + "\n")
	}
	if state.Response == nil {
		b.WriteString("\nNo response yet\n")
		return b.String()
	}
	resp := state.Response
	b.WriteString(fmt.Sprintf(
		"\nResponse at %s  took=%s\n",
		resp.CompletedAt.Format("15:04:05"),
		resp.ExecutionTime.Round(time.Millisecond),
	))
	if resp.ErrorMessage != "" {
		b.WriteString("  error: " + trimLine(resp.ErrorMessage, 160) + "\n")
	}
	for k, v := range resp.Metadata {
		b.WriteString(fmt.Sprintf("  %s: %s\n", k, trimLine(v, 120)))
	}
	if len(resp.Result) > 0 {
		b.WriteString("  result:\n")
		raw, err := json.MarshalIndent(resp.Result, "    ", "  ")
		if err != nil {
			b.WriteString("    " + kvSummary(resp.Result) + "\n")
		} else {
			b.WriteString("    " + string(raw) + "\n")
		}
	}
	return b.String()
}

func renderDispatches(items []domain.DispatchRecord) string {
	if len(items) == 0 {
		return "No dispatches"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s -> %s  %s  outcome=%s took=%s\n",
			d.CreatedAt.Format("15:04:05"),
			shortID(d.RequestID),
			firstNonEmpty(d.AgentID, d.AgentType),
			d.Action,
			d.Outcome,
			d.Duration.Round(time.Millisecond),
		))
		if d.Reason != "" {
			b.WriteString("  reason: " + trimLine(d.Reason, 120) + "\n")
		}
	}
	return b.String()
}

func renderReport(report reportPayload) string {
	ins := report.Instrumentation
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"submitted=%d duplicates=%d process_calls=%d processed=%d\n",
		ins.Submitted, ins.Duplicates, ins.ProcessCalls, ins.Processed,
	))
	b.WriteString(fmt.Sprintf(
		"completed=%d failed=%d denied=%d unroutable=%d requeued=%d reorders=%d\n",
		ins.Completed, ins.Failed, ins.Denied, ins.Unroutable, ins.Requeued, ins.Reorders,
	))
	b.WriteString(fmt.Sprintf(
		"failure_rate=%.3f denial_rate=%.3f unroutable_rate=%.3f\n",
		ins.FailureRate, ins.DenialRate, ins.UnroutableRate,
	))
	b.WriteString(fmt.Sprintf(
		"queue depth: now=%d last=%d max=%d avg=%.1f  dead_letters=%d\n",
		report.QueueDepth, ins.QueueDepthLast, ins.QueueDepthMax, ins.QueueDepthAvg, report.DeadLetters,
	))
	if len(report.Archived) > 0 {
		statuses := make([]string, 0, len(report.Archived))
		for status := range report.Archived {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", status, report.Archived[status]))
		}
		b.WriteString("archived: " + strings.Join(parts, " ") + "\n")
	}
	return b.String()
}

func renderAgents(agents []agentPayload) string {
	if len(agents) == 0 {
		return "No agents"
	}
	var b strings.Builder
	for _, a := range agents {
		b.WriteString(fmt.Sprintf(
			"%-24s type=%-20s status=%-6s runs=%d errors=%d avg=%s\n",
			a.ID, a.Type, a.Status,
			a.Metrics.Executions, a.Metrics.Errors,
			a.Metrics.AverageDuration.Round(time.Millisecond),
		))
		actions := make([]string, 0, len(a.Capabilities))
		for _, capability := range a.Capabilities {
			actions = append(actions, capability.Name)
		}
		if len(actions) > 0 {
			b.WriteString("  actions: " + trimLine(strings.Join(actions, ", "), 120) + "\n")
		}
	}
	return b.String()
}

func kvSummary(kv map[string]any) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, ", ")
}

// submitRequestFromPrompt parses "agent_type action key=value ..." and
// posts it as a new request.
func (c *client) submitRequestFromPrompt(prompt string) (string, error) {
	fields := strings.Fields(prompt)
	if len(fields) < 2 {
		return "", fmt.Errorf("prompt needs at least agent_type and action")
	}
	params := map[string]any{}
	for _, field := range fields[2:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return "", fmt.Errorf("malformed parameter %q, want key=value", field)
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else {
			params[key] = value
		}
	}

	body := map[string]any{
		"agent_type": fields[0],
		"action":     fields[1],
		"params":     params,
		"priority":   domain.MinPriority,
	}
	var req domain.Request
	if err := c.postJSON("/requests", body, &req); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (c *client) listRequests(limit int) (requestsPayload, error) {
	var out requestsPayload
	if err := c.getJSON(fmt.Sprintf("/requests?limit=%d", limit), &out); err != nil {
		return requestsPayload{}, err
	}
	return out, nil
}

func (c *client) getRequestState(requestID string) (router.RequestState, error) {
	var out router.RequestState
	if err := c.getJSON("/requests/"+requestID, &out); err != nil {
		return router.RequestState{}, err
	}
	return out, nil
}

func (c *client) listDispatches(requestID string, limit int) ([]domain.DispatchRecord, error) {
	var out []domain.DispatchRecord
	path := fmt.Sprintf("/dispatches?limit=%d", limit)
	if requestID != "" {
		path += "&request_id=" + url.QueryEscape(requestID)
	}
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getReport() (reportPayload, error) {
	var out reportPayload
	if err := c.getJSON("/report", &out); err != nil {
		return reportPayload{}, err
	}
	return out, nil
}

func (c *client) listAgents() ([]agentPayload, error) {
	var out []agentPayload
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) process(permission string) (router.ProcessReport, error) {
	var out router.ProcessReport
	if err := c.postJSON("/process", map[string]any{"permission": permission}, &out); err != nil {
		return router.ProcessReport{}, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}


func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
