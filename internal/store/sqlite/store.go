package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grid_scout/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	action TEXT NOT NULL,
	params TEXT NOT NULL,
	user_context TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	submitted_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	execution_time_ns INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, completed_at);
CREATE INDEX IF NOT EXISTS idx_requests_completed ON requests(completed_at);

CREATE TABLE IF NOT EXISTS dispatch_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	duration_ns INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_request ON dispatch_log(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_created ON dispatch_log(created_at);
`

var ErrNotFound = errors.New("request not found in archive")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ArchiveRequest stores a request together with its terminal response.
// Replaces on conflict so a late rewrite of the same id stays safe.
func (s *Store) ArchiveRequest(ctx context.Context, req domain.Request, resp domain.Response) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO requests(
			id, agent_type, action, params, user_context, priority, submitted_at,
			status, result, error_message, execution_time_ns, metadata, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AgentType, req.Action, string(mustJSON(req.Params)), string(mustJSON(req.UserContext)),
		req.Priority, req.SubmittedAt.Unix(), string(resp.Status), string(mustJSON(resp.Result)),
		resp.ErrorMessage, int64(resp.ExecutionTime), string(mustJSON(resp.Metadata)), resp.CompletedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("archive request: %w", err)
	}
	return nil
}

func (s *Store) GetArchivedRequest(ctx context.Context, requestID string) (domain.Request, domain.Response, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, agent_type, action, params, user_context, priority, submitted_at,
			status, result, error_message, execution_time_ns, metadata, completed_at
		FROM requests WHERE id = ?`,
		requestID,
	)
	req, resp, err := scanArchivedRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Request{}, domain.Response{}, ErrNotFound
		}
		return domain.Request{}, domain.Response{}, fmt.Errorf("get archived request: %w", err)
	}
	return req, resp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchivedRequest(row rowScanner) (domain.Request, domain.Response, error) {
	var req domain.Request
	var resp domain.Response
	var params, userCtx, result, metadata, status string
	var submitted, completed, execNS int64
	if err := row.Scan(
		&req.ID, &req.AgentType, &req.Action, &params, &userCtx, &req.Priority, &submitted,
		&status, &result, &resp.ErrorMessage, &execNS, &metadata, &completed,
	); err != nil {
		return domain.Request{}, domain.Response{}, err
	}
	req.SubmittedAt = unixToTime(submitted)
	_ = json.Unmarshal([]byte(params), &req.Params)
	_ = json.Unmarshal([]byte(userCtx), &req.UserContext)

	resp.RequestID = req.ID
	resp.AgentType = req.AgentType
	resp.Status = domain.RequestStatus(status)
	resp.ExecutionTime = time.Duration(execNS)
	resp.CompletedAt = unixToTime(completed)
	_ = json.Unmarshal([]byte(result), &resp.Result)
	_ = json.Unmarshal([]byte(metadata), &resp.Metadata)
	return req, resp, nil
}

// ListRecentRequests returns archived requests newest first.
func (s *Store) ListRecentRequests(ctx context.Context, limit int) ([]domain.Request, []domain.Response, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, agent_type, action, params, user_context, priority, submitted_at,
			status, result, error_message, execution_time_ns, metadata, completed_at
		FROM requests
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("list recent requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]domain.Request, 0, limit)
	resps := make([]domain.Response, 0, limit)
	for rows.Next() {
		req, resp, err := scanArchivedRequest(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan recent request: %w", err)
		}
		reqs = append(reqs, req)
		resps = append(resps, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate recent requests: %w", err)
	}
	return reqs, resps, nil
}

func (s *Store) LogDispatch(ctx context.Context, rec domain.DispatchRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dispatch_log(request_id, agent_id, agent_type, action, outcome, reason, duration_ns, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.AgentID, rec.AgentType, rec.Action, string(rec.Outcome),
		rec.Reason, int64(rec.Duration), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log dispatch: %w", err)
	}
	return nil
}

// ListDispatches returns audit rows newest first; requestID filters
// when non-empty.
func (s *Store) ListDispatches(ctx context.Context, requestID string, limit int) ([]domain.DispatchRecord, error) {
	if limit <= 0 {
		limit = 300
	}
	query := `SELECT id, request_id, agent_id, agent_type, action, outcome, reason, duration_ns, created_at
		FROM dispatch_log`
	args := []any{}
	if requestID != "" {
		query += ` WHERE request_id = ?`
		args = append(args, requestID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DispatchRecord, 0, limit)
	for rows.Next() {
		var rec domain.DispatchRecord
		var outcome string
		var durationNS, createdAt int64
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.AgentID, &rec.AgentType, &rec.Action,
			&outcome, &rec.Reason, &durationNS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		rec.Outcome = domain.DispatchOutcome(outcome)
		rec.Duration = time.Duration(durationNS)
		rec.CreatedAt = unixToTime(createdAt)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return result, nil
}

func (s *Store) CountRequestsByStatus(ctx context.Context) (map[domain.RequestStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count requests by status: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.RequestStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		result[domain.RequestStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
