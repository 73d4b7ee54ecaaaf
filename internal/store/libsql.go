package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/signflow/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at dbPath, a file URI such as
// "file:/var/lib/signflow/signflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which the approval and
	// sequence transactions rely on.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		// Some PRAGMAs return a row, so QueryRow rather than Exec.
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal workflow definition").WithCause(err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Status), string(def), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, definition, created_at, updated_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT id, name, status, definition, created_at, updated_at FROM workflows`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(sc scanner) (*schema.Workflow, error) {
	var (
		wf     schema.Workflow
		status string
		def    string
	)
	if err := sc.Scan(&wf.ID, &wf.Name, &status, &def, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode definition of workflow %q", wf.ID).WithCause(err)
	}
	return &wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, document_id, user_id, status, current_step_index, context,
	error_message, awaiting, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *schema.Execution) error {
	awaiting, kind, ref, deadline, err := suspensionColumns(ex.Awaiting)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ex.CreatedAt = timeOrNow(ex.CreatedAt)
	ex.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, document_id, user_id, status, current_step_index, context,
			error_message, awaiting, awaiting_kind, awaiting_ref, awaiting_deadline, started_at, completed_at,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.DocumentID, ex.UserID, string(ex.Status), ex.CurrentStepIndex,
		nullRaw(ex.Context), nullStr(ex.ErrorMessage), awaiting, kind, ref, deadline,
		nullTime(ex.StartedAt), nullTime(ex.CompletedAt), ex.CreatedAt, ex.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *u.CurrentStepIndex)
	}
	if u.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(u.Context))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*u.ErrorMessage))
	}
	switch {
	case u.Awaiting != nil:
		awaiting, kind, ref, deadline, err := suspensionColumns(u.Awaiting)
		if err != nil {
			return err
		}
		sets = append(sets, "awaiting = ?", "awaiting_kind = ?", "awaiting_ref = ?", "awaiting_deadline = ?")
		args = append(args, awaiting, kind, ref, deadline)
	case u.ClearAwaiting:
		sets = append(sets, "awaiting = NULL", "awaiting_kind = NULL", "awaiting_ref = NULL", "awaiting_deadline = NULL")
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if u.ExpectStatus != nil {
		where = append(where, "status = ?")
		args = append(args, string(*u.ExpectStatus))
	}
	if u.ExpectAwaitingRef != nil {
		where = append(where, "awaiting_ref = ?")
		args = append(args, *u.ExpectAwaitingRef)
	}

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if !s.exists(ctx, "executions", id) {
		return storeNotFound("execution", id)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q changed concurrently", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.AwaitingKind != "" {
		where = append(where, "awaiting_kind = ?")
		args = append(args, string(filter.AwaitingKind))
	}
	if filter.AwaitingRef != "" {
		where = append(where, "awaiting_ref = ?")
		args = append(args, filter.AwaitingRef)
	}
	if filter.DeadlineBefore != nil {
		where = append(where, "awaiting_deadline IS NOT NULL AND awaiting_deadline <= ?")
		args = append(args, *filter.DeadlineBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(sc scanner) (*schema.Execution, error) {
	var (
		ex                     schema.Execution
		status                 string
		ctxJSON, errMsg, await sql.NullString
		started, completed     sql.NullTime
	)
	if err := sc.Scan(&ex.ID, &ex.WorkflowID, &ex.DocumentID, &ex.UserID, &status, &ex.CurrentStepIndex,
		&ctxJSON, &errMsg, &await, &started, &completed, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.Context = rawOrNil(ctxJSON)
	ex.ErrorMessage = errMsg.String
	ex.StartedAt = timePtr(started)
	ex.CompletedAt = timePtr(completed)
	if await.Valid && await.String != "" {
		var sp schema.Suspension
		if err := json.Unmarshal([]byte(await.String), &sp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode suspension of execution %q", ex.ID).WithCause(err)
		}
		ex.Awaiting = &sp
	}
	return &ex, nil
}

func suspensionColumns(sp *schema.Suspension) (awaiting, kind, ref, deadline any, err error) {
	if sp == nil {
		return nil, nil, nil, nil, nil
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return nil, nil, nil, nil, schema.NewError(schema.ErrCodeStore, "marshal suspension").WithCause(err)
	}
	return string(data), string(sp.Kind), sp.Ref, nullTime(sp.Deadline), nil
}

// --- Step records ---

const stepRecordColumns = `id, execution_id, step_id, step_index, step_type, status, result, error_message,
	attempts, started_at, completed_at, created_at`

func (s *LibSQLStore) AppendStepRecord(ctx context.Context, rec *schema.StepRecord) error {
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (id, execution_id, step_id, step_index, step_type, status, result,
			error_message, attempts, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.StepID, rec.StepIndex, string(rec.Type), string(rec.Status),
		nullRaw(rec.Result), nullStr(rec.ErrorMessage), rec.Attempts,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, id string) (*schema.StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepRecordColumns+` FROM step_records WHERE id = ?`, id)
	rec, err := scanStepRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step record", id)
	}
	return rec, err
}

func (s *LibSQLStore) UpdateStepRecord(ctx context.Context, id string, u StepRecordUpdate) error {
	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(u.Result))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*u.ErrorMessage))
	}
	if u.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE step_records SET "+strings.Join(sets, ", ")+
			" WHERE id = ? AND status NOT IN ('completed', 'failed', 'skipped')",
		args...)
	if err != nil {
		return fmt.Errorf("update step record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if !s.exists(ctx, "step_records", id) {
		return storeNotFound("step record", id)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "step record %q is terminal", id)
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*schema.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRecordColumns+` FROM step_records WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanStepRecord(sc scanner) (*schema.StepRecord, error) {
	var (
		rec                schema.StepRecord
		typ, status        string
		result, errMsg     sql.NullString
		started, completed sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &rec.StepIndex, &typ, &status, &result,
		&errMsg, &rec.Attempts, &started, &completed, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Type = schema.StepType(typ)
	rec.Status = schema.StepStatus(status)
	rec.Result = rawOrNil(result)
	rec.ErrorMessage = errMsg.String
	rec.StartedAt = timePtr(started)
	rec.CompletedAt = timePtr(completed)
	return &rec, nil
}

// --- Timers ---

func (s *LibSQLStore) CreateTimer(ctx context.Context, t *Timer) error {
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, execution_id, step_id, fire_at, fired, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		t.ID, t.ExecutionID, t.StepID, t.FireAt.UTC(), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ClaimTimer(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE timers SET fired = 1 WHERE id = ? AND fired = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 && !s.exists(ctx, "timers", id) {
		return false, storeNotFound("timer", id)
	}
	return n == 1, nil
}

func (s *LibSQLStore) ListDueTimers(ctx context.Context, now time.Time) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, fire_at, fired, created_at FROM timers
		 WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.StepID, &t.FireAt, &t.Fired, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e       Event
			stepID  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) exists(ctx context.Context, table, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	return err == nil
}

func storeNotFound(resource, id string) *schema.SignflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
