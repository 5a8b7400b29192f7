package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/playbooks/pkg/schema"
)

// SQLStore implements Store over database/sql. It speaks libSQL (embedded
// SQLite fork) and Postgres; the schema and queries are shared.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore opens a database for the given dialect. For libsql the dsn is a
// file URI, e.g. "file:/path/to/playbooks.db"; for postgres a lib/pq DSN.
func NewSQLStore(dialectName, dsn string) (*SQLStore, error) {
	d, err := newDialect(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}

	switch d.name {
	case DialectLibSQL:
		db.SetMaxOpenConns(1)
		// Some PRAGMAs return rows so we use QueryRow.
		for _, p := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			var result string
			_ = db.QueryRow(p).Scan(&result)
		}
	case DialectPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// --- Organizations ---

func (s *SQLStore) CreateOrganization(ctx context.Context, org *Organization) error {
	org.CreatedAt = timeOrNow(org.CreatedAt)
	_, err := s.exec(ctx, s.db,
		`INSERT INTO organizations (id, name, slug, enabled, created_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Slug, org.Enabled, org.CreatedAt,
	)
	return err
}

func (s *SQLStore) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	org := &Organization{}
	err := s.queryRow(ctx, s.db,
		`SELECT id, name, slug, enabled, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.Slug, &org.Enabled, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *SQLStore) SetOrganizationEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.exec(ctx, s.db, `UPDATE organizations SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "organization", id)
}

// --- Playbooks ---

const playbookColumns = `id, organization_id, name, slug, enabled, definition, definition_version, created_at, updated_at`

func (s *SQLStore) CreatePlaybook(ctx context.Context, pb *Playbook) error {
	pb.CreatedAt = timeOrNow(pb.CreatedAt)
	pb.UpdatedAt = timeOrNow(pb.UpdatedAt)
	_, err := s.exec(ctx, s.db,
		`INSERT INTO playbooks (`+playbookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pb.ID, pb.OrganizationID, pb.Name, pb.Slug, pb.Enabled, nullStr(pb.Definition), pb.DefinitionVersion,
		pb.CreatedAt, pb.UpdatedAt,
	)
	return err
}

func scanPlaybook(row rowScanner) (*Playbook, error) {
	pb := &Playbook{}
	var def sql.NullString
	if err := row.Scan(&pb.ID, &pb.OrganizationID, &pb.Name, &pb.Slug, &pb.Enabled, &def,
		&pb.DefinitionVersion, &pb.CreatedAt, &pb.UpdatedAt); err != nil {
		return nil, err
	}
	pb.Definition = def.String
	return pb, nil
}

func (s *SQLStore) GetPlaybook(ctx context.Context, id uuid.UUID) (*Playbook, error) {
	pb, err := scanPlaybook(s.queryRow(ctx, s.db, `SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("playbook", id)
	}
	return pb, err
}

func (s *SQLStore) ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*Playbook, error) {
	var where []string
	var args []any
	if filter.OrganizationID != nil {
		where = append(where, "organization_id = ?")
		args = append(args, *filter.OrganizationID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = ?")
		args = append(args, true)
	}

	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

func (s *SQLStore) PublishDefinition(ctx context.Context, playbookID uuid.UUID, serialized string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx,
		`UPDATE playbooks SET definition = ?, definition_version = definition_version + 1, updated_at = ? WHERE id = ?`,
		serialized, time.Now().UTC(), playbookID,
	)
	if err != nil {
		return 0, err
	}
	if err := checkRowsAffected(res, "playbook", playbookID); err != nil {
		return 0, err
	}

	var version int
	if err := s.queryRow(ctx, tx, `SELECT definition_version FROM playbooks WHERE id = ?`, playbookID).Scan(&version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish: %w", err)
	}
	return version, nil
}

// --- Runs ---

const runColumns = `id, playbook_id, organization_id, group_id, version, state, definition, definition_version,
	cursor_ref, trigger_type, trigger_data, outputs, properties, suspended_until, error, created_at, updated_at, completed_at`

// encodedRun holds the JSON columns of a run.
type encodedRun struct {
	cursor      any
	triggerData string
	outputs     string
	properties  string
}

func encodeRun(run *PlaybookRun) (encodedRun, error) {
	var enc encodedRun
	if run.Cursor != nil {
		b, err := json.Marshal(run.Cursor)
		if err != nil {
			return enc, fmt.Errorf("marshal cursor: %w", err)
		}
		enc.cursor = string(b)
	}
	td, err := marshalOrEmpty(run.TriggerData)
	if err != nil {
		return enc, fmt.Errorf("marshal trigger_data: %w", err)
	}
	outputs, err := marshalOrEmpty(run.Outputs)
	if err != nil {
		return enc, fmt.Errorf("marshal outputs: %w", err)
	}
	props, err := json.Marshal(run.Properties)
	if err != nil {
		return enc, fmt.Errorf("marshal properties: %w", err)
	}
	enc.triggerData, enc.outputs, enc.properties = td, outputs, string(props)
	return enc, nil
}

func scanRun(row rowScanner) (*PlaybookRun, error) {
	run := &PlaybookRun{}
	var (
		groupID                     uuid.NullUUID
		state                       string
		cursor, errMsg              sql.NullString
		triggerData, outputs, props string
		suspendedUntil, completedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.PlaybookID, &run.OrganizationID, &groupID, &run.Version, &state,
		&run.SerializedDefinition, &run.DefinitionVersion, &cursor, &run.TriggerType, &triggerData,
		&outputs, &props, &suspendedUntil, &errMsg, &run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = schema.RunState(state)
	run.Error = errMsg.String
	if groupID.Valid {
		id := groupID.UUID
		run.GroupID = &id
	}
	if cursor.Valid && cursor.String != "" {
		var ref schema.ActionReference
		if err := json.Unmarshal([]byte(cursor.String), &ref); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
		run.Cursor = &ref
	}
	if err := json.Unmarshal([]byte(triggerData), &run.TriggerData); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &run.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &run.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	if suspendedUntil.Valid {
		t := suspendedUntil.Time
		run.SuspendedUntil = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *PlaybookRun, history []*RunEvent) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = s.queryRow(ctx, tx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists)
	if err == nil {
		return storeConflict("run", run.ID)
	}
	if err != sql.ErrNoRows {
		return err
	}

	if _, err := s.exec(ctx, tx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlaybookID, run.OrganizationID, nullUUID(run.GroupID), run.Version, string(run.State),
		run.SerializedDefinition, run.DefinitionVersion, enc.cursor, run.TriggerType, enc.triggerData,
		enc.outputs, enc.properties, nullTime(run.SuspendedUntil), nullStr(run.Error),
		run.CreatedAt, run.UpdatedAt, nullTime(run.CompletedAt),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := s.appendHistory(ctx, tx, run.ID, history); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id uuid.UUID) (*PlaybookRun, error) {
	run, err := scanRun(s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *SQLStore) SaveRunIfVersionMatches(ctx context.Context, run *PlaybookRun, expected int, history []*RunEvent) (bool, error) {
	enc, err := encodeRun(run)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx,
		`UPDATE runs SET version = ?, state = ?, cursor_ref = ?, outputs = ?, properties = ?,
			suspended_until = ?, error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		expected+1, string(run.State), enc.cursor, enc.outputs, enc.properties,
		nullTime(run.SuspendedUntil), nullStr(run.Error), now, nullTime(run.CompletedAt),
		run.ID, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.appendHistory(ctx, tx, run.ID, history); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save run: %w", err)
	}
	run.Version = expected + 1
	run.UpdatedAt = now
	return true, nil
}

// appendHistory assigns contiguous sequences after the run's last event. It runs
// inside the transaction that wrote the run row, so the row write serializes it.
func (s *SQLStore) appendHistory(ctx context.Context, tx *sql.Tx, runID uuid.UUID, history []*RunEvent) error {
	if len(history) == 0 {
		return nil
	}
	var seq int64
	if err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, e := range history {
		seq++
		e.RunID = runID
		e.Sequence = seq
		e.Timestamp = timeOrNow(e.Timestamp)
		if _, err := s.exec(ctx, tx,
			`INSERT INTO run_events (run_id, seq, event_type, step_id, outcome, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, seq, e.Type, nullStr(e.StepID), nullStr(string(e.Outcome)), nullRaw(e.Payload), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*PlaybookRun, error) {
	var where []string
	var args []any
	if filter.GroupID != nil {
		where = append(where, "group_id = ?")
		args = append(args, *filter.GroupID)
	}
	if filter.PlaybookID != nil {
		where = append(where, "playbook_id = ?")
		args = append(args, *filter.PlaybookID)
	}
	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.SuspendedUntil != nil {
		// Timestamp comparison happens below; SQLite stores timestamps as text.
		where = append(where, "suspended_until IS NOT NULL")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlaybookRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if filter.SuspendedUntil != nil && run.SuspendedUntil.After(*filter.SuspendedUntil) {
			continue
		}
		out = append(out, run)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) GetRunHistory(ctx context.Context, runID uuid.UUID, since int64) ([]*RunEvent, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT run_id, seq, event_type, step_id, outcome, payload, occurred_at
		 FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepID, outcome, payload sql.NullString
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Type, &stepID, &outcome, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Outcome = schema.StepOutcome(outcome.String)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Run groups ---

const groupColumns = `id, playbook_id, organization_id, version, state, total, completed, failed, canceled, properties, created_at, updated_at, members`

func scanGroup(row rowScanner) (*PlaybookRunGroup, error) {
	g := &PlaybookRunGroup{}
	var state, props, members string
	if err := row.Scan(&g.ID, &g.PlaybookID, &g.OrganizationID, &g.Version, &state, &g.Total,
		&g.Completed, &g.Failed, &g.Canceled, &props, &g.CreatedAt, &g.UpdatedAt, &members); err != nil {
		return nil, err
	}
	g.State = schema.GroupState(state)
	if err := json.Unmarshal([]byte(props), &g.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal group properties: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		return nil, fmt.Errorf("unmarshal group members: %w", err)
	}
	if len(g.Members) == 0 {
		g.Members = nil
	}
	return g, nil
}

func (s *SQLStore) CreateRunGroup(ctx context.Context, group *PlaybookRunGroup) error {
	props, err := json.Marshal(group.Properties)
	if err != nil {
		return fmt.Errorf("marshal group properties: %w", err)
	}
	members, err := marshalOrEmpty(group.Members)
	if err != nil {
		return fmt.Errorf("marshal group members: %w", err)
	}
	group.CreatedAt = timeOrNow(group.CreatedAt)
	group.UpdatedAt = timeOrNow(group.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = s.queryRow(ctx, tx, `SELECT 1 FROM run_groups WHERE id = ?`, group.ID).Scan(&exists)
	if err == nil {
		return storeConflict("run group", group.ID)
	}
	if err != sql.ErrNoRows {
		return err
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO run_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.ID, group.PlaybookID, group.OrganizationID, group.Version, string(group.State), group.Total,
		group.Completed, group.Failed, group.Canceled, string(props), group.CreatedAt, group.UpdatedAt, members,
	); err != nil {
		return fmt.Errorf("insert run group: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetRunGroup(ctx context.Context, id uuid.UUID) (*PlaybookRunGroup, error) {
	g, err := scanGroup(s.queryRow(ctx, s.db, `SELECT `+groupColumns+` FROM run_groups WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run group", id)
	}
	return g, err
}

func (s *SQLStore) SaveRunGroupIfVersionMatches(ctx context.Context, group *PlaybookRunGroup, expected int) (bool, error) {
	props, err := json.Marshal(group.Properties)
	if err != nil {
		return false, fmt.Errorf("marshal group properties: %w", err)
	}
	members, err := marshalOrEmpty(group.Members)
	if err != nil {
		return false, fmt.Errorf("marshal group members: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx, s.db,
		`UPDATE run_groups SET version = ?, state = ?, total = ?, completed = ?, failed = ?, canceled = ?,
			properties = ?, members = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		expected+1, string(group.State), group.Total, group.Completed, group.Failed, group.Canceled,
		string(props), members, now, group.ID, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	group.Version = expected + 1
	group.UpdatedAt = now
	return true, nil
}

// --- Schedules ---

const scheduleColumns = `id, playbook_id, organization_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *SQLStore) CreateSchedule(ctx context.Context, sched *PlaybookSchedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.exec(ctx, s.db,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.PlaybookID, sched.OrganizationID, sched.CronExpression, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), sched.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*PlaybookSchedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.PlaybookID != nil {
		where = append(where, "playbook_id = ?")
		args = append(args, *filter.PlaybookID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlaybookSchedule
	for rows.Next() {
		sc := &PlaybookSchedule{}
		var lastRun, nextRun sql.NullTime
		var status sql.NullString
		if err := rows.Scan(&sc.ID, &sc.PlaybookID, &sc.OrganizationID, &sc.CronExpression, &sc.Enabled,
			&lastRun, &nextRun, &status, &sc.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		sc.LastRunStatus = status.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSchedule(ctx context.Context, id uuid.UUID, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.exec(ctx, s.db, fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
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

func marshalOrEmpty[M ~map[K]V, K comparable, V any](m M) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ Store = (*SQLStore)(nil)
