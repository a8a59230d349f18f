package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"tg_monitor/internal/model"
	"tg_monitor/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// payload bundles the variant-specific part of a monitor spec for storage
// in a single JSON column.
type payload struct {
	Keyword *model.KeywordRule       `json:"keyword,omitempty"`
	FileExt *model.FileExtensionRule `json:"file_ext,omitempty"`
	AI      *model.SemanticRule      `json:"ai,omitempty"`
	Button  *model.ButtonRule        `json:"button,omitempty"`
}

// UpsertMonitor inserts or replaces a monitor row keyed by its id.
func (s *SQLite) UpsertMonitor(ctx context.Context, spec model.MonitorSpec) error {
	chats, err := json.Marshal(idsOrEmpty(spec.Chats))
	if err != nil {
		return fmt.Errorf("marshal chats: %w", err)
	}
	allowed, err := json.Marshal(idsOrEmpty(spec.Allowed))
	if err != nil {
		return fmt.Errorf("marshal allowed: %w", err)
	}
	blocked, err := json.Marshal(idsOrEmpty(spec.Blocked))
	if err != nil {
		return fmt.Errorf("marshal blocked: %w", err)
	}
	actions, err := json.Marshal(spec.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	pl, err := json.Marshal(payload{
		Keyword: spec.Keyword, FileExt: spec.FileExt, AI: spec.AI, Button: spec.Button,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO monitors
		 (id, kind, priority, chats, allowed, blocked, max_executions, execution_count, paused, actions, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ID, string(spec.Kind), spec.Priority, string(chats), string(allowed), string(blocked),
		spec.MaxExecutions, spec.ExecutionCount, boolToInt(spec.Paused),
		string(actions), string(pl), spec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

// DeleteMonitor removes a monitor row.
func (s *SQLite) DeleteMonitor(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return nil
}

// ListMonitors returns all persisted monitor specs ordered by id.
func (s *SQLite) ListMonitors(ctx context.Context) ([]model.MonitorSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, priority, chats, allowed, blocked, max_executions, execution_count, paused, actions, payload, created_at
		 FROM monitors ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var specs []model.MonitorSpec
	for rows.Next() {
		spec, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func scanMonitor(rows *sql.Rows) (model.MonitorSpec, error) {
	var spec model.MonitorSpec
	var kind, chats, allowed, blocked, actions, pl, created string
	var paused int
	err := rows.Scan(&spec.ID, &kind, &spec.Priority, &chats, &allowed, &blocked,
		&spec.MaxExecutions, &spec.ExecutionCount, &paused, &actions, &pl, &created)
	if err != nil {
		return spec, fmt.Errorf("scan monitor: %w", err)
	}
	spec.Kind = model.MonitorKind(kind)
	spec.Paused = paused == 1
	if err := json.Unmarshal([]byte(chats), &spec.Chats); err != nil {
		return spec, fmt.Errorf("unmarshal chats: %w", err)
	}
	if err := json.Unmarshal([]byte(allowed), &spec.Allowed); err != nil {
		return spec, fmt.Errorf("unmarshal allowed: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &spec.Blocked); err != nil {
		return spec, fmt.Errorf("unmarshal blocked: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &spec.Actions); err != nil {
		return spec, fmt.Errorf("unmarshal actions: %w", err)
	}
	var p payload
	if err := json.Unmarshal([]byte(pl), &p); err != nil {
		return spec, fmt.Errorf("unmarshal payload: %w", err)
	}
	spec.Keyword, spec.FileExt, spec.AI, spec.Button = p.Keyword, p.FileExt, p.AI, p.Button
	spec.CreatedAt, _ = time.Parse(timeLayout, created)
	return spec, nil
}

// UpsertJob inserts or replaces a scheduled job row keyed by its id.
func (s *SQLite) UpsertJob(ctx context.Context, job model.ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs
		 (id, account_ordinal, target_chat, cron, payload, message, random_delay_ns, delete_after_send, enabled, max_executions, execution_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AccountOrdinal, job.TargetChat, job.Cron, string(job.Payload), job.Message,
		int64(job.RandomDelayMax), boolToInt(job.DeleteAfterSend), boolToInt(job.Enabled),
		job.MaxExecutions, job.ExecutionCount, job.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// DeleteJob removes a scheduled job row.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListJobs returns all persisted jobs ordered by creation time.
func (s *SQLite) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_ordinal, target_chat, cron, payload, message, random_delay_ns, delete_after_send, enabled, max_executions, execution_count, created_at
		 FROM jobs ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []model.ScheduledJob
	for rows.Next() {
		var job model.ScheduledJob
		var pl, created string
		var delayNS int64
		var deleteAfter, enabled int
		err := rows.Scan(&job.ID, &job.AccountOrdinal, &job.TargetChat, &job.Cron, &pl, &job.Message,
			&delayNS, &deleteAfter, &enabled, &job.MaxExecutions, &job.ExecutionCount, &created)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = model.JobPayload(pl)
		job.RandomDelayMax = time.Duration(delayNS)
		job.DeleteAfterSend = deleteAfter == 1
		job.Enabled = enabled == 1
		job.CreatedAt, _ = time.Parse(timeLayout, created)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpsertAccount inserts or replaces an account row keyed by its ordinal.
func (s *SQLite) UpsertAccount(ctx context.Context, account model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO accounts (ordinal, identity, token, paused, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.Ordinal, account.Identity, account.Token, boolToInt(account.Paused),
		account.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account row.
func (s *SQLite) DeleteAccount(ctx context.Context, ordinal int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE ordinal = ?`, ordinal); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// ListAccounts returns all persisted accounts in ordinal order.
func (s *SQLite) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, identity, token, paused, created_at FROM accounts ORDER BY ordinal`,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		var acct model.Account
		var paused int
		var created string
		if err := rows.Scan(&acct.Ordinal, &acct.Identity, &acct.Token, &paused, &created); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.Paused = paused == 1
		acct.CreatedAt, _ = time.Parse(timeLayout, created)
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// idsOrEmpty keeps empty slices as [] in JSON instead of null.
func idsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
