package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deskd-io/deskd/pkg/protocol"
)

// SQLiteStore implements Store using SQLite. Status and current_stage are
// independent columns so pollers read progress without unpacking the stage
// result history.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// WAL mode for concurrent readers while the engine writes checkpoints
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id            TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL DEFAULT '',
			email         TEXT NOT NULL DEFAULT '',
			query         TEXT NOT NULL,
			priority      TEXT NOT NULL DEFAULT 'medium',
			status        TEXT NOT NULL DEFAULT 'created',
			current_stage INTEGER NOT NULL DEFAULT 0,
			stage_results TEXT NOT NULL DEFAULT '{}',
			human_answer  TEXT NOT NULL DEFAULT '',
			resolution    TEXT NOT NULL DEFAULT '',
			failed_tool   TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS invocations (
			id         TEXT PRIMARY KEY,
			ticket_id  TEXT NOT NULL REFERENCES tickets(id),
			tool       TEXT NOT NULL,
			ability    TEXT NOT NULL,
			attempt    INTEGER NOT NULL,
			outcome    TEXT NOT NULL,
			error      TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_updated ON tickets(updated_at);
		CREATE INDEX IF NOT EXISTS idx_invocations_ticket ON invocations(ticket_id);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(inst *protocol.TicketInstance) error {
	results, _ := json.Marshal(orEmpty(inst.StageResults))
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, customer_name, email, query, priority, status, current_stage,
			stage_results, human_answer, resolution, failed_tool, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.Payload.CustomerName, inst.Payload.Email, inst.Payload.Query,
		inst.Payload.Priority, string(inst.Status), inst.CurrentStage, string(results),
		inst.HumanAnswer, inst.Resolution, inst.FailedTool, inst.Error,
		inst.CreatedAt.UTC().Format(time.RFC3339Nano), inst.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("store: create %s: %w", inst.ID, protocol.ErrDuplicateTicket)
		}
		return fmt.Errorf("store: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.TicketInstance, error) {
	row := s.db.QueryRow(`SELECT id, customer_name, email, query, priority, status, current_stage,
		stage_results, human_answer, resolution, failed_tool, error, created_at, updated_at
		FROM tickets WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: get %s: %w", id, protocol.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) CompareAndSwap(id string, expect protocol.TicketStatus, inst *protocol.TicketInstance) error {
	results, _ := json.Marshal(orEmpty(inst.StageResults))
	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, current_stage = ?, stage_results = ?,
			human_answer = ?, resolution = ?, failed_tool = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(inst.Status), inst.CurrentStage, string(results), inst.HumanAnswer,
		inst.Resolution, inst.FailedTool, inst.Error,
		inst.UpdatedAt.UTC().Format(time.RFC3339Nano), id, string(expect))
	if err != nil {
		return fmt.Errorf("store: cas: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("store: cas: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("store: cas %s: %w", id, protocol.ErrNotFound)
		}
		return fmt.Errorf("store: cas %s expected %s: %w", id, expect, protocol.ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.TicketInstance, error) {
	query, args := filterQuery(`SELECT id, customer_name, email, query, priority, status, current_stage,
		stage_results, human_answer, resolution, failed_tool, error, created_at, updated_at
		FROM tickets WHERE 1=1`, filter)
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*protocol.TicketInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	query, args := filterQuery(`SELECT COUNT(*) FROM tickets WHERE 1=1`, filter)
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) AppendInvocation(inv protocol.Invocation) error {
	_, err := s.db.Exec(`INSERT INTO invocations (id, ticket_id, tool, ability, attempt, outcome, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TicketID, inv.Tool, inv.Ability, inv.Attempt, inv.Outcome,
		inv.Error, inv.LatencyMS, inv.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: append invocation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Invocations(ticketID string) ([]protocol.Invocation, error) {
	rows, err := s.db.Query(`SELECT id, ticket_id, tool, ability, attempt, outcome, error, latency_ms, created_at
		FROM invocations WHERE ticket_id = ? ORDER BY created_at ASC, attempt ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("store: invocations: %w", err)
	}
	defer rows.Close()

	var out []protocol.Invocation
	for rows.Next() {
		var inv protocol.Invocation
		var ts string
		if err := rows.Scan(&inv.ID, &inv.TicketID, &inv.Tool, &inv.Ability, &inv.Attempt,
			&inv.Outcome, &inv.Error, &inv.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("store: invocations scan: %w", err)
		}
		inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

func filterQuery(base string, filter Filter) (string, []any) {
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		base += " AND status IN (" + placeholders + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		base += " AND updated_at < ?"
		args = append(args, filter.UpdatedBefore.UTC().Format(time.RFC3339Nano))
	}
	return base, args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInstance(row scannable) (*protocol.TicketInstance, error) {
	var inst protocol.TicketInstance
	var status, resultsJSON, createdAt, updatedAt string

	err := row.Scan(&inst.ID, &inst.Payload.CustomerName, &inst.Payload.Email,
		&inst.Payload.Query, &inst.Payload.Priority, &status, &inst.CurrentStage,
		&resultsJSON, &inst.HumanAnswer, &inst.Resolution, &inst.FailedTool,
		&inst.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.Status = protocol.TicketStatus(status)
	json.Unmarshal([]byte(resultsJSON), &inst.StageResults)
	if inst.StageResults == nil {
		inst.StageResults = map[string]json.RawMessage{}
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}

func orEmpty(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}
