package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mkarppi/signoff/pkg/api"
)

// SQLiteStore is an InstanceStore + HistoryStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ InstanceStore = (*SQLiteStore)(nil)
	_ HistoryStore  = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT,
			parent_id TEXT NOT NULL DEFAULT '',
			parent_call_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS history (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			call_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);`,
	)
	return err
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if inst.Err != nil {
		errStr = inst.Err.Error()
	}

	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow, status, input, output, error, parent_id, parent_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Workflow,
		string(inst.Status),
		input,
		output,
		errStr,
		inst.ParentID,
		inst.ParentCallID,
		createdAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if inst.Err != nil {
		errStr = inst.Err.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?, output = ?, error = ?
		WHERE id = ?`,
		string(inst.Status),
		output,
		errStr,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, status, input, output, error, parent_id, parent_call_id, created_at
		FROM instances
		WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, workflow, status, input, output, error, parent_id, parent_call_id, created_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func scanInstance(scan func(dest ...any) error) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var statusStr string
	var input, output []byte
	var errStr sql.NullString
	var createdAt int64

	if err := scan(&inst.ID, &inst.Workflow, &statusStr, &input, &output, &errStr, &inst.ParentID, &inst.ParentCallID, &createdAt); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CreatedAt = time.Unix(0, createdAt)

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	inst.Input = inVal

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	inst.Output = outVal

	if errStr.Valid && errStr.String != "" {
		inst.Err = errors.New(errStr.String)
	}
	return &inst, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		instanceID,
		owner,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID,
		owner,
	)
	return err
}

// AppendEvent assigns the next sequence number inside a transaction so two
// appends racing for the same instance cannot interleave into a corrupt
// history.
func (s *SQLiteStore) AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (api.HistoryEvent, error) {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return api.HistoryEvent{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.HistoryEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE instance_id = ?`, instanceID)
	if err := row.Scan(&next); err != nil {
		return api.HistoryEvent{}, err
	}

	ev.Seq = next
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (instance_id, seq, type, call_id, name, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		instanceID,
		ev.Seq,
		string(ev.Type),
		ev.CallID,
		ev.Name,
		payload,
		ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return api.HistoryEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return api.HistoryEvent{}, err
	}
	return ev, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, call_id, name, payload, at
		FROM history
		WHERE instance_id = ?
		ORDER BY seq`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.HistoryEvent
	for rows.Next() {
		var ev api.HistoryEvent
		var typeStr string
		var payload []byte
		var at int64

		if err := rows.Scan(&ev.Seq, &typeStr, &ev.CallID, &ev.Name, &payload, &at); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		ev.Timestamp = time.Unix(0, at)

		val, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = val

		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
