// Package sqlite provides durable storage for the canonical ledger,
// materialized records, the parking queue, the dead-letter sink, and the
// materialization fault sink, backed by a single SQLite database file in
// WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/ledger"
	"github.com/agentstation/canonflow/pkg/materialize"
	"github.com/agentstation/canonflow/pkg/parking"
)

//go:embed schema.sql
var schemaSQL string

// Compile-time interface checks to ensure proper implementation.
var (
	_ ledger.Store           = (*Store)(nil)
	_ ledger.RecordStore     = (*Store)(nil)
	_ parking.Queue          = (*Store)(nil)
	_ parking.DeadLetterSink = (*Store)(nil)
	_ materialize.FaultSink  = (*Store)(nil)
)

// Store is a SQLite-backed implementation of every persistence contract
// in the system. SQLite supports one writer at a time, so the connection
// pool is limited to a single connection; WAL mode keeps reads available
// during writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and applies
// pragmas and the schema. Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Append records the observations of one update in a single transaction.
// An identical same-source value is a no-op for that field; a changed
// value marks the prior same-source row superseded and inserts a new row.
func (s *Store) Append(ctx context.Context, req ledger.AppendRequest) (ledger.AppendResult, error) {
	var result ledger.AppendResult
	if req.CanonicalID == "" {
		return result, errors.NewValidationError("canonical_id", "", "canonical id is required")
	}
	if req.SourceSystem == "" {
		return result, errors.NewValidationError("source_system", "", "source system is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.WrapStorage("append", "ledger", req.EntityType+"/"+req.CanonicalID, err)
	}
	defer tx.Rollback()

	observedAt := req.ObservedAt.UTC().Format(time.RFC3339Nano)

	for _, path := range sortedKeys(req.Values) {
		encoded, err := json.Marshal(req.Values[path])
		if err != nil {
			return ledger.AppendResult{}, errors.NewValidationError("fields", path, "value is not serializable")
		}

		var currentID int64
		var currentValue string
		err = tx.QueryRowContext(ctx, `
			SELECT id, value FROM observations
			WHERE entity_type = ? AND canonical_id = ? AND field_path = ? AND source_system = ?
			  AND superseded_at IS NULL`,
			req.EntityType, req.CanonicalID, path, req.SourceSystem,
		).Scan(&currentID, &currentValue)

		switch {
		case err == nil:
			if currentValue == string(encoded) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET superseded_at = ? WHERE id = ?`,
				observedAt, currentID,
			); err != nil {
				return ledger.AppendResult{}, errors.WrapStorage("append", "ledger", req.EntityType+"/"+req.CanonicalID, err)
			}
			result.SupersededPaths = append(result.SupersededPaths, path)
		case stderrors.Is(err, sql.ErrNoRows):
			// First observation from this source for this field.
		default:
			return ledger.AppendResult{}, errors.WrapStorage("append", "ledger", req.EntityType+"/"+req.CanonicalID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observations (entity_type, canonical_id, field_path, source_system, value, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			req.EntityType, req.CanonicalID, path, req.SourceSystem, string(encoded), observedAt,
		); err != nil {
			return ledger.AppendResult{}, errors.WrapStorage("append", "ledger", req.EntityType+"/"+req.CanonicalID, err)
		}
		result.AppendedPaths = append(result.AppendedPaths, path)
	}

	if err := tx.Commit(); err != nil {
		return ledger.AppendResult{}, errors.WrapStorage("append", "ledger", req.EntityType+"/"+req.CanonicalID, err)
	}
	return result, nil
}

// Read returns the full ledger for an entity, in append order per field.
func (s *Store) Read(ctx context.Context, entityType, canonicalID string) (*entities.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_path, source_system, value, observed_at, superseded_at
		FROM observations
		WHERE entity_type = ? AND canonical_id = ?
		ORDER BY id`,
		entityType, canonicalID,
	)
	if err != nil {
		return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
	}
	defer rows.Close()

	result := entities.NewLedger(entityType, canonicalID)
	for rows.Next() {
		var path, source, rawValue, rawObserved string
		var rawSuperseded sql.NullString
		if err := rows.Scan(&path, &source, &rawValue, &rawObserved, &rawSuperseded); err != nil {
			return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
		}

		obs := entities.Observation{SourceSystem: source}
		if err := json.Unmarshal([]byte(rawValue), &obs.Value); err != nil {
			return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
		}
		if obs.ObservedAt, err = time.Parse(time.RFC3339Nano, rawObserved); err != nil {
			return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
		}
		if rawSuperseded.Valid {
			t, err := time.Parse(time.RFC3339Nano, rawSuperseded.String)
			if err != nil {
				return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
			}
			obs.SupersededAt = &t
		}

		result.Fields[path] = append(result.Fields[path], obs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage("read", "ledger", entityType+"/"+canonicalID, err)
	}

	if len(result.Fields) == 0 {
		return nil, errors.NewNotFoundError("ledger", entityType+"/"+canonicalID)
	}
	return result, nil
}

// Save stores or overwrites the materialized record.
func (s *Store) Save(ctx context.Context, record *entities.MaterializedRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return errors.NewValidationError("record", record.CanonicalID, "record is not serializable")
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO materialized (entity_type, canonical_id, record)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_type, canonical_id) DO UPDATE SET record = excluded.record`,
		record.EntityType, record.CanonicalID, string(encoded),
	); err != nil {
		return errors.WrapStorage("save", "materialized", record.EntityType+"/"+record.CanonicalID, err)
	}
	return nil
}

// Get returns the materialized record for an entity.
func (s *Store) Get(ctx context.Context, entityType, canonicalID string) (*entities.MaterializedRecord, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM materialized WHERE entity_type = ? AND canonical_id = ?`,
		entityType, canonicalID,
	).Scan(&encoded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("materialized record", entityType+"/"+canonicalID)
	}
	if err != nil {
		return nil, errors.WrapStorage("get", "materialized", entityType+"/"+canonicalID, err)
	}

	var record entities.MaterializedRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return nil, errors.WrapStorage("get", "materialized", entityType+"/"+canonicalID, err)
	}
	return &record, nil
}

// Park adds an entry to the parking queue.
func (s *Store) Park(ctx context.Context, entry *entities.ParkedEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return errors.NewValidationError("entry", entry.ID, "entry is not serializable")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO parked (id, entry) VALUES (?, ?)`,
		entry.ID, string(encoded),
	); err != nil {
		return errors.WrapStorage("park", "parking", entry.ID, err)
	}
	return nil
}

// Drain removes and returns up to max entries in parked order. The rows
// are deleted in the same transaction that reads them, so a crashed or
// canceled pass loses nothing the caller did not explicitly requeue or
// finalize.
func (s *Store) Drain(ctx context.Context, max int) ([]*entities.ParkedEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapStorage("drain", "parking", "", err)
	}
	defer tx.Rollback()

	query := `SELECT seq, entry FROM parked ORDER BY seq`
	args := []any{}
	if max > 0 {
		query += ` LIMIT ?`
		args = append(args, max)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapStorage("drain", "parking", "", err)
	}
	defer rows.Close()

	var batch []*entities.ParkedEntry
	var seqs []int64
	for rows.Next() {
		var seq int64
		var encoded string
		if err := rows.Scan(&seq, &encoded); err != nil {
			return nil, errors.WrapStorage("drain", "parking", "", err)
		}
		var entry entities.ParkedEntry
		if err := json.Unmarshal([]byte(encoded), &entry); err != nil {
			return nil, errors.WrapStorage("drain", "parking", "", err)
		}
		batch = append(batch, &entry)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage("drain", "parking", "", err)
	}
	rows.Close()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM parked WHERE seq = ?`, seq); err != nil {
			return nil, errors.WrapStorage("drain", "parking", "", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapStorage("drain", "parking", "", err)
	}
	return batch, nil
}

// Requeue restores an entry previously removed by Drain. The entry goes
// to the back of the queue.
func (s *Store) Requeue(ctx context.Context, entry *entities.ParkedEntry) error {
	return s.Park(ctx, entry)
}

// Len returns the number of live parked entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parked`).Scan(&n); err != nil {
		return 0, errors.WrapStorage("len", "parking", "", err)
	}
	return n, nil
}

// Add moves an entry into the dead-letter table with the cause.
func (s *Store) Add(ctx context.Context, entry *entities.ParkedEntry, cause string) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return errors.NewValidationError("entry", entry.ID, "entry is not serializable")
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, entry, cause, dead_lettered_at)
		VALUES (?, ?, ?, ?)`,
		entry.ID, string(encoded), cause, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errors.WrapStorage("deadletter", "parking", entry.ID, err)
	}
	return nil
}

// List returns all dead letters, oldest first.
func (s *Store) List(ctx context.Context) ([]entities.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry, cause, dead_lettered_at FROM dead_letters ORDER BY seq`,
	)
	if err != nil {
		return nil, errors.WrapStorage("list", "deadletters", "", err)
	}
	defer rows.Close()

	var letters []entities.DeadLetter
	for rows.Next() {
		var encoded, cause, rawAt string
		if err := rows.Scan(&encoded, &cause, &rawAt); err != nil {
			return nil, errors.WrapStorage("list", "deadletters", "", err)
		}
		var letter entities.DeadLetter
		if err := json.Unmarshal([]byte(encoded), &letter.Entry); err != nil {
			return nil, errors.WrapStorage("list", "deadletters", "", err)
		}
		letter.Cause = cause
		if letter.DeadLetteredAt, err = time.Parse(time.RFC3339Nano, rawAt); err != nil {
			return nil, errors.WrapStorage("list", "deadletters", "", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage("list", "deadletters", "", err)
	}
	return letters, nil
}

// Record retains one materialization fault.
func (s *Store) Record(ctx context.Context, fault entities.Fault) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO faults (entity_type, canonical_id, field_path, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		fault.EntityType, fault.CanonicalID, fault.FieldPath, fault.Reason,
		fault.OccurredAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errors.WrapStorage("record", "faults", fault.EntityType+"/"+fault.CanonicalID, err)
	}
	return nil
}

// Faults returns all retained materialization faults, oldest first.
func (s *Store) Faults(ctx context.Context) ([]entities.Fault, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, canonical_id, field_path, reason, occurred_at FROM faults ORDER BY seq`,
	)
	if err != nil {
		return nil, errors.WrapStorage("list", "faults", "", err)
	}
	defer rows.Close()

	var faults []entities.Fault
	for rows.Next() {
		var fault entities.Fault
		var rawAt string
		if err := rows.Scan(&fault.EntityType, &fault.CanonicalID, &fault.FieldPath, &fault.Reason, &rawAt); err != nil {
			return nil, errors.WrapStorage("list", "faults", "", err)
		}
		if fault.OccurredAt, err = time.Parse(time.RFC3339Nano, rawAt); err != nil {
			return nil, errors.WrapStorage("list", "faults", "", err)
		}
		faults = append(faults, fault)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage("list", "faults", "", err)
	}
	return faults, nil
}

// sortedKeys returns the map keys in ascending order for deterministic
// row insertion.
func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
