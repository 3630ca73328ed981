// Package sqlite provides the SQLite metadata store
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shivavenkatesh/medarchive/internal/store"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// iteratePageSize is the keyset page size used by Iterate
const iteratePageSize = 256

// Store implements store.Store using SQLite
type Store struct {
	db   *sql.DB
	path string

	// wmu serializes writers; SQLite allows one at a time anyway and this
	// keeps the duplicate check and the insert in one critical section.
	wmu sync.Mutex

	fmu     sync.RWMutex
	indexed map[string]bool // conventionally indexed clinical fields
}

var _ store.Store = (*Store)(nil)

// Config configures the SQLite store
type Config struct {
	Path   string // Path to database file
	Driver string // "sqlite3" (mattn, default) or "sqlite" (modernc)
}

// New creates a new SQLite store
func New(cfg Config) (*Store, error) {
	db, err := Open(cfg.Path, cfg.Driver)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		path:    cfg.Path,
		indexed: make(map[string]bool),
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadIndexedFields(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load index catalog: %w", err)
	}

	return s, nil
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	schema := `
	-- Scan records
	CREATE TABLE IF NOT EXISTS scans (
		scan_id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		clinical TEXT NOT NULL DEFAULT '{}', -- JSON
		blob_ref TEXT NOT NULL,
		vector BLOB, -- float32 array as bytes
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_patient ON scans(patient_id, scan_id);
	CREATE INDEX IF NOT EXISTS idx_scans_blob ON scans(blob_ref);

	-- Conventional index: one row per (scan, indexed field)
	CREATE TABLE IF NOT EXISTS scan_fields (
		scan_id TEXT NOT NULL,
		field TEXT NOT NULL,
		value_text TEXT NOT NULL,
		value_num REAL,
		PRIMARY KEY (scan_id, field)
	);

	CREATE INDEX IF NOT EXISTS idx_scan_fields_text ON scan_fields(field, value_text);
	CREATE INDEX IF NOT EXISTS idx_scan_fields_num ON scan_fields(field, value_num);

	-- Index catalog
	CREATE TABLE IF NOT EXISTS index_catalog (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		definition TEXT NOT NULL -- JSON
	);

	-- Lifecycle phase markers
	CREATE TABLE IF NOT EXISTS archive_phases (
		phase TEXT PRIMARY KEY,
		completed_at TEXT NOT NULL
	);

	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Insert initial version if not exists
	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadIndexedFields(ctx context.Context) error {
	infos, err := s.Indexes(ctx)
	if err != nil {
		return err
	}
	fields := make(map[string]bool)
	for _, info := range infos {
		if info.Kind != types.IndexConventional {
			continue
		}
		for _, f := range info.Fields {
			fields[f] = true
		}
	}
	s.fmu.Lock()
	s.indexed = fields
	s.fmu.Unlock()
	return nil
}

func (s *Store) indexedFields() map[string]bool {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	return s.indexed
}

// Insert creates a new record
func (s *Store) Insert(ctx context.Context, rec *types.ScanRecord) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.StorageFault("begin insert", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM scans WHERE scan_id = ?", rec.ScanID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: scan %s", types.ErrDuplicateKey, rec.ScanID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.StorageFault("check scan "+rec.ScanID, err)
	}

	if err := s.insertTx(ctx, tx, rec); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: scan %s", types.ErrDuplicateKey, rec.ScanID)
		}
		return types.StorageFault("insert scan "+rec.ScanID, err)
	}

	if err := tx.Commit(); err != nil {
		return types.StorageFault("commit scan "+rec.ScanID, err)
	}
	return nil
}

// Replace inserts or overwrites a record
func (s *Store) Replace(ctx context.Context, rec *types.ScanRecord) (*types.ScanRecord, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.StorageFault("begin replace", err)
	}
	defer tx.Rollback()

	prev, err := scanRecord(tx.QueryRowContext(ctx, selectScan+" WHERE scan_id = ?", rec.ScanID))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, types.StorageFault("read scan "+rec.ScanID, err)
	}

	if prev != nil {
		if err := deleteTx(ctx, tx, rec.ScanID); err != nil {
			return nil, types.StorageFault("replace scan "+rec.ScanID, err)
		}
	}
	if err := s.insertTx(ctx, tx, rec); err != nil {
		return nil, types.StorageFault("replace scan "+rec.ScanID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.StorageFault("commit scan "+rec.ScanID, err)
	}
	return prev, nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, rec *types.ScanRecord) error {
	clinical, err := json.Marshal(rec.ClinicalFields)
	if err != nil {
		return fmt.Errorf("failed to marshal clinical fields: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (scan_id, patient_id, clinical, blob_ref, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ScanID,
		rec.PatientID,
		string(clinical),
		rec.BlobRef,
		float32ToBytesAlloc(rec.FeatureVector),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	indexed := s.indexedFields()
	for field, value := range rec.ClinicalFields {
		if !indexed[field] {
			continue
		}
		if err := insertField(ctx, tx, rec.ScanID, field, value); err != nil {
			return err
		}
	}
	return nil
}

func insertField(ctx context.Context, tx *sql.Tx, scanID, field, value string) error {
	var num any
	if f, ok := types.ParseNumber(value); ok {
		num = f
	}
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO scan_fields (scan_id, field, value_text, value_num) VALUES (?, ?, ?, ?)",
		scanID, field, value, num)
	return err
}

func deleteTx(ctx context.Context, tx *sql.Tx, scanID string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM scan_fields WHERE scan_id = ?", scanID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM scans WHERE scan_id = ?", scanID)
	return err
}

// isConstraintViolation recognises primary key failures from both drivers
func isConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

const selectScan = `SELECT scan_id, patient_id, clinical, blob_ref, vector, created_at FROM scans`

// Get retrieves a record by scan id
func (s *Store) Get(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectScan+" WHERE scan_id = ?", scanID))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("scan %s: %w", scanID, types.ErrNotFound)
		}
		return nil, types.StorageFault("get scan "+scanID, err)
	}
	return rec, nil
}

// Delete removes a record by scan id
func (s *Store) Delete(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.StorageFault("begin delete", err)
	}
	defer tx.Rollback()

	prev, err := scanRecord(tx.QueryRowContext(ctx, selectScan+" WHERE scan_id = ?", scanID))
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageFault("read scan "+scanID, err)
	}
	if err := deleteTx(ctx, tx, scanID); err != nil {
		return nil, types.StorageFault("delete scan "+scanID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.StorageFault("commit delete "+scanID, err)
	}
	return prev, nil
}

// Find returns matching records with pagination
func (s *Store) Find(ctx context.Context, pred types.Predicate, opts store.FindOptions) ([]*types.ScanRecord, error) {
	records := []*types.ScanRecord{}
	skipped := 0
	for rec, err := range s.Iterate(ctx, pred) {
		if err != nil {
			return nil, err
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		records = append(records, rec)
		if opts.Limit > 0 && len(records) >= opts.Limit {
			break
		}
	}
	return records, nil
}

// Iterate yields matching records in scan id order, one page at a time.
// Conditions on patient_id and indexed fields are pushed into SQL; the
// full predicate is then checked on every row.
func (s *Store) Iterate(ctx context.Context, pred types.Predicate) iter.Seq2[*types.ScanRecord, error] {
	return func(yield func(*types.ScanRecord, error) bool) {
		if err := pred.Validate(); err != nil {
			yield(nil, err)
			return
		}
		where, args := s.pushdown(pred)

		after := ""
		for {
			page, err := s.page(ctx, where, args, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !pred.Match(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < iteratePageSize {
				return
			}
			after = page[len(page)-1].ScanID
		}
	}
}

func (s *Store) page(ctx context.Context, where []string, args []any, after string) ([]*types.ScanRecord, error) {
	conds := append([]string{"s.scan_id > ?"}, where...)
	query := fmt.Sprintf(`
		SELECT s.scan_id, s.patient_id, s.clinical, s.blob_ref, s.vector, s.created_at
		FROM scans s
		WHERE %s
		ORDER BY s.scan_id
		LIMIT ?`, strings.Join(conds, " AND "))

	qargs := make([]any, 0, len(args)+2)
	qargs = append(qargs, after)
	qargs = append(qargs, args...)
	qargs = append(qargs, iteratePageSize)

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, types.StorageFault("query scans", err)
	}
	defer rows.Close()

	var page []*types.ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, types.StorageFault("scan row", err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageFault("query scans", err)
	}
	return page, nil
}

var sqlOps = map[types.Operator]string{
	types.OpEq:  "=",
	types.OpNe:  "<>",
	types.OpLt:  "<",
	types.OpLte: "<=",
	types.OpGt:  ">",
	types.OpGte: ">=",
}

// pushdown translates the conditions SQL can answer from indexes
func (s *Store) pushdown(pred types.Predicate) ([]string, []any) {
	indexed := s.indexedFields()
	var where []string
	var args []any

	for _, c := range pred {
		if c.Field == types.FieldPatientID {
			switch c.Op {
			case types.OpEq:
				where = append(where, "s.patient_id = ?")
				args = append(args, c.Value)
			case types.OpIn:
				where = append(where, "s.patient_id IN ("+placeholders(len(c.Values))+")")
				for _, v := range c.Values {
					args = append(args, v)
				}
			}
			continue
		}
		if !indexed[c.Field] {
			continue
		}

		const exists = "EXISTS (SELECT 1 FROM scan_fields f WHERE f.scan_id = s.scan_id AND f.field = ? AND %s)"
		switch {
		case c.Op == types.OpIn:
			where = append(where, fmt.Sprintf(exists, "f.value_text IN ("+placeholders(len(c.Values))+")"))
			args = append(args, c.Field)
			for _, v := range c.Values {
				args = append(args, v)
			}
		case c.Op.IsRange():
			if n, ok := c.Numeric(); ok {
				where = append(where, fmt.Sprintf(exists, "f.value_num "+sqlOps[c.Op]+" ?"))
				args = append(args, c.Field, n)
			} else {
				where = append(where, fmt.Sprintf(exists, "f.value_text "+sqlOps[c.Op]+" ?"))
				args = append(args, c.Field, c.Value)
			}
		default:
			where = append(where, fmt.Sprintf(exists, "f.value_text "+sqlOps[c.Op]+" ?"))
			args = append(args, c.Field, c.Value)
		}
	}
	return where, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Count returns the number of records
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scans").Scan(&count); err != nil {
		return 0, types.StorageFault("count scans", err)
	}
	return count, nil
}

// BlobRefs returns every referenced blob id
func (s *Store) BlobRefs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT blob_ref FROM scans")
	if err != nil {
		return nil, types.StorageFault("list blob refs", err)
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, types.StorageFault("scan blob ref", err)
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*types.StatsResponse, error) {
	stats := &types.StatsResponse{
		ScansByPatient: make(map[string]int),
	}

	// Total count
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scans").Scan(&stats.TotalScans); err != nil {
		return nil, types.StorageFault("get total count", err)
	}

	// Count by patient
	rows, err := s.db.QueryContext(ctx, "SELECT patient_id, COUNT(*) FROM scans GROUP BY patient_id")
	if err != nil {
		return nil, types.StorageFault("get patient counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var patient string
		var count int
		if err := rows.Scan(&patient, &count); err != nil {
			return nil, types.StorageFault("scan patient count", err)
		}
		stats.ScansByPatient[patient] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageFault("get patient counts", err)
	}
	stats.PatientCount = len(stats.ScansByPatient)

	if stats.Indexes, err = s.Indexes(ctx); err != nil {
		return nil, err
	}
	if stats.CompletedPhases, err = s.Phases(ctx); err != nil {
		return nil, err
	}

	// Storage size
	if info, err := os.Stat(s.path); err == nil {
		stats.StorageBytes = info.Size()
	}

	return stats, nil
}

// Indexes returns the index catalog ordered by name
func (s *Store) Indexes(ctx context.Context) ([]types.IndexInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT definition FROM index_catalog ORDER BY name")
	if err != nil {
		return nil, types.StorageFault("read index catalog", err)
	}
	defer rows.Close()

	infos := []types.IndexInfo{}
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, types.StorageFault("scan index definition", err)
		}
		var info types.IndexInfo
		if err := json.Unmarshal([]byte(def), &info); err != nil {
			return nil, fmt.Errorf("%w: index definition: %w", types.ErrCorruption, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// PutIndex records an index definition and backfills conventional indexes
func (s *Store) PutIndex(ctx context.Context, info types.IndexInfo) error {
	def, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal index definition: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.StorageFault("begin index update", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO index_catalog (name, kind, definition) VALUES (?, ?, ?)",
		info.Name, info.Kind, string(def)); err != nil {
		return types.StorageFault("write index "+info.Name, err)
	}

	var added []string
	if info.Kind == types.IndexConventional {
		current := s.indexedFields()
		for _, f := range info.Fields {
			if !current[f] {
				added = append(added, f)
			}
		}
		if err := backfill(ctx, tx, added); err != nil {
			return types.StorageFault("backfill index "+info.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.StorageFault("commit index "+info.Name, err)
	}
	if len(added) > 0 {
		return s.loadIndexedFields(ctx)
	}
	return nil
}

// backfill adds scan_fields rows for newly indexed fields
func backfill(ctx context.Context, tx *sql.Tx, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	rows, err := tx.QueryContext(ctx, "SELECT scan_id, clinical FROM scans")
	if err != nil {
		return err
	}
	type entry struct {
		scanID   string
		clinical map[string]string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var raw string
		if err := rows.Scan(&e.scanID, &raw); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(raw), &e.clinical); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		for _, f := range fields {
			if v, ok := e.clinical[f]; ok {
				if err := insertField(ctx, tx, e.scanID, f, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// MarkPhase records a completed lifecycle phase
func (s *Store) MarkPhase(ctx context.Context, phase string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO archive_phases (phase, completed_at) VALUES (?, ?)",
		phase, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return types.StorageFault("mark phase "+phase, err)
	}
	return nil
}

// Phases returns completed phases in completion order
func (s *Store) Phases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT phase FROM archive_phases ORDER BY completed_at, phase")
	if err != nil {
		return nil, types.StorageFault("read phases", err)
	}
	defer rows.Close()

	phases := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, types.StorageFault("scan phase", err)
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// Drop removes every record, index definition and phase marker
func (s *Store) Drop(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.StorageFault("begin drop", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"scan_fields", "scans", "index_catalog", "archive_phases"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return types.StorageFault("drop "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return types.StorageFault("commit drop", err)
	}

	s.fmu.Lock()
	s.indexed = make(map[string]bool)
	s.fmu.Unlock()
	return nil
}

// Close releases resources
func (s *Store) Close() error {
	return s.db.Close()
}

// Compact optimizes storage
func (s *Store) Compact(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single row into a ScanRecord
func scanRecord(row rowScanner) (*types.ScanRecord, error) {
	var rec types.ScanRecord
	var clinical string
	var vector []byte
	var created string

	err := row.Scan(&rec.ScanID, &rec.PatientID, &clinical, &rec.BlobRef, &vector, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(clinical), &rec.ClinicalFields); err != nil {
		return nil, fmt.Errorf("%w: scan %s clinical fields: %w", types.ErrCorruption, rec.ScanID, err)
	}
	rec.FeatureVector = bytesToFloat32Alloc(vector)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	return &rec, nil
}
