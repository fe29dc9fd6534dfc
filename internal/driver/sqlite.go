package driver

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLite implements the full graph contract.
var _ GraphDriver = (*SQLite)(nil)

// SQLite is a GraphDriver backed by a single SQLite database: records with
// embeddings plus a relationships table. Vector search is brute-force cosine
// over all live rows, which holds up well below ~100K records.
//
// The same implementation serves both tiers; the fast tier simply never
// calls the graph methods.
type SQLite struct {
	db *sql.DB

	// Now is the clock used for expiry; tests override it.
	Now func() time.Time
}

// OpenSQLite opens (or creates) a database file named name.db under dataDir
// and applies pending migrations. Pass ":memory:" as dataDir for an
// in-memory database (used by tests).
func OpenSQLite(dataDir, name string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, name+".db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db, Now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	metaJSON := "{}"
	if len(rec.Payload.Metadata) > 0 {
		b, err := json.Marshal(rec.Payload.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata for %s: %w", rec.ID, err)
		}
		metaJSON = string(b)
	}

	createdAt := rec.Payload.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.Now().UTC()
	}
	updatedAt := rec.Payload.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	expiresAt := ""
	if !rec.Payload.ExpiresAt.IsZero() {
		expiresAt = rec.Payload.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, embedding, content, metadata_json, tier, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			content = excluded.content,
			metadata_json = excluded.metadata_json,
			tier = excluded.tier,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		rec.ID, encodeFloat32s(rec.Vector), rec.Payload.Content, metaJSON, rec.Payload.Tier,
		createdAt.Format(time.RFC3339), updatedAt.UTC().Format(time.RFC3339), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, embedding, content, metadata_json, tier, created_at, updated_at, expires_at
		FROM records WHERE id = ?`, id)

	rec, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if s.expired(rec) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM relationships WHERE from_id = ? OR to_id = ?", id, id); err != nil {
		return fmt.Errorf("deleting relationships for %s: %w", id, err)
	}
	return nil
}

// VectorSearch scans id + embedding only, tracks top-K in a min-heap, and
// never loads full payloads. Expired rows are skipped.
func (s *SQLite) VectorSearch(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	now := s.Now().UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM records
		WHERE embedding IS NOT NULL AND (expires_at = '' OR expires_at > ?)`, now)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(blob) == 0 {
			continue
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		m := Match{ID: id, Distance: cosineDistance(vector, buf)}
		if h.Len() < k {
			heap.Push(h, m)
		} else if m.Distance < (*h)[0].Distance {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

func (s *SQLite) FilterSearch(ctx context.Context, pred Predicate) ([]string, error) {
	now := s.Now().UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metadata_json FROM records
		WHERE expires_at = '' OR expires_at > ?`, now)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if pred == nil {
			ids = append(ids, id)
			continue
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("parsing metadata for %s: %w", id, err)
		}
		if pred(id, meta) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// Related walks the relationships table breadth-first, one query per hop.
func (s *SQLite) Related(ctx context.Context, id, relationType string, maxDepth int) ([]Relation, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Relation

	for hop := 1; hop <= maxDepth && len(frontier) > 0; hop++ {
		args := make([]interface{}, 0, len(frontier)+1)
		for _, f := range frontier {
			args = append(args, f)
		}
		query := `SELECT DISTINCT to_id FROM relationships WHERE from_id IN (?` +
			strings.Repeat(",?", len(frontier)-1) + `)`
		if relationType != "" {
			query += " AND rel_type = ?"
			args = append(args, relationType)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying relationships at hop %d: %w", hop, err)
		}

		var next []string
		for rows.Next() {
			var to string
			if err := rows.Scan(&to); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning relationship: %w", err)
			}
			if visited[to] {
				continue
			}
			visited[to] = true
			out = append(out, Relation{ID: to, Hop: hop})
			next = append(next, to)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating relationships: %w", err)
		}
		rows.Close()
		frontier = next
	}
	return out, nil
}

func (s *SQLite) CreateRelationship(ctx context.Context, from, to, relationType string, props map[string]string) error {
	for _, id := range []string{from, to} {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("checking record %s: %w", id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}

	propsJSON := "{}"
	if len(props) > 0 {
		b, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("marshalling relationship props: %w", err)
		}
		propsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (from_id, to_id, rel_type, props_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, rel_type) DO UPDATE SET props_json = excluded.props_json`,
		from, to, relationType, propsJSON, s.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting relationship %s->%s: %w", from, to, err)
	}
	return nil
}

// SweepExpired deletes rows whose expiry has passed and returns how many
// were removed. The maintenance scheduler calls this periodically.
func (s *SQLite) SweepExpired(ctx context.Context) (int, error) {
	now := s.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE expires_at != '' AND expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of live records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	now := s.Now().UTC().Format(time.RFC3339)
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE expires_at = '' OR expires_at > ?", now).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLite) scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var blob []byte
	var metaJSON, createdAt, updatedAt, expiresAt string
	if err := row.Scan(&rec.ID, &blob, &rec.Payload.Content, &metaJSON, &rec.Payload.Tier,
		&createdAt, &updatedAt, &expiresAt); err != nil {
		return Record{}, err
	}

	if len(blob) > 0 {
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return Record{}, fmt.Errorf("decoding embedding for %s: %w", rec.ID, err)
		}
		rec.Vector = vec
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Payload.Metadata); err != nil {
			return Record{}, fmt.Errorf("parsing metadata for %s: %w", rec.ID, err)
		}
	}

	var err error
	if rec.Payload.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", rec.ID, err)
	}
	if rec.Payload.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at for %s: %w", rec.ID, err)
	}
	if expiresAt != "" {
		if rec.Payload.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
			return Record{}, fmt.Errorf("parsing expires_at for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (s *SQLite) expired(rec Record) bool {
	return !rec.Payload.ExpiresAt.IsZero() && s.Now().After(rec.Payload.ExpiresAt)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it to avoid
// per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// matchHeap is a max-heap on Distance so the worst candidate sits at the
// root during top-K selection.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
