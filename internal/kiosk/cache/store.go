package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
	"kioskads/internal/store/migrations"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

const (
	timeLayout    = "2006-01-02T15:04:05.000000000Z"
	cursorProfile = "default"
)

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

// Entry is the metadata of one cached ad. Its payload is read separately.
type Entry struct {
	Descriptor model.Descriptor
	CachedAt   time.Time
}

// ID is the cached ad's id.
func (e Entry) ID() int64 { return e.Descriptor.ID }

// Store is the kiosk's durable ad cache.
type Store struct {
	db   *sql.DB
	path string
}

// FileName is the database file used for kioskID.
func FileName(kioskID int64) string {
	return fmt.Sprintf("ads-kiosk-%d.db", kioskID)
}

// OpenStore opens (creating if needed) the cache database for kioskID under dir.
func OpenStore(ctx context.Context, dir string, kioskID int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	path := filepath.Join(dir, FileName(kioskID))
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	if err := migrations.Apply(db, schemaFiles, "schema"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Path is the database file backing s.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put records an ad together with its payload. Either both are stored or
// neither is; an existing entry for the same id is replaced.
func (s *Store) Put(ctx context.Context, d model.Descriptor, payload []byte, at time.Time) error {
	meta, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	_, kioskScoped := d.Scope.KioskID()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO entries (ad_id, descriptor, payload, content_hash, byte_size, kiosk_scoped, created_at, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ad_id) DO UPDATE SET
		   descriptor = excluded.descriptor,
		   payload = excluded.payload,
		   content_hash = excluded.content_hash,
		   byte_size = excluded.byte_size,
		   kiosk_scoped = excluded.kiosk_scoped,
		   created_at = excluded.created_at,
		   cached_at = excluded.cached_at;`,
		d.ID, string(meta), payload, d.ContentHash, int64(len(payload)), kioskScoped,
		formatTime(d.CreatedAt), formatTime(at),
	)
	if err != nil {
		return apperr.Storage(fmt.Sprintf("cache ad %d", d.ID), err)
	}
	return nil
}

// Get returns the metadata for id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT descriptor, cached_at FROM entries WHERE ad_id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.NotFound(fmt.Sprintf("ad %d not cached", id))
	}
	return e, err
}

// Payload returns the stored bytes for id.
func (s *Store) Payload(ctx context.Context, id int64) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entries WHERE ad_id = ?;`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("ad %d not cached", id))
	}
	if err != nil {
		return nil, apperr.Storage(fmt.Sprintf("read payload %d", id), err)
	}
	return b, nil
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE ad_id = ?;`, id)
	if err != nil {
		return false, apperr.Storage(fmt.Sprintf("purge ad %d", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("purge rows affected", err)
	}
	return n > 0, nil
}

// List returns every entry in playlist order: kiosk-specific ads first, each
// group newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT descriptor, cached_at FROM entries
		 ORDER BY kiosk_scoped DESC, created_at DESC, ad_id DESC;`,
	)
	if err != nil {
		return nil, apperr.Storage("list cache", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate cache", err)
	}
	return entries, nil
}

// Hashes maps every cached id to its content hash.
func (s *Store) Hashes(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ad_id, content_hash FROM entries;`)
	if err != nil {
		return nil, apperr.Storage("list cached ids", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, apperr.Storage("scan cached id", err)
		}
		out[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate cached ids", err)
	}
	return out, nil
}

// Count returns the number of cached ads.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries;`).Scan(&n); err != nil {
		return 0, apperr.Storage("count cache", err)
	}
	return n, nil
}

// Cursor returns the time of the last error-free reconciliation, or the zero
// time if there has been none.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT last_full_reconcile FROM sync_cursor WHERE profile = ?;`, cursorProfile).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperr.Storage("read sync cursor", err)
	}
	return parseTime(v), nil
}

// AdvanceCursor moves the cursor to at unless it already points later, and
// returns the resulting value.
func (s *Store) AdvanceCursor(ctx context.Context, at time.Time) (time.Time, error) {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sync_cursor (profile, last_full_reconcile) VALUES (?, ?)
		 ON CONFLICT(profile) DO UPDATE SET
		   last_full_reconcile = MAX(last_full_reconcile, excluded.last_full_reconcile);`,
		cursorProfile, formatTime(at),
	)
	if err != nil {
		return time.Time{}, apperr.Storage("advance sync cursor", err)
	}
	return s.Cursor(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var meta, cachedAt string
	if err := row.Scan(&meta, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, apperr.Storage("scan cache entry", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(meta), &e.Descriptor); err != nil {
		return Entry{}, apperr.Storage("decode cached descriptor", err)
	}
	e.CachedAt = parseTime(cachedAt)
	return e, nil
}
