package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
	"kioskads/internal/store/migrations"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text comparison in SQL orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

// Store wraps the registry's SQLite database.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return migrations.MigrateUp(s.db)
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateKiosk registers a kiosk.
func (s *Store) CreateKiosk(ctx context.Context, name, location string, at time.Time) (model.Kiosk, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO kiosks (name, location, created_at) VALUES (?, ?, ?);`,
		name,
		location,
		formatTime(at),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return model.Kiosk{}, apperr.Validation(fmt.Sprintf("kiosk name %q already registered", name))
		}
		return model.Kiosk{}, fmt.Errorf("insert kiosk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Kiosk{}, fmt.Errorf("kiosk id: %w", err)
	}
	return model.Kiosk{ID: id, Name: name, Location: location, CreatedAt: at.UTC()}, nil
}

// GetKiosk loads a kiosk by id.
func (s *Store) GetKiosk(ctx context.Context, id int64) (model.Kiosk, error) {
	var (
		k         model.Kiosk
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, location, created_at FROM kiosks WHERE id = ?;`, id).
		Scan(&k.ID, &k.Name, &k.Location, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Kiosk{}, apperr.NotFound(fmt.Sprintf("kiosk %d not found", id))
	}
	if err != nil {
		return model.Kiosk{}, fmt.Errorf("get kiosk: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	return k, nil
}

// KioskExists reports whether id names a registered kiosk.
func (s *Store) KioskExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kiosks WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check kiosk: %w", err)
	}
	return true, nil
}

// ListKiosks returns every registered kiosk ordered by name.
func (s *Store) ListKiosks(ctx context.Context) ([]model.Kiosk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, location, created_at FROM kiosks ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query kiosks: %w", err)
	}
	defer rows.Close()

	var kiosks []model.Kiosk
	for rows.Next() {
		var (
			k         model.Kiosk
			createdAt string
		)
		if err := rows.Scan(&k.ID, &k.Name, &k.Location, &createdAt); err != nil {
			return nil, fmt.Errorf("scan kiosk: %w", err)
		}
		k.CreatedAt = parseTime(createdAt)
		kiosks = append(kiosks, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kiosks: %w", err)
	}
	return kiosks, nil
}

// InsertAd persists a new ad row and returns it with its assigned id.
func (s *Store) InsertAd(ctx context.Context, ad model.Ad) (model.Ad, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ads (content_ref, media_type, mime_type, kiosk_id, content_hash, byte_size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		ad.ContentRef,
		string(ad.MediaType),
		ad.MIMEType,
		nullableID(ad.Scope),
		ad.ContentHash,
		ad.ByteSize,
		formatTime(ad.CreatedAt),
		formatTime(ad.UpdatedAt),
	)
	if err != nil {
		return model.Ad{}, fmt.Errorf("insert ad: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Ad{}, fmt.Errorf("ad id: %w", err)
	}
	ad.ID = id
	ad.CreatedAt = ad.CreatedAt.UTC()
	ad.UpdatedAt = ad.UpdatedAt.UTC()
	return ad, nil
}

const adColumns = `a.id, a.content_ref, a.media_type, a.mime_type, a.kiosk_id, a.content_hash, a.byte_size, a.created_at, a.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAd(row rowScanner, extra ...any) (model.Ad, error) {
	var (
		ad        model.Ad
		media     string
		kioskID   sql.NullInt64
		createdAt string
		updatedAt string
	)
	dest := []any{&ad.ID, &ad.ContentRef, &media, &ad.MIMEType, &kioskID, &ad.ContentHash, &ad.ByteSize, &createdAt, &updatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Ad{}, err
	}
	ad.MediaType = model.MediaType(media)
	if kioskID.Valid {
		ad.Scope = model.KioskScope(kioskID.Int64)
	} else {
		ad.Scope = model.GlobalScope()
	}
	ad.CreatedAt = parseTime(createdAt)
	ad.UpdatedAt = parseTime(updatedAt)
	return ad, nil
}

// GetAd loads one ad row.
func (s *Store) GetAd(ctx context.Context, id int64) (model.Ad, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads a WHERE a.id = ?;`, id)
	ad, err := scanAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ad{}, apperr.NotFound(fmt.Sprintf("ad %d not found", id))
	}
	if err != nil {
		return model.Ad{}, fmt.Errorf("get ad: %w", err)
	}
	return ad, nil
}

// AdFilter narrows ListAds. Zero value lists everything.
type AdFilter struct {
	// Scope, when set, matches ads with exactly this scope.
	Scope *model.Scope
	// ApplicableTo, when set, matches ads that are global or scoped to this kiosk.
	ApplicableTo *int64
	MediaType    model.MediaType
}

// ListAds returns descriptors ordered newest first, joined with their kiosk name.
func (s *Store) ListAds(ctx context.Context, f AdFilter) ([]model.Descriptor, error) {
	query := `SELECT ` + adColumns + `, COALESCE(k.name, '') FROM ads a LEFT JOIN kiosks k ON a.kiosk_id = k.id WHERE 1=1`
	var args []any

	if f.Scope != nil {
		if id, ok := f.Scope.KioskID(); ok {
			query += ` AND a.kiosk_id = ?`
			args = append(args, id)
		} else {
			query += ` AND a.kiosk_id IS NULL`
		}
	}
	if f.ApplicableTo != nil {
		query += ` AND (a.kiosk_id IS NULL OR a.kiosk_id = ?)`
		args = append(args, *f.ApplicableTo)
	}
	if f.MediaType != "" {
		query += ` AND a.media_type = ?`
		args = append(args, string(f.MediaType))
	}
	query += ` ORDER BY a.created_at DESC, a.id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ads: %w", err)
	}
	defer rows.Close()

	descriptors := []model.Descriptor{}
	for rows.Next() {
		var kioskName string
		ad, err := scanAd(rows, &kioskName)
		if err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		descriptors = append(descriptors, model.Descriptor{Ad: ad, KioskName: kioskName})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ads: %w", err)
	}
	return descriptors, nil
}

// ApplicableAds returns the ads that are global or scoped to kioskID.
// Kiosk-specific ads come first, each group newest first.
func (s *Store) ApplicableAds(ctx context.Context, kioskID int64) ([]model.Ad, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+adColumns+` FROM ads a
		 WHERE a.kiosk_id IS NULL OR a.kiosk_id = ?
		 ORDER BY a.kiosk_id IS NULL ASC, a.created_at DESC, a.id DESC;`,
		kioskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query applicable ads: %w", err)
	}
	defer rows.Close()

	ads := []model.Ad{}
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applicable ads: %w", err)
	}
	return ads, nil
}

// CountModifiedSince counts applicable ads whose row changed after since.
func (s *Store) CountModifiedSince(ctx context.Context, kioskID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM ads WHERE (kiosk_id IS NULL OR kiosk_id = ?) AND updated_at > ?;`,
		kioskID,
		formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count modified ads: %w", err)
	}
	return n, nil
}

// UpdateAdScope changes an ad's scope and bumps updated_at.
func (s *Store) UpdateAdScope(ctx context.Context, id int64, scope model.Scope, at time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE ads SET kiosk_id = ?, updated_at = ? WHERE id = ?;`,
		nullableID(scope),
		formatTime(at),
		id,
	)
	if err != nil {
		return fmt.Errorf("update ad scope: %w", err)
	}
	return requireAffected(res, id)
}

// DeleteAd removes an ad row.
func (s *Store) DeleteAd(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ads WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete ad: %w", err)
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(fmt.Sprintf("ad %d not found", id))
	}
	return nil
}

func nullableID(scope model.Scope) sql.NullInt64 {
	if id, ok := scope.KioskID(); ok {
		return sql.NullInt64{Int64: id, Valid: true}
	}
	return sql.NullInt64{}
}
