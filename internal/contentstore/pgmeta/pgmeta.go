// Package pgmeta implements contentstore.MetaStore over the `content` and
// `content_roots` tables (spec §6), following the same BaseStore pattern
// as internal/store/postgres.
package pgmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nodalwatch/ace/internal/contentstore"
	"github.com/nodalwatch/ace/internal/domain"
	storepkg "github.com/nodalwatch/ace/pkg/storage/postgres"
)

// Store is the Postgres-backed contentstore.MetaStore.
type Store struct {
	content *storepkg.BaseStore
	roots   *storepkg.BaseStore
}

// New wraps db. Its schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{
		content: storepkg.NewBaseStore(db, "content"),
		roots:   storepkg.NewBaseStore(db, "content_roots"),
	}
}

var _ contentstore.MetaStore = (*Store)(nil)

func (s *Store) PutMeta(ctx context.Context, meta *domain.ContentMetadata) error {
	custom, err := json.Marshal(meta.Custom)
	if err != nil {
		return fmt.Errorf("put content meta %s: encode custom: %w", meta.SHA256, err)
	}

	_, err = s.content.ExecContext(ctx,
		`INSERT INTO content (sha256, size, name, insert_date, expiration_date, custom_json)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sha256) DO UPDATE SET
		   name = EXCLUDED.name, expiration_date = EXCLUDED.expiration_date,
		   custom_json = EXCLUDED.custom_json`,
		meta.SHA256, meta.Size, meta.Name, meta.InsertDate, meta.ExpirationDate, custom)
	if err != nil {
		return fmt.Errorf("put content meta %s: %w", meta.SHA256, err)
	}

	for root := range meta.Roots {
		if err := s.addRootRefTx(ctx, meta.SHA256, root); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addRootRefTx(ctx context.Context, sha256Hex, rootUUID string) error {
	_, err := s.roots.ExecContext(ctx,
		`INSERT INTO content_roots (sha256, root_uuid) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		sha256Hex, rootUUID)
	if err != nil {
		return fmt.Errorf("add root ref %s -> %s: %w", sha256Hex, rootUUID, err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, sha256Hex string) (*domain.ContentMetadata, error) {
	row := s.content.QueryRowContext(ctx,
		`SELECT size, name, insert_date, expiration_date, custom_json FROM content WHERE sha256 = $1`,
		sha256Hex)

	var (
		size    int64
		name    string
		insert  time.Time
		expires sql.NullTime
		custom  []byte
	)
	if err := row.Scan(&size, &name, &insert, &expires, &custom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrContentNotFound
		}
		return nil, fmt.Errorf("get content meta %s: %w", sha256Hex, err)
	}

	meta := &domain.ContentMetadata{
		SHA256:     sha256Hex,
		Size:       size,
		Name:       name,
		InsertDate: insert,
		Roots:      make(map[string]struct{}),
	}
	if expires.Valid {
		meta.ExpirationDate = &expires.Time
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &meta.Custom); err != nil {
			return nil, fmt.Errorf("get content meta %s: decode custom: %w", sha256Hex, err)
		}
	}

	rows, err := s.roots.QueryContext(ctx,
		`SELECT root_uuid FROM content_roots WHERE sha256 = $1`, sha256Hex)
	if err != nil {
		return nil, fmt.Errorf("get content meta %s: roots: %w", sha256Hex, err)
	}
	defer rows.Close()
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("get content meta %s: scan root: %w", sha256Hex, err)
		}
		meta.Roots[root] = struct{}{}
	}
	return meta, rows.Err()
}

func (s *Store) DeleteMeta(ctx context.Context, sha256Hex string) error {
	if _, err := s.roots.ExecContext(ctx,
		`DELETE FROM content_roots WHERE sha256 = $1`, sha256Hex); err != nil {
		return fmt.Errorf("delete content meta %s: roots: %w", sha256Hex, err)
	}
	if _, err := s.content.ExecContext(ctx,
		`DELETE FROM content WHERE sha256 = $1`, sha256Hex); err != nil {
		return fmt.Errorf("delete content meta %s: %w", sha256Hex, err)
	}
	return nil
}

func (s *Store) AddRootRef(ctx context.Context, sha256Hex, rootUUID string) error {
	return s.addRootRefTx(ctx, sha256Hex, rootUUID)
}

func (s *Store) RemoveRootRef(ctx context.Context, sha256Hex, rootUUID string) error {
	_, err := s.roots.ExecContext(ctx,
		`DELETE FROM content_roots WHERE sha256 = $1 AND root_uuid = $2`, sha256Hex, rootUUID)
	if err != nil {
		return fmt.Errorf("remove root ref %s -> %s: %w", sha256Hex, rootUUID, err)
	}
	return nil
}

// RemoveRoot strips rootUUID from every content_roots row referencing it
// and returns the sha256 hexes left with no remaining root reference.
func (s *Store) RemoveRoot(ctx context.Context, rootUUID string) ([]string, error) {
	rows, err := s.roots.QueryContext(ctx,
		`SELECT sha256 FROM content_roots WHERE root_uuid = $1`, rootUUID)
	if err != nil {
		return nil, fmt.Errorf("remove root %s: select: %w", rootUUID, err)
	}
	var affected []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			rows.Close()
			return nil, fmt.Errorf("remove root %s: scan: %w", rootUUID, err)
		}
		affected = append(affected, sha)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := s.roots.ExecContext(ctx,
		`DELETE FROM content_roots WHERE root_uuid = $1`, rootUUID); err != nil {
		return nil, fmt.Errorf("remove root %s: delete: %w", rootUUID, err)
	}

	var emptied []string
	for _, sha := range affected {
		row := s.roots.QueryRowContext(ctx,
			`SELECT count(*) FROM content_roots WHERE sha256 = $1`, sha)
		var count int
		if err := row.Scan(&count); err != nil {
			return nil, fmt.Errorf("remove root %s: count: %w", rootUUID, err)
		}
		if count == 0 {
			emptied = append(emptied, sha)
		}
	}
	return emptied, nil
}

func (s *Store) ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.content.QueryContext(ctx,
		`SELECT sha256 FROM content WHERE expiration_date IS NOT NULL AND expiration_date <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("expired content candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, fmt.Errorf("expired content candidates: scan: %w", err)
		}
		out = append(out, sha)
	}
	return out, rows.Err()
}
