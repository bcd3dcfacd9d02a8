// Package postgres is the durable Store backend: *sql.DB via lib/pq,
// hand-rolled SQL in the teacher's BaseStore style, tables matching
// spec.md §6 "Persisted state" verbatim.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nodalwatch/ace/internal/domain"
	storepkg "github.com/nodalwatch/ace/pkg/storage/postgres"
)

// Store is the Postgres-backed tracking store.
type Store struct {
	roots   *storepkg.BaseStore
	details *storepkg.BaseStore
	ars     *storepkg.BaseStore
	links   *storepkg.BaseStore
}

// New wraps db as a Store. db's schema must already be migrated (see
// internal/platform/migrations).
func New(db *sql.DB) *Store {
	return &Store{
		roots:   storepkg.NewBaseStore(db, "roots"),
		details: storepkg.NewBaseStore(db, "analysis_details"),
		ars:     storepkg.NewBaseStore(db, "analysis_requests"),
		links:   storepkg.NewBaseStore(db, "linked_requests"),
	}
}

// GetRoot implements store.Store.
func (s *Store) GetRoot(ctx context.Context, rootUUID string) (*domain.RootAnalysis, error) {
	row := s.roots.QueryRowContext(ctx,
		`SELECT json FROM roots WHERE uuid = $1`, rootUUID)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRootNotFound
		}
		return nil, fmt.Errorf("get root %s: %w", rootUUID, err)
	}

	var root domain.RootAnalysis
	if err := json.Unmarshal(blob, &root); err != nil {
		return nil, fmt.Errorf("get root %s: decode: %w", rootUUID, err)
	}
	return &root, nil
}

// CreateRoot implements store.Store.
func (s *Store) CreateRoot(ctx context.Context, root *domain.RootAnalysis) (string, error) {
	root.Version = uuid.NewString()
	now := time.Now().UTC()
	root.SubmittedAt = now
	root.UpdatedAt = now

	blob, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("create root %s: encode: %w", root.UUID, err)
	}

	_, err = s.roots.ExecContext(ctx,
		`INSERT INTO roots (uuid, version, json) VALUES ($1, $2, $3)`,
		root.UUID, root.Version, blob)
	if err != nil {
		if isUniqueViolation(err) {
			return "", &domain.StaleVersionError{RootID: root.UUID}
		}
		return "", fmt.Errorf("create root %s: %w", root.UUID, err)
	}
	return root.Version, nil
}

// SaveRoot implements store.Store: compare-and-swap on version via a
// conditional UPDATE, the SQL analogue of the teacher's in-memory
// PersistentState.CompareAndSwap.
func (s *Store) SaveRoot(ctx context.Context, root *domain.RootAnalysis) (string, error) {
	wanted := root.Version
	root.Version = uuid.NewString()
	root.UpdatedAt = time.Now().UTC()

	blob, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("save root %s: encode: %w", root.UUID, err)
	}

	result, err := s.roots.ExecContext(ctx,
		`UPDATE roots SET version = $1, json = $2 WHERE uuid = $3 AND version = $4`,
		root.Version, blob, root.UUID, wanted)
	if err != nil {
		return "", fmt.Errorf("save root %s: %w", root.UUID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("save root %s: rows affected: %w", root.UUID, err)
	}
	if rows == 0 {
		current, getErr := s.GetRoot(ctx, root.UUID)
		if getErr != nil {
			return "", getErr
		}
		return "", &domain.StaleVersionError{RootID: root.UUID, Wanted: wanted, Current: current.Version}
	}
	return root.Version, nil
}

// DeleteRoot implements store.Store.
func (s *Store) DeleteRoot(ctx context.Context, rootUUID string) error {
	root, err := s.GetRoot(ctx, rootUUID)
	if err != nil && !errors.Is(err, domain.ErrRootNotFound) {
		return fmt.Errorf("delete root %s: %w", rootUUID, err)
	}
	if _, err := s.roots.ExecContext(ctx, `DELETE FROM roots WHERE uuid = $1`, rootUUID); err != nil {
		return fmt.Errorf("delete root %s: %w", rootUUID, err)
	}
	if root == nil {
		return nil
	}
	for _, a := range root.Analyses {
		if a.DetailsID == "" {
			continue
		}
		if _, err := s.details.ExecContext(ctx, `DELETE FROM analysis_details WHERE uuid = $1`, a.DetailsID); err != nil {
			return fmt.Errorf("delete root %s details: %w", rootUUID, err)
		}
	}
	return nil
}

// GetDetails implements store.Store.
func (s *Store) GetDetails(ctx context.Context, detailsUUID string) ([]byte, error) {
	row := s.details.QueryRowContext(ctx,
		`SELECT blob FROM analysis_details WHERE uuid = $1`, detailsUUID)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUnknownObservable
		}
		return nil, fmt.Errorf("get details %s: %w", detailsUUID, err)
	}
	return blob, nil
}

// PutDetails implements store.Store.
func (s *Store) PutDetails(ctx context.Context, detailsUUID string, blob []byte) error {
	_, err := s.details.ExecContext(ctx,
		`INSERT INTO analysis_details (uuid, blob) VALUES ($1, $2)
		 ON CONFLICT (uuid) DO UPDATE SET blob = EXCLUDED.blob`,
		detailsUUID, blob)
	if err != nil {
		return fmt.Errorf("put details %s: %w", detailsUUID, err)
	}
	return nil
}

// TrackRequest implements store.Store.
func (s *Store) TrackRequest(ctx context.Context, ar *domain.AnalysisRequest) error {
	blob, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("track request %s: encode: %w", ar.ID, err)
	}

	var cacheKey any
	if ar.CacheKey != "" {
		cacheKey = ar.CacheKey
	}

	_, err = s.ars.ExecContext(ctx,
		`INSERT INTO analysis_requests (id, cache_key, amt_name, root_uuid, owner, status, deadline, json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   cache_key = EXCLUDED.cache_key, amt_name = EXCLUDED.amt_name,
		   root_uuid = EXCLUDED.root_uuid, owner = EXCLUDED.owner,
		   status = EXCLUDED.status, deadline = EXCLUDED.deadline, json = EXCLUDED.json`,
		ar.ID, cacheKey, ar.AMTName, ar.RootUUID, ar.Owner, string(ar.Status), ar.Deadline, blob)
	if err != nil {
		return fmt.Errorf("track request %s: %w", ar.ID, err)
	}
	return nil
}

// DeleteRequest implements store.Store.
func (s *Store) DeleteRequest(ctx context.Context, id string) (bool, error) {
	result, err := s.ars.ExecContext(ctx, `DELETE FROM analysis_requests WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete request %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete request %s: rows affected: %w", id, err)
	}
	if rows > 0 {
		if _, err := s.links.ExecContext(ctx,
			`DELETE FROM linked_requests WHERE src_id = $1 OR dest_id = $1`, id); err != nil {
			return true, fmt.Errorf("delete request %s: links: %w", id, err)
		}
	}
	return rows > 0, nil
}

func (s *Store) scanRequest(row *sql.Row) (*domain.AnalysisRequest, error) {
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var ar domain.AnalysisRequest
	if err := json.Unmarshal(blob, &ar); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &ar, nil
}

// ByCacheKey implements store.Store.
func (s *Store) ByCacheKey(ctx context.Context, cacheKey string) (*domain.AnalysisRequest, error) {
	ar, err := s.scanRequest(s.ars.QueryRowContext(ctx,
		`SELECT json FROM analysis_requests WHERE cache_key = $1`, cacheKey))
	if err != nil {
		return nil, fmt.Errorf("by cache key %s: %w", cacheKey, err)
	}
	return ar, nil
}

// ByRequestID implements store.Store.
func (s *Store) ByRequestID(ctx context.Context, id string) (*domain.AnalysisRequest, error) {
	ar, err := s.scanRequest(s.ars.QueryRowContext(ctx,
		`SELECT json FROM analysis_requests WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("by request id %s: %w", id, err)
	}
	return ar, nil
}

// ByRoot implements store.Store.
func (s *Store) ByRoot(ctx context.Context, rootUUID string) ([]*domain.AnalysisRequest, error) {
	rows, err := s.ars.QueryContext(ctx,
		`SELECT json FROM analysis_requests WHERE root_uuid = $1`, rootUUID)
	if err != nil {
		return nil, fmt.Errorf("by root %s: %w", rootUUID, err)
	}
	defer rows.Close()

	var out []*domain.AnalysisRequest
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("by root %s: scan: %w", rootUUID, err)
		}
		var ar domain.AnalysisRequest
		if err := json.Unmarshal(blob, &ar); err != nil {
			return nil, fmt.Errorf("by root %s: decode: %w", rootUUID, err)
		}
		out = append(out, &ar)
	}
	return out, rows.Err()
}

// LinkRequests implements store.Store.
func (s *Store) LinkRequests(ctx context.Context, src, dest string) error {
	_, err := s.links.ExecContext(ctx,
		`INSERT INTO linked_requests (src_id, dest_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, src, dest)
	if err != nil {
		return fmt.Errorf("link requests %s -> %s: %w", src, dest, err)
	}
	return nil
}

// Linked implements store.Store.
func (s *Store) Linked(ctx context.Context, src string) ([]string, error) {
	rows, err := s.links.QueryContext(ctx,
		`SELECT dest_id FROM linked_requests WHERE src_id = $1`, src)
	if err != nil {
		return nil, fmt.Errorf("linked %s: %w", src, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, fmt.Errorf("linked %s: scan: %w", src, err)
		}
		out = append(out, dest)
	}
	return out, rows.Err()
}

// ExpiredRequests implements store.Store.
func (s *Store) ExpiredRequests(ctx context.Context, now time.Time) ([]*domain.AnalysisRequest, error) {
	rows, err := s.ars.QueryContext(ctx,
		`SELECT json FROM analysis_requests WHERE deadline < $1 AND deadline > $2`,
		now, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("expired requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.AnalysisRequest
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("expired requests: scan: %w", err)
		}
		var ar domain.AnalysisRequest
		if err := json.Unmarshal(blob, &ar); err != nil {
			return nil, fmt.Errorf("expired requests: decode: %w", err)
		}
		out = append(out, &ar)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
