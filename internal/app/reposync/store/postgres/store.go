// Package postgres is the relational implementation of the repository
// store, built on sqlx over the connections/sync_history tables.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/jmoiron/sqlx"
)

// Store persists ConnectionRecords to Postgres via sqlx.
type Store struct {
	db       *sqlx.DB
	keyLocks sync.Map // normalized repoKey -> *sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New wraps an existing *sql.DB (already opened and migrated by the caller)
// in a sqlx handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func (s *Store) lockFor(repoKey string) *sync.Mutex {
	key := store.NormalizeRepoKey(repoKey)
	actual, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

type connectionRow struct {
	RepoKey           string         `db:"repo_key"`
	Credential        string         `db:"credential"`
	WorkspaceEndpoint string         `db:"workspace_endpoint"`
	DocumentID        sql.NullString `db:"document_id"`
	DocumentTitle     string         `db:"document_title"`
	CollectionIDs     []byte         `db:"collection_ids"`
	OwnerUser         []byte         `db:"owner_user"`
	ConnectedAt       time.Time      `db:"connected_at"`
	LastUpdatedAt     time.Time      `db:"last_updated_at"`
	LastSyncedAt      sql.NullTime   `db:"last_synced_at"`
	LastProcessedPR   sql.NullInt64  `db:"last_processed_pr"`
	Confidence        sql.NullFloat64 `db:"confidence"`
	AutoSyncEnabled   bool           `db:"auto_sync_enabled"`
}

func toRow(record domain.ConnectionRecord) (connectionRow, error) {
	collectionIDs, err := json.Marshal(record.CollectionIDs)
	if err != nil {
		return connectionRow{}, err
	}
	ownerUser, err := json.Marshal(record.OwnerUser)
	if err != nil {
		return connectionRow{}, err
	}
	row := connectionRow{
		RepoKey:           record.RepoKey,
		Credential:        record.Credential,
		WorkspaceEndpoint: record.WorkspaceEndpoint,
		DocumentTitle:     record.DocumentTitle,
		CollectionIDs:     collectionIDs,
		OwnerUser:         ownerUser,
		ConnectedAt:       record.ConnectedAt,
		LastUpdatedAt:     record.LastUpdatedAt,
		AutoSyncEnabled:   record.AutoSyncEnabled,
		Confidence:        sql.NullFloat64{Float64: record.Confidence, Valid: true},
	}
	if record.DocumentID != "" {
		row.DocumentID = sql.NullString{String: record.DocumentID, Valid: true}
	}
	if record.LastSyncedAt != nil {
		row.LastSyncedAt = sql.NullTime{Time: *record.LastSyncedAt, Valid: true}
	}
	if record.LastProcessedPR != nil {
		row.LastProcessedPR = sql.NullInt64{Int64: int64(*record.LastProcessedPR), Valid: true}
	}
	return row, nil
}

func fromRow(row connectionRow) (domain.ConnectionRecord, error) {
	record := domain.ConnectionRecord{
		RepoKey:           row.RepoKey,
		Credential:        row.Credential,
		WorkspaceEndpoint: row.WorkspaceEndpoint,
		DocumentTitle:     row.DocumentTitle,
		ConnectedAt:       row.ConnectedAt,
		LastUpdatedAt:     row.LastUpdatedAt,
		AutoSyncEnabled:   row.AutoSyncEnabled,
	}
	if row.DocumentID.Valid {
		record.DocumentID = row.DocumentID.String
	}
	if row.LastSyncedAt.Valid {
		t := row.LastSyncedAt.Time
		record.LastSyncedAt = &t
	}
	if row.LastProcessedPR.Valid {
		pr := int(row.LastProcessedPR.Int64)
		record.LastProcessedPR = &pr
	}
	if row.Confidence.Valid {
		record.Confidence = row.Confidence.Float64
	}
	if len(row.CollectionIDs) > 0 {
		if err := json.Unmarshal(row.CollectionIDs, &record.CollectionIDs); err != nil {
			return domain.ConnectionRecord{}, err
		}
	}
	if len(row.OwnerUser) > 0 {
		if err := json.Unmarshal(row.OwnerUser, &record.OwnerUser); err != nil {
			return domain.ConnectionRecord{}, err
		}
	}
	return record, nil
}

// Initialize is a no-op for the Postgres store: reads always hit the
// database directly, so there is no in-memory index to rebuild.
func (s *Store) Initialize(ctx context.Context) error {
	return nil
}

func (s *Store) Put(ctx context.Context, record domain.ConnectionRecord) error {
	lock := s.lockFor(record.RepoKey)
	lock.Lock()
	defer lock.Unlock()

	row, err := toRow(record)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO connections (
			repo_key, credential, workspace_endpoint, document_id, document_title,
			collection_ids, owner_user, connected_at, last_updated_at, last_synced_at,
			last_processed_pr, confidence, auto_sync_enabled
		) VALUES (
			:repo_key, :credential, :workspace_endpoint, :document_id, :document_title,
			:collection_ids, :owner_user, :connected_at, :last_updated_at, :last_synced_at,
			:last_processed_pr, :confidence, :auto_sync_enabled
		)
		ON CONFLICT (repo_key) DO UPDATE SET
			credential = EXCLUDED.credential,
			workspace_endpoint = EXCLUDED.workspace_endpoint,
			document_id = EXCLUDED.document_id,
			document_title = EXCLUDED.document_title,
			collection_ids = EXCLUDED.collection_ids,
			owner_user = EXCLUDED.owner_user,
			last_updated_at = EXCLUDED.last_updated_at,
			last_synced_at = EXCLUDED.last_synced_at,
			last_processed_pr = EXCLUDED.last_processed_pr,
			confidence = EXCLUDED.confidence,
			auto_sync_enabled = EXCLUDED.auto_sync_enabled
	`, row)
	return err
}

func (s *Store) Get(ctx context.Context, repoKey string) (domain.ConnectionRecord, bool, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM connections WHERE lower(repo_key) = lower($1)`, repoKey)
	if err == sql.ErrNoRows {
		return domain.ConnectionRecord{}, false, nil
	}
	if err != nil {
		return domain.ConnectionRecord{}, false, err
	}
	record, err := fromRow(row)
	if err != nil {
		return domain.ConnectionRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) Delete(ctx context.Context, repoKey string) error {
	lock := s.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE lower(repo_key) = lower($1)`, repoKey)
	return err
}

func (s *Store) All(ctx context.Context) ([]domain.ConnectionRecord, error) {
	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM connections ORDER BY repo_key`); err != nil {
		return nil, err
	}
	out := make([]domain.ConnectionRecord, 0, len(rows))
	for _, row := range rows {
		record, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) UpdateCursor(ctx context.Context, repoKey string, update domain.CursorUpdate) error {
	lock := s.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := s.Get(ctx, repoKey)
	if err != nil {
		return err
	}
	if !found {
		return &store.StateError{Reason: "updateCursor: unknown repoKey " + repoKey}
	}
	if update.LastProcessedPR != nil {
		if existing.LastProcessedPR != nil && *update.LastProcessedPR < *existing.LastProcessedPR {
			return &store.StateError{Reason: "updateCursor: lastProcessedPR regression"}
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE connections SET
			last_processed_pr = COALESCE($2, last_processed_pr),
			last_synced_at = COALESCE($3, last_synced_at),
			last_updated_at = $4
		WHERE lower(repo_key) = lower($1)
	`, repoKey, nullableInt(update.LastProcessedPR), nullableTime(update.LastSyncedAt), time.Now().UTC())
	return err
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// RecordSyncHistory appends a row to the optional sync_history audit table.
func (s *Store) RecordSyncHistory(ctx context.Context, repoKey string, prNumber *int, commitSHA string, syncType string, significant bool, changeType, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (repo_key, pr_number, commit_sha, sync_type, is_significant, change_type, summary, synced_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8)
	`, repoKey, nullableInt(prNumber), commitSHA, syncType, significant, changeType, summary, time.Now().UTC())
	return err
}
