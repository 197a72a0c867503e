package postgres

import (
	"context"
	"testing"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/DATA-DOG/go-sqlmock"
)

func TestStore_Put_UpsertsConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	s := New(db)
	mock.ExpectExec("INSERT INTO connections").WillReturnResult(sqlmock.NewResult(0, 1))

	record := domain.ConnectionRecord{
		RepoKey:           "octocat/hello",
		WorkspaceEndpoint: "https://workspace.example.com/jsonrpc",
		DocumentTitle:     "octocat-hello-docs",
		ConnectedAt:       time.Now().UTC(),
		LastUpdatedAt:     time.Now().UTC(),
	}
	if err := s.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_Get_NotFoundReturnsFalseNoError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	s := New(db)
	mock.ExpectQuery("SELECT \\* FROM connections").WillReturnRows(sqlmock.NewRows(nil))

	_, ok, err := s.Get(context.Background(), "missing/repo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestStore_UpdateCursor_RejectsRegression(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	s := New(db)
	columns := []string{
		"repo_key", "credential", "workspace_endpoint", "document_id", "document_title",
		"collection_ids", "owner_user", "connected_at", "last_updated_at", "last_synced_at",
		"last_processed_pr", "confidence", "auto_sync_enabled",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		"octocat/hello", "token", "https://workspace.example.com/jsonrpc", nil, "octocat-hello-docs",
		[]byte(`{}`), []byte(`{}`), time.Now(), time.Now(), nil,
		41, 0.8, true,
	)
	mock.ExpectQuery("SELECT \\* FROM connections").WillReturnRows(rows)

	pr40 := 40
	err = s.UpdateCursor(context.Background(), "octocat/hello", domain.CursorUpdate{LastProcessedPR: &pr40})
	if err == nil {
		t.Fatalf("expected regression to be rejected")
	}
	var stateErr *store.StateError
	if !asStateError(err, &stateErr) {
		t.Fatalf("expected *store.StateError, got %T: %v", err, err)
	}
}

func asStateError(err error, target **store.StateError) bool {
	se, ok := err.(*store.StateError)
	if !ok {
		return false
	}
	*target = se
	return true
}
