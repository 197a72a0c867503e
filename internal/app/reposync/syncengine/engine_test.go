package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/changeprocessor"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/memory"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
)

type fakeProvider struct{}

func (fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return `{"isSignificant":false}`, nil
}

func newFakeWorkspace(t *testing.T, documentsListReply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "documents_list" {
			fmt.Fprintf(w, `{"result":%s}`, documentsListReply)
			return
		}
		fmt.Fprint(w, `{"result":[]}`)
	})
	return httptest.NewServer(mux)
}

func newFakeVCS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	return httptest.NewServer(mux)
}

func TestRunCycleForConnection_RemovesConnectionWhenRemoteDocumentGone(t *testing.T) {
	ws := newFakeWorkspace(t, `[]`)
	defer ws.Close()
	vcs := newFakeVCS(t)
	defer vcs.Close()

	st := memory.New("")
	conn := domain.ConnectionRecord{RepoKey: "octocat/hello", WorkspaceEndpoint: ws.URL, DocumentTitle: "octocat-hello-docs", DocumentID: "doc_1", AutoSyncEnabled: true}
	if err := st.Put(context.Background(), conn); err != nil {
		t.Fatalf("seed: %v", err)
	}

	oracle := oracleclient.New(fakeProvider{}, nil)
	proc := changeprocessor.New(st, oracle, vcs.URL, nil)
	engine := New(st, proc, vcs.URL, nil)

	if _, err := engine.TriggerOne(context.Background(), "octocat/hello"); err != nil {
		t.Fatalf("trigger one: %v", err)
	}

	if _, found, _ := st.Get(context.Background(), "octocat/hello"); found {
		t.Fatalf("expected connection to be removed when remote document no longer exists")
	}
}

func TestRunCycleForConnection_AdvancesCursorOnCleanCycle(t *testing.T) {
	ws := newFakeWorkspace(t, `[{"id":"doc_1","title":"octocat-hello-docs"}]`)
	defer ws.Close()
	vcs := newFakeVCS(t)
	defer vcs.Close()

	st := memory.New("")
	conn := domain.ConnectionRecord{RepoKey: "octocat/hello", WorkspaceEndpoint: ws.URL, DocumentTitle: "octocat-hello-docs", DocumentID: "doc_1", AutoSyncEnabled: true}
	if err := st.Put(context.Background(), conn); err != nil {
		t.Fatalf("seed: %v", err)
	}

	oracle := oracleclient.New(fakeProvider{}, nil)
	proc := changeprocessor.New(st, oracle, vcs.URL, nil)
	engine := New(st, proc, vcs.URL, nil)

	if _, err := engine.TriggerOne(context.Background(), "octocat/hello"); err != nil {
		t.Fatalf("trigger one: %v", err)
	}

	stored, found, err := st.Get(context.Background(), "octocat/hello")
	if err != nil || !found {
		t.Fatalf("expected connection to remain, found=%v err=%v", found, err)
	}
	if stored.LastSyncedAt == nil {
		t.Fatalf("expected lastSyncedAt to be set after a clean cycle")
	}
}

func TestRunCycleForConnection_SkipsCommitSweepOnFirstCycle(t *testing.T) {
	ws := newFakeWorkspace(t, `[{"id":"doc_1","title":"octocat-hello-docs"}]`)
	defer ws.Close()

	requestedCommits := false
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/commits", func(w http.ResponseWriter, r *http.Request) {
		requestedCommits = true
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	vcs := httptest.NewServer(mux)
	defer vcs.Close()

	st := memory.New("")
	conn := domain.ConnectionRecord{RepoKey: "octocat/hello", WorkspaceEndpoint: ws.URL, DocumentTitle: "octocat-hello-docs", DocumentID: "doc_1", AutoSyncEnabled: true}
	if err := st.Put(context.Background(), conn); err != nil {
		t.Fatalf("seed: %v", err)
	}

	oracle := oracleclient.New(fakeProvider{}, nil)
	proc := changeprocessor.New(st, oracle, vcs.URL, nil)
	engine := New(st, proc, vcs.URL, nil)

	if _, err := engine.TriggerOne(context.Background(), "octocat/hello"); err != nil {
		t.Fatalf("trigger one: %v", err)
	}
	if requestedCommits {
		t.Fatalf("expected first sweep (nil lastSyncedAt) to skip commit processing entirely")
	}
}

func TestTriggerOne_UnknownRepoKeyIsError(t *testing.T) {
	st := memory.New("")
	oracle := oracleclient.New(fakeProvider{}, nil)
	proc := changeprocessor.New(st, oracle, "https://vcs.invalid", nil)
	engine := New(st, proc, "https://vcs.invalid", nil)

	if _, err := engine.TriggerOne(context.Background(), "missing/repo"); err == nil {
		t.Fatalf("expected error for unknown repoKey")
	}
}

func TestFilterMergeCommits_DropsMergeMessages(t *testing.T) {
	commits := []vcsclient.Commit{
		{SHA: "a", Message: "Merge pull request #1 from feature/x"},
		{SHA: "b", Message: "fix bug"},
	}
	filtered := filterMergeCommits(commits)
	if len(filtered) != 1 || filtered[0].SHA != "b" {
		t.Fatalf("expected only the non-merge commit to remain, got %+v", filtered)
	}
}
