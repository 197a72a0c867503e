package changeprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/memory"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
)

type fakeProvider struct{ reply string }

func (f fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, nil
}

type recordedCall struct {
	method string
	params json.RawMessage
}

func newFakeWorkspace(t *testing.T) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(body, &req)
		calls = append(calls, recordedCall{method: req.Method, params: req.Params})
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "blocks_get":
			fmt.Fprint(w, `{"result":[]}`)
		default:
			fmt.Fprint(w, `{"result":{}}`)
		}
	})
	return httptest.NewServer(mux), &calls
}

func newFakeVCS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"title":"Add public API","body":"adds a new endpoint","merged_at":"2026-01-01T00:00:00Z","base":{"ref":"main"},"user":{"login":"octocat"}}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	return httptest.NewServer(mux)
}

func seedConnection(t *testing.T, st *memory.Store, wsURL string) {
	t.Helper()
	err := st.Put(context.Background(), domain.ConnectionRecord{
		RepoKey: "octocat/hello", Credential: "token", WorkspaceEndpoint: wsURL,
		DocumentID: "doc_1", DocumentTitle: "octocat-hello-docs",
		CollectionIDs: domain.CollectionIDs{ReleaseNotes: "col_rn", ADRs: "col_adr", EngineeringTasks: "col_task", DocHistory: "col_hist"},
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func TestOnPullRequest_PromotesReleaseNoteForMajorImpact(t *testing.T) {
	vcs := newFakeVCS(t)
	defer vcs.Close()
	ws, calls := newFakeWorkspace(t)
	defer ws.Close()

	st := memory.New("")
	seedConnection(t, st, ws.URL)

	reply := `{"changeType":"feature","impactLevel":"major","publicAPIChanges":true,"summary":"adds endpoint","confidence":0.8}`
	oracle := oracleclient.New(fakeProvider{reply: reply}, nil)
	p := New(st, oracle, vcs.URL, nil)

	if err := p.OnPullRequest(context.Background(), "octocat/hello", 7); err != nil {
		t.Fatalf("on pull request: %v", err)
	}

	var sawReleaseNote, sawHistory bool
	for _, c := range *calls {
		switch c.method {
		case "collectionItems_add":
			if string(c.params) != "" {
				if strings.Contains(string(c.params), `"col_rn"`) {
					sawReleaseNote = true
				}
				if strings.Contains(string(c.params), `"col_hist"`) {
					sawHistory = true
				}
			}
		}
	}
	if !sawReleaseNote {
		t.Fatalf("expected a release-notes item for major-impact feature PR")
	}
	if !sawHistory {
		t.Fatalf("expected a doc_history item for every processed PR")
	}
}

func TestOnCommits_InsignificantBatchRecordsNothing(t *testing.T) {
	ws, calls := newFakeWorkspace(t)
	defer ws.Close()

	st := memory.New("")
	seedConnection(t, st, ws.URL)

	oracle := oracleclient.New(fakeProvider{reply: `{"isSignificant":false}`}, nil)
	p := New(st, oracle, "https://vcs.invalid", nil)

	commits := []vcsclient.Commit{{SHA: "abc123", Message: "typo fix", Date: time.Now()}}
	if err := p.OnCommits(context.Background(), "octocat/hello", commits, nil); err != nil {
		t.Fatalf("on commits: %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("expected no workspace calls for an insignificant batch, got %d", len(*calls))
	}
}

func TestOnCommits_SignificantBatchRecordsHistoryAndTasks(t *testing.T) {
	ws, calls := newFakeWorkspace(t)
	defer ws.Close()

	st := memory.New("")
	seedConnection(t, st, ws.URL)

	reply := `{"isSignificant":true,"impactLevel":"minor","summary":"refactor internals","suggestedTasks":["write more tests"],"confidence":0.6}`
	oracle := oracleclient.New(fakeProvider{reply: reply}, nil)
	p := New(st, oracle, "https://vcs.invalid", nil)

	commits := []vcsclient.Commit{{SHA: "abc123", Message: "refactor core", Date: time.Now()}}
	if err := p.OnCommits(context.Background(), "octocat/hello", commits, []string{"core.go"}); err != nil {
		t.Fatalf("on commits: %v", err)
	}

	var sawTask, sawHistory bool
	for _, c := range *calls {
		if c.method == "collectionItems_add" {
			if strings.Contains(string(c.params), `"col_task"`) {
				sawTask = true
			}
			if strings.Contains(string(c.params), `"col_hist"`) {
				sawHistory = true
			}
		}
	}
	if !sawTask {
		t.Fatalf("expected suggested task to be inserted")
	}
	if !sawHistory {
		t.Fatalf("expected doc_history entry for significant commit batch")
	}
}

func TestComputeVersion(t *testing.T) {
	now := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)
	if v := computeVersion(domain.ImpactMajor, now); v != "v2026.03.0" {
		t.Fatalf("expected major version v2026.03.0, got %s", v)
	}
	if v := computeVersion(domain.ImpactMinor, now); v != "v2026.03.05" {
		t.Fatalf("expected minor version v2026.03.05, got %s", v)
	}
	if v := computeVersion(domain.ImpactPatch, now); v != "v2026.03.05-patch" {
		t.Fatalf("expected patch version v2026.03.05-patch, got %s", v)
	}
}

