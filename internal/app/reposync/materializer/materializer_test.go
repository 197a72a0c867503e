package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/memory"
)

type fakeProvider struct{ reply string }

func (f fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, nil
}

// newFakeWorkspace returns a JSON-RPC server that answers every method this
// package calls with a minimal valid reply, counting collections_create
// calls so tests can assert all four were attempted.
func newFakeWorkspace(t *testing.T, documentsListReply string) (*httptest.Server, *int32) {
	t.Helper()
	var collectionsCreated int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "documents_list":
			fmt.Fprintf(w, `{"result":%s}`, documentsListReply)
		case "documents_create":
			fmt.Fprint(w, `{"result":{"id":"doc_new"}}`)
		case "markdown_add", "blocks_update", "blocks_delete", "collectionItems_add":
			fmt.Fprint(w, `{"result":{}}`)
		case "blocks_get":
			fmt.Fprint(w, `{"result":[]}`)
		case "collections_create":
			n := atomic.AddInt32(&collectionsCreated, 1)
			fmt.Fprintf(w, `{"result":{"id":"col_%d"}}`, n)
		default:
			fmt.Fprint(w, `{"result":null}`)
		}
	})
	return httptest.NewServer(mux), &collectionsCreated
}

func newFakeVCS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tree":[{"path":"main.go","type":"blob","size":100}]}`)
	})
	mux.HandleFunc("/repos/octocat/hello/readme", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"`+`IyBIZWxsbw==`+`","encoding":"base64"}`)
	})
	mux.HandleFunc("/repos/octocat/hello/languages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Go":12345}`)
	})
	mux.HandleFunc("/repos/octocat/hello/contents/go.mod", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"bW9kdWxlIGhlbGxv","encoding":"base64"}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return httptest.NewServer(mux)
}

func TestAnalyse_CreatesDocumentAndFourCollections(t *testing.T) {
	vcs := newFakeVCS(t)
	defer vcs.Close()
	ws, collectionsCreated := newFakeWorkspace(t, `[]`)
	defer ws.Close()

	st := memory.New("")
	oracle := oracleclient.New(fakeProvider{reply: `{"overview":{"projectName":"Hello"},"confidence":0.9}`}, nil)
	m := New(st, oracle, vcs.URL, nil)

	result, err := m.Analyse(context.Background(), "octocat/hello", "token", ws.URL, "main", domain.Owner{Login: "octocat"})
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if result.Existing {
		t.Fatalf("expected a freshly created document")
	}
	if result.DocumentID != "doc_new" {
		t.Fatalf("expected doc_new, got %q", result.DocumentID)
	}
	if atomic.LoadInt32(collectionsCreated) != 4 {
		t.Fatalf("expected 4 collections created, got %d", *collectionsCreated)
	}
	if !result.CollectionIDs.IsComplete() {
		t.Fatalf("expected all four collection ids to be set, got %+v", result.CollectionIDs)
	}

	stored, found, err := st.Get(context.Background(), "octocat/hello")
	if err != nil || !found {
		t.Fatalf("expected connection record to be persisted, found=%v err=%v", found, err)
	}
	if stored.DocumentID != "doc_new" || !stored.CollectionIDs.IsComplete() {
		t.Fatalf("expected persisted record to carry document and collection ids, got %+v", stored)
	}
}

func TestAnalyse_IdempotentWhenAlreadyConnected(t *testing.T) {
	ws, collectionsCreated := newFakeWorkspace(t, `[]`)
	defer ws.Close()

	st := memory.New("")
	if err := st.Put(context.Background(), domain.ConnectionRecord{RepoKey: "octocat/hello", DocumentID: "doc_existing", DocumentTitle: "octocat-hello-docs"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	oracle := oracleclient.New(fakeProvider{reply: `{}`}, nil)
	m := New(st, oracle, "https://vcs.invalid", nil)

	result, err := m.Analyse(context.Background(), "octocat/hello", "token", ws.URL, "main", domain.Owner{})
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if !result.Existing || result.DocumentID != "doc_existing" {
		t.Fatalf("expected idempotence gate to short-circuit, got %+v", result)
	}
	if atomic.LoadInt32(collectionsCreated) != 0 {
		t.Fatalf("expected no workspace mutation when already connected")
	}
}

func TestAnalyse_HydratesFromWorkspaceWhenStoreIsEmptyButDocumentExists(t *testing.T) {
	ws, collectionsCreated := newFakeWorkspace(t, `[{"id":"doc_remote","title":"octocat-hello-docs"}]`)
	defer ws.Close()

	st := memory.New("")
	oracle := oracleclient.New(fakeProvider{reply: `{}`}, nil)
	m := New(st, oracle, "https://vcs.invalid", nil)

	result, err := m.Analyse(context.Background(), "octocat/hello", "token", ws.URL, "main", domain.Owner{})
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if !result.Existing || result.DocumentID != "doc_remote" {
		t.Fatalf("expected hydration from workspace probe, got %+v", result)
	}
	if atomic.LoadInt32(collectionsCreated) != 0 {
		t.Fatalf("expected no new collections when hydrating existing document")
	}

	stored, found, err := st.Get(context.Background(), "octocat/hello")
	if err != nil || !found || stored.DocumentID != "doc_remote" {
		t.Fatalf("expected hydrated record to be persisted, found=%v stored=%+v err=%v", found, stored, err)
	}
}

func TestQuickLinksMarkdown_ReferencesAllFourCollections(t *testing.T) {
	md := quickLinksMarkdown(domain.CollectionIDs{ReleaseNotes: "a", ADRs: "b", EngineeringTasks: "c", DocHistory: "d"})
	for _, id := range []string{"a", "b", "c", "d"} {
		if !strings.Contains(md, id) {
			t.Fatalf("expected quick links markdown to reference %q, got %q", id, md)
		}
	}
}
