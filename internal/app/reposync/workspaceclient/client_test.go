package workspaceclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseHandler(result string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"result\":%s}\n\n", result)
	}
}

func TestDocumentExists_CaseInsensitiveExactMatch(t *testing.T) {
	server := httptest.NewServer(sseHandler(`[{"id":"doc_1","title":"Octocat-Hello-Docs"}]`))
	defer server.Close()

	c := New(server.URL, server.Client(), nil)
	doc, ok, err := c.DocumentExists(context.Background(), "octocat-hello-docs")
	if err != nil {
		t.Fatalf("document exists: %v", err)
	}
	if !ok || doc.ID != "doc_1" {
		t.Fatalf("expected match doc_1, got %+v ok=%v", doc, ok)
	}
}

func TestDocumentExists_NoMatch(t *testing.T) {
	server := httptest.NewServer(sseHandler(`[{"id":"doc_1","title":"other-docs"}]`))
	defer server.Close()

	c := New(server.URL, server.Client(), nil)
	_, ok, err := c.DocumentExists(context.Background(), "octocat-hello-docs")
	if err != nil {
		t.Fatalf("document exists: %v", err)
	}
	if ok {
		t.Fatalf("expected no match")
	}
}

func TestCollectionsCreate_ExtractsID(t *testing.T) {
	server := httptest.NewServer(sseHandler(`{"collectionBlockId":"blk_9"}`))
	defer server.Close()

	c := New(server.URL, server.Client(), nil)
	id, err := c.CollectionsCreate(context.Background(), "page_1", CollectionSchema{
		Name:       "release_notes",
		Properties: []SchemaProperty{{Name: "title", Type: "text"}},
	})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if id != "blk_9" {
		t.Fatalf("expected blk_9, got %q", id)
	}
}
